package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected at build time via ldflags)
var (
	AppVersion = "development"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) error {
	fmt.Printf("Episcope %s\n", AppVersion)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n", GitCommit)
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		// Still useful without a valid configuration.
		fmt.Printf("Configuration: unavailable (%v)\n", err)
		return nil
	}

	fmt.Println("Configuration:")
	fmt.Printf("  Model: %s\n", cfg.ModelName)
	fmt.Printf("  Embedder: %s\n", cfg.EmbedderModel)
	fmt.Printf("  Chunking: %d tokens / %d overlap\n", cfg.ChunkSize, cfg.ChunkOverlap)
	fmt.Printf("  Hybrid alpha: %.2f  top-k: %d\n", cfg.HybridAlpha, cfg.TopK)
	fmt.Printf("  Postgres: %s:%d/%s\n", cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresDBName)

	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		fmt.Printf("  GEMINI_API_KEY: %s...%s (configured)\n", key[:4], key[len(key)-4:])
	} else {
		fmt.Println("  GEMINI_API_KEY: Not set")
		fmt.Println()
		fmt.Println("Hint: export GEMINI_API_KEY=your-api-key")
	}
	return nil
}
