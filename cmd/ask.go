package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/episcope/episcope/internal/app"
)

var askShowSources bool

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question about surveillance events",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askShowSources, "sources", false, "list the events behind the answer")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := app.GetOrInit(ctx, cfg, newLogger())
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	question := strings.Join(args, " ")
	answer, err := a.System.Answer(ctx, question, nil)
	if err != nil {
		return err
	}

	fmt.Println(answer.Text)

	if askShowSources && len(answer.Sources) > 0 {
		fmt.Println("\nSources:")
		for _, src := range answer.Sources {
			fmt.Printf("  Event #%s  %s  %s (%s)\n", src.EventID, src.Date, src.Hazard, src.Location)
		}
	}
	return nil
}
