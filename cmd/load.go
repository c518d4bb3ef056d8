package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/episcope/episcope/internal/app"
)

var loadForce bool

var loadCmd = &cobra.Command{
	Use:   "load [snapshot.xlsx]",
	Short: "Load the first snapshot into an empty index",
	Args:  cobra.ExactArgs(1),
	RunE:  runLoad,
}

func init() {
	loadCmd.Flags().BoolVar(&loadForce, "force", false, "load even if the index already holds data")
	rootCmd.AddCommand(loadCmd)
}

func runLoad(cmd *cobra.Command, args []string) error {
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

	if !loadForce {
		n, err := a.Index.Count(ctx)
		if err != nil {
			return fmt.Errorf("checking index: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("index already holds %d chunks; use 'update' for new snapshots or --force to reload", n)
		}
	}

	out, err := a.System.ApplyUpdate(ctx, args[0], "cli")
	if err != nil {
		return err
	}
	printOutcome(out)
	return nil
}
