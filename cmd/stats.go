package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/episcope/episcope/internal/app"
)

var statsResync bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index contents and update history",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsResync, "resync", false, "reconcile recorded totals with actual index contents first")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
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

	if statsResync {
		if _, err := a.Versions.Resync(ctx, a.Index); err != nil {
			return fmt.Errorf("resyncing metadata: %w", err)
		}
	}

	stats, err := a.System.Statistics(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Events:  %d\n", stats.TotalEvents)
	fmt.Printf("Chunks:  %d\n", stats.TotalChunks)
	if !stats.DateMin.IsZero() {
		fmt.Printf("Range:   %s to %s\n",
			stats.DateMin.Format("2006-01-02"), stats.DateMax.Format("2006-01-02"))
	}
	fmt.Printf("Updates: %d\n", stats.UpdateCount)

	if stats.Current != nil {
		c := stats.Current
		fmt.Printf("\nCurrent version: %s (%s)\n", c.ID, c.Status)
		fmt.Printf("  source: %s  recorded: %s\n", c.SourceFile, c.RecordedAt.Format("2006-01-02 15:04"))
		fmt.Printf("  new: %d  modified: %d  deleted: %d\n", c.NewEvents, c.ModifiedEvents, c.DeletedEvents)
	}

	if len(stats.TopHazards) > 0 {
		fmt.Println("\nTop hazards:")
		for _, h := range stats.TopHazards {
			fmt.Printf("  %-30s %d\n", h.Name, h.Count)
		}
	}
	if len(stats.TopLocations) > 0 {
		fmt.Println("\nTop locations:")
		for _, l := range stats.TopLocations {
			fmt.Printf("  %-30s %d\n", l.Name, l.Count)
		}
	}
	return nil
}
