package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/episcope/episcope/internal/app"
	"github.com/episcope/episcope/internal/embed"
	"github.com/episcope/episcope/internal/meta"
	"github.com/episcope/episcope/internal/update"
)

var (
	updateActor string
	updateWait  time.Duration
)

var updateCmd = &cobra.Command{
	Use:   "update [snapshot.xlsx]",
	Short: "Rebuild the index from a new snapshot",
	Long: `Validates the snapshot, diffs it against the one currently serving
queries, backs up the index, re-embeds every chunk (cache hits are free),
and swaps the new contents in atomically. Identical snapshots are a no-op.

Batches with many uncached chunks are deferred to the bulk embedding lane;
use --wait to block until the background job finishes and then apply.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpdate,
}

func init() {
	updateCmd.Flags().StringVar(&updateActor, "actor", "cli", "who is applying this update")
	updateCmd.Flags().DurationVar(&updateWait, "wait", 0, "wait this long for a deferred bulk job, then apply")
	rootCmd.AddCommand(updateCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
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

	out, err := a.System.ApplyUpdate(ctx, args[0], updateActor)
	if err != nil {
		return err
	}

	if out.Pending && updateWait > 0 {
		fmt.Printf("Bulk embedding job %s pending, waiting up to %s...\n", out.JobID, updateWait)
		status, err := a.Embeddings.WaitForJob(ctx, out.JobID, updateWait)
		if err != nil {
			return fmt.Errorf("job %s did not finish (%s): %w", out.JobID, status, err)
		}
		if status != embed.StatusCompleted {
			return fmt.Errorf("bulk embedding job %s finished with status %s", out.JobID, status)
		}
		// The cache is hot now; the rerun applies synchronously.
		pendingID := out.VersionID
		out, err = a.System.ApplyUpdate(ctx, args[0], updateActor)
		if err != nil {
			return err
		}
		if err := a.Versions.MarkStatus(ctx, pendingID, meta.StatusSuperseded); err != nil {
			a.Logger.Warn("marking pending version superseded", "version", pendingID, "error", err)
		}
	}

	printOutcome(out)
	return nil
}

func printOutcome(out *update.Outcome) {
	switch {
	case out.NoOp:
		fmt.Println("Snapshot is identical to what the index serves; nothing to do.")
	case out.Pending:
		fmt.Printf("Update %s deferred to bulk embedding job %s.\n", out.VersionID, out.JobID)
		fmt.Println("Re-run with --wait, or run update again once the worker finishes.")
	default:
		fmt.Printf("Update %s applied: %d events, %d chunks\n", out.VersionID, out.Events, out.Chunks)
		fmt.Printf("  new: %d  modified: %d  deleted: 0\n",
			len(out.Diff.New), len(out.Diff.Modified))
		if len(out.Diff.Absent) > 0 {
			fmt.Printf("  %d entries absent from source, tracked only\n", len(out.Diff.Absent))
		}
	}
}
