package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mwaldron/ledgersync/internal/schema"
	"github.com/mwaldron/ledgersync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show API budget usage and sync progress",
	Run: func(cmd *cobra.Command, args []string) {
		c, err := openComponents(cmd)
		if err != nil {
			fatal("%v", err)
		}
		defer c.Close()

		ctx := cmd.Context()

		stats, err := c.budget.UsageStats(ctx)
		if err != nil {
			fatal("%v", err)
		}

		fmt.Println(ui.RenderAccent("API budget (current hour)"))
		fmt.Printf("  used %d / %d (%.1f%%), %d remaining\n",
			stats.Used, stats.Limit, stats.PercentUsed, stats.Remaining)

		progress, err := c.store.GetProgress(ctx, schema.DefaultSyncOwner)
		if err != nil {
			fatal("%v", err)
		}

		fmt.Println(ui.RenderAccent("Full sync"))
		if progress == nil {
			fmt.Println(ui.RenderMuted("  never run"))
		} else {
			fmt.Printf("  status: %s\n", renderSyncStatus(progress.Status))
			fmt.Printf("  synced: %d record(s) over %d page(s)\n", progress.TotalSynced, progress.CurrentBatch)
			if progress.LastSyncedDate != nil {
				fmt.Printf("  oldest seen: %s\n", progress.LastSyncedDate.Format("2006-01-02"))
			}
			if progress.StartedAt != nil {
				fmt.Printf("  started: %s\n", progress.StartedAt.Local().Format(time.RFC822))
			}
			if progress.CompletedAt != nil {
				fmt.Printf("  completed: %s\n", progress.CompletedAt.Local().Format(time.RFC822))
			}
			if progress.Error != "" {
				fmt.Printf("  error: %s\n", ui.RenderError(progress.Error))
			}
		}

		counts, err := c.store.QueueCounts(ctx)
		if err != nil {
			fatal("%v", err)
		}

		fmt.Println(ui.RenderAccent("Outbound queue"))
		if len(counts) == 0 {
			fmt.Println(ui.RenderMuted("  empty"))
			return
		}
		for _, status := range []schema.QueueStatus{
			schema.QueuePending, schema.QueueProcessing, schema.QueueFailed,
			schema.QueueConflict, schema.QueueCompleted,
		} {
			if n := counts[status]; n > 0 {
				fmt.Printf("  %-11s %d\n", status, n)
			}
		}
	},
}

func renderSyncStatus(status schema.SyncStatus) string {
	switch status {
	case schema.SyncCompleted:
		return ui.RenderSuccess(string(status))
	case schema.SyncError:
		return ui.RenderError(string(status))
	case schema.SyncRunning:
		return ui.RenderAccent(string(status))
	default:
		return string(status)
	}
}
