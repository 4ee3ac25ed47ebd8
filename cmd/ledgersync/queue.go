package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mwaldron/ledgersync/internal/schema"
	"github.com/mwaldron/ledgersync/internal/ui"
)

var (
	queueStatusFilter   string
	queuePurgeOlderThan time.Duration
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the outbound edit queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued edits",
	Run: func(cmd *cobra.Command, args []string) {
		c, err := openComponents(cmd)
		if err != nil {
			fatal("%v", err)
		}
		defer c.Close()

		items, err := c.store.ListQueueItems(cmd.Context(), schema.QueueStatus(queueStatusFilter), 100)
		if err != nil {
			fatal("%v", err)
		}

		if len(items) == 0 {
			fmt.Println(ui.RenderMuted("queue is empty"))
			return
		}

		for _, item := range items {
			line := fmt.Sprintf("#%-5d %-10s %-8s %s: %q -> %q",
				item.ID, item.Status, item.Field, item.RemoteID, item.OldValue, item.NewValue)
			switch item.Status {
			case schema.QueueConflict:
				fmt.Println(ui.RenderError(line))
			case schema.QueueFailed:
				fmt.Println(ui.RenderWarn(line))
			case schema.QueueCompleted:
				fmt.Println(ui.RenderMuted(line))
			default:
				fmt.Println(line)
			}
			if item.Error != "" {
				fmt.Println(ui.RenderMuted("       " + item.Error))
			}
			if item.Status == schema.QueueFailed && item.ScheduledFor != nil {
				fmt.Println(ui.RenderMuted("       retries after " + item.ScheduledFor.Local().Format(time.RFC822)))
			}
		}
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Return a failed or conflict item to the pending queue",
	Long: `Return a failed or conflict item to the pending queue.

Requeueing a conflict pushes the originally queued value as-is. If the
local record has been edited since, make a fresh edit instead so the
conflict baseline is recaptured.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fatal("invalid queue item id %q", args[0])
		}

		c, err := openComponents(cmd)
		if err != nil {
			fatal("%v", err)
		}
		defer c.Close()

		if err := c.store.RequeueItem(cmd.Context(), id); err != nil {
			fatal("%v", err)
		}
		fmt.Println(ui.RenderSuccess(fmt.Sprintf("Item %d requeued", id)))
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete completed items older than the retention window",
	Run: func(cmd *cobra.Command, args []string) {
		c, err := openComponents(cmd)
		if err != nil {
			fatal("%v", err)
		}
		defer c.Close()

		retention := queuePurgeOlderThan
		if retention <= 0 {
			retention = c.cfg.QueueRetention
		}

		n, err := c.store.PurgeCompleted(cmd.Context(), time.Now().Add(-retention))
		if err != nil {
			fatal("%v", err)
		}
		if n == 0 {
			fmt.Println(ui.RenderMuted("nothing to purge"))
			return
		}
		fmt.Println(ui.RenderSuccess(fmt.Sprintf("Purged %d completed item(s)", n)))
	},
}

func init() {
	queueListCmd.Flags().StringVar(&queueStatusFilter, "status", "",
		"filter by status: pending, processing, completed, failed, conflict")
	queuePurgeCmd.Flags().DurationVar(&queuePurgeOlderThan, "older-than", 0,
		"purge completed items older than this (default: the configured queue retention)")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRequeueCmd)
	queueCmd.AddCommand(queuePurgeCmd)
}
