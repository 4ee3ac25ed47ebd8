package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mwaldron/ledgersync/internal/fullsync"
	"github.com/mwaldron/ledgersync/internal/logging"
	"github.com/mwaldron/ledgersync/internal/schema"
	"github.com/mwaldron/ledgersync/internal/ui"
)

var (
	syncRange string
	syncSince string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger a fresh full-history sync",
	Long: `Reset sync progress and walk the remote transaction history from the
beginning, optionally bounded by a time horizon:

  ledgersync sync --range 3-months
  ledgersync sync --range all-time
  ledgersync sync --since "6 months ago"

The trigger is refused while another non-stale run is in flight. Work
proceeds under the per-run API budget; if the history is longer than one
run allows, the daemon resumes from the persisted cursor on its next
tick (or re-run this command).`,
	Run: func(cmd *cobra.Command, args []string) {
		c, err := openComponents(cmd)
		if err != nil {
			fatal("%v", err)
		}
		defer c.Close()

		since, err := resolveHorizon(time.Now())
		if err != nil {
			fatal("%v", err)
		}

		out := c.logs
		syncer := fullsync.New(c.store, c.budget, c.client, &fullsync.Config{
			PageSize:       c.cfg.SyncPageSize,
			PerRunCap:      c.cfg.SyncPerRunCap,
			Buffer:         c.cfg.SyncBuffer,
			StaleThreshold: c.cfg.SyncStaleThreshold,
			Logger:         logging.Component(out, "fullsync"),
		})

		if err := syncer.Trigger(cmd.Context(), since); err != nil {
			if errors.Is(err, fullsync.ErrSyncInFlight) {
				fatal("a sync run is already in flight; try again later or wait for it to go stale")
			}
			fatal("%v", err)
		}

		fmt.Println(ui.RenderAccent("Sync triggered, fetching..."))

		progress, err := syncer.Advance(cmd.Context())
		if err != nil {
			fatal("%v", err)
		}

		switch progress.Status {
		case schema.SyncCompleted:
			fmt.Println(ui.RenderSuccess(fmt.Sprintf("Done: %d record(s) over %d page(s)",
				progress.TotalSynced, progress.CurrentBatch)))
		case schema.SyncRunning:
			fmt.Println(ui.RenderWarn(fmt.Sprintf("Run budget spent: %d record(s) so far, resume on next tick",
				progress.TotalSynced)))
		case schema.SyncPaused:
			fmt.Println(ui.RenderWarn("Paused: insufficient API budget or no credential"))
		case schema.SyncError:
			fmt.Println(ui.RenderError("Sync error: " + progress.Error))
		}
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncRange, "range", fullsync.HorizonAllTime,
		"time horizon: 3-months, 1-year or all-time")
	syncCmd.Flags().StringVar(&syncSince, "since", "",
		"natural-language starting point (overrides --range), e.g. \"6 months ago\"")
}

// resolveHorizon turns the --range preset or a natural-language --since
// into the starting point of the fresh run.
func resolveHorizon(now time.Time) (*time.Time, error) {
	if syncSince != "" {
		w := when.New(nil)
		w.Add(en.All...)
		w.Add(common.All...)

		r, err := w.Parse(syncSince, now)
		if err != nil {
			return nil, fmt.Errorf("failed to parse --since: %w", err)
		}
		if r == nil {
			return nil, fmt.Errorf("could not understand --since %q", syncSince)
		}
		t := r.Time.UTC()
		return &t, nil
	}

	return fullsync.ParseHorizon(syncRange, now)
}
