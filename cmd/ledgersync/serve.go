package main

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mwaldron/ledgersync/internal/daemon"
	"github.com/mwaldron/ledgersync/internal/dashboard"
	"github.com/mwaldron/ledgersync/internal/fullsync"
	"github.com/mwaldron/ledgersync/internal/logging"
	"github.com/mwaldron/ledgersync/internal/pushqueue"
	"github.com/mwaldron/ledgersync/internal/ui"
	"github.com/mwaldron/ledgersync/internal/upstream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon",
	Long: `Run the background sync daemon:

  1. Drains the outbound edit queue on a short interval
  2. Advances the resumable full-history sync hourly
  3. Cleans up expired usage windows daily
  4. Serves the status dashboard (HTTP + WebSocket)

The daemon respects the hourly API call budget and defers work when
capacity runs low.`,
	Run: func(cmd *cobra.Command, args []string) {
		c, err := openComponents(cmd)
		if err != nil {
			fatal("%v", err)
		}
		defer c.Close()

		out := c.logs

		proc := pushqueue.New(c.store, c.budget, c.client, &pushqueue.Config{
			BatchSize:    c.cfg.QueueBatchSize,
			RetryDelay:   c.cfg.QueueRetryDelay,
			ClaimTimeout: c.cfg.QueueClaimTimeout,
			Logger:       logging.Component(out, "pushqueue"),
		})

		syncer := fullsync.New(c.store, c.budget, c.client, &fullsync.Config{
			PageSize:       c.cfg.SyncPageSize,
			PerRunCap:      c.cfg.SyncPerRunCap,
			Buffer:         c.cfg.SyncBuffer,
			StaleThreshold: c.cfg.SyncStaleThreshold,
			Logger:         logging.Component(out, "fullsync"),
		})

		dash := dashboard.NewServer(c.store, c.budget, &dashboard.Config{
			Port:   c.cfg.DashboardPort,
			Logger: logging.Component(out, "dashboard"),
		})

		d, err := daemon.New(c.store, c.budget, proc, syncer, c.tokens, dash, &daemon.Config{
			QueueInterval:   c.cfg.QueueInterval,
			SyncInterval:    c.cfg.SyncInterval,
			CleanupInterval: c.cfg.CleanupInterval,
			QueueRetention:  c.cfg.QueueRetention,
			Logger:          logging.Component(out, "daemon"),
		})
		if err != nil {
			fatal("%v", err)
		}

		// Verify the credential up front so a bad deployment fails loudly,
		// not an hour in. A missing token is fine: the loops no-op until
		// the file appears.
		if _, err := c.client.ListAccounts(cmd.Context()); err != nil {
			if errors.Is(err, upstream.ErrNoToken) {
				cmd.Println(ui.RenderWarn("No credential found; waiting for token file"))
			} else {
				c.budget.TrackCall(cmd.Context(), 1)
				if upstream.IsAuthError(err) {
					fatal("upstream rejected credential: %v", err)
				}
				cmd.Println(ui.RenderWarn("Credential check failed: " + err.Error()))
			}
		} else {
			c.budget.TrackCall(cmd.Context(), 1)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := d.Start(ctx); err != nil {
			fatal("daemon failed: %v", err)
		}
	},
}
