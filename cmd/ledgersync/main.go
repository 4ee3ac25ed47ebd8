// Command ledgersync mirrors transactions from a rate-limited remote
// banking API into a local SQLite cache, pushes local category/tag edits
// back upstream, and surfaces conflicts between the two.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mwaldron/ledgersync/internal/budget"
	"github.com/mwaldron/ledgersync/internal/config"
	"github.com/mwaldron/ledgersync/internal/logging"
	"github.com/mwaldron/ledgersync/internal/store"
	"github.com/mwaldron/ledgersync/internal/upstream"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ledgersync",
	Short: "Mirror and sync bank transactions against a rate-limited remote API",
	Long: `ledgersync maintains a local cache of transactions mirrored from a
remote banking API, queues local category/tag edits for push-back, and
detects conflicts when a local edit races an independent remote change.

All remote access is metered against an hourly call budget with reserved
headroom, so background syncing never starves interactive use.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./ledgersync.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// components bundles everything a command needs against one deployment.
type components struct {
	cfg    *config.Config
	store  *store.Store
	budget *budget.Tracker
	tokens *upstream.FileTokenProvider
	client *upstream.Client

	// logs is the single shared log destination; the rotated file must
	// have exactly one writer over it.
	logs io.Writer
}

// openComponents loads config and opens the store and remote client.
// The caller must Close the returned components.
func openComponents(cmd *cobra.Command) (*components, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(cmd.Context()); err != nil {
		_ = db.Close()
		return nil, err
	}

	out := logging.Writer(cfg.LogPath)
	tracker := budget.New(db, cfg.HourlyCallLimit, cfg.SafetyMargin, logging.Component(out, "budget"))
	tokens := upstream.NewFileTokenProvider(cfg.TokenPath, upstream.PlaintextCipher{}, logging.Component(out, "token"))
	client := upstream.NewClient(cfg.BaseURL, tokens, logging.Component(out, "upstream"))

	return &components{
		cfg:    cfg,
		store:  db,
		budget: tracker,
		tokens: tokens,
		client: client,
		logs:   out,
	}, nil
}

func (c *components) Close() {
	if err := c.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
