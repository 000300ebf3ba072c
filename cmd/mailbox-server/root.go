package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-mailbox-kit/blobstore"
	"github.com/c0deZ3R0/go-mailbox-kit/config"
	"github.com/c0deZ3R0/go-mailbox-kit/logging"
	"github.com/c0deZ3R0/go-mailbox-kit/metrics"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mailbox-server",
		Short: "Mailbox relay server",
		Long: `mailbox-server stores opaque blobs for mailbox clients, answers their
reconciliation requests and evicts entries past the retention horizon.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringP("config", "c", "", "config file path (YAML)")
	root.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn or error (overrides logging.level)")

	root.AddCommand(newServeCmd(), newSweepCmd(), newWatermarksCmd(), newPingCmd())
	return root
}

// loadConfig reads the file named by --config and builds the logger every
// command writes to.
func loadConfig(cmd *cobra.Command) (*config.Config, *logging.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.NewLoggerTo(cmd.ErrOrStderr(), cfg.Logging)
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		if !logger.SetLevel(level) {
			return nil, nil, fmt.Errorf("unknown log level %q", level)
		}
		cfg.Logging.Level = level
	}
	return cfg, logger, nil
}

// reloadLogLevel rereads the config file and applies its logging level to
// the running logger.
func reloadLogLevel(cmd *cobra.Command, logger *logging.Logger) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		logger.LogError(cmd.Context(), err, "config reload failed")
		return
	}
	if !logger.SetLevel(cfg.Logging.Level) {
		logger.Warn("ignoring unknown log level", "level", cfg.Logging.Level)
		return
	}
	logger.Info("log level changed", "level", cfg.Logging.Level)
}

// openStore opens the configured relay store. Watermarks are rebuilt before
// it returns.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger, collector metrics.Collector) (*blobstore.Store, error) {
	storeCfg := cfg.Server.Store
	storeCfg.Logger = logger
	storeCfg.Metrics = collector
	return blobstore.Open(ctx, storeCfg)
}
