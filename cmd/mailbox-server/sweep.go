package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-mailbox-kit/metrics"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention sweep and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, logger, metrics.NoOp{})
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := store.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s of %s entries older than %s across %s logs in %s\n",
				humanize.Comma(int64(res.Deleted)),
				humanize.Comma(int64(res.Scanned)),
				humanize.Time(res.Cutoff),
				humanize.Comma(int64(res.Logs)),
				res.Duration.Round(time.Millisecond),
			)
			return nil
		},
	}
}
