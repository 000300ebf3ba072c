package main

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-mailbox-kit/metrics"
	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

func newWatermarksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermarks",
		Short: "Print the watermark of every log and the store size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			topic, _ := cmd.Flags().GetString("topic")

			store, err := openStore(cmd.Context(), cfg, logger, metrics.NoOp{})
			if err != nil {
				return err
			}
			defer store.Close()

			wm, err := store.Watermarks(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}

			ids := slices.SortedFunc(maps.Keys(wm), func(a, b wire.LogID) int {
				return cmp.Or(cmp.Compare(a.Topic, b.Topic), cmp.Compare(a.Author, b.Author))
			})

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOPIC\tAUTHOR\tWATERMARK")
			for _, id := range ids {
				if topic != "" && string(id.Topic) != topic {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\n", id.Topic, id.Author, wm[id])
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%s blobs in %s logs, %s of payload\n",
				humanize.Comma(stats.Blobs),
				humanize.Comma(stats.Logs),
				humanize.Bytes(uint64(stats.PayloadBytes)),
			)
			return nil
		},
	}
	cmd.Flags().String("topic", "", "only show logs of this topic")
	return cmd
}
