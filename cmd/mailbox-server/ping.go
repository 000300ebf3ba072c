package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-mailbox-kit/transport/httptransport"
)

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping [relay-url...]",
		Short: "Check that relays answer their health endpoint",
		Long: `ping calls GET /health on every relay given as argument, or on the
relays of the client section of the configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			relays := args
			if len(relays) == 0 {
				relays = cfg.Client.Relays
			}
			if len(relays) == 0 {
				return fmt.Errorf("no relays given and none configured")
			}

			opts, err := cfg.Client.ClientOptions()
			if err != nil {
				return err
			}
			opts = append(opts, httptransport.WithClientLogger(logger))

			failed := 0
			for _, url := range relays {
				client, err := httptransport.NewClient(url, opts...)
				if err == nil {
					err = client.Health(cmd.Context())
				}
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tDOWN\t%v\n", url, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tOK\n", url)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d relays unreachable", failed, len(relays))
			}
			return nil
		},
	}
}
