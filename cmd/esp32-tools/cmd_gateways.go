package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"esp32-tools/internal/adapter/discovery"
	"esp32-tools/internal/infra/logger"
)

func newGatewaysCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "gateways",
		Short: "Find esp32-tools gateways on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			log, closeLog, err := logger.New(cfg.Logger)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer closeLog()

			md := discovery.NewMDNS(cfg.Gateway.MDNS, logger.Component(log, "mdns"))
			found, err := md.Scan(cmd.Context(), timeout)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(found) == 0 {
				fmt.Fprintln(out, warnStyle.Render("No gateways found"))
				return nil
			}
			t := newTable("INSTANCE", "ADDRESS", "VERSION")
			for _, g := range found {
				t.Row(g.Instance, g.Address, orDash(g.Metadata["version"]))
			}
			fmt.Fprintln(out, t.String())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "how long to browse")
	return cmd
}
