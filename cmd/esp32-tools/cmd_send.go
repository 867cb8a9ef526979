package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"esp32-tools/internal/domain"
)

func newSendCmd(flags *globalFlags) *cobra.Command {
	var overall, quiet time.Duration
	cmd := &cobra.Command{
		Use:   "send COMMAND...",
		Short: "Send one command and print the response",
		Example: `  esp32-tools send id
  esp32-tools send read 1000 10`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			a.relay.Add(newEventPrinter(cmd.ErrOrStderr()))
			if err := a.connect(ctx); err != nil {
				return err
			}
			ex, err := a.session.Execute(ctx, strings.Join(args, " "), domain.ExchangeOptions{
				OverallTimeout: overall,
				QuietTimeout:   quiet,
			})
			if err != nil {
				return err
			}
			printExchange(cmd.OutOrStdout(), ex)
			return nil
		},
	}
	cmd.Flags().DurationVar(&overall, "timeout", 0, "overall response timeout (default from config)")
	cmd.Flags().DurationVar(&quiet, "quiet", 0, "quiet period that ends the response (default from config)")
	return cmd
}
