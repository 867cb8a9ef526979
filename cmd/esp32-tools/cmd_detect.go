package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"esp32-tools/internal/usecase/operation"
)

func newDetectCmd(flags *globalFlags) *cobra.Command {
	var connect bool
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "List serial ports, most likely ESP32 first",
		Long: `List the serial ports on this machine scored by how likely they are to be
an ESP32 board. With --connect, open the best port and ask the firmware to
identify the flash chip.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()

			ports, err := a.catalog.Discover(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, titleStyle.Render("Serial ports"))
			if len(ports) == 0 {
				fmt.Fprintln(out, warnStyle.Render("No serial ports found"))
				return nil
			}
			fmt.Fprintln(out, portsTable(ports))

			if !connect {
				return nil
			}
			a.relay.Add(newEventPrinter(cmd.ErrOrStderr()))
			if err := a.connect(ctx); err != nil {
				return err
			}
			res := a.ops.Run(ctx, operation.Request{Name: operation.Detect, Command: operation.IdentifyCommand})
			if res.Err != nil {
				return res.Err
			}
			fmt.Fprintln(out, titleStyle.Render("Chip"))
			fmt.Fprintln(out, res.Response)
			return nil
		},
	}
	cmd.Flags().BoolVar(&connect, "connect", false, "connect to the best port and detect the flash chip")
	return cmd
}
