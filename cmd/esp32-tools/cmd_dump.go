package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"esp32-tools/internal/domain"
	"esp32-tools/internal/usecase/operation"
)

func newDumpCmd(flags *globalFlags) *cobra.Command {
	var (
		start  string
		size   string
		device string
		chip   string
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Dump a flash region and store it",
		Long: `Dump a flash region through the firmware and record the output in the
dump store. START and SIZE are hex. The default region is the first 8MB.`,
		Example: `  esp32-tools dump --start 0 --size 100000 --device "bench board" --chip W25Q64`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			startAddr, err := parseHex(start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			sizeBytes, err := parseHex(size)
			if err != nil {
				return fmt.Errorf("--size: %w", err)
			}
			if sizeBytes == 0 {
				return fmt.Errorf("--size: must be greater than zero: %w", domain.ErrInvalidInput)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()

			if a.store == nil {
				fmt.Fprintln(cmd.ErrOrStderr(), warnStyle.Render("dump store disabled: output will not be saved"))
			}
			a.relay.Add(newEventPrinter(cmd.ErrOrStderr()))
			if err := a.connect(ctx); err != nil {
				return err
			}

			req := operation.Request{
				Name:       operation.Dump,
				Command:    operation.DumpCommand(startAddr, sizeBytes),
				Record:     true,
				Attributes: map[string]string{},
			}
			if device != "" {
				req.Attributes["device"] = device
			}
			if chip != "" {
				req.Attributes["chip"] = chip
			}

			res := a.ops.Run(ctx, req)
			if res.Err != nil {
				return res.Err
			}
			if res.Status == domain.ExchangeNoResponse {
				fmt.Fprintln(out, warnStyle.Render("device sent no data"))
			}
			if res.Locator == "" {
				fmt.Fprintln(out, res.Response)
				return nil
			}
			info, err := os.Stat(res.Locator)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s (%d bytes)\n", okStyle.Render("Saved"), res.Locator, info.Size())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&start, "start", "0", "start address (hex)")
	f.StringVar(&size, "size", strconv.FormatUint(operation.DefaultDumpSize, 16), "size in bytes (hex)")
	f.StringVar(&device, "device", "", "device name stored with the dump")
	f.StringVar(&chip, "chip", "", "chip name stored with the dump")
	return cmd
}

// parseHex parses a hex number with an optional 0x prefix.
func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex value %q: %w", s, domain.ErrInvalidInput)
	}
	return v, nil
}
