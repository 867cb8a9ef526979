package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"esp32-tools/internal/domain"
)

const terminalPrompt = "esp32> "

func newTerminalCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "terminal",
		Short: "Interactive command line to the device",
		Long:  "Read commands line by line and print each response. Type 'exit' or 'quit' to leave.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()

			a.relay.Add(newEventPrinter(cmd.ErrOrStderr()))
			if err := a.connect(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, dimStyle.Render("Type 'exit' or 'quit' to leave."))

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, terminalPrompt)
				if !scanner.Scan() {
					fmt.Fprintln(out)
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				switch strings.ToLower(line) {
				case "":
					continue
				case "exit", "quit":
					return nil
				}
				ex, err := a.session.Execute(ctx, line, domain.ExchangeOptions{})
				if err != nil {
					return err
				}
				printExchange(out, ex)
			}
		},
	}
}
