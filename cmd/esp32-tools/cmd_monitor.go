package main

import (
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"esp32-tools/internal/adapter/tui/monitor"
)

// monitorBuffer is large enough for a full dump's progress burst.
const monitorBuffer = 256

func newMonitorCmd(flags *globalFlags) *cobra.Command {
	var connect bool
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Live terminal view of the session and its events",
		Long: `Show the session state, the discovered ports and every relay event in a
full-screen view. Keys: c connect, x disconnect, d detect, i info, r reset,
p rescan ports, q quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			sub := a.relay.Subscribe(monitorBuffer)
			defer a.relay.Unsubscribe(sub)

			if connect {
				if err := a.connect(ctx); err != nil {
					return err
				}
			}

			m := monitor.New(ctx, monitor.Deps{
				Session:    a.session,
				Ports:      a.catalog,
				Operations: a.ops,
				Events:     sub.Events(),
				Port:       a.cfg.Serial.Port,
			})
			p := tea.NewProgram(m,
				tea.WithContext(ctx),
				tea.WithAltScreen(),
				tea.WithMouseCellMotion(),
				tea.WithInput(cmd.InOrStdin()),
				tea.WithOutput(cmd.OutOrStdout()),
			)
			_, err = p.Run()
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&connect, "connect", false, "connect before the view opens")
	return cmd
}
