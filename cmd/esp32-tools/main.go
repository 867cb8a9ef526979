// Command esp32-tools discovers ESP32 boards on serial ports, runs commands
// against the flash-dumper firmware and serves a WebSocket gateway.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"esp32-tools/internal/infra/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "esp32-tools",
		Short: "ESP32 flash dumper toolkit",
		Long: `esp32-tools talks to an ESP32 running the SPI flash dumper firmware.

It finds likely ESP32 serial ports, opens a session with bounded retry,
sends commands, runs named operations such as chip detection and flash
dumps, and can expose all of this over a WebSocket gateway.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", config.DefaultPath, "config file path")
	pf.StringVar(&flags.backend, "backend", "", "serial backend override (native or mock)")
	pf.StringVarP(&flags.port, "port", "p", "", "serial port (default: auto-discover)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(
		newWebCmd(flags),
		newDetectCmd(flags),
		newDumpCmd(flags),
		newSendCmd(flags),
		newTerminalCmd(flags),
		newMonitorCmd(flags),
		newDumpsCmd(flags),
		newConfigCmd(flags),
		newGatewaysCmd(flags),
		newDoctorCmd(flags),
		newServiceCmd(flags),
	)
	return root
}
