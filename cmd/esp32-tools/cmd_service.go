package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"esp32-tools/cmd/esp32-tools/daemon"
)

func newServiceCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Run the gateway as a system service",
	}

	var addr string
	serviceConfig := func() (daemon.ServiceConfig, error) {
		cfg := daemon.DefaultConfig()
		if flags.configPath != "" {
			abs, err := filepath.Abs(flags.configPath)
			if err != nil {
				return cfg, err
			}
			cfg.ConfigPath = abs
		}
		cfg.Addr = addr
		return cfg, nil
	}

	install := &cobra.Command{
		Use:   "install",
		Short: "Install and start the gateway service (systemd or launchd)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := serviceConfig()
			if err != nil {
				return err
			}
			path, err := daemon.NewManager().Install(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle.Render("Installed"), path)
			return nil
		},
	}
	install.Flags().StringVar(&addr, "addr", "", "gateway listen address for the service")

	unit := &cobra.Command{
		Use:   "unit",
		Short: "Print the service definition without installing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := serviceConfig()
			if err != nil {
				return err
			}
			out, err := daemon.NewManager().Render(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	unit.Flags().StringVar(&addr, "addr", "", "gateway listen address for the service")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the gateway service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := daemon.NewManager().Uninstall(daemon.DefaultConfig().Name); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Uninstalled"))
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether the gateway service is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := daemon.NewManager().Status(daemon.DefaultConfig().Name)
			if err != nil {
				return err
			}
			if !st.Running {
				fmt.Fprintln(cmd.OutOrStdout(), warnStyle.Render("stopped"))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (pid %d)\n", okStyle.Render("running"), st.PID)
			return nil
		},
	}

	cmd.AddCommand(install, unit, uninstall, status)
	return cmd
}
