package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newDumpsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dumps",
		Short: "Manage stored dumps",
		Args:  cobra.NoArgs,
	}
	list := newDumpsListCmd(flags)
	cmd.RunE = list.RunE
	cmd.AddCommand(list, newDumpsInfoCmd(flags), newDumpsReportCmd(flags), newDumpsCleanupCmd(flags))
	return cmd
}

func newDumpsListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored dumps, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()
			store, err := a.requireStore()
			if err != nil {
				return err
			}

			records, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, dimStyle.Render("No dumps stored in "+store.Dir()))
				return nil
			}
			fmt.Fprintln(out, dumpsTable(records))
			return nil
		},
	}
}

func newDumpsInfoCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show store location and totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()
			store, err := a.requireStore()
			if err != nil {
				return err
			}

			info, err := store.Info(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, titleStyle.Render("Dump store"))
			fmt.Fprintf(out, "Base directory:  %s\n", info.BaseDir)
			fmt.Fprintf(out, "Dumps:           %s\n", info.DumpsDir)
			fmt.Fprintf(out, "Reports:         %s\n", info.ReportsDir)
			fmt.Fprintf(out, "Temp:            %s\n", info.TempDir)
			fmt.Fprintf(out, "Total dumps:     %d\n", info.TotalDumps)
			fmt.Fprintf(out, "Total size:      %.2f MB\n", info.TotalMB())
			return nil
		},
	}
}

func newDumpsReportCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "report ID",
		Short: "Write a text report for one dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()
			store, err := a.requireStore()
			if err != nil {
				return err
			}

			path, err := store.Report(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle.Render("Report written to"), path)
			return nil
		},
	}
}

func newDumpsCleanupCmd(flags *globalFlags) *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale files from the temp directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()
			store, err := a.requireStore()
			if err != nil {
				return err
			}

			age := maxAge
			if age <= 0 {
				age = a.cfg.Store.TempMaxAge
			}
			removed, err := store.CleanupTemp(age)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d temp file(s) older than %s\n", removed, age)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "age threshold (default store.temp_max_age)")
	return cmd
}
