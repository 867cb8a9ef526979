package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"esp32-tools/internal/adapter/serialport"
	"esp32-tools/internal/infra/config"
	"esp32-tools/internal/infra/logger"
	"esp32-tools/internal/security"
	"esp32-tools/internal/usecase/catalog"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(ctx context.Context, cfg *config.Config) CheckResult
}

func newDoctorCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config, serial ports and storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, cfgErr := loadConfig(flags)
			return runDoctor(cmd.Context(), cmd.OutOrStdout(), doctorChecks(flags.configPath, cfgErr), cfg)
		},
	}
}

func doctorChecks(cfgPath string, cfgErr error) []Check {
	return []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Serial ports", Fn: checkSerialPorts},
		{Name: "Dump store", Fn: checkDumpStore},
		{Name: "Disk space", Fn: checkDiskSpace},
		{Name: "Gateway address", Fn: checkGatewayAddr},
		{Name: "Audit trail", Fn: checkAuditTrail},
	}
}

// runDoctor executes checks and reports results. It fails when any check fails.
func runDoctor(ctx context.Context, w io.Writer, checks []Check, cfg *config.Config) error {
	fmt.Fprintln(w, titleStyle.Render("esp32-tools doctor"))
	fmt.Fprintln(w, strings.Repeat("=", 50))

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(ctx, cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return okStyle.Render("[PASS]")
	case StatusWarn:
		return warnStyle.Render("[WARN]")
	case StatusFail:
		return errStyle.Render("[FAIL]")
	default:
		return "[????]"
	}
}

func notLoaded() CheckResult {
	return CheckResult{Status: StatusWarn, Message: "skipped, config not loaded"}
}

// checkConfigFile verifies the config file parses and validates. A missing
// file is only a warning because the defaults are usable.
func checkConfigFile(cfgPath string, cfgErr error) func(context.Context, *config.Config) CheckResult {
	return func(context.Context, *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Run 'esp32-tools config validate' and fix the reported fields",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

// checkSerialPorts enumerates ports through the configured backend.
func checkSerialPorts(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	backend, err := serialport.New(cfg.Serial, logger.Discard())
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	rules, err := catalog.RulesFromConfig(cfg.Serial.Allowlist)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ports, err := catalog.New(backend, rules, cfg.Serial.Keywords, logger.Discard()).Discover(ctx)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("port enumeration failed: %v", err),
			Fix:     "Check that your user can read serial devices (e.g. the dialout group)",
		}
	}
	if len(ports) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no serial ports found",
			Fix:     "Plug in the board and check the USB cable carries data",
		}
	}

	best, ok := catalog.PickBest(ports)
	if cfg.Serial.Port != "" {
		for _, p := range ports {
			if p.Address == cfg.Serial.Port {
				return CheckResult{Status: StatusPass, Message: fmt.Sprintf("configured port %s present", p.Address)}
			}
		}
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("configured port %s not found among %d port(s)", cfg.Serial.Port, len(ports)),
			Fix:     "Update serial.port or leave it empty to auto-discover",
		}
	}
	if !ok || !ports[0].Likely {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d port(s) found, none looks like an ESP32", len(ports)),
			Fix:     "Add the adapter's VID/PID to serial.allowlist",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d port(s) found, best candidate %s", len(ports), best)}
}

// checkDumpStore verifies the dump directory can be written.
func checkDumpStore(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if !cfg.Store.Enabled {
		return CheckResult{Status: StatusPass, Message: "dump store disabled"}
	}
	if err := checkWritableDir(cfg.Store.Dir); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", cfg.Store.Dir, err),
			Fix:     "Fix the directory permissions or change store.dir",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s is writable", cfg.Store.Dir)}
}

// checkDiskSpace checks available space where dumps are written.
func checkDiskSpace(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	absDir, _ := filepath.Abs(cfg.Store.Dir)
	info, err := os.Stat(absDir)
	if err != nil || !info.IsDir() {
		return CheckResult{Status: StatusPass, Message: "dump directory does not exist yet, space check skipped"}
	}

	out, err := exec.Command("df", "-P", "-h", absDir).Output()
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: "could not determine disk space (df command failed)"}
	}
	return diskResult(string(out))
}

// diskResult grades POSIX df output.
func diskResult(out string) CheckResult {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return CheckResult{Status: StatusWarn, Message: "unexpected df output format"}
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 5 {
		return CheckResult{Status: StatusWarn, Message: "unexpected df output format"}
	}
	available, usePercent := fields[3], fields[4]
	var pct int
	fmt.Sscanf(strings.TrimSuffix(usePercent, "%"), "%d", &pct)

	switch {
	case pct >= 95:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("disk almost full: %s used, %s available", usePercent, available),
			Fix:     "Free up space, run 'esp32-tools dumps cleanup' or move store.dir",
		}
	case pct >= 85:
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("disk usage high: %s used, %s available", usePercent, available)}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("disk usage: %s used, %s available", usePercent, available)}
}

// checkGatewayAddr verifies the gateway listen address is free.
func checkGatewayAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("cannot listen on %s: %v", cfg.Gateway.Addr, err),
			Fix:     "Stop the process holding the port or pass --addr to 'esp32-tools web'",
		}
	}
	ln.Close()

	msg := fmt.Sprintf("%s is free", cfg.Gateway.Addr)
	host, _, _ := net.SplitHostPort(cfg.Gateway.Addr)
	if cfg.Gateway.Auth.Type == "" && !isLoopback(host) {
		return CheckResult{
			Status:  StatusWarn,
			Message: msg + ", but auth is open on a non-loopback address",
			Fix:     "Set gateway.auth.type: static with at least one token",
		}
	}
	return CheckResult{Status: StatusPass, Message: msg}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// checkAuditTrail verifies the audit log location and size limit.
func checkAuditTrail(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	audit := cfg.Gateway.Audit
	if !audit.Enabled {
		return CheckResult{Status: StatusPass, Message: "audit trail disabled"}
	}
	if _, err := security.ParseSize(audit.MaxSize); err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Use a size like 10MB for gateway.audit.max_size"}
	}
	if err := checkWritableDir(filepath.Dir(audit.Path)); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot write audit log at %s: %v", audit.Path, err),
			Fix:     "Fix the directory permissions or change gateway.audit.path",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("audit log at %s", audit.Path)}
}

// checkWritableDir creates dir if needed and writes a probe file into it.
func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
