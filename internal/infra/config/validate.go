package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateSerial(cfg, ve)
	validateOperation(cfg, ve)
	validateStore(cfg, ve)
	validateWatch(cfg, ve)
	validateGateway(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validBackends = map[string]bool{
	"native": true,
	"mock":   true,
}

func validateSerial(cfg *Config, ve *ValidationError) {
	s := cfg.Serial
	if !validBackends[s.Backend] {
		ve.Add("serial.backend %q is invalid (want native or mock)", s.Backend)
	}
	if s.BaudRate <= 0 {
		ve.Add("serial.baud_rate must be > 0")
	}
	if s.MaxAttempts <= 0 {
		ve.Add("serial.max_attempts must be > 0")
	}
	positive := map[string]time.Duration{
		"serial.io_timeout":      s.IOTimeout,
		"serial.poll_interval":   s.PollInterval,
		"serial.overall_timeout": s.OverallTimeout,
		"serial.quiet_timeout":   s.QuietTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			ve.Add("%s must be > 0", name)
		}
	}
	if s.BootGrace < 0 || s.ProbeSettle < 0 || s.RetryDelay < 0 {
		ve.Add("serial.boot_grace, serial.probe_settle and serial.retry_delay must not be negative")
	}
	if s.PollInterval > 0 && s.OverallTimeout > 0 && s.PollInterval >= s.OverallTimeout {
		ve.Add("serial.poll_interval must be smaller than serial.overall_timeout")
	}
	for i, e := range s.Allowlist {
		if _, _, _, err := e.IDs(); err != nil {
			ve.Add("serial.allowlist[%d]: %v", i, err)
		}
		if e.Label == "" {
			ve.Add("serial.allowlist[%d].label is required", i)
		}
	}
	for i, kw := range s.CompletionKeywords {
		if strings.TrimSpace(kw) == "" {
			ve.Add("serial.completion_keywords[%d] must not be empty", i)
		}
	}
	if s.Breaker.Enabled {
		if s.Breaker.MaxFailures == 0 {
			ve.Add("serial.breaker.max_failures must be > 0 when the breaker is enabled")
		}
		if s.Breaker.Timeout <= 0 {
			ve.Add("serial.breaker.timeout must be > 0 when the breaker is enabled")
		}
	}
}

func validateOperation(cfg *Config, ve *ValidationError) {
	o := cfg.Operation
	if o.ProgressStep <= 0 || o.ProgressStep > 100 {
		ve.Add("operation.progress_step must be in 1..100")
	}
	if o.ProgressDelay < 0 {
		ve.Add("operation.progress_delay must not be negative")
	}
	if o.DumpTimeout <= 0 {
		ve.Add("operation.dump_timeout must be > 0")
	}
	for name, cmd := range o.Commands {
		if name == "" {
			ve.Add("operation.commands has an empty operation name")
		}
		if strings.TrimSpace(cmd) == "" {
			ve.Add("operation.commands.%s must not be empty", name)
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if !cfg.Store.Enabled {
		return
	}
	if cfg.Store.Dir == "" {
		ve.Add("store.dir is required when the store is enabled")
	}
	if cfg.Store.TempMaxAge <= 0 {
		ve.Add("store.temp_max_age must be > 0")
	}
}

func validateWatch(cfg *Config, ve *ValidationError) {
	if !cfg.Watch.Enabled {
		return
	}
	if cfg.Watch.Schedule == "" {
		ve.Add("watch.schedule is required when watch is enabled")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	switch cfg.Gateway.Auth.Type {
	case "":
	case "static":
		if len(cfg.Gateway.Auth.Tokens) == 0 {
			ve.Add("gateway.auth.tokens must not be empty when auth type is static")
		}
		for i, tok := range cfg.Gateway.Auth.Tokens {
			if tok.Token == "" {
				ve.Add("gateway.auth.tokens[%d].token is required", i)
			}
		}
	default:
		ve.Add("gateway.auth.type %q is invalid (want static or empty)", cfg.Gateway.Auth.Type)
	}
	if rl := cfg.Gateway.RateLimit; rl.Enabled && (rl.RequestsPerSecond <= 0 || rl.Burst <= 0) {
		ve.Add("gateway.rate_limit requires requests_per_second > 0 and burst > 0")
	}
	if m := cfg.Gateway.MDNS; m.Enabled && (m.Instance == "" || m.Service == "") {
		ve.Add("gateway.mdns requires instance and service when enabled")
	}
	if a := cfg.Gateway.Audit; a.Enabled {
		if a.Path == "" {
			ve.Add("gateway.audit.path is required when audit is enabled")
		}
		if a.MaxAge < 0 {
			ve.Add("gateway.audit.max_age must not be negative")
		}
		if !validSize(a.MaxSize) {
			ve.Add("gateway.audit.max_size %q is invalid (e.g. 10MB)", a.MaxSize)
		}
	}
}

// validSize accepts an optional count followed by B, KB, MB or GB.
func validSize(s string) bool {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return true
	}
	for _, unit := range []string{"GB", "MB", "KB", "B"} {
		if strings.HasSuffix(s, unit) {
			s = strings.TrimSuffix(s, unit)
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return err == nil && n >= 0
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid", cfg.Logger.Level)
	}
	if f := cfg.Logger.Format; f != "text" && f != "json" {
		ve.Add("logger.format %q is invalid (want text or json)", f)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	if e := cfg.Tracer.Exporter; e != "stdout" && e != "noop" && e != "" {
		ve.Add("tracer.exporter %q is invalid (want stdout or noop)", e)
	}
}
