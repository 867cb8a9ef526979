package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidateSerial(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"backend", func(c *Config) { c.Serial.Backend = "bluetooth" }, `serial.backend "bluetooth" is invalid`},
		{"baud", func(c *Config) { c.Serial.BaudRate = 0 }, "serial.baud_rate must be > 0"},
		{"attempts", func(c *Config) { c.Serial.MaxAttempts = 0 }, "serial.max_attempts must be > 0"},
		{"overall", func(c *Config) { c.Serial.OverallTimeout = 0 }, "serial.overall_timeout must be > 0"},
		{"quiet", func(c *Config) { c.Serial.QuietTimeout = -time.Second }, "serial.quiet_timeout must be > 0"},
		{"negative grace", func(c *Config) { c.Serial.BootGrace = -1 }, "must not be negative"},
		{"poll vs overall", func(c *Config) { c.Serial.PollInterval = 20 * time.Second }, "poll_interval must be smaller"},
		{"bad vid", func(c *Config) { c.Serial.Allowlist = []AllowlistEntry{{VendorID: "xyz", Label: "x"}} }, "serial.allowlist[0]"},
		{"no label", func(c *Config) { c.Serial.Allowlist = []AllowlistEntry{{VendorID: "303A"}} }, "serial.allowlist[0].label is required"},
		{"empty keyword", func(c *Config) { c.Serial.CompletionKeywords = []string{"done", " "} }, "serial.completion_keywords[1]"},
		{"breaker failures", func(c *Config) { c.Serial.Breaker.MaxFailures = 0 }, "serial.breaker.max_failures"},
		{"breaker timeout", func(c *Config) { c.Serial.Breaker.Timeout = 0 }, "serial.breaker.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateBreakerDisabledSkipsChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Serial.Breaker = CircuitBreakerConfig{Enabled: false}
	if err := Validate(cfg); err != nil {
		t.Errorf("disabled breaker should not be validated: %v", err)
	}
}

func TestValidateOperation(t *testing.T) {
	cfg := Defaults()
	cfg.Operation.ProgressStep = 0
	cfg.Operation.DumpTimeout = 0
	cfg.Operation.Commands["erase"] = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "operation.progress_step must be in 1..100")
	assertContains(t, err.Error(), "operation.dump_timeout must be > 0")
	assertContains(t, err.Error(), "operation.commands.erase must not be empty")
}

func TestValidateStore(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Dir = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "store.dir is required")

	cfg.Store.Enabled = false
	if err := Validate(cfg); err != nil {
		t.Errorf("disabled store should not be validated: %v", err)
	}
}

func TestValidateWatch(t *testing.T) {
	cfg := Defaults()
	cfg.Watch.Enabled = true
	cfg.Watch.Schedule = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "watch.schedule is required")
}

func TestValidateGateway(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*GatewayConfig)
		want   string
	}{
		{"no addr", func(g *GatewayConfig) { g.Addr = "" }, "gateway.addr is required"},
		{"bad addr", func(g *GatewayConfig) { g.Addr = "localhost" }, "is not a valid host:port"},
		{"static no tokens", func(g *GatewayConfig) { g.Auth.Type = "static" }, "gateway.auth.tokens must not be empty"},
		{"empty token", func(g *GatewayConfig) {
			g.Auth = AuthConfig{Type: "static", Tokens: []TokenConfig{{Name: "ui"}}}
		}, "gateway.auth.tokens[0].token is required"},
		{"bad auth type", func(g *GatewayConfig) { g.Auth.Type = "oauth" }, `gateway.auth.type "oauth" is invalid`},
		{"rate limit", func(g *GatewayConfig) { g.RateLimit.Burst = 0 }, "gateway.rate_limit requires"},
		{"mdns", func(g *GatewayConfig) { g.MDNS.Enabled = true; g.MDNS.Service = "" }, "gateway.mdns requires"},
		{"audit path", func(g *GatewayConfig) { g.Audit.Enabled = true; g.Audit.Path = "" }, "gateway.audit.path is required"},
		{"audit size", func(g *GatewayConfig) { g.Audit.Enabled = true; g.Audit.MaxSize = "huge" }, `gateway.audit.max_size "huge" is invalid`},
		{"audit age", func(g *GatewayConfig) { g.Audit.Enabled = true; g.Audit.MaxAge = -time.Hour }, "gateway.audit.max_age must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Gateway.Enabled = true
			tt.mutate(&cfg.Gateway)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateGatewayDisabledSkipsChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Addr = ""
	if err := Validate(cfg); err != nil {
		t.Errorf("disabled gateway should not be validated: %v", err)
	}
}

func TestValidateLoggerAndTracer(t *testing.T) {
	cfg := Defaults()
	cfg.Logger.Level = "verbose"
	cfg.Logger.Format = "xml"
	cfg.Tracer.Enabled = true
	cfg.Tracer.Exporter = "zipkin"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `logger.level "verbose" is invalid`)
	assertContains(t, err.Error(), `logger.format "xml" is invalid`)
	assertContains(t, err.Error(), `tracer.exporter "zipkin" is invalid`)
}

func TestValidationErrorAccumulates(t *testing.T) {
	cfg := Defaults()
	cfg.Serial.BaudRate = 0
	cfg.Serial.MaxAttempts = 0
	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 2 {
		t.Errorf("expected 2 errors, got %d: %v", len(ve.Errors), ve.Errors)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
