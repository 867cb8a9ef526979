// Package integration holds hardware-in-the-loop tests. They run only with
// the integration build tag and a board attached:
//
//	ESP32TOOLS_TEST_PORT=/dev/ttyUSB0 go test -tags integration ./internal/integration/
package integration

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"
)

// Config holds integration test configuration from the environment.
type Config struct {
	Port        string
	BaudRate    int
	DumpSize    uint64
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads integration test configuration from the environment.
func LoadConfig() *Config {
	cfg := &Config{
		Port:        os.Getenv("ESP32TOOLS_TEST_PORT"),
		BaudRate:    115200,
		DumpSize:    0x1000,
		TestTimeout: 60 * time.Second,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
	if v, err := strconv.Atoi(os.Getenv("ESP32TOOLS_TEST_BAUD")); err == nil && v > 0 {
		cfg.BaudRate = v
	}
	return cfg
}

// SkipIfNoBoard skips the test when no board port is configured.
func SkipIfNoBoard(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.Port == "" {
		t.Skip("Skipping hardware test: ESP32TOOLS_TEST_PORT not set")
	}
}

// SkipIfShort skips integration tests in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests.
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
