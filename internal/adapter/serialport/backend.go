// Package serialport provides serial transports: a native backend on real
// hardware and a mock that emulates the flash-dumper firmware.
package serialport

import (
	"fmt"
	"log/slog"

	"esp32-tools/internal/domain"
	"esp32-tools/internal/infra/config"
)

// Backend both enumerates ports and opens them.
type Backend interface {
	domain.PortEnumerator
	domain.TransportOpener
}

// New selects the backend named by cfg.Backend.
func New(cfg config.SerialConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", "native":
		return NewNative(logger), nil
	case "mock":
		return NewMock(MockConfig{Strict: cfg.MockStrict}), nil
	default:
		return nil, fmt.Errorf("serial backend %q: %w", cfg.Backend, domain.ErrInvalidInput)
	}
}
