package serialport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"esp32-tools/internal/domain"
)

// Native talks to real serial hardware.
type Native struct {
	logger *slog.Logger
}

// NewNative creates the hardware backend.
func NewNative(logger *slog.Logger) *Native {
	return &Native{logger: logger}
}

// Enumerate lists ports with USB details where the platform provides them.
// If detailed enumeration fails it falls back to bare port names.
func (n *Native) Enumerate(ctx context.Context) ([]domain.RawPort, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		n.logger.Debug("detailed port enumeration failed, using names only", "error", err)
		names, nerr := serial.GetPortsList()
		if nerr != nil {
			return nil, fmt.Errorf("enumerate serial ports: %w", nerr)
		}
		ports := make([]domain.RawPort, 0, len(names))
		for _, name := range names {
			ports = append(ports, domain.RawPort{Address: name, Description: "n/a"})
		}
		return ports, nil
	}

	ports := make([]domain.RawPort, 0, len(details))
	for _, d := range details {
		ports = append(ports, rawPort(d))
	}
	return ports, nil
}

func rawPort(d *enumerator.PortDetails) domain.RawPort {
	p := domain.RawPort{Address: d.Name, Description: d.Product}
	if p.Description == "" {
		p.Description = "n/a"
	}
	if !d.IsUSB {
		return p
	}
	if vid, ok := parseUSBID(d.VID); ok {
		p.VendorID = &vid
	}
	if pid, ok := parseUSBID(d.PID); ok {
		p.ProductID = &pid
	}
	return p
}

// parseUSBID parses a 4-digit hex USB identifier such as "10c4".
func parseUSBID(s string) (uint16, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}

// Open opens address at 8N1. ioTimeout becomes the initial read timeout; the
// session shortens it for polling.
func (n *Native) Open(address string, baudRate int, ioTimeout time.Duration) (domain.Transport, error) {
	port, err := serial.Open(address, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", address, err)
	}
	if ioTimeout > 0 {
		if err := port.SetReadTimeout(ioTimeout); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", address, err)
		}
	}
	n.logger.Debug("serial port opened", "port", address, "baud_rate", baudRate)
	return port, nil
}
