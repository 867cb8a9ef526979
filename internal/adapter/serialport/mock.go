package serialport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"esp32-tools/internal/domain"
)

const (
	mockPrompt      = "Ready> "
	defaultMockDump = 64 * 1024
	mockBlockSize   = 256
)

var errPortClosed = errors.New("port closed")

// MockConfig configures the emulated device.
type MockConfig struct {
	// Ports returned by Enumerate. Defaults to one CP2102-attached board and
	// one legacy UART.
	Ports []domain.RawPort
	// JEDEC is the flash chip ID reported by "id". Defaults to a Winbond
	// W25Q64 (EF 40 17).
	JEDEC [3]byte
	// Image backs flash reads; it repeats when shorter than the address.
	// Empty means a deterministic pattern.
	Image []byte
	// MaxDump caps the bytes emitted for one dump.
	MaxDump int
	// BootDelay delays the boot banner after Open.
	BootDelay time.Duration
	// Latency delays every response.
	Latency time.Duration
	// Echo reflects typed characters like the real firmware console.
	Echo bool
	// FailOpens makes the first N opens fail.
	FailOpens int
	// Strict accepts only the console commands of the stock firmware
	// (help, id, read, dump, full). Otherwise the DETECT_CHIP and DUMP_FLASH
	// aliases of the web firmware build are answered too.
	Strict bool
}

// Mock emulates the flash-dumper firmware behind a serial link.
type Mock struct {
	cfg MockConfig

	mu       sync.Mutex
	open     map[string]*MockPort
	opens    int
	commands []string
}

// NewMock creates a mock backend.
func NewMock(cfg MockConfig) *Mock {
	if cfg.Ports == nil {
		cfg.Ports = []domain.RawPort{
			{Address: "/dev/ttyMOCK0", Description: "CP2102 USB to UART Bridge Controller", VendorID: domain.U16(0x10C4), ProductID: domain.U16(0xEA60)},
			{Address: "/dev/ttyS0", Description: "n/a"},
		}
	}
	if cfg.JEDEC == [3]byte{} {
		cfg.JEDEC = [3]byte{0xEF, 0x40, 0x17}
	}
	if cfg.MaxDump <= 0 {
		cfg.MaxDump = defaultMockDump
	}
	return &Mock{cfg: cfg, open: make(map[string]*MockPort)}
}

// Enumerate returns the configured ports.
func (m *Mock) Enumerate(context.Context) ([]domain.RawPort, error) {
	return append([]domain.RawPort(nil), m.cfg.Ports...), nil
}

// Open attaches to an emulated device. A port can be open only once.
func (m *Mock) Open(address string, baudRate int, ioTimeout time.Duration) (domain.Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	if m.opens <= m.cfg.FailOpens {
		return nil, fmt.Errorf("open %s: device not responding", address)
	}
	known := false
	for _, p := range m.cfg.Ports {
		if p.Address == address {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("open %s: no such port", address)
	}
	if _, busy := m.open[address]; busy {
		return nil, fmt.Errorf("open %s: port busy", address)
	}
	p := &MockPort{
		dev:         m,
		address:     address,
		readTimeout: ioTimeout,
		notify:      make(chan struct{}, 1),
	}
	m.open[address] = p
	p.emit(m.bootBanner(), m.cfg.BootDelay)
	return p, nil
}

// Opens returns how many times Open was called.
func (m *Mock) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Commands returns every command line received, in order.
func (m *Mock) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

func (m *Mock) release(address string) {
	m.mu.Lock()
	delete(m.open, address)
	m.mu.Unlock()
}

func (m *Mock) record(cmd string) {
	m.mu.Lock()
	m.commands = append(m.commands, cmd)
	m.mu.Unlock()
}

func (m *Mock) bootBanner() string {
	return "\n=== ESP32 SPI Flash Dumper ===\n" +
		"Watchdog disabled for long dumps\n" +
		"Interactive mode - type 'help' for commands\n\n" +
		"SPI_READY\n" + mockPrompt
}

// respond returns the firmware output for one command line.
func (m *Mock) respond(cmd string) string {
	var b strings.Builder
	switch {
	case cmd == "id" || (cmd == "DETECT_CHIP" && !m.cfg.Strict):
		m.writeChipID(&b)
	case cmd == "help":
		b.WriteString("Commands:\n" +
			"  help           - Show this help\n" +
			"  id             - Read chip JEDEC ID\n" +
			"  read ADDR SIZE - Read block (hex, max 256 bytes)\n" +
			"  dump ADDR SIZE - Dump large region\n" +
			"  full           - Dump entire 8MB BIOS\n")
	case strings.HasPrefix(cmd, "read "):
		addr, size, ok := parseRange(cmd[5:])
		if !ok {
			b.WriteString("ERROR: Usage: read ADDR SIZE (hex)\n")
			break
		}
		m.writeBlock(&b, addr, min(size, mockBlockSize))
	case strings.HasPrefix(cmd, "dump "):
		addr, size, ok := parseRange(cmd[5:])
		if !ok {
			b.WriteString("ERROR: Usage: dump ADDR SIZE (hex)\n")
			break
		}
		m.writeDump(&b, addr, size)
	case cmd == "full":
		m.writeDump(&b, 0, 0x800000)
	case cmd == "DUMP_FLASH" && !m.cfg.Strict:
		m.writeDump(&b, 0, uint32(m.cfg.MaxDump))
	default:
		fmt.Fprintf(&b, "ERROR: Unknown command '%s'. Type 'help' for commands.\n", cmd)
	}
	return b.String()
}

func (m *Mock) writeChipID(b *strings.Builder) {
	id := m.cfg.JEDEC
	fmt.Fprintf(b, "CHIP_ID: %02X %02X %02X\n", id[0], id[1], id[2])
	fmt.Fprintf(b, "CHIP_TYPE: %s\n", chipType(id[0]))
	if size := chipSize(id[2]); size > 0 {
		fmt.Fprintf(b, "CHIP_SIZE: %d bytes (%dMB)\n", size, size/(1024*1024))
	} else {
		b.WriteString("CHIP_SIZE: Unknown\n")
	}
}

func (m *Mock) writeBlock(b *strings.Builder, addr, size uint32) {
	fmt.Fprintf(b, "DATA: %08X ", addr)
	for i := range size {
		fmt.Fprintf(b, "%02X ", m.flashByte(addr+i))
	}
	b.WriteByte('\n')
}

func (m *Mock) writeDump(b *strings.Builder, start, size uint32) {
	fmt.Fprintf(b, "DUMP_START: %08X %08X\n", start, size)
	size = min(size, uint32(m.cfg.MaxDump))
	for off := uint32(0); off < size; off += mockBlockSize {
		m.writeBlock(b, start+off, min(mockBlockSize, size-off))
	}
	b.WriteString("DUMP_END\n")
}

func (m *Mock) flashByte(addr uint32) byte {
	if len(m.cfg.Image) > 0 {
		return m.cfg.Image[int(addr)%len(m.cfg.Image)]
	}
	return byte(addr*7 + addr>>8)
}

func parseRange(args string) (addr, size uint32, ok bool) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return 0, 0, false
	}
	a, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(fields[0]), "0x"), 16, 32)
	if err != nil {
		return 0, 0, false
	}
	s, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(fields[1]), "0x"), 16, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint32(a), uint32(s), true
}

func chipType(manufacturer byte) string {
	switch manufacturer {
	case 0xEF:
		return "Winbond W25Q series"
	case 0xC2:
		return "Macronix MX25L series"
	case 0x1F:
		return "Atmel/Adesto AT25 series"
	case 0xC8:
		return "GigaDevice GD25Q series"
	case 0x20:
		return "Micron MT25Q series"
	case 0x01:
		return "Spansion/Cypress S25FL series"
	}
	return "Unknown"
}

// chipSize decodes the JEDEC capacity byte; 0 means unknown.
func chipSize(capacity byte) uint32 {
	if capacity < 0x13 || capacity > 0x21 || (capacity > 0x19 && capacity < 0x20) {
		return 0
	}
	if capacity >= 0x20 {
		return 64 * 1024 * 1024 << (capacity - 0x20)
	}
	return 512 * 1024 << (capacity - 0x13)
}

// MockPort is one open emulated link.
type MockPort struct {
	dev     *Mock
	address string
	notify  chan struct{}

	mu          sync.Mutex
	rx          []byte
	input       []byte
	readTimeout time.Duration
	closed      bool
}

var _ domain.Transport = (*MockPort)(nil)

// emit makes out readable after delay.
func (p *MockPort) emit(out string, delay time.Duration) {
	if out == "" {
		return
	}
	deliver := func() {
		p.mu.Lock()
		if !p.closed {
			p.rx = append(p.rx, out...)
		}
		p.mu.Unlock()
		select {
		case p.notify <- struct{}{}:
		default:
		}
	}
	if delay <= 0 {
		deliver()
		return
	}
	time.AfterFunc(delay, deliver)
}

// Write feeds characters to the emulated console.
func (p *MockPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errPortClosed
	}
	var out strings.Builder
	var lines []string
	for _, c := range b {
		switch {
		case c == '\n' || c == '\r':
			lines = append(lines, string(p.input))
			p.input = p.input[:0]
		case c >= 32 && c <= 126 && len(p.input) < 127:
			p.input = append(p.input, c)
			if p.dev.cfg.Echo {
				out.WriteByte(c)
			}
		}
	}
	p.mu.Unlock()

	for _, line := range lines {
		out.WriteByte('\n')
		if line != "" {
			p.dev.record(line)
			resp := p.dev.respond(line)
			out.WriteString(resp)
			if strings.HasSuffix(resp, mockPrompt) {
				continue
			}
		}
		out.WriteString(mockPrompt)
	}
	p.emit(out.String(), p.dev.cfg.Latency)
	return len(b), nil
}

// Read returns buffered output, waiting up to the read timeout. It returns
// (0, nil) on timeout.
func (p *MockPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	deadline := time.Now().Add(p.readTimeout)
	p.mu.Unlock()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, errPortClosed
		}
		if len(p.rx) > 0 {
			n := copy(b, p.rx)
			p.rx = p.rx[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, nil
		}
		t := time.NewTimer(wait)
		select {
		case <-p.notify:
			t.Stop()
		case <-t.C:
			return 0, nil
		}
	}
}

func (p *MockPort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	p.readTimeout = d
	p.mu.Unlock()
	return nil
}

func (p *MockPort) ResetInputBuffer() error {
	p.mu.Lock()
	p.rx = nil
	p.mu.Unlock()
	return nil
}

func (p *MockPort) Drain() error { return nil }

// Close detaches from the device. Closing twice is an error, as on hardware.
func (p *MockPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errPortClosed
	}
	p.closed = true
	p.mu.Unlock()
	p.dev.release(p.address)
	return nil
}
