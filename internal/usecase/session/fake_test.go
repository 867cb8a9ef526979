package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"esp32-tools/internal/domain"
)

// step is one chunk the fake device emits after a delay.
type step struct {
	after time.Duration
	data  string
}

// fakeDevice is a scripted transport. Writing a known command line makes it
// emit the scripted steps on its receive channel.
type fakeDevice struct {
	address string
	baud    int

	mu          sync.Mutex
	replies     map[string][]step
	log         []string
	readTimeout time.Duration
	writeErr    error
	readErr     error
	closed      bool
	closes      int
	onClose     func()

	in   chan []byte
	buf  []byte
	done chan struct{}
}

func newFakeDevice(replies map[string][]step) *fakeDevice {
	if replies == nil {
		replies = map[string][]step{}
	}
	return &fakeDevice{
		replies:     replies,
		readTimeout: 10 * time.Millisecond,
		in:          make(chan []byte, 256),
		done:        make(chan struct{}),
	}
}

func (d *fakeDevice) record(entry string) {
	d.mu.Lock()
	d.log = append(d.log, entry)
	d.mu.Unlock()
}

func (d *fakeDevice) entries() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.log...)
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	err := d.writeErr
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(p), "\n") {
		if line == "" {
			continue
		}
		d.record("W:" + line)
		d.mu.Lock()
		steps := d.replies[line]
		d.mu.Unlock()
		if len(steps) > 0 {
			go d.emit(steps)
		}
	}
	if string(p) == "\n" {
		d.record("W:<probe>")
	}
	return len(p), nil
}

func (d *fakeDevice) emit(steps []step) {
	for _, st := range steps {
		select {
		case <-time.After(st.after):
		case <-d.done:
			return
		}
		select {
		case d.in <- []byte(st.data):
		case <-d.done:
			return
		}
	}
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	timeout, rerr := d.readTimeout, d.readErr
	d.mu.Unlock()
	if rerr != nil {
		return 0, rerr
	}
	if len(d.buf) == 0 {
		select {
		case b := <-d.in:
			d.buf = b
		case <-time.After(timeout):
			return 0, nil
		}
	}
	n := copy(p, d.buf)
	d.record("R:" + strings.TrimSpace(string(d.buf[:n])))
	d.buf = d.buf[n:]
	return n, nil
}

func (d *fakeDevice) SetReadTimeout(t time.Duration) error {
	d.mu.Lock()
	d.readTimeout = t
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) ResetInputBuffer() error {
	d.buf = nil
	for {
		select {
		case <-d.in:
		default:
			return nil
		}
	}
}

func (d *fakeDevice) Drain() error { return nil }

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closes++
	if !d.closed {
		d.closed = true
		close(d.done)
	}
	hook := d.onClose
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (d *fakeDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// fakeOpener fails the first failFirst opens, then hands out devices built by
// newDevice.
type fakeOpener struct {
	mu        sync.Mutex
	failFirst int
	opens     int
	addresses []string
	bauds     []int
	devices   []*fakeDevice
	newDevice func() *fakeDevice
}

func (o *fakeOpener) Open(address string, baud int, _ time.Duration) (domain.Transport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	o.addresses = append(o.addresses, address)
	o.bauds = append(o.bauds, baud)
	if o.opens <= o.failFirst {
		return nil, fmt.Errorf("open %s: %w", address, errors.New("device busy"))
	}
	var d *fakeDevice
	if o.newDevice != nil {
		d = o.newDevice()
	} else {
		d = newFakeDevice(nil)
	}
	d.address, d.baud = address, baud
	o.devices = append(o.devices, d)
	return d, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func (o *fakeOpener) lastDevice() *fakeDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.devices) == 0 {
		return nil
	}
	return o.devices[len(o.devices)-1]
}

// fakeDiscoverer returns a fixed candidate list.
type fakeDiscoverer struct {
	candidates []domain.PortCandidate
	err        error
	calls      int
}

func (f *fakeDiscoverer) Discover(context.Context) ([]domain.PortCandidate, error) {
	f.calls++
	return f.candidates, f.err
}
