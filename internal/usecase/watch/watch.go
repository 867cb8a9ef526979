// Package watch periodically rescans serial ports and broadcasts the list
// when the set of addresses changes.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"esp32-tools/internal/domain"
)

const scanTimeout = 30 * time.Second

// Watcher rescans ports on a schedule.
type Watcher struct {
	cron       *cron.Cron
	discoverer domain.PortDiscoverer
	relay      domain.EventRelay
	logger     *slog.Logger

	mu      sync.Mutex
	last    []string // sorted addresses from the previous scan
	scanned bool
	started bool
	entry   cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a stopped watcher.
func New(discoverer domain.PortDiscoverer, relay domain.EventRelay, logger *slog.Logger) *Watcher {
	return &Watcher{
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		discoverer: discoverer,
		relay:      relay,
		logger:     logger,
	}
}

// Start schedules scans. schedule is a cron expression or a Go duration
// such as "10s".
func (w *Watcher) Start(ctx context.Context, schedule string) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("watch: invalid schedule %q: %w", schedule, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.entry = w.cron.Schedule(sched, cron.FuncJob(w.run))
	w.cron.Start()
	w.started = true
	w.logger.Info("port watch started", "schedule", schedule)
	return nil
}

// Stop cancels pending scans and waits for a running one to finish.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.cancel()
	w.cron.Remove(w.entry)
	w.started = false
	w.mu.Unlock()

	<-w.cron.Stop().Done()
	return nil
}

func (w *Watcher) run() {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	scanCtx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()
	if _, err := w.Scan(scanCtx); err != nil {
		w.logger.Warn("port scan failed", "error", err)
	}
}

// Scan discovers ports once and broadcasts ports.listed if the address set
// differs from the previous scan. The first scan always broadcasts.
func (w *Watcher) Scan(ctx context.Context) (changed bool, err error) {
	candidates, err := w.discoverer.Discover(ctx)
	if err != nil {
		return false, err
	}

	addrs := make([]string, 0, len(candidates))
	for _, c := range candidates {
		addrs = append(addrs, c.Address)
	}
	slices.Sort(addrs)

	w.mu.Lock()
	changed = !w.scanned || !slices.Equal(addrs, w.last)
	w.last, w.scanned = addrs, true
	w.mu.Unlock()

	if !changed {
		return false, nil
	}
	w.logger.Info("serial ports changed", "count", len(addrs))
	if w.relay != nil {
		w.relay.Broadcast(ctx, domain.NewEvent(domain.EventPortsListed, domain.PortsListed{Ports: candidates}))
	}
	return true, nil
}

// ParseSchedule parses a cron expression first, then falls back to a
// positive duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay{delay: dur}, nil
}

// constantDelay is a fixed-interval schedule. Unlike cron.Every it keeps
// sub-second precision.
type constantDelay struct {
	delay time.Duration
}

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
