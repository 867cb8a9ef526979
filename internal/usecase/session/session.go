// Package session owns the serial link to one device: connecting with bounded
// retry, disconnecting, and running command exchanges one at a time.
package session

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"esp32-tools/internal/domain"
	"esp32-tools/internal/infra/config"
	"esp32-tools/internal/infra/tracer"
	"esp32-tools/internal/usecase/catalog"
)

// Options configures a Session. Zero values fall back to the defaults below.
type Options struct {
	BaudRate           int
	MaxAttempts        int
	IOTimeout          time.Duration
	BootGrace          time.Duration
	ProbeSettle        time.Duration
	RetryDelay         time.Duration
	PollInterval       time.Duration
	OverallTimeout     time.Duration
	QuietTimeout       time.Duration
	CompletionKeywords []string
	Breaker            config.CircuitBreakerConfig
}

// Defaults used when Options leaves a field at zero.
const (
	DefaultBaudRate       = 115200
	DefaultMaxAttempts    = 3
	DefaultIOTimeout      = 3 * time.Second
	DefaultBootGrace      = 1500 * time.Millisecond
	DefaultProbeSettle    = 500 * time.Millisecond
	DefaultRetryDelay     = time.Second
	DefaultPollInterval   = 10 * time.Millisecond
	DefaultOverallTimeout = 10 * time.Second
	DefaultQuietTimeout   = 3 * time.Second
)

// DefaultCompletionKeywords end an exchange as soon as a line contains one.
var DefaultCompletionKeywords = []string{"done", "complete", "error", "failed", "ok", "ready"}

// OptionsFromConfig maps the serial config section onto Options.
func OptionsFromConfig(cfg config.SerialConfig) Options {
	return Options{
		BaudRate:           cfg.BaudRate,
		MaxAttempts:        cfg.MaxAttempts,
		IOTimeout:          cfg.IOTimeout,
		BootGrace:          cfg.BootGrace,
		ProbeSettle:        cfg.ProbeSettle,
		RetryDelay:         cfg.RetryDelay,
		PollInterval:       cfg.PollInterval,
		OverallTimeout:     cfg.OverallTimeout,
		QuietTimeout:       cfg.QuietTimeout,
		CompletionKeywords: cfg.CompletionKeywords,
		Breaker:            cfg.Breaker,
	}
}

func (o Options) withDefaults() Options {
	o.BaudRate = cmp.Or(o.BaudRate, DefaultBaudRate)
	o.MaxAttempts = cmp.Or(o.MaxAttempts, DefaultMaxAttempts)
	o.IOTimeout = cmp.Or(o.IOTimeout, DefaultIOTimeout)
	o.BootGrace = cmp.Or(o.BootGrace, DefaultBootGrace)
	o.ProbeSettle = cmp.Or(o.ProbeSettle, DefaultProbeSettle)
	o.RetryDelay = cmp.Or(o.RetryDelay, DefaultRetryDelay)
	o.PollInterval = cmp.Or(o.PollInterval, DefaultPollInterval)
	o.OverallTimeout = cmp.Or(o.OverallTimeout, DefaultOverallTimeout)
	o.QuietTimeout = cmp.Or(o.QuietTimeout, DefaultQuietTimeout)
	if len(o.CompletionKeywords) == 0 {
		o.CompletionKeywords = DefaultCompletionKeywords
	}
	return o
}

// ConnectRequest selects the endpoint and retry bound for Connect. An empty
// Address means auto-discover; zero BaudRate and MaxAttempts use the session
// defaults.
type ConnectRequest struct {
	Address     string `json:"port,omitempty"`
	BaudRate    int    `json:"baud_rate,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

// Session is the single owner of a device transport. Connect, Disconnect and
// Execute are serialized by one mutex; Status never blocks on it.
type Session struct {
	mu        sync.Mutex
	transport domain.Transport // non-nil iff connected; guarded by mu

	status atomic.Pointer[domain.SessionStatus]

	opener     domain.TransportOpener
	discoverer domain.PortDiscoverer
	relay      domain.EventRelay
	opts       Options
	keywords   []string
	breaker    *gobreaker.CircuitBreaker[struct{}]
	logger     *slog.Logger
}

// New creates a disconnected session. discoverer may be nil when callers
// always pass an address; relay may be nil to disable events.
func New(opener domain.TransportOpener, discoverer domain.PortDiscoverer, relay domain.EventRelay, opts Options, logger *slog.Logger) *Session {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	keywords := make([]string, 0, len(opts.CompletionKeywords))
	for _, k := range opts.CompletionKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	s := &Session{
		opener:     opener,
		discoverer: discoverer,
		relay:      relay,
		opts:       opts,
		keywords:   keywords,
		breaker:    newConnectBreaker(opts.Breaker, logger),
		logger:     logger,
	}
	s.status.Store(&domain.SessionStatus{State: domain.StateDisconnected})
	return s
}

// Status returns a snapshot of the session.
func (s *Session) Status() domain.SessionStatus {
	return *s.status.Load()
}

// BreakerState reports the connect circuit breaker state, or "disabled".
func (s *Session) BreakerState() string {
	if s.breaker == nil {
		return "disabled"
	}
	return s.breaker.State().String()
}

// Connect opens the transport, retrying up to the request's attempt bound.
// Callers see a single failure after the last attempt.
func (s *Session) Connect(ctx context.Context, req ConnectRequest) (err error) {
	ctx, span := tracer.StartSpan(ctx, "session.connect")
	defer func() { tracer.Finish(span, err) }()

	address := req.Address
	if address == "" {
		if address, err = s.resolveAddress(ctx); err != nil {
			return err
		}
	}
	baud := cmp.Or(req.BaudRate, s.opts.BaudRate)
	attempts := cmp.Or(req.MaxAttempts, s.opts.MaxAttempts)
	span.SetAttributes(
		tracer.StringAttr("serial.port", address),
		tracer.IntAttr("serial.baud_rate", baud),
		tracer.IntAttr("serial.max_attempts", attempts),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	// The old handle goes before Connecting is published.
	settle := s.transport != nil
	s.release()
	s.setStatus(domain.SessionStatus{State: domain.StateConnecting, Address: address, BaudRate: baud})

	err = s.guarded(func() error {
		return s.connectWithRetry(ctx, address, baud, attempts, settle)
	})
	if err != nil {
		s.release()
		s.setStatus(domain.SessionStatus{State: domain.StateFailed, Address: address, BaudRate: baud})
		s.logger.Error("connect failed", "port", address, "attempts", attempts, "error", err)
		s.announce(ctx, domain.ConnectionStatus{Connected: false, Address: address, Message: err.Error()})
		return err
	}

	s.setStatus(domain.SessionStatus{
		State:          domain.StateConnected,
		Address:        address,
		BaudRate:       baud,
		ConnectedSince: time.Now(),
	})
	s.logger.Info("connected", "port", address, "baud_rate", baud)
	s.announce(ctx, domain.ConnectionStatus{
		Connected: true,
		Address:   address,
		Message:   fmt.Sprintf("Connected to %s", address),
	})
	return nil
}

// resolveAddress picks the best discovered port.
func (s *Session) resolveAddress(ctx context.Context) (string, error) {
	if s.discoverer == nil {
		return "", domain.NewDomainError("Session.Connect", domain.ErrNoPortsFound, "no discoverer configured")
	}
	candidates, err := s.discoverer.Discover(ctx)
	if err != nil {
		return "", domain.NewDomainError("Session.Connect", fmt.Errorf("%w: %w", domain.ErrNoPortsFound, err), "discovery failed")
	}
	address, ok := catalog.PickBest(candidates)
	if !ok {
		return "", domain.NewDomainError("Session.Connect", domain.ErrNoPortsFound, "")
	}
	s.logger.Info("auto-selected port", "port", address, "candidates", len(candidates))
	return address, nil
}

// guarded runs fn through the connect breaker when one is configured.
func (s *Session) guarded(fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	_, err := s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if isBreakerRejection(err) {
		return domain.NewDomainError("Session.Connect", domain.ErrCircuitOpen, err.Error())
	}
	return err
}

// connectWithRetry opens address up to attempts times. settle delays the
// first open so the OS can free a handle that was just released.
func (s *Session) connectWithRetry(ctx context.Context, address string, baud, attempts int, settle bool) error {
	policy := RetryPolicy{MaxAttempts: attempts, Delay: s.opts.RetryDelay}
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if settle && attempt == 1 {
			if err := sleep(ctx, s.opts.ProbeSettle); err != nil {
				return err
			}
		}
		return s.attempt(ctx, address, baud)
	}, func(attempt int, err error) {
		s.logger.Warn("connect attempt failed",
			"port", address,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
	})
	if err == nil {
		return nil
	}
	return domain.NewDomainError("Session.Connect",
		fmt.Errorf("%w: %w", domain.ErrTransportOpenFailed, err),
		fmt.Sprintf("%s after %d attempts", address, attempts))
}

// attempt performs one open + boot + probe cycle. On success the new handle
// is stored; on failure no handle is held. The caller releases any previous
// handle first.
func (s *Session) attempt(ctx context.Context, address string, baud int) error {
	t, err := s.opener.Open(address, baud, s.opts.IOTimeout)
	if err != nil {
		return err
	}
	if err := s.probe(ctx, t); err != nil {
		_ = t.Close()
		return err
	}
	s.transport = t
	return nil
}

// probe waits for the device to boot, wakes it with an empty line and
// discards whatever it printed.
func (s *Session) probe(ctx context.Context, t domain.Transport) error {
	if err := sleep(ctx, s.opts.BootGrace); err != nil {
		return err
	}
	if err := t.ResetInputBuffer(); err != nil {
		return fmt.Errorf("reset input: %w", err)
	}
	if _, err := t.Write([]byte("\n")); err != nil {
		return fmt.Errorf("probe write: %w", err)
	}
	if err := t.Drain(); err != nil {
		return fmt.Errorf("probe drain: %w", err)
	}
	if err := sleep(ctx, s.opts.ProbeSettle); err != nil {
		return err
	}
	if err := t.SetReadTimeout(s.opts.PollInterval); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}
	buf := make([]byte, 1024)
	n, err := t.Read(buf)
	if err != nil {
		return fmt.Errorf("probe read: %w", err)
	}
	if n > 0 {
		s.logger.Debug("discarded boot output", "bytes", n)
	}
	return nil
}

// Disconnect releases the transport. It is a no-op when nothing is held.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectLocked()
}

func (s *Session) disconnectLocked() error {
	prev := s.Status()
	if s.transport == nil {
		if prev.State != domain.StateDisconnected {
			s.setStatus(domain.SessionStatus{State: domain.StateDisconnected})
		}
		return nil
	}
	err := s.release()
	s.setStatus(domain.SessionStatus{State: domain.StateDisconnected})
	s.logger.Info("disconnected", "port", prev.Address)
	s.announce(context.Background(), domain.ConnectionStatus{
		Connected: false,
		Address:   prev.Address,
		Message:   "Disconnected",
	})
	if err != nil {
		return domain.WrapOp("Session.Disconnect", err)
	}
	return nil
}

// release closes the held handle. Caller holds mu.
func (s *Session) release() error {
	t := s.transport
	s.transport = nil
	if t == nil {
		return nil
	}
	if err := t.Close(); err != nil {
		s.logger.Warn("transport close failed", "error", err)
		return err
	}
	return nil
}

// Close disconnects at process shutdown.
func (s *Session) Close() {
	_ = s.Disconnect()
}

func (s *Session) setStatus(st domain.SessionStatus) {
	s.status.Store(&st)
}

func (s *Session) announce(ctx context.Context, payload domain.ConnectionStatus) {
	if s.relay == nil {
		return
	}
	s.relay.Broadcast(ctx, domain.NewEvent(domain.EventConnectionStatus, payload))
}
