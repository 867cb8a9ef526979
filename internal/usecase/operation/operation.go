// Package operation runs named device operations on top of a session and
// reports their lifecycle as events.
package operation

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"esp32-tools/internal/domain"
	"esp32-tools/internal/infra/config"
	"esp32-tools/internal/infra/tracer"
)

// Built-in operation names.
const (
	Detect = "detect"
	Dump   = "dump"
	Info   = "info"
	Reset  = "reset"
)

// Firmware console commands used by the CLI.
const (
	IdentifyCommand = "id"
	DefaultDumpSize = 0x800000
)

const (
	defaultProgressStep  = 10
	defaultProgressDelay = 100 * time.Millisecond
	defaultDumpTimeout   = 30 * time.Second
)

// Executor runs one command exchange. *session.Session satisfies it.
type Executor interface {
	Execute(ctx context.Context, request string, opts domain.ExchangeOptions) (*domain.CommandExchange, error)
}

// Definition is a named operation with its default command and timeouts.
type Definition struct {
	Name           string        `json:"name"`
	Command        string        `json:"command"`
	OverallTimeout time.Duration `json:"overall_timeout,omitempty"`
	QuietTimeout   time.Duration `json:"quiet_timeout,omitempty"`
	Record         bool          `json:"record"`
}

// Request asks the orchestrator to run an operation. Empty Command and zero
// timeouts take the definition's values. Attributes are stored with the
// recorded output.
type Request struct {
	Name           string
	Command        string
	OverallTimeout time.Duration
	QuietTimeout   time.Duration
	Record         bool
	Attributes     map[string]string
}

// Result is the outcome of Run. Err is set instead of returning an error so
// callers can always render a result.
type Result struct {
	Name     string                `json:"name"`
	Command  string                `json:"command"`
	Response string                `json:"response"`
	Status   domain.ExchangeStatus `json:"status,omitempty"`
	Locator  string                `json:"locator,omitempty"`
	Elapsed  time.Duration         `json:"elapsed"`
	Err      error                 `json:"-"`
}

// Orchestrator runs named operations.
type Orchestrator struct {
	executor Executor
	relay    domain.EventRelay
	store    domain.DumpStore // nil disables recording
	defs     map[string]Definition
	step     int
	delay    time.Duration
	logger   *slog.Logger

	running atomic.Int32
}

// New creates an orchestrator with the built-in operations. store may be nil.
func New(executor Executor, relay domain.EventRelay, store domain.DumpStore, cfg config.OperationConfig, logger *slog.Logger) *Orchestrator {
	step := cmp.Or(cfg.ProgressStep, defaultProgressStep)
	if step > 100 {
		step = 100
	}
	return &Orchestrator{
		executor: executor,
		relay:    relay,
		store:    store,
		defs:     Builtins(cfg),
		step:     step,
		delay:    cmp.Or(cfg.ProgressDelay, defaultProgressDelay),
		logger:   logger,
	}
}

// Builtins returns the built-in operations, with commands overridable by
// cfg.Commands. Reset has no firmware default and exists only when
// cfg.Commands names a device-specific command for it.
func Builtins(cfg config.OperationConfig) map[string]Definition {
	defs := map[string]Definition{
		Detect: {Name: Detect, Command: "DETECT_CHIP"},
		Dump:   {Name: Dump, Command: "DUMP_FLASH", OverallTimeout: cmp.Or(cfg.DumpTimeout, defaultDumpTimeout), Record: true},
		Info:   {Name: Info, Command: "help"},
	}
	if cmd := cfg.Commands[Reset]; cmd != "" {
		defs[Reset] = Definition{Name: Reset, Command: cmd}
	}
	for name, cmd := range cfg.Commands {
		if d, ok := defs[name]; ok && cmd != "" {
			d.Command = cmd
			defs[name] = d
		}
	}
	return defs
}

// Definitions lists the known operations sorted by name.
func (o *Orchestrator) Definitions() []Definition {
	names := slices.Sorted(maps.Keys(o.defs))
	out := make([]Definition, 0, len(names))
	for _, n := range names {
		out = append(out, o.defs[n])
	}
	return out
}

// Running returns the number of operations in flight.
func (o *Orchestrator) Running() int { return int(o.running.Load()) }

// DumpCommand formats the ranged flash dump command.
func DumpCommand(start, size uint64) string {
	return fmt.Sprintf("dump 0x%X 0x%X", start, size)
}

// Run executes the operation and broadcasts started, progress, completed, or
// error events. It never returns an error; failures are reported in
// Result.Err and as an error event.
func (o *Orchestrator) Run(ctx context.Context, req Request) (res Result) {
	o.running.Add(1)
	defer o.running.Add(-1)

	ctx, span := tracer.StartSpan(ctx, "operation.run")
	span.SetAttributes(tracer.StringAttr("operation", req.Name))
	defer func() { tracer.Finish(span, res.Err) }()

	res.Name = req.Name
	start := time.Now()
	defer func() { res.Elapsed = time.Since(start) }()

	def, ok := o.defs[strings.ToLower(req.Name)]
	if !ok {
		res.Err = domain.NewDomainError("Orchestrator.Run", domain.ErrUnknownOperation, req.Name)
		o.fail(ctx, res.Err)
		return res
	}
	res.Command = cmp.Or(req.Command, def.Command)

	o.broadcast(ctx, domain.EventOperationStarted, domain.OperationStarted{Name: def.Name})
	o.logger.Info("operation started", "operation", def.Name, "command", res.Command)

	ex, err := o.executor.Execute(ctx, res.Command, domain.ExchangeOptions{
		OverallTimeout: cmp.Or(req.OverallTimeout, def.OverallTimeout),
		QuietTimeout:   cmp.Or(req.QuietTimeout, def.QuietTimeout),
	})
	if err != nil {
		res.Err = domain.WrapOp("operation "+def.Name, err)
		o.fail(ctx, res.Err)
		return res
	}
	res.Response = ex.Response()
	res.Status = ex.Status

	if err := o.progress(ctx, def.Name); err != nil {
		res.Err = domain.WrapOp("operation "+def.Name, err)
		o.fail(ctx, res.Err)
		return res
	}

	if (req.Record || def.Record) && o.store != nil {
		locator, err := o.store.Record(ctx, def.Name, []byte(res.Response), o.attributes(req, res))
		if err != nil {
			res.Err = domain.NewDomainError("Orchestrator.Run", fmt.Errorf("%w: %w", domain.ErrDumpStore, err), def.Name)
			o.fail(ctx, res.Err)
			return res
		}
		res.Locator = locator
	}

	o.broadcast(ctx, domain.EventOperationCompleted, domain.OperationCompleted{
		Name:    def.Name,
		Result:  res.Response,
		Locator: res.Locator,
	})
	o.logger.Info("operation completed",
		"operation", def.Name,
		"status", res.Status,
		"locator", res.Locator,
	)
	return res
}

// progress emits synthetic 0..100 progress. It does not track the device.
func (o *Orchestrator) progress(ctx context.Context, name string) error {
	for pct := 0; ; pct += o.step {
		pct = min(pct, 100)
		o.broadcast(ctx, domain.EventOperationProgress, domain.OperationProgress{Name: name, Percent: pct})
		if pct == 100 {
			return nil
		}
		t := time.NewTimer(o.delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) attributes(req Request, res Result) map[string]string {
	attrs := make(map[string]string, len(req.Attributes)+2)
	maps.Copy(attrs, req.Attributes)
	attrs["command"] = res.Command
	attrs["status"] = string(res.Status)
	return attrs
}

func (o *Orchestrator) fail(ctx context.Context, err error) {
	o.logger.Error("operation failed", "error", err)
	o.broadcast(ctx, domain.EventError, domain.ErrorEvent{
		Message: err.Error(),
		Code:    domain.ErrorCodeOf(err),
	})
}

func (o *Orchestrator) broadcast(ctx context.Context, t domain.EventType, payload any) {
	if o.relay == nil {
		return
	}
	o.relay.Broadcast(ctx, domain.NewEvent(t, payload))
}
