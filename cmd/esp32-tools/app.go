package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"esp32-tools/internal/adapter/dumpstore"
	"esp32-tools/internal/adapter/serialport"
	"esp32-tools/internal/domain"
	"esp32-tools/internal/infra/config"
	"esp32-tools/internal/infra/logger"
	"esp32-tools/internal/infra/tracer"
	"esp32-tools/internal/usecase/catalog"
	"esp32-tools/internal/usecase/eventbus"
	"esp32-tools/internal/usecase/operation"
	"esp32-tools/internal/usecase/session"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	backend    string
	port       string
	logLevel   string
}

// app holds the wired components for one command invocation.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	relay   *eventbus.Relay
	catalog *catalog.Catalog
	session *session.Session
	store   *dumpstore.Store // nil when the store is disabled
	ops     *operation.Orchestrator
	closers []func()
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.backend != "" {
		cfg.Serial.Backend = flags.backend
	}
	if flags.port != "" {
		cfg.Serial.Port = flags.port
	}
	if flags.logLevel != "" {
		cfg.Logger.Level = flags.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(ctx context.Context, flags *globalFlags) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// 1. Config
	a.cfg, err = loadConfig(flags)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(a.cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a.log = log
	a.closers = append(a.closers, func() { logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, a.cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.closers = append(a.closers, func() { tracerShutdown(context.Background()) })

	// 3. Event relay
	a.relay = eventbus.New(logger.Component(log, "relay"))
	a.closers = append(a.closers, a.relay.Close)

	// 4. Serial backend and port catalog
	backend, err := serialport.New(a.cfg.Serial, logger.Component(log, "serial"))
	if err != nil {
		return nil, fmt.Errorf("serial: %w", err)
	}
	rules, err := catalog.RulesFromConfig(a.cfg.Serial.Allowlist)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	a.catalog = catalog.New(backend, rules, a.cfg.Serial.Keywords, logger.Component(log, "catalog"))

	// 5. Session
	a.session = session.New(backend, a.catalog, a.relay, session.OptionsFromConfig(a.cfg.Serial), logger.Component(log, "session"))
	a.closers = append(a.closers, a.session.Close)

	// 6. Dump store
	var recorder domain.DumpStore
	if a.cfg.Store.Enabled {
		a.store, err = dumpstore.Open(a.cfg.Store.Dir, logger.Component(log, "dumpstore"))
		if err != nil {
			return nil, fmt.Errorf("dump store: %w", err)
		}
		a.closers = append(a.closers, func() { a.store.Close() })
		recorder = a.store
	}

	// 7. Operations
	a.ops = operation.New(a.session, a.relay, recorder, a.cfg.Operation, logger.Component(log, "operation"))

	return a, nil
}

// Close releases everything in reverse wiring order.
func (a *app) Close() {
	for _, c := range slices.Backward(a.closers) {
		c()
	}
	a.closers = nil
}

// connect opens the configured port, or the best discovered one.
func (a *app) connect(ctx context.Context) error {
	return a.session.Connect(ctx, session.ConnectRequest{Address: a.cfg.Serial.Port})
}

// requireStore returns the dump store or an error when it is disabled.
func (a *app) requireStore() (*dumpstore.Store, error) {
	if a.store == nil {
		return nil, domain.NewDomainError("dumps", domain.ErrInvalidInput, "dump store is disabled (store.enabled: false)")
	}
	return a.store, nil
}
