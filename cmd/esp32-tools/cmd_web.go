package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"esp32-tools/internal/adapter/discovery"
	"esp32-tools/internal/adapter/gateway"
	"esp32-tools/internal/infra/config"
	"esp32-tools/internal/infra/logger"
	"esp32-tools/internal/infra/middleware"
	"esp32-tools/internal/security"
	"esp32-tools/internal/usecase/watch"
)

func newWebCmd(flags *globalFlags) *cobra.Command {
	var (
		addr string
		mdns bool
	)
	cmd := &cobra.Command{
		Use:   "web",
		Short: "Serve the WebSocket gateway",
		Long: `Serve the WebSocket gateway on --addr. Clients connect to /ws and receive
every session and operation event; REST status lives at /api/v1/status,
/metrics and /healthz.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			gw := a.cfg.Gateway
			if addr != "" {
				gw.Addr = addr
			}
			if mdns {
				gw.MDNS.Enabled = true
			}
			return a.serveGateway(ctx, gw, func(bound string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s ws://%s/ws\n", okStyle.Render("Gateway listening on"), bound)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, 127.0.0.1:8000)")
	cmd.Flags().BoolVar(&mdns, "mdns", false, "advertise the gateway over mDNS")
	return cmd
}

// serveGateway runs the gateway, the port watch and mDNS advertisement until
// ctx is cancelled. onListen is called once with the bound address.
func (a *app) serveGateway(ctx context.Context, gwCfg config.GatewayConfig, onListen func(string)) error {
	log := logger.Component(a.log, "gateway")

	// 1. Server and auth
	auth, err := gateway.NewAuthenticator(gwCfg.Auth)
	if err != nil {
		return fmt.Errorf("gateway auth: %w", err)
	}
	srv := gateway.NewServer(a.relay, auth, gwCfg.Addr, log)

	// 2. Handlers
	deps := gateway.HandlerDeps{
		Session:    a.session,
		Ports:      a.catalog,
		Operations: a.ops,
		Relay:      a.relay,
		Stats:      a.relay,
		Version:    version,
		Logger:     log,
	}
	if a.store != nil {
		deps.Dumps = a.store
	}
	gateway.RegisterDefaultHandlers(srv, deps)
	gateway.RegisterRESTHandlers(srv, deps)

	if gwCfg.Audit.Enabled {
		audit, err := openAudit(ctx, gwCfg.Audit, logger.Component(a.log, "audit"))
		if err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		defer audit.Close()
		srv.SetAuditLogger(audit)
	}

	// 3. Middleware
	srv.Use(middleware.SecurityHeaders)
	if rl := gwCfg.RateLimit; rl.Enabled {
		srv.Use(middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RequestsPerSecond: rl.RequestsPerSecond,
			Burst:             rl.Burst,
		}))
	}
	srv.Use(middleware.AccessLog(log))

	// 4. Port watch
	if a.cfg.Watch.Enabled {
		w := watch.New(a.catalog, a.relay, logger.Component(a.log, "watch"))
		if err := w.Start(ctx, a.cfg.Watch.Schedule); err != nil {
			return fmt.Errorf("port watch: %w", err)
		}
		defer w.Stop()
	}

	// 5. Announce the bound address, then advertise it.
	go func() {
		bound, ok := waitBound(ctx, srv)
		if !ok {
			return
		}
		if onListen != nil {
			onListen(bound)
		}
		if !gwCfg.MDNS.Enabled {
			return
		}
		port, err := portOf(bound)
		if err != nil {
			log.Warn("mdns disabled: cannot parse bound address", "addr", bound, "error", err)
			return
		}
		md := discovery.NewMDNS(gwCfg.MDNS, logger.Component(a.log, "mdns"))
		if err := md.Advertise(ctx, port, map[string]string{"version": version, "path": "/ws"}); err != nil {
			log.Warn("mdns advertise failed", "error", err)
		}
	}()

	// 6. Serve until ctx is cancelled.
	return srv.Start(ctx)
}

// openAudit opens the audit trail, trims it once and schedules a daily trim.
func openAudit(ctx context.Context, cfg config.AuditConfig, log *slog.Logger) (*auditTrail, error) {
	maxSize, err := security.ParseSize(cfg.MaxSize)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	fl, err := security.NewFileAuditLogger(cfg.Path, security.RetentionPolicy{MaxAge: cfg.MaxAge, MaxSize: maxSize})
	if err != nil {
		return nil, err
	}

	trim := func() {
		removed, err := fl.EnforceRetention(ctx)
		if err != nil {
			log.Warn("audit retention failed", "error", err)
			return
		}
		if removed > 0 {
			log.Info("audit retention enforced", "removed", removed)
		}
	}
	trim()

	sched := cron.New()
	if _, err := sched.AddFunc("@daily", trim); err != nil {
		fl.Close()
		return nil, fmt.Errorf("schedule audit retention: %w", err)
	}
	sched.Start()
	log.Info("audit trail enabled", "path", cfg.Path)
	return &auditTrail{FileAuditLogger: fl, sched: sched}, nil
}

type auditTrail struct {
	*security.FileAuditLogger
	sched *cron.Cron
}

func (t *auditTrail) Close() error {
	<-t.sched.Stop().Done()
	return t.FileAuditLogger.Close()
}

// waitBound polls until the server has bound its listener or ctx ends.
func waitBound(ctx context.Context, srv *gateway.Server) (string, bool) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if addr := srv.BoundAddr(); addr != "" {
			return addr, true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-ticker.C:
		}
	}
}

func portOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}

