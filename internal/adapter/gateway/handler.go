package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"esp32-tools/internal/domain"
	"esp32-tools/internal/usecase/eventbus"
	"esp32-tools/internal/usecase/operation"
	"esp32-tools/internal/usecase/session"
)

// SessionService is the device session as seen by the gateway.
// *session.Session satisfies it.
type SessionService interface {
	Connect(ctx context.Context, req session.ConnectRequest) error
	Disconnect() error
	Status() domain.SessionStatus
	BreakerState() string
	Execute(ctx context.Context, request string, opts domain.ExchangeOptions) (*domain.CommandExchange, error)
}

// OperationRunner runs named operations. *operation.Orchestrator satisfies it.
type OperationRunner interface {
	Run(ctx context.Context, req operation.Request) operation.Result
	Definitions() []operation.Definition
	Running() int
}

// RelayStats reports event relay counters. *eventbus.Relay satisfies it.
type RelayStats interface {
	Stats() eventbus.Stats
}

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Session    SessionService
	Ports      domain.PortDiscoverer
	Operations OperationRunner
	Dumps      domain.DumpCatalog // can be nil (store disabled)
	Relay      domain.EventRelay
	Stats      RelayStats // can be nil
	Version    string
	Logger     *slog.Logger
}

// RegisterRESTHandlers registers HTTP REST endpoints on the gateway server.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) *Metrics {
	startTime := time.Now()
	metrics := &Metrics{}

	// Count events for the metric counters.
	if deps.Relay != nil {
		deps.Relay.Add(eventbus.NewFuncSubscriber(metrics.observe, nil))
	}

	// Auth middleware for REST endpoints.
	authMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			token := r.URL.Query().Get("token")
			if token == "" {
				token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if _, err := s.auth.Authenticate(token); err != nil {
				s.auditDenied(r)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	s.RegisterHTTPRoute("/api/v1/status", authMiddleware(statusHandler(s, deps, startTime, metrics)))
	s.RegisterHTTPRoute("/metrics", authMiddleware(metricsHandler(s, deps, startTime, metrics)))
	s.RegisterHTTPRoute("/healthz", healthHandler)

	return metrics
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHandler("ports.list", portsListHandler(deps))
	s.RegisterHandler("session.connect", s.audited(deps.Session, domain.AuditSessionConnect, "session.connect", validated("session.connect", sessionConnectHandler(deps))))
	s.RegisterHandler("session.disconnect", s.audited(deps.Session, domain.AuditSessionDisconnect, "session.disconnect", sessionDisconnectHandler(deps)))
	s.RegisterHandler("session.status", sessionStatusHandler(deps))
	s.RegisterHandler("command.send", s.audited(deps.Session, domain.AuditDeviceCommand, "command.send", validated("command.send", commandSendHandler(deps))))
	s.RegisterHandler("chip.detect", s.audited(deps.Session, domain.AuditOperation, "chip.detect", chipDetectHandler(deps)))
	s.RegisterHandler("flash.dump", s.audited(deps.Session, domain.AuditOperation, "flash.dump", validated("flash.dump", flashDumpHandler(deps))))
	s.RegisterHandler("operation.list", operationListHandler(deps))
	s.RegisterHandler("operation.run", s.audited(deps.Session, domain.AuditOperation, "operation.run", validated("operation.run", operationRunHandler(deps))))

	if deps.Dumps != nil {
		s.RegisterHandler("dumps.list", dumpsListHandler(deps))
		s.RegisterHandler("dumps.get", s.audited(deps.Session, domain.AuditDumpAccess, "dumps.get", validated("dumps.get", dumpsGetHandler(deps))))
	}
}

// decode unmarshals an optional payload. An empty payload leaves v untouched.
func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return domain.ErrRPCInvalidPayload
	}
	return nil
}

func millis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// --- ports ---

type portsListResponse struct {
	Ports []domain.PortCandidate `json:"ports"`
}

func portsListHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		ports, err := deps.Ports.Discover(ctx)
		if err != nil {
			return nil, err
		}
		if ports == nil {
			ports = []domain.PortCandidate{}
		}
		return json.Marshal(portsListResponse{Ports: ports})
	}
}

// --- session ---

type sessionStatusResponse struct {
	Status  domain.SessionStatus `json:"status"`
	Breaker string               `json:"breaker"`
}

func sessionStatus(deps HandlerDeps) (json.RawMessage, error) {
	return json.Marshal(sessionStatusResponse{
		Status:  deps.Session.Status(),
		Breaker: deps.Session.BreakerState(),
	})
}

func sessionConnectHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req session.ConnectRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.BaudRate < 0 || req.MaxAttempts < 0 {
			return nil, domain.ErrRPCInvalidPayload
		}
		deps.Logger.Info("gateway connect requested", "client", client.Name, "port", req.Address)
		if err := deps.Session.Connect(ctx, req); err != nil {
			return nil, err
		}
		return sessionStatus(deps)
	}
}

func sessionDisconnectHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		if err := deps.Session.Disconnect(); err != nil {
			return nil, err
		}
		return sessionStatus(deps)
	}
}

func sessionStatusHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return sessionStatus(deps)
	}
}

// --- commands ---

type commandSendRequest struct {
	Command          string `json:"command"`
	OverallTimeoutMS int64  `json:"overall_timeout_ms,omitempty"`
	QuietTimeoutMS   int64  `json:"quiet_timeout_ms,omitempty"`
}

type commandSendResponse struct {
	Command   string                `json:"command"`
	Response  string                `json:"response"`
	Lines     []string              `json:"lines"`
	Status    domain.ExchangeStatus `json:"status"`
	ElapsedMS int64                 `json:"elapsed_ms"`
}

func commandSendHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req commandSendRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		req.Command = strings.TrimSpace(req.Command)
		if req.Command == "" || req.OverallTimeoutMS < 0 || req.QuietTimeoutMS < 0 {
			return nil, domain.ErrRPCInvalidPayload
		}
		ex, err := deps.Session.Execute(ctx, req.Command, domain.ExchangeOptions{
			OverallTimeout: millis(req.OverallTimeoutMS),
			QuietTimeout:   millis(req.QuietTimeoutMS),
			Announce:       true,
		})
		if err != nil {
			return nil, err
		}
		lines := ex.Lines
		if lines == nil {
			lines = []string{}
		}
		return json.Marshal(commandSendResponse{
			Command:   ex.Request,
			Response:  ex.Response(),
			Lines:     lines,
			Status:    ex.Status,
			ElapsedMS: ex.Elapsed.Milliseconds(),
		})
	}
}

// --- operations ---

type operationResponse struct {
	Name      string                `json:"name"`
	Command   string                `json:"command"`
	Response  string                `json:"response"`
	Status    domain.ExchangeStatus `json:"status,omitempty"`
	Locator   string                `json:"locator,omitempty"`
	ElapsedMS int64                 `json:"elapsed_ms"`
}

func runOperation(ctx context.Context, deps HandlerDeps, req operation.Request) (json.RawMessage, error) {
	res := deps.Operations.Run(ctx, req)
	if res.Err != nil {
		return nil, res.Err
	}
	return json.Marshal(operationResponse{
		Name:      res.Name,
		Command:   res.Command,
		Response:  res.Response,
		Status:    res.Status,
		Locator:   res.Locator,
		ElapsedMS: res.Elapsed.Milliseconds(),
	})
}

func chipDetectHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return runOperation(ctx, deps, operation.Request{Name: operation.Detect})
	}
}

type flashDumpRequest struct {
	Start  uint64 `json:"start"`
	Size   uint64 `json:"size"`
	Device string `json:"device,omitempty"`
	Chip   string `json:"chip,omitempty"`
}

func flashDumpHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req flashDumpRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		opReq := operation.Request{
			Name:       operation.Dump,
			Record:     true,
			Attributes: map[string]string{},
		}
		if req.Size > 0 {
			opReq.Command = operation.DumpCommand(req.Start, req.Size)
		}
		if req.Device != "" {
			opReq.Attributes["device"] = req.Device
		}
		if req.Chip != "" {
			opReq.Attributes["chip"] = req.Chip
		}
		return runOperation(ctx, deps, opReq)
	}
}

func operationListHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Operations.Definitions())
	}
}

type operationRunRequest struct {
	Name             string            `json:"name"`
	Command          string            `json:"command,omitempty"`
	OverallTimeoutMS int64             `json:"overall_timeout_ms,omitempty"`
	QuietTimeoutMS   int64             `json:"quiet_timeout_ms,omitempty"`
	Record           bool              `json:"record,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`
}

func operationRunHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req operationRunRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.Name == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		return runOperation(ctx, deps, operation.Request{
			Name:           req.Name,
			Command:        req.Command,
			OverallTimeout: millis(req.OverallTimeoutMS),
			QuietTimeout:   millis(req.QuietTimeoutMS),
			Record:         req.Record,
			Attributes:     req.Attributes,
		})
	}
}

// --- dumps ---

type dumpsListResponse struct {
	Dumps []domain.DumpRecord `json:"dumps"`
}

func dumpsListHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		records, err := deps.Dumps.List(ctx)
		if err != nil {
			return nil, err
		}
		if records == nil {
			records = []domain.DumpRecord{}
		}
		return json.Marshal(dumpsListResponse{Dumps: records})
	}
}

type dumpsGetRequest struct {
	ID string `json:"id"`
}

func dumpsGetHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req dumpsGetRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.ID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		rec, err := deps.Dumps.Get(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rec)
	}
}
