package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esp32-tools/internal/domain"
	"esp32-tools/internal/infra/logger"
	"esp32-tools/internal/usecase/eventbus"
	"esp32-tools/internal/usecase/operation"
	"esp32-tools/internal/usecase/session"
)

type stubSession struct {
	status domain.SessionStatus
}

func (s *stubSession) Connect(context.Context, session.ConnectRequest) error { return nil }
func (s *stubSession) Disconnect() error                                      { return nil }
func (s *stubSession) Status() domain.SessionStatus                           { return s.status }
func (s *stubSession) BreakerState() string                                   { return "closed" }
func (s *stubSession) Execute(context.Context, string, domain.ExchangeOptions) (*domain.CommandExchange, error) {
	return nil, domain.ErrNotConnected
}

type stubOperations struct{ running int }

func (o stubOperations) Run(context.Context, operation.Request) operation.Result { return operation.Result{} }
func (o stubOperations) Definitions() []operation.Definition                     { return nil }
func (o stubOperations) Running() int                                            { return o.running }

func apiTestDeps(relay *eventbus.Relay) HandlerDeps {
	return HandlerDeps{
		Session: &stubSession{status: domain.SessionStatus{
			State:    domain.StateConnected,
			Address:  "/dev/ttyUSB0",
			BaudRate: 115200,
		}},
		Operations: stubOperations{running: 1},
		Relay:      relay,
		Stats:      relay,
		Version:    "1.2.3",
		Logger:     logger.Discard(),
	}
}

func TestStatusHandler(t *testing.T) {
	relay := eventbus.New(logger.Discard())
	deps := apiTestDeps(relay)
	srv := NewServer(relay, OpenAuth{}, "127.0.0.1:0", logger.Discard())
	metrics := &Metrics{}
	metrics.OperationsTotal.Store(4)
	metrics.ErrorsTotal.Store(2)

	handler := statusHandler(srv, deps, time.Now().Add(-60*time.Second), metrics)
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "esp32-tools", resp.Service.Name)
	assert.Equal(t, "1.2.3", resp.Service.Version)
	assert.GreaterOrEqual(t, resp.Service.UptimeSeconds, int64(59))
	assert.Equal(t, domain.StateConnected, resp.Session.State)
	assert.Equal(t, "/dev/ttyUSB0", resp.Session.Address)
	assert.Equal(t, "closed", resp.Breaker)
	assert.Equal(t, 1, resp.Operations.Running)
	assert.Equal(t, int64(4), resp.Operations.Completed)
	assert.Equal(t, int64(2), resp.Operations.ErrorsTotal)
	assert.False(t, resp.Dumps)
}

func TestStatusHandler_MethodNotAllowed(t *testing.T) {
	relay := eventbus.New(logger.Discard())
	srv := NewServer(relay, OpenAuth{}, "127.0.0.1:0", logger.Discard())
	handler := statusHandler(srv, apiTestDeps(relay), time.Now(), &Metrics{})

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodPost, "/api/v1/status", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMetricsHandler(t *testing.T) {
	relay := eventbus.New(logger.Discard())
	srv := NewServer(relay, OpenAuth{}, "127.0.0.1:0", logger.Discard())
	metrics := &Metrics{}
	metrics.CommandsTotal.Store(9)

	handler := metricsHandler(srv, apiTestDeps(relay), time.Now(), metrics)
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "# TYPE esp32tools_commands_total counter\n")
	assert.Contains(t, body, "esp32tools_commands_total 9\n")
	assert.Contains(t, body, "esp32tools_session_connected 1\n")
	assert.Contains(t, body, "esp32tools_operations_running 1\n")
	assert.Contains(t, body, "esp32tools_relay_subscribers 0\n")
	assert.Contains(t, body, "go_goroutines ")
}

func TestMetrics_Observe(t *testing.T) {
	m := &Metrics{}
	events := []domain.Event{
		domain.NewEvent(domain.EventConnectionStatus, domain.ConnectionStatus{Connected: true}),
		domain.NewEvent(domain.EventConnectionStatus, domain.ConnectionStatus{Connected: false}),
		domain.NewEvent(domain.EventCommandResponse, domain.CommandResponse{Command: "id"}),
		domain.NewEvent(domain.EventOperationCompleted, domain.OperationCompleted{Name: "detect"}),
		domain.NewEvent(domain.EventError, domain.ErrorEvent{Message: "boom"}),
		domain.NewEvent(domain.EventPortsListed, domain.PortsListed{}),
		domain.NewEvent(domain.EventOperationProgress, domain.OperationProgress{Percent: 10}),
	}
	for _, ev := range events {
		require.NoError(t, m.observe(ev))
	}

	assert.Equal(t, int64(1), m.ConnectsTotal.Load())
	assert.Equal(t, int64(1), m.DisconnectsTotal.Load())
	assert.Equal(t, int64(1), m.CommandsTotal.Load())
	assert.Equal(t, int64(1), m.OperationsTotal.Load())
	assert.Equal(t, int64(1), m.ErrorsTotal.Load())
	assert.Equal(t, int64(1), m.PortScansTotal.Load())
}

func TestRegisterRESTHandlers_Auth(t *testing.T) {
	relay := eventbus.New(logger.Discard())
	srv := NewServer(relay, newTestAuth(), "127.0.0.1:0", logger.Discard())
	metrics := RegisterRESTHandlers(srv, apiTestDeps(relay))
	addr := startTestServer(t, srv)

	get := func(path, bearer string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, "http://"+addr+path, nil)
		require.NoError(t, err)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, get("/api/v1/status", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get("/metrics", "bad").StatusCode)
	assert.Equal(t, http.StatusOK, get("/api/v1/status", "test-token").StatusCode)
	assert.Equal(t, http.StatusOK, get("/api/v1/status?token=test-token", "").StatusCode)
	assert.Equal(t, http.StatusOK, get("/healthz", "").StatusCode)

	// The metrics subscriber is on the relay.
	relay.Broadcast(context.Background(), domain.NewEvent(domain.EventCommandResponse, domain.CommandResponse{}))
	assert.Equal(t, int64(1), metrics.CommandsTotal.Load())
}
