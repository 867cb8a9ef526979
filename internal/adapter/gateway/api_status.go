package gateway

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"esp32-tools/internal/domain"
	"esp32-tools/internal/usecase/eventbus"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service    ServiceStatus        `json:"service"`
	Session    domain.SessionStatus `json:"session"`
	Breaker    string               `json:"breaker"`
	Gateway    GatewayStatus        `json:"gateway"`
	Operations OperationStatus      `json:"operations"`
	Events     eventbus.Stats       `json:"events"`
	Dumps      bool                 `json:"dump_store"`
}

// ServiceStatus holds service overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// GatewayStatus holds connection counts.
type GatewayStatus struct {
	Clients int `json:"clients"`
}

// OperationStatus holds operation counters.
type OperationStatus struct {
	Running     int   `json:"running"`
	Completed   int64 `json:"completed_total"`
	ErrorsTotal int64 `json:"errors_total"`
}

// Metrics tracks counters for the status API and Prometheus metrics. The
// counters are fed from relay events.
type Metrics struct {
	ConnectsTotal    atomic.Int64
	DisconnectsTotal atomic.Int64
	CommandsTotal    atomic.Int64
	OperationsTotal  atomic.Int64
	ErrorsTotal      atomic.Int64
	PortScansTotal   atomic.Int64
}

// observe counts one relay event. It never fails, so the metrics subscriber
// stays registered for the life of the relay.
func (m *Metrics) observe(ev domain.Event) error {
	switch ev.Type {
	case domain.EventConnectionStatus:
		var cs domain.ConnectionStatus
		if ev.DecodePayload(&cs) == nil && cs.Connected {
			m.ConnectsTotal.Add(1)
		} else {
			m.DisconnectsTotal.Add(1)
		}
	case domain.EventCommandResponse:
		m.CommandsTotal.Add(1)
	case domain.EventOperationCompleted:
		m.OperationsTotal.Add(1)
	case domain.EventError:
		m.ErrorsTotal.Add(1)
	case domain.EventPortsListed:
		m.PortScansTotal.Add(1)
	}
	return nil
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(s *Server, deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := StatusResponse{
			Service: ServiceStatus{
				Name:          "esp32-tools",
				Version:       deps.Version,
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
			},
			Session: deps.Session.Status(),
			Breaker: deps.Session.BreakerState(),
			Gateway: GatewayStatus{Clients: s.ClientCount()},
			Operations: OperationStatus{
				Running:     deps.Operations.Running(),
				Completed:   metrics.OperationsTotal.Load(),
				ErrorsTotal: metrics.ErrorsTotal.Load(),
			},
			Dumps: deps.Dumps != nil,
		}
		if deps.Stats != nil {
			resp.Events = deps.Stats.Stats()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// healthHandler answers liveness probes without authentication.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}
