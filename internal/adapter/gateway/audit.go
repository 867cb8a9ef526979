package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"esp32-tools/internal/domain"
)

const maxAuditPayload = 256

// audited wraps handler so every call lands in the audit trail with the
// caller, the session's port and the outcome.
func (s *Server) audited(sess SessionService, typ domain.AuditEventType, method string, handler RPCHandler) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		result, err := handler(ctx, client, payload)
		if s.audit == nil {
			return result, err
		}
		ev := domain.AuditEvent{
			Timestamp: time.Now(),
			Type:      typ,
			Actor:     client.Name,
			Action:    method,
			Outcome:   "success",
		}
		if sess != nil {
			ev.Resource = sess.Status().Address
		}
		if len(payload) > 0 && string(payload) != "null" {
			ev.Detail = map[string]string{"payload": truncatePayload(payload)}
		}
		if err != nil {
			ev.Outcome = "error"
			if ev.Detail == nil {
				ev.Detail = map[string]string{}
			}
			ev.Detail["code"] = string(domain.ErrorCodeOf(err))
		}
		if aerr := s.audit.Log(ctx, ev); aerr != nil {
			s.logger.Warn("audit write failed", "method", method, "error", aerr)
		}
		return result, err
	}
}

// auditDenied records a rejected connection or REST call.
func (s *Server) auditDenied(r *http.Request) {
	if s.audit == nil {
		return
	}
	err := s.audit.Log(r.Context(), domain.AuditEvent{
		Timestamp: time.Now(),
		Type:      domain.AuditAccessDenied,
		Resource:  r.URL.Path,
		Action:    r.Method,
		Outcome:   "denied",
		Detail:    map[string]string{"remote_addr": r.RemoteAddr},
	})
	if err != nil {
		s.logger.Warn("audit write failed", "path", r.URL.Path, "error", err)
	}
}

func truncatePayload(p json.RawMessage) string {
	if len(p) <= maxAuditPayload {
		return string(p)
	}
	return string(p[:maxAuditPayload]) + "..."
}
