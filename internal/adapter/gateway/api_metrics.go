package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
// This uses the lightweight text format to avoid pulling in the full prometheus client.
func metricsHandler(s *Server, deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		gauge := func(name, help string, v any) {
			fmt.Fprintf(w, "# HELP %s %s\n", name, help)
			fmt.Fprintf(w, "# TYPE %s gauge\n", name)
			fmt.Fprintf(w, "%s %v\n", name, v)
		}
		counter := func(name, help string, v int64) {
			fmt.Fprintf(w, "# HELP %s %s\n", name, help)
			fmt.Fprintf(w, "# TYPE %s counter\n", name)
			fmt.Fprintf(w, "%s %d\n", name, v)
		}

		// Session.
		connected := 0
		if deps.Session.Status().Connected() {
			connected = 1
		}
		gauge("esp32tools_session_connected", "Whether a device transport is open.", connected)
		counter("esp32tools_connects_total", "Successful device connects.", metrics.ConnectsTotal.Load())
		counter("esp32tools_disconnects_total", "Device disconnects and failed connects.", metrics.DisconnectsTotal.Load())

		// Commands and operations.
		counter("esp32tools_commands_total", "Announced command exchanges.", metrics.CommandsTotal.Load())
		counter("esp32tools_operations_completed_total", "Completed operations.", metrics.OperationsTotal.Load())
		counter("esp32tools_errors_total", "Error events broadcast.", metrics.ErrorsTotal.Load())
		gauge("esp32tools_operations_running", "Operations currently running.", deps.Operations.Running())
		counter("esp32tools_port_scans_total", "Port list broadcasts.", metrics.PortScansTotal.Load())

		// Gateway and relay.
		gauge("esp32tools_gateway_clients", "Connected WebSocket clients.", s.ClientCount())
		if deps.Stats != nil {
			st := deps.Stats.Stats()
			gauge("esp32tools_relay_subscribers", "Registered relay subscribers.", st.Subscribers)
			counter("esp32tools_relay_delivered_total", "Events delivered to subscribers.", int64(st.Delivered))
			counter("esp32tools_relay_pruned_total", "Subscribers dropped as unreachable.", int64(st.Pruned))
		}

		gauge("esp32tools_uptime_seconds", "Seconds since the service started.", fmt.Sprintf("%.0f", time.Since(startTime).Seconds()))

		// Go runtime metrics.
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		gauge("go_goroutines", "Number of goroutines.", runtime.NumGoroutine())
		gauge("go_memstats_alloc_bytes", "Bytes of allocated heap objects.", mem.Alloc)
		gauge("go_memstats_sys_bytes", "Total bytes of memory obtained from the OS.", mem.Sys)
	}
}
