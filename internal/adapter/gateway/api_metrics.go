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

		// Board metrics.
		fmt.Fprintf(w, "# HELP slate_boards_active Number of open boards.\n")
		fmt.Fprintf(w, "# TYPE slate_boards_active gauge\n")
		fmt.Fprintf(w, "slate_boards_active %d\n", deps.Coordinator.Store().Count())

		fmt.Fprintf(w, "# HELP slate_boards_opened_total Total boards opened.\n")
		fmt.Fprintf(w, "# TYPE slate_boards_opened_total counter\n")
		fmt.Fprintf(w, "slate_boards_opened_total %d\n", metrics.BoardsOpened.Load())

		fmt.Fprintf(w, "# HELP slate_operations_total Total board operations applied.\n")
		fmt.Fprintf(w, "# TYPE slate_operations_total counter\n")
		fmt.Fprintf(w, "slate_operations_total %d\n", metrics.OperationsTotal.Load())

		fmt.Fprintf(w, "# HELP slate_broadcasts_total Total events fanned out to participants.\n")
		fmt.Fprintf(w, "# TYPE slate_broadcasts_total counter\n")
		fmt.Fprintf(w, "slate_broadcasts_total %d\n", deps.Coordinator.Router().Broadcasts())

		// Presence metrics.
		fmt.Fprintf(w, "# HELP slate_cursors_active Number of active cursors across boards.\n")
		fmt.Fprintf(w, "# TYPE slate_cursors_active gauge\n")
		fmt.Fprintf(w, "slate_cursors_active %d\n", deps.Coordinator.Cursors().Count())

		// Gateway metrics.
		fmt.Fprintf(w, "# HELP slate_connections_active Number of open WebSocket connections.\n")
		fmt.Fprintf(w, "# TYPE slate_connections_active gauge\n")
		fmt.Fprintf(w, "slate_connections_active %d\n", s.ConnectionCount())

		fmt.Fprintf(w, "# HELP slate_frames_dropped_total Frames discarded for slow clients.\n")
		fmt.Fprintf(w, "# TYPE slate_frames_dropped_total counter\n")
		fmt.Fprintf(w, "slate_frames_dropped_total %d\n", s.DroppedFrames())

		// Archive metrics.
		available := 0
		if deps.Archive != nil {
			available = 1
		}
		fmt.Fprintf(w, "# HELP slate_archive_available Whether snapshot persistence is enabled.\n")
		fmt.Fprintf(w, "# TYPE slate_archive_available gauge\n")
		fmt.Fprintf(w, "slate_archive_available %d\n", available)

		fmt.Fprintf(w, "# HELP slate_snapshots_saved_total Total board snapshots archived.\n")
		fmt.Fprintf(w, "# TYPE slate_snapshots_saved_total counter\n")
		fmt.Fprintf(w, "slate_snapshots_saved_total %d\n", metrics.SnapshotsSaved.Load())

		// Uptime.
		fmt.Fprintf(w, "# HELP slate_uptime_seconds Seconds since the server started.\n")
		fmt.Fprintf(w, "# TYPE slate_uptime_seconds gauge\n")
		fmt.Fprintf(w, "slate_uptime_seconds %.0f\n", time.Since(startTime).Seconds())

		// Go runtime metrics.
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)

		fmt.Fprintf(w, "# HELP go_memstats_sys_bytes Total bytes of memory obtained from the OS.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_sys_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_sys_bytes %d\n", mem.Sys)

		fmt.Fprintf(w, "# HELP go_gc_duration_seconds Total GC pause duration.\n")
		fmt.Fprintf(w, "# TYPE go_gc_duration_seconds gauge\n")
		fmt.Fprintf(w, "go_gc_duration_seconds %f\n", float64(mem.PauseTotalNs)/1e9)
	}
}
