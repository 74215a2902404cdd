package gateway

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Server  ServerStatus  `json:"server"`
	Boards  BoardStatus   `json:"boards"`
	Archive ArchiveStatus `json:"archive"`
}

// ServerStatus holds gateway overview info.
type ServerStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Connections   int    `json:"connections"`
	DroppedFrames uint64 `json:"dropped_frames"`
}

// BoardStatus holds board and activity counts.
type BoardStatus struct {
	Active          int    `json:"active"`
	OpenedTotal     int64  `json:"opened_total"`
	OperationsTotal int64  `json:"operations_total"`
	ActiveCursors   int    `json:"active_cursors"`
	BroadcastsTotal uint64 `json:"broadcasts_total"`
}

// ArchiveStatus holds snapshot persistence info.
type ArchiveStatus struct {
	Enabled    bool  `json:"enabled"`
	SavedTotal int64 `json:"saved_total"`
}

// Version is reported by the status endpoint.
const Version = "0.3.0"

// Metrics tracks counters for the status API and Prometheus metrics.
type Metrics struct {
	BoardsOpened    atomic.Int64
	OperationsTotal atomic.Int64
	SnapshotsSaved  atomic.Int64
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(s *Server, deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := StatusResponse{
			Server: ServerStatus{
				Name:          "slate",
				Version:       Version,
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
				Connections:   s.ConnectionCount(),
				DroppedFrames: s.DroppedFrames(),
			},
			Boards: BoardStatus{
				Active:          deps.Coordinator.Store().Count(),
				OpenedTotal:     metrics.BoardsOpened.Load(),
				OperationsTotal: metrics.OperationsTotal.Load(),
				ActiveCursors:   deps.Coordinator.Cursors().Count(),
				BroadcastsTotal: deps.Coordinator.Router().Broadcasts(),
			},
			Archive: ArchiveStatus{
				Enabled:    deps.Archive != nil,
				SavedTotal: metrics.SnapshotsSaved.Load(),
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
