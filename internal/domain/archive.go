package domain

import (
	"context"
	"time"
)

// SnapshotInfo describes one archived board canvas.
type SnapshotInfo struct {
	Name      string    `json:"name"`
	SessionID string    `json:"session_id"`
	Shapes    int       `json:"shapes"`
	SavedAt   time.Time `json:"saved_at"`
}

// SnapshotArchive persists board canvases outside the live engine. The
// canvas is opaque to the archive: a JSON array of tagged shapes.
type SnapshotArchive interface {
	Save(ctx context.Context, sessionID, name string, canvas []byte) (SnapshotInfo, error)
	Load(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context) ([]SnapshotInfo, error)
}
