package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	_ "modernc.org/sqlite"

	"slate/internal/domain"
)

// SQLiteArchive implements domain.SnapshotArchive using SQLite. Writes go
// through a circuit breaker: a board stays usable when its disk does not.
type SQLiteArchive struct {
	db      *sql.DB
	breaker *gobreaker.CircuitBreaker[domain.SnapshotInfo]
	logger  *slog.Logger
}

// NewSQLiteArchive opens (or creates) a SQLite database at dbPath and
// runs the schema migration.
func NewSQLiteArchive(dbPath string, logger *slog.Logger) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive db: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker[domain.SnapshotInfo](gobreaker.Settings{
		Name:    "snapshot-archive",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("archive breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &SQLiteArchive{db: db, breaker: breaker, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			name       TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			canvas     TEXT NOT NULL,
			shapes     INTEGER NOT NULL,
			saved_at   TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

// State exposes the write breaker state for health reporting.
func (a *SQLiteArchive) State() gobreaker.State {
	return a.breaker.State()
}

// Save upserts a named snapshot. Saving an existing name replaces it.
func (a *SQLiteArchive) Save(ctx context.Context, sessionID, name string, canvas []byte) (domain.SnapshotInfo, error) {
	info, err := a.breaker.Execute(func() (domain.SnapshotInfo, error) {
		var parts []json.RawMessage
		if err := json.Unmarshal(canvas, &parts); err != nil {
			return domain.SnapshotInfo{}, fmt.Errorf("archive: canvas is not a shape array: %w", err)
		}
		now := time.Now().UTC()
		_, err := a.db.ExecContext(ctx, `
			INSERT INTO snapshots (name, session_id, canvas, shapes, saved_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				session_id = excluded.session_id,
				canvas     = excluded.canvas,
				shapes     = excluded.shapes,
				saved_at   = excluded.saved_at`,
			name, sessionID, string(canvas), len(parts), now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return domain.SnapshotInfo{}, err
		}
		return domain.SnapshotInfo{
			Name:      name,
			SessionID: sessionID,
			Shapes:    len(parts),
			SavedAt:   now,
		}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.SnapshotInfo{}, domain.NewDomainError("Archive.Save", domain.ErrArchiveUnavailable, name)
		}
		return domain.SnapshotInfo{}, err
	}
	return info, nil
}

// Load returns the canvas stored under name.
func (a *SQLiteArchive) Load(ctx context.Context, name string) ([]byte, error) {
	var canvas string
	err := a.db.QueryRowContext(ctx,
		"SELECT canvas FROM snapshots WHERE name = ?", name,
	).Scan(&canvas)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewDomainError("Archive.Load", domain.ErrSnapshotNotFound, name)
		}
		return nil, err
	}
	return []byte(canvas), nil
}

// List returns all stored snapshots, most recent first.
func (a *SQLiteArchive) List(ctx context.Context) ([]domain.SnapshotInfo, error) {
	rows, err := a.db.QueryContext(ctx,
		"SELECT name, session_id, shapes, saved_at FROM snapshots ORDER BY saved_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []domain.SnapshotInfo
	for rows.Next() {
		var info domain.SnapshotInfo
		var savedStr string
		if err := rows.Scan(&info.Name, &info.SessionID, &info.Shapes, &savedStr); err != nil {
			return nil, err
		}
		info.SavedAt, _ = time.Parse(time.RFC3339Nano, savedStr)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}
