package usecase

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"slate/internal/domain"
)

// Default cursor expiry windows. A cursor not refreshed within the
// staleness window is invisible to ActiveCursors even before any sweep; the
// sweep removes entries older than the GC window.
const (
	DefaultCursorStaleAfter = 5 * time.Second
	DefaultCursorGCAfter    = 10 * time.Second
	DefaultCursorSweepEvery = 30 * time.Second
)

// CursorTracker caches each participant's last pointer position per
// session. It is deliberately separate from the participant records:
// cursors update far more often than anything else and expire on a
// wall-clock window rather than on leave. One tracker lock covers all
// sessions; cursor writes are cheap upserts and never contend with the
// per-session operation path.
type CursorTracker struct {
	mu         sync.Mutex
	sessions   map[string]map[string]domain.Cursor
	staleAfter time.Duration
	gcAfter    time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewCursorTracker creates a tracker with the given expiry windows.
// Non-positive durations fall back to the defaults.
func NewCursorTracker(staleAfter, gcAfter time.Duration, logger *slog.Logger) *CursorTracker {
	if staleAfter <= 0 {
		staleAfter = DefaultCursorStaleAfter
	}
	if gcAfter <= 0 {
		gcAfter = DefaultCursorGCAfter
	}
	return &CursorTracker{
		sessions:   make(map[string]map[string]domain.Cursor),
		staleAfter: staleAfter,
		gcAfter:    gcAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// Update upserts a cursor entry with the current timestamp. Membership
// validation is the coordinator's job; the tracker accepts any ids.
func (t *CursorTracker) Update(sessionID, participantID string, x, y float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket, ok := t.sessions[sessionID]
	if !ok {
		bucket = make(map[string]domain.Cursor)
		t.sessions[sessionID] = bucket
	}
	bucket[participantID] = domain.Cursor{
		ParticipantID: participantID,
		X:             x,
		Y:             y,
		UpdatedAt:     t.now(),
	}
}

// ActiveCursors returns the session's cursors that are within the staleness
// window at call time, ordered by participant id for stable snapshots.
func (t *CursorTracker) ActiveCursors(sessionID string) []domain.Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.staleAfter)
	var out []domain.Cursor
	for _, c := range t.sessions[sessionID] {
		if !c.UpdatedAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// Remove drops a participant's cursor, if any. Called on leave.
func (t *CursorTracker) Remove(sessionID, participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	delete(bucket, participantID)
	if len(bucket) == 0 {
		delete(t.sessions, sessionID)
	}
}

// RemoveSession drops a session's whole cursor bucket. Called on eviction.
func (t *CursorTracker) RemoveSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

// Sweep removes entries older than the GC window across all sessions and
// returns how many were dropped. Invoked on a fixed interval by the
// scheduler; no caller consumes the count except logs and tests.
func (t *CursorTracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.gcAfter)
	dropped := 0
	for sid, bucket := range t.sessions {
		for pid, c := range bucket {
			if c.UpdatedAt.Before(cutoff) {
				delete(bucket, pid)
				dropped++
			}
		}
		if len(bucket) == 0 {
			delete(t.sessions, sid)
		}
	}
	if dropped > 0 {
		t.logger.Debug("cursor sweep", "dropped", dropped)
	}
	return dropped
}

// Count returns the total number of cached cursor entries.
func (t *CursorTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, bucket := range t.sessions {
		n += len(bucket)
	}
	return n
}
