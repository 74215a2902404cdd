package usecase

import (
	"log/slog"
	"sync/atomic"

	"slate/internal/domain"
)

// Router fans an accepted operation out to every other participant of a
// session. Fanout is called with the session lock held, so for any one
// session events reach every outbox in the exact order operations were
// accepted. Delivery itself is fire-and-forget: each participant's Sender
// enqueues into a bounded outbox and drops when the peer cannot keep up;
// a slow or dead connection never blocks the next operation.
type Router struct {
	logger     *slog.Logger
	broadcasts atomic.Uint64
}

// NewRouter creates a broadcast router.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{logger: logger}
}

// Fanout delivers event to every participant of s except sourceID. Callers
// hold the session lock.
func (r *Router) Fanout(s *Session, sourceID string, event domain.Event) {
	for id, p := range s.participants {
		if id == sourceID {
			continue
		}
		p.Conn.Send(event)
	}
	r.broadcasts.Add(1)
}

// Broadcasts returns the number of fanouts performed since start.
func (r *Router) Broadcasts() uint64 {
	return r.broadcasts.Load()
}
