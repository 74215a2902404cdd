package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"slate/internal/domain"
)

// strokeDraft accumulates points for an in-progress freehand stroke. One
// draft per participant; it is dropped on leave or disconnect.
type strokeDraft struct {
	id        string
	points    []domain.Point
	color     string
	width     float64
	startedAt time.Time
}

// Session is one whiteboard being edited concurrently. All mutable fields
// are guarded by mu; the coordinator holds mu for the full span of each
// operation (mutation plus broadcast enqueue), which is what serializes the
// session and makes canvas, history and broadcast order consistent.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	participants map[string]*domain.Participant
	canvas       []domain.Shape
	history      *History
	drafts       map[string]*strokeDraft
	usedIDs      map[string]struct{}
	lastActivity time.Time

	// closed is set when the last participant leaves. A join that races
	// the final leave observes it and retries against a fresh session
	// instead of resurrecting this one.
	closed bool
}

func newSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		CreatedAt:    now,
		participants: make(map[string]*domain.Participant),
		history:      &History{},
		drafts:       make(map[string]*strokeDraft),
		usedIDs:      make(map[string]struct{}),
		lastActivity: now,
	}
}

// touch stamps lastActivity. Callers hold mu.
func (s *Session) touch() {
	s.lastActivity = time.Now()
}

// snapshotLocked returns a copy of the canvas. Callers hold mu.
func (s *Session) snapshotLocked() []domain.Shape {
	cp := make([]domain.Shape, len(s.canvas))
	copy(cp, s.canvas)
	return cp
}

// presencesLocked returns the shareable view of all participants. Callers
// hold mu.
func (s *Session) presencesLocked() []domain.Presence {
	out := make([]domain.Presence, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, domain.PresenceOf(p))
	}
	return out
}

// Snapshot returns a copy of the current canvas state. This is the read
// surface for external persistence collaborators; it never exposes the
// underlying slice.
func (s *Session) Snapshot() []domain.Shape {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// ParticipantCount returns the number of currently joined participants.
func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// LastActivity returns the timestamp of the last mutating operation.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Store is the in-memory session registry. Sessions are created lazily on
// first join and evicted the moment their participant set becomes empty.
// Nothing is persisted: a process restart loses all sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewStore creates an empty session store.
func NewStore(bus domain.EventBus, logger *slog.Logger) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		bus:      bus,
		logger:   logger,
	}
}

// GetOrCreate returns the session for id, allocating a new empty one if
// none exists. Concurrent calls for the same id yield the same instance.
func (st *Store) GetOrCreate(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		return s
	}
	s := newSession(id)
	st.sessions[id] = s
	st.logger.Info("session created", "session_id", id)
	st.bus.Publish(context.Background(), domain.NewEvent(domain.EventSessionCreated, id, "", nil))
	return s
}

// Get returns an existing session or ErrNotFound.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError("Store.Get", domain.ErrNotFound, id)
	}
	return s, nil
}

// Remove evicts a session. Removing a session that still has participants
// is a programming error and fails with ErrSessionNotEmpty.
func (st *Store) Remove(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return domain.NewDomainError("Store.Remove", domain.ErrNotFound, id)
	}
	s.mu.Lock()
	empty := len(s.participants) == 0
	s.mu.Unlock()
	if !empty {
		return domain.NewDomainError("Store.Remove", domain.ErrSessionNotEmpty, id)
	}
	delete(st.sessions, id)
	st.logger.Info("session destroyed", "session_id", id)
	st.bus.Publish(context.Background(), domain.NewEvent(domain.EventSessionDestroyed, id, "", nil))
	return nil
}

// List returns the ids of all live sessions.
func (st *Store) List() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
