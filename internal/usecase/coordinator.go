package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"slate/internal/domain"
)

// StrokeStyle carries the pen style for an in-progress stroke.
type StrokeStyle struct {
	Color string  `json:"color"`
	Width float64 `json:"width"`
}

// JoinSnapshot is returned to the joining connection only. It is the sole
// recovery mechanism for a reconnecting client; there is no replay log.
type JoinSnapshot struct {
	SessionID    string            `json:"session_id"`
	Canvas       json.RawMessage   `json:"canvas"`
	Participants []domain.Presence `json:"participants"`
	Cursors      []domain.Cursor   `json:"cursors"`
}

// CanvasUpdate is the broadcast payload of an undo or redo: a delta for
// add/remove inversions, a full canvas snapshot when a clear is involved
// (reconstructing the prior state is cheapest that way).
type CanvasUpdate struct {
	Action    string               `json:"action"` // "undo" or "redo"
	Change    domain.HistoryAction `json:"change"`
	Shape     json.RawMessage      `json:"shape,omitempty"`      // shape (re)added
	Index     int                  `json:"index"`                // insertion index for re-adds
	RemovedID string               `json:"removed_id,omitempty"` // shape removed
	Canvas    json.RawMessage      `json:"canvas,omitempty"`     // full snapshot
}

// Coordinator is the public surface of the engine. It validates every
// operation against session membership, applies it to the session under the
// per-session lock, records reversible mutations in the history, and hands
// the result to the broadcast router — all inside one critical section, so
// operations on a session form a total order. Operations on different
// sessions run fully in parallel.
type Coordinator struct {
	store   *Store
	cursors *CursorTracker
	router  *Router
	bus     domain.EventBus
	logger  *slog.Logger
}

// NewCoordinator wires the engine together.
func NewCoordinator(store *Store, cursors *CursorTracker, router *Router, bus domain.EventBus, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		cursors: cursors,
		router:  router,
		bus:     bus,
		logger:  logger,
	}
}

// Store exposes the session registry for read-only collaborators (status
// and snapshot endpoints).
func (c *Coordinator) Store() *Store { return c.store }

// Cursors exposes the tracker for the sweep scheduler and metrics.
func (c *Coordinator) Cursors() *CursorTracker { return c.cursors }

// Router exposes the broadcast router for metrics.
func (c *Coordinator) Router() *Router { return c.router }

func generateID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Join registers the participant and returns the current canvas, presence
// list and active cursors. Existing participants get a presence event; the
// snapshot goes only to the caller. A second join with the same participant
// id fails with ErrAlreadyJoined.
func (c *Coordinator) Join(ctx context.Context, sessionID, participantID string, conn domain.Sender) (*JoinSnapshot, error) {
	const op = "Coordinator.Join"
	if sessionID == "" || participantID == "" {
		return nil, domain.NewDomainError(op, domain.ErrRPCInvalidPayload, "session and participant ids are required")
	}

	for {
		s := c.store.GetOrCreate(sessionID)
		s.mu.Lock()
		if s.closed {
			// Lost a race with the final leave; the store entry is about
			// to vanish. Try again for a fresh session.
			s.mu.Unlock()
			continue
		}
		if _, ok := s.participants[participantID]; ok {
			s.mu.Unlock()
			return nil, domain.NewDomainError(op, domain.ErrAlreadyJoined, participantID)
		}

		p := &domain.Participant{
			ID:       participantID,
			Conn:     conn,
			Tool:     domain.ToolPen,
			Color:    "#000000",
			JoinedAt: time.Now(),
		}
		s.participants[participantID] = p

		canvas, err := domain.MarshalCanvas(s.snapshotLocked())
		if err != nil {
			delete(s.participants, participantID)
			s.mu.Unlock()
			return nil, domain.WrapOp(op, err)
		}
		snap := &JoinSnapshot{
			SessionID:    sessionID,
			Canvas:       canvas,
			Participants: s.presencesLocked(),
			Cursors:      c.cursors.ActiveCursors(sessionID),
		}
		c.router.Fanout(s, participantID,
			domain.NewEvent(domain.EventParticipantJoined, sessionID, participantID, domain.PresenceOf(p)))
		s.mu.Unlock()

		c.logger.Info("participant joined", "session_id", sessionID, "participant_id", participantID)
		c.published(ctx, sessionID, participantID, "join")
		return snap, nil
	}
}

// Leave removes the participant, drops any in-progress stroke and cursor
// state, notifies the rest of the session, and evicts the session when it
// becomes empty.
func (c *Coordinator) Leave(ctx context.Context, sessionID, participantID string) error {
	const op = "Coordinator.Leave"
	s, err := c.store.Get(sessionID)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrNotFound, sessionID)
	}

	s.mu.Lock()
	if _, ok := s.participants[participantID]; !ok {
		s.mu.Unlock()
		return domain.NewDomainError(op, domain.ErrNotAParticipant, participantID)
	}
	delete(s.participants, participantID)
	delete(s.drafts, participantID)
	empty := len(s.participants) == 0
	if empty {
		s.closed = true
	} else {
		c.router.Fanout(s, participantID,
			domain.NewEvent(domain.EventParticipantLeft, sessionID, participantID, nil))
	}
	s.mu.Unlock()

	c.cursors.Remove(sessionID, participantID)
	if empty {
		c.cursors.RemoveSession(sessionID)
		if err := c.store.Remove(sessionID); err != nil {
			// Unreachable once closed is set: nobody can join a closed
			// session. Log rather than propagate.
			c.logger.Error("evict empty session", "session_id", sessionID, "error", err)
		}
	}
	c.logger.Info("participant left", "session_id", sessionID, "participant_id", participantID)
	c.published(ctx, sessionID, participantID, "leave")
	return nil
}

// memberSession returns the locked session if participantID is a member.
// The caller must unlock s.mu when done.
func (c *Coordinator) memberSession(op, sessionID, participantID string) (*Session, error) {
	s, err := c.store.Get(sessionID)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrNotFound, sessionID)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.NewDomainError(op, domain.ErrNotFound, sessionID)
	}
	if _, ok := s.participants[participantID]; !ok {
		s.mu.Unlock()
		return nil, domain.NewDomainError(op, domain.ErrNotAParticipant, participantID)
	}
	return s, nil
}

// BeginStroke opens a stroke draft for the participant and tells the room.
// The returned stroke id becomes the committed Path's shape id.
func (c *Coordinator) BeginStroke(ctx context.Context, sessionID, participantID string, at domain.Point, style StrokeStyle) (string, error) {
	const op = "Coordinator.BeginStroke"
	if !isFinite(at.X, at.Y, style.Width) {
		return "", domain.NewDomainError(op, domain.ErrInvalidShape, "non-finite stroke geometry")
	}
	s, err := c.memberSession(op, sessionID, participantID)
	if err != nil {
		return "", err
	}

	id := generateID()
	s.drafts[participantID] = &strokeDraft{
		id:        id,
		points:    []domain.Point{at},
		color:     style.Color,
		width:     style.Width,
		startedAt: time.Now(),
	}
	s.touch()
	c.router.Fanout(s, participantID, domain.NewEvent(domain.EventStrokeBegan, sessionID, participantID,
		map[string]any{"stroke_id": id, "point": at, "color": style.Color, "width": style.Width}))
	s.mu.Unlock()

	c.published(ctx, sessionID, participantID, "stroke.begin")
	return id, nil
}

// ExtendStroke appends points to the participant's open draft and relays
// them. The draft must match strokeID.
func (c *Coordinator) ExtendStroke(ctx context.Context, sessionID, participantID, strokeID string, points []domain.Point) error {
	const op = "Coordinator.ExtendStroke"
	for _, pt := range points {
		if !isFinite(pt.X, pt.Y) {
			return domain.NewDomainError(op, domain.ErrInvalidShape, "non-finite stroke point")
		}
	}
	s, err := c.memberSession(op, sessionID, participantID)
	if err != nil {
		return err
	}

	draft, ok := s.drafts[participantID]
	if !ok || draft.id != strokeID {
		s.mu.Unlock()
		return domain.NewDomainError(op, domain.ErrNotFound, "no open stroke "+strokeID)
	}
	draft.points = append(draft.points, points...)
	c.router.Fanout(s, participantID, domain.NewEvent(domain.EventStrokeMoved, sessionID, participantID,
		map[string]any{"stroke_id": strokeID, "points": points}))
	s.mu.Unlock()

	c.published(ctx, sessionID, participantID, "stroke.move")
	return nil
}

// EndStroke commits the draft as a Path shape. A non-empty finalPoints
// replaces the server-side accumulation (the authoring client has the
// authoritative, smoothed point list).
func (c *Coordinator) EndStroke(ctx context.Context, sessionID, participantID, strokeID string, finalPoints []domain.Point) (domain.Shape, error) {
	const op = "Coordinator.EndStroke"
	s, err := c.memberSession(op, sessionID, participantID)
	if err != nil {
		return nil, err
	}

	draft, ok := s.drafts[participantID]
	if !ok || draft.id != strokeID {
		s.mu.Unlock()
		return nil, domain.NewDomainError(op, domain.ErrNotFound, "no open stroke "+strokeID)
	}
	delete(s.drafts, participantID)

	points := draft.points
	if len(finalPoints) > 0 {
		points = finalPoints
	}
	shape := &domain.Path{
		ShapeMeta: domain.ShapeMeta{
			ID:        draft.id,
			Owner:     participantID,
			CreatedAt: time.Now(),
		},
		Points:      points,
		StrokeColor: draft.color,
		StrokeWidth: draft.width,
	}
	committed, err := c.commitLocked(ctx, op, s, participantID, shape)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.published(ctx, sessionID, participantID, "stroke.end")
	return committed, nil
}

// DrawShape commits a one-step shape (a Rectangle). The id may be supplied
// by the authoring client; when empty the server assigns one.
func (c *Coordinator) DrawShape(ctx context.Context, sessionID, participantID string, shape domain.Shape) (domain.Shape, error) {
	const op = "Coordinator.DrawShape"
	return c.addShape(ctx, op, "shape.draw", sessionID, participantID, shape)
}

// AddText commits a Text or StickyNote shape.
func (c *Coordinator) AddText(ctx context.Context, sessionID, participantID string, shape domain.Shape) (domain.Shape, error) {
	const op = "Coordinator.AddText"
	switch shape.(type) {
	case *domain.Text, *domain.StickyNote:
	default:
		return nil, domain.NewDomainError(op, domain.ErrInvalidShape, "expected text or sticky-note")
	}
	return c.addShape(ctx, op, "text.add", sessionID, participantID, shape)
}

func (c *Coordinator) addShape(ctx context.Context, op, opName, sessionID, participantID string, shape domain.Shape) (domain.Shape, error) {
	s, err := c.memberSession(op, sessionID, participantID)
	if err != nil {
		return nil, err
	}
	committed, err := c.commitLocked(ctx, op, s, participantID, shape)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.published(ctx, sessionID, participantID, opName)
	return committed, nil
}

// commitLocked appends a validated shape to the canvas, records the add in
// history, stamps activity and broadcasts. Callers hold s.mu.
func (c *Coordinator) commitLocked(ctx context.Context, op string, s *Session, participantID string, shape domain.Shape) (domain.Shape, error) {
	stampShape(shape, participantID)
	if err := shape.Validate(); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	id := shape.Meta().ID
	if _, seen := s.usedIDs[id]; seen {
		return nil, domain.NewDomainError(op, domain.ErrInvalidShape, "shape id already used: "+id)
	}
	s.usedIDs[id] = struct{}{}
	s.canvas = append(s.canvas, shape)
	s.history.Record(domain.HistoryEntry{Action: domain.HistoryAdd, Shape: shape})
	s.touch()

	raw, err := domain.MarshalShape(shape)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	c.router.Fanout(s, participantID,
		domain.NewEvent(domain.EventShapeAdded, s.ID, participantID, map[string]any{"shape": json.RawMessage(raw)}))
	return shape, nil
}

// stampShape fills in server-side metadata: owner, creation time, and a
// generated id when the authoring client supplied none.
func stampShape(shape domain.Shape, owner string) {
	switch v := shape.(type) {
	case *domain.Path:
		fillMeta(&v.ShapeMeta, owner)
	case *domain.Rectangle:
		fillMeta(&v.ShapeMeta, owner)
	case *domain.Text:
		fillMeta(&v.ShapeMeta, owner)
	case *domain.StickyNote:
		fillMeta(&v.ShapeMeta, owner)
	}
}

func fillMeta(m *domain.ShapeMeta, owner string) {
	if m.ID == "" {
		m.ID = generateID()
	}
	if m.Owner == "" {
		m.Owner = owner
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
}

// Erase removes the shape with the given id. An id no longer on the canvas
// is a silent no-op — the shape may have been erased concurrently — with no
// history entry and no broadcast.
func (c *Coordinator) Erase(ctx context.Context, sessionID, participantID, shapeID string) error {
	const op = "Coordinator.Erase"
	s, err := c.memberSession(op, sessionID, participantID)
	if err != nil {
		return err
	}

	idx := -1
	for i, sh := range s.canvas {
		if sh.Meta().ID == shapeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	removed := s.canvas[idx]
	s.canvas = append(s.canvas[:idx], s.canvas[idx+1:]...)
	s.history.Record(domain.HistoryEntry{Action: domain.HistoryRemove, Shape: removed, Index: idx})
	s.touch()
	c.router.Fanout(s, participantID, domain.NewEvent(domain.EventElementErased, sessionID, participantID,
		map[string]any{"shape_id": shapeID}))
	s.mu.Unlock()

	c.published(ctx, sessionID, participantID, "element.erase")
	return nil
}

// ClearCanvas empties the canvas, recording the full prior state so the
// clear is undoable.
func (c *Coordinator) ClearCanvas(ctx context.Context, sessionID, participantID string) error {
	const op = "Coordinator.ClearCanvas"
	s, err := c.memberSession(op, sessionID, participantID)
	if err != nil {
		return err
	}

	prior := s.canvas
	s.canvas = nil
	s.history.Record(domain.HistoryEntry{Action: domain.HistoryClearAll, Prior: prior})
	s.touch()
	c.router.Fanout(s, participantID, domain.NewEvent(domain.EventCanvasCleared, sessionID, participantID, nil))
	s.mu.Unlock()

	c.published(ctx, sessionID, participantID, "canvas.clear")
	return nil
}

// Undo reverts the session's most recent reversible mutation, whoever made
// it. Returns false with no broadcast when the undo stack is empty.
func (c *Coordinator) Undo(ctx context.Context, sessionID, participantID string) (bool, error) {
	const op = "Coordinator.Undo"
	s, err := c.memberSession(op, sessionID, participantID)
	if err != nil {
		return false, err
	}

	entry, ok := s.history.Undo()
	if !ok {
		s.mu.Unlock()
		return false, nil
	}

	update := CanvasUpdate{Action: "undo", Change: entry.Action}
	switch entry.Action {
	case domain.HistoryAdd:
		// Invert an add: remove the shape again.
		removeByID(s, entry.Shape.Meta().ID)
		update.RemovedID = entry.Shape.Meta().ID
	case domain.HistoryRemove:
		// Invert a remove: put the shape back where it was.
		insertAt(s, entry.Shape, entry.Index)
		raw, _ := domain.MarshalShape(entry.Shape)
		update.Shape = raw
		update.Index = entry.Index
	case domain.HistoryClearAll:
		// Invert a clear: restore the captured canvas wholesale.
		s.canvas = append([]domain.Shape(nil), entry.Prior...)
		raw, _ := domain.MarshalCanvas(s.canvas)
		update.Canvas = raw
	}
	s.touch()
	c.router.Fanout(s, participantID, domain.NewEvent(domain.EventCanvasUpdated, sessionID, participantID, update))
	s.mu.Unlock()

	c.published(ctx, sessionID, participantID, "canvas.undo")
	return true, nil
}

// Redo re-applies the most recently undone mutation. Returns false with no
// broadcast when the redo stack is empty.
func (c *Coordinator) Redo(ctx context.Context, sessionID, participantID string) (bool, error) {
	const op = "Coordinator.Redo"
	s, err := c.memberSession(op, sessionID, participantID)
	if err != nil {
		return false, err
	}

	entry, ok := s.history.Redo()
	if !ok {
		s.mu.Unlock()
		return false, nil
	}

	update := CanvasUpdate{Action: "redo", Change: entry.Action}
	switch entry.Action {
	case domain.HistoryAdd:
		s.canvas = append(s.canvas, entry.Shape)
		raw, _ := domain.MarshalShape(entry.Shape)
		update.Shape = raw
		update.Index = len(s.canvas) - 1
	case domain.HistoryRemove:
		removeByID(s, entry.Shape.Meta().ID)
		update.RemovedID = entry.Shape.Meta().ID
	case domain.HistoryClearAll:
		// Re-apply the replacement: empty for a clear, the loaded
		// snapshot for a board.load.
		s.canvas = append([]domain.Shape(nil), entry.Next...)
		raw, _ := domain.MarshalCanvas(s.canvas)
		update.Canvas = raw
	}
	s.touch()
	c.router.Fanout(s, participantID, domain.NewEvent(domain.EventCanvasUpdated, sessionID, participantID, update))
	s.mu.Unlock()

	c.published(ctx, sessionID, participantID, "canvas.redo")
	return true, nil
}

func removeByID(s *Session, id string) {
	for i, sh := range s.canvas {
		if sh.Meta().ID == id {
			s.canvas = append(s.canvas[:i], s.canvas[i+1:]...)
			return
		}
	}
}

func insertAt(s *Session, shape domain.Shape, idx int) {
	if idx < 0 {
		idx = 0
	}
	if idx > len(s.canvas) {
		idx = len(s.canvas)
	}
	s.canvas = append(s.canvas, nil)
	copy(s.canvas[idx+1:], s.canvas[idx:])
	s.canvas[idx] = shape
}

// ChangeTool updates the participant's tool state and broadcasts the new
// presence. Tool state is not document history: canvas and history stacks
// are untouched, and lastActivity is not stamped.
func (c *Coordinator) ChangeTool(ctx context.Context, sessionID, participantID string, tool domain.Tool, color string, strokeWidth float64) error {
	const op = "Coordinator.ChangeTool"
	s, err := c.memberSession(op, sessionID, participantID)
	if err != nil {
		return err
	}

	p := s.participants[participantID]
	p.Tool = tool
	if color != "" {
		p.Color = color
	}
	if strokeWidth > 0 {
		p.StrokeWidth = strokeWidth
	}
	c.router.Fanout(s, participantID,
		domain.NewEvent(domain.EventToolChanged, sessionID, participantID, domain.PresenceOf(p)))
	s.mu.Unlock()

	c.published(ctx, sessionID, participantID, "tool.change")
	return nil
}

// MoveCursor records the participant's pointer position and relays it.
// Cursor traffic is deliberately outside history and lastActivity; idle
// pointer motion is not document activity.
func (c *Coordinator) MoveCursor(ctx context.Context, sessionID, participantID string, x, y float64) error {
	const op = "Coordinator.MoveCursor"
	if !isFinite(x, y) {
		return domain.NewDomainError(op, domain.ErrRPCInvalidPayload, "non-finite cursor position")
	}
	s, err := c.memberSession(op, sessionID, participantID)
	if err != nil {
		return err
	}

	c.cursors.Update(sessionID, participantID, x, y)
	c.router.Fanout(s, participantID, domain.NewEvent(domain.EventCursorMoved, sessionID, participantID,
		map[string]any{"x": x, "y": y}))
	s.mu.Unlock()
	return nil
}

// RelayViewport forwards a zoom/pan change to the rest of the session.
// Pure relay: no state, no history.
func (c *Coordinator) RelayViewport(ctx context.Context, sessionID, participantID string, zoom, panX, panY float64) error {
	const op = "Coordinator.RelayViewport"
	if !isFinite(zoom, panX, panY) {
		return domain.NewDomainError(op, domain.ErrRPCInvalidPayload, "non-finite viewport")
	}
	s, err := c.memberSession(op, sessionID, participantID)
	if err != nil {
		return err
	}
	c.router.Fanout(s, participantID, domain.NewEvent(domain.EventViewportChanged, sessionID, participantID,
		map[string]any{"zoom": zoom, "pan_x": panX, "pan_y": panY}))
	s.mu.Unlock()
	return nil
}

// Snapshot returns a copy of a session's canvas for external persistence
// collaborators. The engine never writes to storage itself.
func (c *Coordinator) Snapshot(sessionID string) ([]domain.Shape, error) {
	s, err := c.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

// Restore replaces a session's canvas with a previously archived one. The
// prior canvas is recorded as a clear-all entry, so a restore is undoable
// like any other mutation. Restored shape ids are added to the session's
// seen set but not checked against it: re-loading a board legitimately
// brings back ids the session has already seen.
func (c *Coordinator) Restore(ctx context.Context, sessionID, participantID, name string, canvas []domain.Shape) error {
	const op = "Coordinator.Restore"
	for _, sh := range canvas {
		if err := sh.Validate(); err != nil {
			return domain.WrapOp(op, err)
		}
	}
	s, err := c.memberSession(op, sessionID, participantID)
	if err != nil {
		return err
	}

	prior := s.canvas
	s.canvas = append([]domain.Shape(nil), canvas...)
	for _, sh := range s.canvas {
		s.usedIDs[sh.Meta().ID] = struct{}{}
	}
	s.history.Record(domain.HistoryEntry{Action: domain.HistoryClearAll, Prior: prior, Next: s.snapshotLocked()})
	s.touch()
	raw, marshalErr := domain.MarshalCanvas(s.canvas)
	if marshalErr == nil {
		c.router.Fanout(s, participantID, domain.NewEvent(domain.EventBoardLoaded, sessionID, participantID,
			map[string]any{"name": name, "canvas": json.RawMessage(raw)}))
	}
	s.mu.Unlock()

	c.published(ctx, sessionID, participantID, "board.load")
	return nil
}

func (c *Coordinator) published(ctx context.Context, sessionID, participantID, opName string) {
	c.bus.Publish(ctx, domain.NewEvent(domain.EventOperationApplied, sessionID, participantID,
		map[string]string{"op": opName}))
}

func isFinite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
