package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"slate/internal/domain"
	"slate/internal/usecase/eventbus"
)

type fakeConn struct {
	mu     sync.Mutex
	events []domain.Event
}

func (f *fakeConn) Send(e domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeConn) countOf(t domain.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (f *fakeConn) last() domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}

func newTestCoordinator() *Coordinator {
	logger := newTestLogger()
	bus := eventbus.New(logger)
	store := NewStore(bus, logger)
	cursors := NewCursorTracker(5*time.Second, 10*time.Second, logger)
	router := NewRouter(logger)
	return NewCoordinator(store, cursors, router, bus, logger)
}

func rect(id string) *domain.Rectangle {
	return &domain.Rectangle{
		ShapeMeta: domain.ShapeMeta{ID: id},
		X:         1, Y: 2, Width: 30, Height: 40, Fill: "#00f",
	}
}

func canvasIDs(t *testing.T, c *Coordinator, sessionID string) []string {
	t.Helper()
	canvas, err := c.Snapshot(sessionID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	ids := make([]string, len(canvas))
	for i, s := range canvas {
		ids[i] = s.Meta().ID
	}
	return ids
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestJoinReturnsSnapshotAndNotifiesOthers(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()
	alice, bob := &fakeConn{}, &fakeConn{}

	snapA, err := c.Join(ctx, "board-1", "alice", alice)
	if err != nil {
		t.Fatalf("Join alice: %v", err)
	}
	if len(snapA.Participants) != 1 || snapA.Participants[0].ID != "alice" {
		t.Fatalf("alice snapshot participants = %v", snapA.Participants)
	}

	snapB, err := c.Join(ctx, "board-1", "bob", bob)
	if err != nil {
		t.Fatalf("Join bob: %v", err)
	}
	if len(snapB.Participants) != 2 {
		t.Fatalf("bob snapshot has %d participants, want 2", len(snapB.Participants))
	}
	// Alice is told about bob; bob gets no presence event about himself.
	if alice.countOf(domain.EventParticipantJoined) != 1 {
		t.Fatalf("alice saw %d join events, want 1", alice.countOf(domain.EventParticipantJoined))
	}
	if bob.countOf(domain.EventParticipantJoined) != 0 {
		t.Fatalf("bob saw his own join event")
	}
}

func TestDoubleJoinFails(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	if _, err := c.Join(ctx, "board-1", "alice", &fakeConn{}); err != nil {
		t.Fatalf("first join: %v", err)
	}
	_, err := c.Join(ctx, "board-1", "alice", &fakeConn{})
	if !errors.Is(err, domain.ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
}

func TestSessionExistsIffParticipants(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	c.Join(ctx, "board-1", "alice", &fakeConn{})
	c.Join(ctx, "board-1", "bob", &fakeConn{})
	if _, err := c.store.Get("board-1"); err != nil {
		t.Fatalf("session missing while populated: %v", err)
	}

	if err := c.Leave(ctx, "board-1", "alice"); err != nil {
		t.Fatalf("Leave alice: %v", err)
	}
	if _, err := c.store.Get("board-1"); err != nil {
		t.Fatal("session evicted while bob still joined")
	}

	if err := c.Leave(ctx, "board-1", "bob"); err != nil {
		t.Fatalf("Leave bob: %v", err)
	}
	if _, err := c.store.Get("board-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after last leave, got %v", err)
	}
}

func TestOperationsRequireMembership(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()
	c.Join(ctx, "board-1", "alice", &fakeConn{})

	if _, err := c.DrawShape(ctx, "board-1", "mallory", rect("r1")); !errors.Is(err, domain.ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
	if _, err := c.DrawShape(ctx, "no-such-board", "alice", rect("r1")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStrokeLifecycle(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()
	alice, bob := &fakeConn{}, &fakeConn{}
	c.Join(ctx, "board-1", "alice", alice)
	c.Join(ctx, "board-1", "bob", bob)

	id, err := c.BeginStroke(ctx, "board-1", "alice", domain.Point{X: 0, Y: 0}, StrokeStyle{Color: "#f00", Width: 2})
	if err != nil {
		t.Fatalf("BeginStroke: %v", err)
	}
	if err := c.ExtendStroke(ctx, "board-1", "alice", id, []domain.Point{{X: 1, Y: 1}, {X: 2, Y: 2}}); err != nil {
		t.Fatalf("ExtendStroke: %v", err)
	}
	shape, err := c.EndStroke(ctx, "board-1", "alice", id, nil)
	if err != nil {
		t.Fatalf("EndStroke: %v", err)
	}

	path, ok := shape.(*domain.Path)
	if !ok {
		t.Fatalf("committed shape is %T, want *Path", shape)
	}
	if len(path.Points) != 3 {
		t.Fatalf("path has %d points, want 3", len(path.Points))
	}
	if path.Meta().ID != id || path.Meta().Owner != "alice" {
		t.Fatalf("path meta = %+v", path.Meta())
	}
	if got := canvasIDs(t, c, "board-1"); !sameIDs(got, []string{id}) {
		t.Fatalf("canvas = %v, want [%s]", got, id)
	}
	if bob.countOf(domain.EventStrokeBegan) != 1 ||
		bob.countOf(domain.EventStrokeMoved) != 1 ||
		bob.countOf(domain.EventShapeAdded) != 1 {
		t.Fatalf("bob missed stroke events: %v", bob.events)
	}
	// Alice never hears her own stroke back.
	if alice.countOf(domain.EventStrokeBegan) != 0 {
		t.Fatal("stroke echoed to its author")
	}
}

func TestEndStrokeWithoutBeginFails(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()
	c.Join(ctx, "board-1", "alice", &fakeConn{})

	_, err := c.EndStroke(ctx, "board-1", "alice", "nope", nil)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEraseAbsentIsSilentNoOp(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()
	alice, bob := &fakeConn{}, &fakeConn{}
	c.Join(ctx, "board-1", "alice", alice)
	c.Join(ctx, "board-1", "bob", bob)

	c.DrawShape(ctx, "board-1", "alice", rect("r1"))
	before := bob.count()
	s, _ := c.store.Get("board-1")
	undoBefore, redoBefore := s.history.Depths()

	if err := c.Erase(ctx, "board-1", "bob", "ghost"); err != nil {
		t.Fatalf("erase of absent id errored: %v", err)
	}
	if bob.count() != before {
		t.Fatal("erase of absent id was broadcast")
	}
	undoAfter, redoAfter := s.history.Depths()
	if undoAfter != undoBefore || redoAfter != redoBefore {
		t.Fatal("erase of absent id mutated history")
	}
	if got := canvasIDs(t, c, "board-1"); !sameIDs(got, []string{"r1"}) {
		t.Fatalf("canvas changed: %v", got)
	}
}

// Shared-stack scenario: A draws R1, B erases it. A's undo restores R1 at
// its old index; B's undo then reverts the add, leaving the canvas empty.
func TestSharedUndoStackAcrossParticipants(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()
	c.Join(ctx, "board-1", "alice", &fakeConn{})
	c.Join(ctx, "board-1", "bob", &fakeConn{})

	if _, err := c.DrawShape(ctx, "board-1", "alice", rect("r1")); err != nil {
		t.Fatalf("DrawShape: %v", err)
	}
	if err := c.Erase(ctx, "board-1", "bob", "r1"); err != nil {
		t.Fatalf("Erase: %v", err)
	}

	applied, err := c.Undo(ctx, "board-1", "alice")
	if err != nil || !applied {
		t.Fatalf("alice undo = (%v, %v)", applied, err)
	}
	if got := canvasIDs(t, c, "board-1"); !sameIDs(got, []string{"r1"}) {
		t.Fatalf("canvas after first undo = %v, want [r1]", got)
	}

	applied, err = c.Undo(ctx, "board-1", "bob")
	if err != nil || !applied {
		t.Fatalf("bob undo = (%v, %v)", applied, err)
	}
	if got := canvasIDs(t, c, "board-1"); len(got) != 0 {
		t.Fatalf("canvas after both undos = %v, want empty", got)
	}
}

func TestUndoRedoRoundTrip(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()
	c.Join(ctx, "board-1", "alice", &fakeConn{})

	c.DrawShape(ctx, "board-1", "alice", rect("a"))
	c.DrawShape(ctx, "board-1", "alice", rect("b"))
	c.DrawShape(ctx, "board-1", "alice", rect("c"))
	c.Erase(ctx, "board-1", "alice", "b")
	c.DrawShape(ctx, "board-1", "alice", rect("d"))

	want := canvasIDs(t, c, "board-1") // [a c d]
	const n = 3
	for i := 0; i < n; i++ {
		if applied, err := c.Undo(ctx, "board-1", "alice"); err != nil || !applied {
			t.Fatalf("undo %d = (%v, %v)", i, applied, err)
		}
	}
	for i := 0; i < n; i++ {
		if applied, err := c.Redo(ctx, "board-1", "alice"); err != nil || !applied {
			t.Fatalf("redo %d = (%v, %v)", i, applied, err)
		}
	}
	if got := canvasIDs(t, c, "board-1"); !sameIDs(got, want) {
		t.Fatalf("round trip = %v, want %v", got, want)
	}
}

func TestUndoRestoresEraseAtIndex(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()
	c.Join(ctx, "board-1", "alice", &fakeConn{})

	c.DrawShape(ctx, "board-1", "alice", rect("a"))
	c.DrawShape(ctx, "board-1", "alice", rect("b"))
	c.DrawShape(ctx, "board-1", "alice", rect("c"))
	c.Erase(ctx, "board-1", "alice", "a")

	c.Undo(ctx, "board-1", "alice")
	if got := canvasIDs(t, c, "board-1"); !sameIDs(got, []string{"a", "b", "c"}) {
		t.Fatalf("canvas = %v, want [a b c]", got)
	}
}

func TestClearCanvasUndoRestoresOrder(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()
	bob := &fakeConn{}
	c.Join(ctx, "board-1", "alice", &fakeConn{})
	c.Join(ctx, "board-1", "bob", bob)

	c.DrawShape(ctx, "board-1", "alice", rect("s1"))
	c.DrawShape(ctx, "board-1", "alice", rect("s2"))

	if err := c.ClearCanvas(ctx, "board-1", "alice"); err != nil {
		t.Fatalf("ClearCanvas: %v", err)
	}
	if got := canvasIDs(t, c, "board-1"); len(got) != 0 {
		t.Fatalf("canvas after clear = %v", got)
	}
	if bob.countOf(domain.EventCanvasCleared) != 1 {
		t.Fatal("clear was not broadcast")
	}

	c.Undo(ctx, "board-1", "alice")
	if got := canvasIDs(t, c, "board-1"); !sameIDs(got, []string{"s1", "s2"}) {
		t.Fatalf("canvas after undo = %v, want [s1 s2]", got)
	}
	if e := bob.last(); e.Type != domain.EventCanvasUpdated {
		t.Fatalf("last event = %s, want canvas.updated", e.Type)
	}
}

func TestUndoEmptyStackIsSilent(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()
	bob := &fakeConn{}
	c.Join(ctx, "board-1", "alice", &fakeConn{})
	c.Join(ctx, "board-1", "bob", bob)

	before := bob.count()
	applied, err := c.Undo(ctx, "board-1", "alice")
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if applied {
		t.Fatal("empty undo reported as applied")
	}
	if bob.count() != before {
		t.Fatal("empty undo was broadcast")
	}
}

func TestToolChangeTouchesNoDocumentState(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()
	bob := &fakeConn{}
	c.Join(ctx, "board-1", "alice", &fakeConn{})
	c.Join(ctx, "board-1", "bob", bob)

	c.DrawShape(ctx, "board-1", "alice", rect("r1"))
	s, _ := c.store.Get("board-1")
	undoBefore, redoBefore := s.history.Depths()
	want := canvasIDs(t, c, "board-1")

	if err := c.ChangeTool(ctx, "board-1", "alice", domain.ToolRectangle, "#123456", 4); err != nil {
		t.Fatalf("ChangeTool: %v", err)
	}
	if got := canvasIDs(t, c, "board-1"); !sameIDs(got, want) {
		t.Fatal("tool change mutated canvas")
	}
	undoAfter, redoAfter := s.history.Depths()
	if undoAfter != undoBefore || redoAfter != redoBefore {
		t.Fatal("tool change mutated history stacks")
	}
	if bob.countOf(domain.EventToolChanged) != 1 {
		t.Fatal("tool change not broadcast")
	}
	e := bob.last()
	if e.Type != domain.EventToolChanged {
		t.Fatalf("last event = %s", e.Type)
	}
}

func TestDuplicateShapeIDRejected(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()
	c.Join(ctx, "board-1", "alice", &fakeConn{})

	if _, err := c.DrawShape(ctx, "board-1", "alice", rect("r1")); err != nil {
		t.Fatalf("first draw: %v", err)
	}
	if _, err := c.DrawShape(ctx, "board-1", "alice", rect("r1")); !errors.Is(err, domain.ErrInvalidShape) {
		t.Fatalf("duplicate id: expected ErrInvalidShape, got %v", err)
	}

	// An erased id stays burned for the life of the session.
	c.Erase(ctx, "board-1", "alice", "r1")
	if _, err := c.DrawShape(ctx, "board-1", "alice", rect("r1")); !errors.Is(err, domain.ErrInvalidShape) {
		t.Fatalf("reused erased id: expected ErrInvalidShape, got %v", err)
	}
}

func TestMoveCursorSkipsActivityBookkeeping(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()
	bob := &fakeConn{}
	c.Join(ctx, "board-1", "alice", &fakeConn{})
	c.Join(ctx, "board-1", "bob", bob)

	s, _ := c.store.Get("board-1")
	before := s.LastActivity()

	if err := c.MoveCursor(ctx, "board-1", "alice", 50, 60); err != nil {
		t.Fatalf("MoveCursor: %v", err)
	}
	if !s.LastActivity().Equal(before) {
		t.Fatal("cursor movement counted as document activity")
	}
	if bob.countOf(domain.EventCursorMoved) != 1 {
		t.Fatal("cursor move not broadcast")
	}
	cursors := c.cursors.ActiveCursors("board-1")
	if len(cursors) != 1 || cursors[0].X != 50 || cursors[0].Y != 60 {
		t.Fatalf("tracker state = %v", cursors)
	}
}

func TestLeaveDropsDraftAndCursor(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()
	c.Join(ctx, "board-1", "alice", &fakeConn{})
	c.Join(ctx, "board-1", "bob", &fakeConn{})

	c.BeginStroke(ctx, "board-1", "alice", domain.Point{X: 0, Y: 0}, StrokeStyle{Width: 1})
	c.MoveCursor(ctx, "board-1", "alice", 5, 5)
	if err := c.Leave(ctx, "board-1", "alice"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	if got := c.cursors.ActiveCursors("board-1"); len(got) != 0 {
		t.Fatalf("cursor survived leave: %v", got)
	}
	s, _ := c.store.Get("board-1")
	s.mu.Lock()
	_, hasDraft := s.drafts["alice"]
	s.mu.Unlock()
	if hasDraft {
		t.Fatal("stroke draft survived leave")
	}
}

func TestRejoinAfterEviction(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	c.Join(ctx, "board-1", "alice", &fakeConn{})
	c.DrawShape(ctx, "board-1", "alice", rect("r1"))
	c.Leave(ctx, "board-1", "alice")

	// The board was evicted; a rejoin starts from a blank canvas.
	snap, err := c.Join(ctx, "board-1", "alice", &fakeConn{})
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if string(snap.Canvas) != "[]" {
		t.Fatalf("rejoin canvas = %s, want []", snap.Canvas)
	}
}

func TestRestoreIsUndoable(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()
	c.Join(ctx, "board-1", "alice", &fakeConn{})
	c.DrawShape(ctx, "board-1", "alice", rect("old"))

	loaded := []domain.Shape{rect("new-1"), rect("new-2")}
	for _, s := range loaded {
		stampShape(s, "alice")
	}
	if err := c.Restore(ctx, "board-1", "alice", "saved-board", loaded); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := canvasIDs(t, c, "board-1"); !sameIDs(got, []string{"new-1", "new-2"}) {
		t.Fatalf("canvas after restore = %v", got)
	}

	c.Undo(ctx, "board-1", "alice")
	if got := canvasIDs(t, c, "board-1"); !sameIDs(got, []string{"old"}) {
		t.Fatalf("canvas after undo of restore = %v, want [old]", got)
	}
}

func TestRestoreRedoReappliesSnapshot(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()
	bob := &fakeConn{}
	c.Join(ctx, "board-1", "alice", &fakeConn{})
	c.Join(ctx, "board-1", "bob", bob)
	c.DrawShape(ctx, "board-1", "alice", rect("old"))

	loaded := []domain.Shape{rect("new-1"), rect("new-2")}
	for _, s := range loaded {
		stampShape(s, "alice")
	}
	if err := c.Restore(ctx, "board-1", "alice", "saved-board", loaded); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	c.Undo(ctx, "board-1", "alice")
	applied, err := c.Redo(ctx, "board-1", "alice")
	if err != nil || !applied {
		t.Fatalf("Redo = %v, %v", applied, err)
	}
	if got := canvasIDs(t, c, "board-1"); !sameIDs(got, []string{"new-1", "new-2"}) {
		t.Fatalf("canvas after undo+redo of restore = %v, want [new-1 new-2]", got)
	}

	// The broadcast carries the re-applied snapshot, not an empty canvas.
	last := bob.last()
	if last.Type != domain.EventCanvasUpdated {
		t.Fatalf("last event = %s, want %s", last.Type, domain.EventCanvasUpdated)
	}
	var update CanvasUpdate
	if err := json.Unmarshal(last.Payload, &update); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if string(update.Canvas) == "[]" {
		t.Fatal("redo of restore broadcast an empty canvas")
	}
}

func TestClearRedoEmptiesCanvas(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()
	c.Join(ctx, "board-1", "alice", &fakeConn{})
	c.DrawShape(ctx, "board-1", "alice", rect("r1"))

	c.ClearCanvas(ctx, "board-1", "alice")
	c.Undo(ctx, "board-1", "alice")
	if got := canvasIDs(t, c, "board-1"); !sameIDs(got, []string{"r1"}) {
		t.Fatalf("canvas after undo of clear = %v, want [r1]", got)
	}
	applied, err := c.Redo(ctx, "board-1", "alice")
	if err != nil || !applied {
		t.Fatalf("Redo = %v, %v", applied, err)
	}
	if got := canvasIDs(t, c, "board-1"); len(got) != 0 {
		t.Fatalf("canvas after redo of clear = %v, want empty", got)
	}
}
