package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"slate/internal/domain"
	"slate/internal/usecase"
)

type memArchive struct {
	mu    sync.Mutex
	snaps map[string][]byte
	infos map[string]domain.SnapshotInfo
}

func newMemArchive() *memArchive {
	return &memArchive{
		snaps: make(map[string][]byte),
		infos: make(map[string]domain.SnapshotInfo),
	}
}

func (a *memArchive) Save(_ context.Context, sessionID, name string, canvas []byte) (domain.SnapshotInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info := domain.SnapshotInfo{Name: name, SessionID: sessionID, SavedAt: time.Now()}
	a.snaps[name] = append([]byte(nil), canvas...)
	a.infos[name] = info
	return info, nil
}

func (a *memArchive) Load(_ context.Context, name string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	raw, ok := a.snaps[name]
	if !ok {
		return nil, domain.ErrSnapshotNotFound
	}
	return raw, nil
}

func (a *memArchive) List(_ context.Context) ([]domain.SnapshotInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	infos := make([]domain.SnapshotInfo, 0, len(a.infos))
	for _, info := range a.infos {
		infos = append(infos, info)
	}
	return infos, nil
}

func startBoardServer(t *testing.T) (*Server, *usecase.Coordinator) {
	t.Helper()
	coord, bus := newTestEngine()
	srv := NewServer(bus, newTestAuth(), "127.0.0.1:0", newTestLogger())
	deps := HandlerDeps{
		Coordinator: coord,
		Archive:     newMemArchive(),
		Bus:         bus,
		Logger:      newTestLogger(),
	}
	RegisterDefaultHandlers(srv, deps)
	RegisterRESTHandlers(srv, deps)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	started := make(chan struct{})
	go func() {
		go func() {
			for srv.BoundAddr() == "" {
				time.Sleep(5 * time.Millisecond)
			}
			close(started)
		}()
		srv.Start(ctx)
	}()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start in time")
	}
	t.Cleanup(func() { srv.Stop(context.Background()) })

	return srv, coord
}

func join(t *testing.T, ws *websocket.Conn, id uint64, board, participant string) Frame {
	t.Helper()
	resp := call(t, ws, id, "board.join", map[string]string{
		"session_id":     board,
		"participant_id": participant,
	})
	if resp.Error != "" {
		t.Fatalf("board.join: %s", resp.Error)
	}
	return resp
}

// readEvent reads frames until a broadcast of the wanted type arrives.
func readEvent(t *testing.T, ws *websocket.Conn, want domain.EventType) domain.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var frame Frame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if frame.Type != FrameTypeEvent {
			continue
		}
		var event domain.Event
		if err := json.Unmarshal(frame.Payload, &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if event.Type == want {
			return event
		}
	}
}

func TestBoardJoinDrawBroadcast(t *testing.T) {
	srv, _ := startBoardServer(t)

	ws1 := dialWS(t, srv.BoundAddr(), "test-token")
	ws2 := dialWS(t, srv.BoundAddr(), "test-token")

	resp := join(t, ws1, 1, "board-1", "alice")
	var snap usecase.JoinSnapshot
	if err := json.Unmarshal(resp.Payload, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.SessionID != "board-1" || string(snap.Canvas) != "[]" {
		t.Fatalf("snapshot = %+v", snap)
	}

	join(t, ws2, 1, "board-1", "bob")
	readEvent(t, ws1, domain.EventParticipantJoined)

	draw := call(t, ws1, 2, "shape.draw", map[string]any{
		"shape": map[string]any{
			"type": "rectangle", "id": "r1",
			"x": 10, "y": 20, "width": 30, "height": 40, "fill": "#0af",
		},
	})
	if draw.Error != "" {
		t.Fatalf("shape.draw: %s", draw.Error)
	}

	event := readEvent(t, ws2, domain.EventShapeAdded)
	if event.SessionID != "board-1" || event.ParticipantID != "alice" {
		t.Fatalf("event = %+v", event)
	}
}

func TestSecondJoinOnSameConnectionFails(t *testing.T) {
	srv, _ := startBoardServer(t)

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	join(t, ws, 1, "board-1", "alice")

	resp := call(t, ws, 2, "board.join", map[string]string{
		"session_id": "board-2", "participant_id": "alice",
	})
	if resp.Code != string(domain.CodeAlreadyJoined) {
		t.Fatalf("code = %q, want %q", resp.Code, domain.CodeAlreadyJoined)
	}
}

func TestMethodsRequireJoin(t *testing.T) {
	srv, _ := startBoardServer(t)

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	resp := call(t, ws, 1, "cursor.move", map[string]float64{"x": 1, "y": 2})
	if resp.Code != string(domain.CodeNotAParticipant) {
		t.Fatalf("code = %q, want %q", resp.Code, domain.CodeNotAParticipant)
	}
}

func TestDisconnectLeavesBoard(t *testing.T) {
	srv, coord := startBoardServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=test-token", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	join(t, ws, 1, "board-1", "alice")
	ws.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := coord.Snapshot("board-1"); err != nil {
			return // board evicted once the last participant dropped
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("board survived its last participant's disconnect")
}

func TestUndoOverRPC(t *testing.T) {
	srv, coord := startBoardServer(t)

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	join(t, ws, 1, "board-1", "alice")

	call(t, ws, 2, "shape.draw", map[string]any{
		"shape": map[string]any{
			"type": "rectangle", "id": "r1",
			"x": 0, "y": 0, "width": 5, "height": 5,
		},
	})
	resp := call(t, ws, 3, "canvas.undo", nil)
	if resp.Error != "" {
		t.Fatalf("canvas.undo: %s", resp.Error)
	}
	var result map[string]bool
	json.Unmarshal(resp.Payload, &result)
	if !result["applied"] {
		t.Fatal("undo not applied")
	}

	canvas, err := coord.Snapshot("board-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(canvas) != 0 {
		t.Fatalf("canvas has %d shapes after undo", len(canvas))
	}

	// Empty stack: reported, not an error.
	resp = call(t, ws, 4, "canvas.undo", nil)
	json.Unmarshal(resp.Payload, &result)
	if resp.Error != "" || result["applied"] {
		t.Fatalf("second undo = %+v", resp)
	}
}

func TestBoardSaveAndLoad(t *testing.T) {
	srv, _ := startBoardServer(t)

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	join(t, ws, 1, "board-1", "alice")

	call(t, ws, 2, "shape.draw", map[string]any{
		"shape": map[string]any{
			"type": "rectangle", "id": "r1",
			"x": 0, "y": 0, "width": 5, "height": 5,
		},
	})
	save := call(t, ws, 3, "board.save", map[string]string{"name": "sprint-plan"})
	if save.Error != "" {
		t.Fatalf("board.save: %s", save.Error)
	}

	clear := call(t, ws, 4, "canvas.clear", nil)
	if clear.Error != "" {
		t.Fatalf("canvas.clear: %s", clear.Error)
	}

	load := call(t, ws, 5, "board.load", map[string]string{"name": "sprint-plan"})
	if load.Error != "" {
		t.Fatalf("board.load: %s", load.Error)
	}
	var result map[string]any
	json.Unmarshal(load.Payload, &result)
	if result["shapes"].(float64) != 1 {
		t.Fatalf("loaded %v shapes, want 1", result["shapes"])
	}

	missing := call(t, ws, 6, "board.load", map[string]string{"name": "no-such"})
	if missing.Code != string(domain.CodeSnapshotNotFound) {
		t.Fatalf("code = %q", missing.Code)
	}
}

func TestStatusAndMetricsEndpoints(t *testing.T) {
	srv, _ := startBoardServer(t)

	base := "http://" + srv.BoundAddr()

	// Unauthorized without a token.
	resp, err := http.Get(base + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()
	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Server.Name != "slate" || !status.Archive.Enabled {
		t.Fatalf("status = %+v", status)
	}

	resp, err = http.Get(base + "/metrics?token=test-token")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "slate_boards_active") {
		t.Fatalf("metrics body missing board gauge:\n%s", body)
	}
}

func TestSessionSnapshotEndpoint(t *testing.T) {
	srv, _ := startBoardServer(t)

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	join(t, ws, 1, "board-1", "alice")
	call(t, ws, 2, "shape.draw", map[string]any{
		"shape": map[string]any{
			"type": "rectangle", "id": "r1",
			"x": 0, "y": 0, "width": 5, "height": 5,
		},
	})

	base := "http://" + srv.BoundAddr()
	resp, err := http.Get(base + "/api/v1/sessions/board-1/snapshot?token=test-token")
	if err != nil {
		t.Fatalf("GET snapshot: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshot status = %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	canvas, err := domain.UnmarshalCanvas(raw)
	if err != nil {
		t.Fatalf("decode canvas: %v", err)
	}
	if len(canvas) != 1 || canvas[0].Meta().ID != "r1" {
		t.Fatalf("canvas = %v", canvas)
	}

	resp, err = http.Get(base + "/api/v1/sessions/no-such/snapshot?token=test-token")
	if err != nil {
		t.Fatalf("GET missing snapshot: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing board status = %d", resp.StatusCode)
	}
}
