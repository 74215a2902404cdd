package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"slate/internal/domain"
	"slate/internal/usecase"
)

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Coordinator *usecase.Coordinator
	Archive     domain.SnapshotArchive // can be nil (persistence disabled)
	Bus         domain.EventBus
	Logger      *slog.Logger
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHandler("board.join", boardJoinHandler(deps))
	s.RegisterHandler("board.leave", boardLeaveHandler(deps))
	s.RegisterHandler("cursor.move", cursorMoveHandler(deps))
	s.RegisterHandler("viewport.change", viewportChangeHandler(deps))
	s.RegisterHandler("tool.change", toolChangeHandler(deps))
	s.RegisterHandler("stroke.begin", strokeBeginHandler(deps))
	s.RegisterHandler("stroke.move", strokeMoveHandler(deps))
	s.RegisterHandler("stroke.end", strokeEndHandler(deps))
	s.RegisterHandler("shape.draw", shapeDrawHandler(deps))
	s.RegisterHandler("text.add", textAddHandler(deps))
	s.RegisterHandler("element.erase", elementEraseHandler(deps))
	s.RegisterHandler("canvas.clear", canvasClearHandler(deps))
	s.RegisterHandler("canvas.undo", canvasUndoHandler(deps))
	s.RegisterHandler("canvas.redo", canvasRedoHandler(deps))

	if deps.Archive != nil {
		s.RegisterHandler("board.save", boardSaveHandler(deps))
		s.RegisterHandler("board.load", boardLoadHandler(deps))
		s.RegisterHandler("board.list", boardListHandler(deps))
	}

	s.OnDisconnect(func(ctx context.Context, sessionID, participantID string) {
		if err := deps.Coordinator.Leave(ctx, sessionID, participantID); err != nil {
			deps.Logger.Warn("leave on disconnect failed",
				"session_id", sessionID, "participant_id", participantID, "error", err)
		}
	})
}

// requireBinding resolves the connection's board membership. RPC methods
// other than board.join are only valid on a bound connection.
func requireBinding(client *Client) (sessionID, participantID string, err error) {
	sid, pid, ok := client.Binding()
	if !ok {
		return "", "", domain.ErrNotAParticipant
	}
	return sid, pid, nil
}

// --- board membership ---

type boardJoinRequest struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
}

func boardJoinHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *Client, payload json.RawMessage) (json.RawMessage, error) {
		var req boardJoinRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.ParticipantID == "" {
			req.ParticipantID = client.Name()
		}
		if req.SessionID == "" || req.ParticipantID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}

		// Reserve the binding before joining so a second join racing on
		// the same connection fails here rather than in the engine.
		if err := client.Bind(req.SessionID, req.ParticipantID); err != nil {
			return nil, err
		}
		snap, err := deps.Coordinator.Join(ctx, req.SessionID, req.ParticipantID, client)
		if err != nil {
			client.Unbind()
			return nil, err
		}
		return json.Marshal(snap)
	}
}

func boardLeaveHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *Client, _ json.RawMessage) (json.RawMessage, error) {
		sid, pid, err := requireBinding(client)
		if err != nil {
			return nil, err
		}
		if err := deps.Coordinator.Leave(ctx, sid, pid); err != nil {
			return nil, err
		}
		client.Unbind()
		return json.Marshal(map[string]bool{"ok": true})
	}
}

// --- presence ---

type cursorMoveRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func cursorMoveHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *Client, payload json.RawMessage) (json.RawMessage, error) {
		var req cursorMoveRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		sid, pid, err := requireBinding(client)
		if err != nil {
			return nil, err
		}
		// Over-budget cursor frames are discarded, not rejected.
		if !client.AllowCursor() {
			return json.Marshal(map[string]bool{"ok": true})
		}
		if err := deps.Coordinator.MoveCursor(ctx, sid, pid, req.X, req.Y); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

type viewportChangeRequest struct {
	Zoom float64 `json:"zoom"`
	PanX float64 `json:"pan_x"`
	PanY float64 `json:"pan_y"`
}

func viewportChangeHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *Client, payload json.RawMessage) (json.RawMessage, error) {
		var req viewportChangeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		sid, pid, err := requireBinding(client)
		if err != nil {
			return nil, err
		}
		if !client.AllowCursor() {
			return json.Marshal(map[string]bool{"ok": true})
		}
		if err := deps.Coordinator.RelayViewport(ctx, sid, pid, req.Zoom, req.PanX, req.PanY); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

type toolChangeRequest struct {
	Tool        string  `json:"tool"`
	Color       string  `json:"color"`
	StrokeWidth float64 `json:"stroke_width"`
}

func toolChangeHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *Client, payload json.RawMessage) (json.RawMessage, error) {
		var req toolChangeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		tool := domain.Tool(req.Tool)
		switch tool {
		case domain.ToolSelect, domain.ToolPen, domain.ToolRectangle,
			domain.ToolEraser, domain.ToolText, domain.ToolStickyNote:
		default:
			return nil, domain.ErrRPCInvalidPayload
		}
		sid, pid, err := requireBinding(client)
		if err != nil {
			return nil, err
		}
		if err := deps.Coordinator.ChangeTool(ctx, sid, pid, tool, req.Color, req.StrokeWidth); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

// --- strokes ---

type strokeBeginRequest struct {
	Point domain.Point `json:"point"`
	Color string       `json:"color"`
	Width float64      `json:"width"`
}

func strokeBeginHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *Client, payload json.RawMessage) (json.RawMessage, error) {
		var req strokeBeginRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		sid, pid, err := requireBinding(client)
		if err != nil {
			return nil, err
		}
		id, err := deps.Coordinator.BeginStroke(ctx, sid, pid, req.Point,
			usecase.StrokeStyle{Color: req.Color, Width: req.Width})
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"stroke_id": id})
	}
}

type strokeMoveRequest struct {
	StrokeID string         `json:"stroke_id"`
	Points   []domain.Point `json:"points"`
}

func strokeMoveHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *Client, payload json.RawMessage) (json.RawMessage, error) {
		var req strokeMoveRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.StrokeID == "" || len(req.Points) == 0 {
			return nil, domain.ErrRPCInvalidPayload
		}
		sid, pid, err := requireBinding(client)
		if err != nil {
			return nil, err
		}
		if err := deps.Coordinator.ExtendStroke(ctx, sid, pid, req.StrokeID, req.Points); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

type strokeEndRequest struct {
	StrokeID string         `json:"stroke_id"`
	Points   []domain.Point `json:"points"` // optional authoritative point list
}

func strokeEndHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *Client, payload json.RawMessage) (json.RawMessage, error) {
		var req strokeEndRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.StrokeID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		sid, pid, err := requireBinding(client)
		if err != nil {
			return nil, err
		}
		shape, err := deps.Coordinator.EndStroke(ctx, sid, pid, req.StrokeID, req.Points)
		if err != nil {
			return nil, err
		}
		return domain.MarshalShape(shape)
	}
}

// --- shapes ---

type shapeRequest struct {
	Shape json.RawMessage `json:"shape"`
}

func decodeShape(payload json.RawMessage) (domain.Shape, error) {
	var req shapeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, domain.ErrRPCInvalidPayload
	}
	if len(req.Shape) == 0 {
		return nil, domain.ErrRPCInvalidPayload
	}
	return domain.UnmarshalShape(req.Shape)
}

func shapeDrawHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *Client, payload json.RawMessage) (json.RawMessage, error) {
		shape, err := decodeShape(payload)
		if err != nil {
			return nil, err
		}
		sid, pid, err := requireBinding(client)
		if err != nil {
			return nil, err
		}
		committed, err := deps.Coordinator.DrawShape(ctx, sid, pid, shape)
		if err != nil {
			return nil, err
		}
		return domain.MarshalShape(committed)
	}
}

func textAddHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *Client, payload json.RawMessage) (json.RawMessage, error) {
		shape, err := decodeShape(payload)
		if err != nil {
			return nil, err
		}
		sid, pid, err := requireBinding(client)
		if err != nil {
			return nil, err
		}
		committed, err := deps.Coordinator.AddText(ctx, sid, pid, shape)
		if err != nil {
			return nil, err
		}
		return domain.MarshalShape(committed)
	}
}

type elementEraseRequest struct {
	ShapeID string `json:"shape_id"`
}

func elementEraseHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *Client, payload json.RawMessage) (json.RawMessage, error) {
		var req elementEraseRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.ShapeID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		sid, pid, err := requireBinding(client)
		if err != nil {
			return nil, err
		}
		if err := deps.Coordinator.Erase(ctx, sid, pid, req.ShapeID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

// --- canvas history ---

func canvasClearHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *Client, _ json.RawMessage) (json.RawMessage, error) {
		sid, pid, err := requireBinding(client)
		if err != nil {
			return nil, err
		}
		if err := deps.Coordinator.ClearCanvas(ctx, sid, pid); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

func canvasUndoHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *Client, _ json.RawMessage) (json.RawMessage, error) {
		sid, pid, err := requireBinding(client)
		if err != nil {
			return nil, err
		}
		applied, err := deps.Coordinator.Undo(ctx, sid, pid)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"applied": applied})
	}
}

func canvasRedoHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *Client, _ json.RawMessage) (json.RawMessage, error) {
		sid, pid, err := requireBinding(client)
		if err != nil {
			return nil, err
		}
		applied, err := deps.Coordinator.Redo(ctx, sid, pid)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"applied": applied})
	}
}

// --- archive ---

type boardSaveRequest struct {
	Name string `json:"name"`
}

func boardSaveHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *Client, payload json.RawMessage) (json.RawMessage, error) {
		var req boardSaveRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.Name == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		sid, pid, err := requireBinding(client)
		if err != nil {
			return nil, err
		}
		canvas, err := deps.Coordinator.Snapshot(sid)
		if err != nil {
			return nil, err
		}
		raw, err := domain.MarshalCanvas(canvas)
		if err != nil {
			return nil, err
		}
		info, err := deps.Archive.Save(ctx, sid, req.Name, raw)
		if err != nil {
			return nil, err
		}
		deps.Bus.Publish(ctx, domain.NewEvent(domain.EventSnapshotSaved, sid, pid,
			map[string]any{"name": info.Name, "shapes": info.Shapes}))
		return json.Marshal(info)
	}
}

type boardLoadRequest struct {
	Name string `json:"name"`
}

func boardLoadHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *Client, payload json.RawMessage) (json.RawMessage, error) {
		var req boardLoadRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.Name == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		sid, pid, err := requireBinding(client)
		if err != nil {
			return nil, err
		}
		raw, err := deps.Archive.Load(ctx, req.Name)
		if err != nil {
			return nil, err
		}
		canvas, err := domain.UnmarshalCanvas(raw)
		if err != nil {
			return nil, err
		}
		if err := deps.Coordinator.Restore(ctx, sid, pid, req.Name, canvas); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"ok": true, "shapes": len(canvas)})
	}
}

func boardListHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *Client, _ json.RawMessage) (json.RawMessage, error) {
		infos, err := deps.Archive.List(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(infos)
	}
}

// RegisterRESTHandlers registers HTTP REST endpoints on the gateway server
// and wires the bus-fed metric counters.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) *Metrics {
	startTime := time.Now()
	metrics := &Metrics{}

	if deps.Bus != nil {
		deps.Bus.Subscribe(domain.EventSessionCreated, func(_ context.Context, e domain.Event) {
			metrics.BoardsOpened.Add(1)
		})
		deps.Bus.Subscribe(domain.EventOperationApplied, func(_ context.Context, e domain.Event) {
			metrics.OperationsTotal.Add(1)
		})
		deps.Bus.Subscribe(domain.EventSnapshotSaved, func(_ context.Context, e domain.Event) {
			metrics.SnapshotsSaved.Add(1)
		})
	}

	// Auth middleware for REST endpoints.
	authMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			token := r.URL.Query().Get("token")
			if token == "" {
				token = r.Header.Get("Authorization")
				if len(token) > 7 && token[:7] == "Bearer " {
					token = token[7:]
				}
			}
			if _, err := s.auth.Authenticate(token); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	s.RegisterHTTPRoute("/api/v1/status", authMiddleware(statusHandler(s, deps, startTime, metrics)))
	s.RegisterHTTPRoute("/metrics", authMiddleware(metricsHandler(s, deps, startTime, metrics)))
	s.RegisterHTTPRoute("/api/v1/sessions/", authMiddleware(sessionSnapshotHandler(deps)))

	return metrics
}

// sessionSnapshotHandler serves GET /api/v1/sessions/{id}/snapshot with
// the live canvas of an open board.
func sessionSnapshotHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
		sessionID, ok := strings.CutSuffix(rest, "/snapshot")
		if !ok || sessionID == "" || strings.Contains(sessionID, "/") {
			http.NotFound(w, r)
			return
		}
		canvas, err := deps.Coordinator.Snapshot(sessionID)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		raw, err := domain.MarshalCanvas(canvas)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
	}
}
