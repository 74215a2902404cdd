// Package boardclient provides a Go client for the slate whiteboard
// protocol.
//
// A client dials the server's /ws endpoint, joins one board, issues
// drawing operations as RPC calls, and receives the board's broadcast
// events on a channel. One client maps to one connection and at most one
// board.
//
// Example:
//
//	c, err := boardclient.Dial(ctx, "ws://192.168.1.10:8820/ws",
//	    boardclient.WithToken("secret"),
//	)
//	snap, err := c.Join(ctx, "sprint-board", "alice")
//	go func() {
//	    for ev := range c.Events() {
//	        fmt.Println("board event:", ev.Type)
//	    }
//	}()
//	id, _ := c.BeginStroke(ctx, boardclient.Point{X: 10, Y: 10}, "#000000", 2)
//	c.ExtendStroke(ctx, id, []boardclient.Point{{X: 11, Y: 12}})
//	c.EndStroke(ctx, id, nil)
package boardclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Point is a single coordinate on the board.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Participant is the presence view of one board member.
type Participant struct {
	ID          string    `json:"id"`
	Tool        string    `json:"tool"`
	Color       string    `json:"color"`
	StrokeWidth float64   `json:"stroke_width,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Cursor is the last reported pointer position of a participant.
type Cursor struct {
	ParticipantID string    `json:"participant_id"`
	X             float64   `json:"x"`
	Y             float64   `json:"y"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// JoinSnapshot is the board state returned by Join. Canvas is a JSON array
// of shapes in z-order.
type JoinSnapshot struct {
	SessionID    string          `json:"session_id"`
	Canvas       json.RawMessage `json:"canvas"`
	Participants []Participant   `json:"participants"`
	Cursors      []Cursor        `json:"cursors"`
}

// SnapshotInfo describes a named snapshot stored on the server.
type SnapshotInfo struct {
	Name      string    `json:"name"`
	SessionID string    `json:"session_id"`
	Shapes    int       `json:"shapes"`
	SavedAt   time.Time `json:"saved_at"`
}

// Event is a board broadcast delivered to this client.
type Event struct {
	Type          string          `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	SessionID     string          `json:"session_id,omitempty"`
	ParticipantID string          `json:"participant_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Error is an RPC failure reported by the server. Code is the
// machine-readable taxonomy value ("NOT_FOUND", "ALREADY_JOINED", ...).
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

type frame struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// Client is a connection to a slate server.
type Client struct {
	ws     *websocket.Conn
	events chan Event

	mu      sync.Mutex
	pending map[uint64]chan frame
	readErr error

	nextID    atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a slate server. rawURL should point at the /ws
// endpoint, e.g. "ws://host:8820/ws".
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	var cfg options
	for _, opt := range opts {
		opt(&cfg)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("boardclient: parse url: %w", err)
	}
	if cfg.token != "" {
		q := u.Query()
		q.Set("token", cfg.token)
		u.RawQuery = q.Encode()
	}

	ws, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("boardclient: dial: %w", err)
	}

	bufSize := cfg.eventBuffer
	if bufSize <= 0 {
		bufSize = 64
	}

	c := &Client{
		ws:      ws,
		events:  make(chan Event, bufSize),
		pending: make(map[uint64]chan frame),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events returns the stream of board broadcasts. The channel is closed when
// the connection ends. A client that stops draining it loses events once
// the buffer fills; the server's join snapshot is the recovery path.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Close tears down the connection. In-flight calls fail.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.ws.Close(websocket.StatusNormalClosure, "client closing")
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.events)
	}()

	ctx := context.Background()
	for {
		var f frame
		if err := wsjson.Read(ctx, c.ws, &f); err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		switch f.Type {
		case "response":
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case "event":
			var ev Event
			if err := json.Unmarshal(f.Payload, &ev); err != nil {
				continue
			}
			select {
			case c.events <- ev:
			case <-c.done:
				return
			default:
				// Consumer is not keeping up; drop.
			}
		}
	}
}

func (c *Client) call(ctx context.Context, method string, payload, out any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("boardclient: marshal %s: %w", method, err)
		}
		raw = b
	}

	id := c.nextID.Add(1)
	ch := make(chan frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := frame{Type: "request", ID: id, Method: method, Payload: raw}
	if err := wsjson.Write(ctx, c.ws, req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("boardclient: send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			if err == nil {
				err = fmt.Errorf("connection closed")
			}
			return fmt.Errorf("boardclient: %s: %w", method, err)
		}
		if resp.Error != "" {
			return &Error{Code: resp.Code, Message: resp.Error}
		}
		if out != nil && len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, out); err != nil {
				return fmt.Errorf("boardclient: decode %s response: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("boardclient: %s: client closed", method)
	}
}

// Join enters a board, creating it if needed. participantID may be empty,
// in which case the server uses the authenticated name.
func (c *Client) Join(ctx context.Context, boardID, participantID string) (*JoinSnapshot, error) {
	var snap JoinSnapshot
	err := c.call(ctx, "board.join", map[string]string{
		"session_id":     boardID,
		"participant_id": participantID,
	}, &snap)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Leave exits the current board.
func (c *Client) Leave(ctx context.Context) error {
	return c.call(ctx, "board.leave", nil, nil)
}

// MoveCursor reports the pointer position. Over-budget moves are silently
// discarded by the server.
func (c *Client) MoveCursor(ctx context.Context, x, y float64) error {
	return c.call(ctx, "cursor.move", map[string]float64{"x": x, "y": y}, nil)
}

// ChangeViewport relays zoom and pan to the other participants.
func (c *Client) ChangeViewport(ctx context.Context, zoom, panX, panY float64) error {
	return c.call(ctx, "viewport.change", map[string]float64{
		"zoom": zoom, "pan_x": panX, "pan_y": panY,
	}, nil)
}

// ChangeTool updates this participant's tool presence.
func (c *Client) ChangeTool(ctx context.Context, tool, color string, strokeWidth float64) error {
	return c.call(ctx, "tool.change", map[string]any{
		"tool": tool, "color": color, "stroke_width": strokeWidth,
	}, nil)
}

// BeginStroke starts a freehand stroke and returns its id.
func (c *Client) BeginStroke(ctx context.Context, start Point, color string, width float64) (string, error) {
	var resp struct {
		StrokeID string `json:"stroke_id"`
	}
	err := c.call(ctx, "stroke.begin", map[string]any{
		"point": start, "color": color, "width": width,
	}, &resp)
	return resp.StrokeID, err
}

// ExtendStroke appends points to an in-progress stroke.
func (c *Client) ExtendStroke(ctx context.Context, strokeID string, points []Point) error {
	return c.call(ctx, "stroke.move", map[string]any{
		"stroke_id": strokeID, "points": points,
	}, nil)
}

// EndStroke commits a stroke and returns the resulting shape as JSON. A
// non-nil points slice replaces the server's accumulated points.
func (c *Client) EndStroke(ctx context.Context, strokeID string, points []Point) (json.RawMessage, error) {
	payload := map[string]any{"stroke_id": strokeID}
	if points != nil {
		payload["points"] = points
	}
	var shape json.RawMessage
	err := c.call(ctx, "stroke.end", payload, &shape)
	return shape, err
}

// DrawShape commits a one-step shape (a rectangle). shape is the shape's
// JSON object; an empty id is assigned by the server. Returns the committed
// shape.
func (c *Client) DrawShape(ctx context.Context, shape json.RawMessage) (json.RawMessage, error) {
	var committed json.RawMessage
	err := c.call(ctx, "shape.draw", map[string]json.RawMessage{"shape": shape}, &committed)
	return committed, err
}

// AddText commits a text or sticky-note shape.
func (c *Client) AddText(ctx context.Context, shape json.RawMessage) (json.RawMessage, error) {
	var committed json.RawMessage
	err := c.call(ctx, "text.add", map[string]json.RawMessage{"shape": shape}, &committed)
	return committed, err
}

// Erase removes a shape by id. Erasing an id that is not on the canvas is
// a no-op, not an error.
func (c *Client) Erase(ctx context.Context, shapeID string) error {
	return c.call(ctx, "element.erase", map[string]string{"shape_id": shapeID}, nil)
}

// ClearCanvas wipes the board. The previous canvas is recoverable via Undo.
func (c *Client) ClearCanvas(ctx context.Context) error {
	return c.call(ctx, "canvas.clear", nil, nil)
}

// Undo reverts the board's most recent operation, regardless of author.
// Returns false when there is nothing to undo.
func (c *Client) Undo(ctx context.Context) (bool, error) {
	var resp struct {
		Applied bool `json:"applied"`
	}
	err := c.call(ctx, "canvas.undo", nil, &resp)
	return resp.Applied, err
}

// Redo re-applies the most recently undone operation.
func (c *Client) Redo(ctx context.Context) (bool, error) {
	var resp struct {
		Applied bool `json:"applied"`
	}
	err := c.call(ctx, "canvas.redo", nil, &resp)
	return resp.Applied, err
}

// SaveBoard stores the current canvas under a name on the server. Saving
// an existing name overwrites it.
func (c *Client) SaveBoard(ctx context.Context, name string) (SnapshotInfo, error) {
	var info SnapshotInfo
	err := c.call(ctx, "board.save", map[string]string{"name": name}, &info)
	return info, err
}

// LoadBoard replaces the current canvas with a stored snapshot. Returns
// the number of restored shapes. A load is undoable like a clear.
func (c *Client) LoadBoard(ctx context.Context, name string) (int, error) {
	var resp struct {
		Shapes int `json:"shapes"`
	}
	err := c.call(ctx, "board.load", map[string]string{"name": name}, &resp)
	return resp.Shapes, err
}

// ListBoards returns all snapshots stored on the server, most recent first.
func (c *Client) ListBoards(ctx context.Context) ([]SnapshotInfo, error) {
	var infos []SnapshotInfo
	err := c.call(ctx, "board.list", nil, &infos)
	return infos, err
}
