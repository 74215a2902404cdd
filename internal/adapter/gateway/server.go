package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"slate/internal/domain"
	"slate/internal/infra/middleware"
	"slate/internal/infra/tracer"
)

// RPCHandler handles a single RPC method call.
type RPCHandler func(ctx context.Context, client *Client, payload json.RawMessage) (json.RawMessage, error)

// Client tracks a single WebSocket connection and its board membership.
// A connection is bound to at most one board at a time; the binding is set
// by board.join and cleared by board.leave or disconnect.
//
// Client implements domain.Sender: broadcast events are queued on a
// buffered outbox and dropped when the client cannot keep up, so a slow
// reader never stalls the session it shares with others.
type Client struct {
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter // cursor/viewport traffic; nil = unlimited

	mu            sync.Mutex
	sessionID     string
	participantID string

	dropped *atomic.Uint64 // shared with the owning server
}

// Name returns the authenticated client name.
func (c *Client) Name() string { return c.info.Name }

// Bind records the connection's board membership. A connection already
// bound to a board cannot join another one.
func (c *Client) Bind(sessionID, participantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != "" {
		return domain.ErrAlreadyJoined
	}
	c.sessionID = sessionID
	c.participantID = participantID
	return nil
}

// Unbind clears the board membership.
func (c *Client) Unbind() {
	c.mu.Lock()
	c.sessionID = ""
	c.participantID = ""
	c.mu.Unlock()
}

// Binding returns the bound board and participant, if any.
func (c *Client) Binding() (sessionID, participantID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.participantID, c.sessionID != ""
}

// AllowCursor reports whether another cursor or viewport frame fits the
// connection's rate budget. Over-budget frames are silently discarded.
func (c *Client) AllowCursor() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// Send queues a broadcast event for delivery. Never blocks: when the
// outbox is full the event is dropped and counted.
func (c *Client) Send(event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	frame := Frame{
		Type:    FrameTypeEvent,
		Payload: payload,
	}
	select {
	case c.sendCh <- frame:
	case <-c.done:
	default:
		c.dropped.Add(1)
	}
}

// Server is the WebSocket gateway that exposes RPC methods and delivers
// board broadcasts to connected clients.
type Server struct {
	bus        domain.EventBus
	clients    sync.Map // connID (uint64) -> *Client
	auth       Authenticator
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	logger     *slog.Logger
	addr       string
	httpSrv    *http.Server
	boundAddr  string
	nextID     atomic.Uint64
	dropped    atomic.Uint64
	httpRoutes []httpRoute

	cursorRate  rate.Limit // 0 = unlimited
	cursorBurst int

	httpRatePerMin int // 0 = unlimited
	httpBurst      int

	origins []string

	onDisconnect func(ctx context.Context, sessionID, participantID string)
}

// defaultOriginPatterns admits browser clients served from the same host.
var defaultOriginPatterns = []string{
	"localhost", "localhost:*",
	"127.0.0.1", "127.0.0.1:*",
	"[::1]", "[::1]:*",
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

// NewServer creates a gateway server.
func NewServer(bus domain.EventBus, auth Authenticator, addr string, logger *slog.Logger) *Server {
	return &Server{
		bus:      bus,
		auth:     auth,
		handlers: make(map[string]RPCHandler),
		logger:   logger,
		addr:     addr,
	}
}

// RegisterHandler adds an RPC handler for the given method name.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// RegisterHTTPRoute adds an HTTP handler to the gateway's mux.
// Must be called before Start().
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// SetAllowedOrigins sets the browser origin patterns accepted at upgrade.
// Must be called before Start(). An empty list keeps the localhost default.
func (s *Server) SetAllowedOrigins(patterns []string) {
	s.origins = patterns
}

// SetCursorRateLimit caps per-connection cursor and viewport traffic.
// Must be called before Start(). A non-positive perSecond disables the cap.
func (s *Server) SetCursorRateLimit(perSecond float64, burst int) {
	if perSecond <= 0 {
		s.cursorRate = 0
		return
	}
	s.cursorRate = rate.Limit(perSecond)
	if burst < 1 {
		burst = 1
	}
	s.cursorBurst = burst
}

// SetHTTPRateLimit caps per-IP HTTP traffic, including the WebSocket
// upgrade. Must be called before Start(). A non-positive perMinute
// disables the cap.
func (s *Server) SetHTTPRateLimit(perMinute, burst int) {
	if perMinute <= 0 {
		s.httpRatePerMin = 0
		return
	}
	s.httpRatePerMin = perMinute
	if burst < 1 {
		burst = 1
	}
	s.httpBurst = burst
}

// OnDisconnect sets the callback invoked when a bound connection drops
// without an explicit board.leave. Must be called before Start().
func (s *Server) OnDisconnect(fn func(ctx context.Context, sessionID, participantID string)) {
	s.onDisconnect = fn
}

// DroppedFrames returns the number of broadcast frames discarded because
// a client outbox was full.
func (s *Server) DroppedFrames() uint64 { return s.dropped.Load() }

// ConnectionCount returns the number of open WebSocket connections.
func (s *Server) ConnectionCount() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Start begins accepting WebSocket connections. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	for _, route := range s.httpRoutes {
		mux.HandleFunc(route.pattern, route.handler)
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	var handler http.Handler = mux
	if s.httpRatePerMin > 0 {
		handler = middleware.RateLimit(ctx, s.httpRatePerMin, s.httpBurst)(handler)
	}
	handler = middleware.SecurityHeaders(handler)
	s.httpSrv = &http.Server{Handler: handler}

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	s.clients.Range(func(key, value any) bool {
		client := value.(*Client)
		client.closeOnce.Do(func() { close(client.done) })
		client.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Authenticate via query param.
	token := r.URL.Query().Get("token")
	clientInfo, err := s.auth.Authenticate(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	origins := s.origins
	if len(origins) == 0 {
		origins = defaultOriginPatterns
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: origins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	client := &Client{
		info:    clientInfo,
		ws:      ws,
		sendCh:  make(chan Frame, 64),
		done:    make(chan struct{}),
		dropped: &s.dropped,
	}
	if s.cursorRate > 0 {
		client.limiter = rate.NewLimiter(s.cursorRate, s.cursorBurst)
	}
	s.clients.Store(connID, client)

	s.logger.Info("gateway client connected", "conn_id", connID, "client", clientInfo.Name)

	go s.writeLoop(client)

	// Read loop (blocking).
	s.readLoop(r.Context(), client)

	// Cleanup. A connection that drops while bound leaves its board.
	client.closeOnce.Do(func() { close(client.done) })
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	if sid, pid, ok := client.Binding(); ok && s.onDisconnect != nil {
		client.Unbind()
		s.onDisconnect(context.Background(), sid, pid)
	}
	s.logger.Info("gateway client disconnected", "conn_id", connID)
}

func (s *Server) readLoop(ctx context.Context, client *Client) {
	for {
		select {
		case <-client.done:
			return
		default:
		}

		var frame Frame
		err := wsjson.Read(ctx, client.ws, &frame)
		if err != nil {
			return // connection closed or error
		}

		if frame.Type != FrameTypeRequest {
			continue
		}

		// Dispatch synchronously: requests from one connection apply in
		// the order they arrive.
		s.dispatchRPC(ctx, client, frame)
	}
}

func (s *Server) writeLoop(client *Client) {
	for {
		select {
		case <-client.done:
			return
		case frame := <-client.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, client.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, client *Client, req Frame) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	if !ok {
		s.sendResponse(client, req.ID, nil, domain.ErrRPCMethodNotFound)
		return
	}

	ctx, span := tracer.StartSpan(ctx, "rpc."+req.Method)
	span.SetAttributes(tracer.StringAttr("client", client.info.Name))
	result, err := handler(ctx, client, req.Payload)
	if err != nil {
		tracer.RecordError(span, err)
	} else {
		tracer.SetOK(span)
	}
	span.End()

	s.sendResponse(client, req.ID, result, err)
}

func (s *Server) sendResponse(client *Client, id uint64, result json.RawMessage, err error) {
	resp := Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		Payload: result,
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = string(domain.ErrorCodeOf(err))
	}
	select {
	case client.sendCh <- resp:
	default:
		s.dropped.Add(1)
		s.logger.Warn("gateway: dropped RPC response for slow client", "frame_id", id)
		if s.bus != nil {
			s.bus.Publish(context.Background(),
				domain.NewEvent(domain.EventFrameDropped, "", client.info.Name, map[string]uint64{"frame_id": id}))
		}
	}
}
