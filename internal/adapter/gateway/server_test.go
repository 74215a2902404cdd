package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"slate/internal/domain"
	"slate/internal/usecase"
	"slate/internal/usecase/eventbus"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine() (*usecase.Coordinator, domain.EventBus) {
	logger := newTestLogger()
	bus := eventbus.New(logger)
	store := usecase.NewStore(bus, logger)
	cursors := usecase.NewCursorTracker(5*time.Second, 10*time.Second, logger)
	router := usecase.NewRouter(logger)
	return usecase.NewCoordinator(store, cursors, router, bus, logger), bus
}

func newTestAuth() Authenticator {
	return NewStaticTokenAuth([]TokenEntry{
		{Token: "test-token", Name: "tester"},
	})
}

func startTestServer(t *testing.T, bus domain.EventBus) *Server {
	t.Helper()
	srv := NewServer(bus, newTestAuth(), "127.0.0.1:0", newTestLogger())
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
		if err := srv.Start(ctx); err != nil {
			// The test may have cancelled the context already.
			_ = err
		}
	}()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start in time")
	}

	t.Cleanup(func() {
		srv.Stop(context.Background())
	})

	return srv
}

func dialWS(t *testing.T, addr, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

// call performs one RPC round trip, skipping any broadcast frames that
// arrive before the response.
func call(t *testing.T, ws *websocket.Conn, id uint64, method string, payload any) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		raw = b
	}
	req := Frame{Type: FrameTypeRequest, ID: id, Method: method, Payload: raw}
	if err := wsjson.Write(ctx, ws, req); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}

	for {
		var resp Frame
		if err := wsjson.Read(ctx, ws, &resp); err != nil {
			t.Fatalf("read %s response: %v", method, err)
		}
		if resp.Type == FrameTypeResponse && resp.ID == id {
			return resp
		}
	}
}

// --- tests ---

func TestServerLifecycle(t *testing.T) {
	_, bus := newTestEngine()
	srv := startTestServer(t, bus)

	if srv.BoundAddr() == "" {
		t.Fatal("BoundAddr is empty")
	}
}

func TestServerAuthReject(t *testing.T) {
	_, bus := newTestEngine()
	srv := startTestServer(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=bad-token", nil)
	if err == nil {
		t.Fatal("expected auth rejection")
	}
}

func TestServerRPCRoundtrip(t *testing.T) {
	_, bus := newTestEngine()
	srv := startTestServer(t, bus)

	srv.RegisterHandler("echo", func(_ context.Context, _ *Client, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	resp := call(t, ws, 1, "echo", map[string]string{"msg": "hello"})

	if resp.Error != "" {
		t.Errorf("error = %q", resp.Error)
	}
	if string(resp.Payload) != `{"msg":"hello"}` {
		t.Errorf("payload = %s", resp.Payload)
	}
}

func TestServerUnknownMethod(t *testing.T) {
	_, bus := newTestEngine()
	srv := startTestServer(t, bus)

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	resp := call(t, ws, 2, "nonexistent", nil)

	if resp.Error == "" {
		t.Error("expected error for unknown method")
	}
	if resp.Code != string(domain.CodeRPCMethodNotFound) {
		t.Errorf("code = %q, want %q", resp.Code, domain.CodeRPCMethodNotFound)
	}
}

func TestServerHandlerError(t *testing.T) {
	_, bus := newTestEngine()
	srv := startTestServer(t, bus)

	srv.RegisterHandler("fail", func(_ context.Context, _ *Client, _ json.RawMessage) (json.RawMessage, error) {
		return nil, domain.ErrRPCInvalidPayload
	})

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	resp := call(t, ws, 1, "fail", nil)

	if resp.Error == "" {
		t.Error("expected error in response")
	}
	if resp.Code != string(domain.CodeRPCInvalidPayload) {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestServerConcurrentClients(t *testing.T) {
	_, bus := newTestEngine()
	srv := startTestServer(t, bus)

	srv.RegisterHandler("ping", func(_ context.Context, _ *Client, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"pong"`), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=test-token", nil)
			if err != nil {
				return
			}
			defer ws.Close(websocket.StatusNormalClosure, "")

			req := Frame{Type: FrameTypeRequest, ID: uint64(id + 1), Method: "ping"}
			if err := wsjson.Write(ctx, ws, req); err != nil {
				return
			}
			var resp Frame
			wsjson.Read(ctx, ws, &resp)
		}(i)
	}
	wg.Wait()
}

func TestClientBindOnce(t *testing.T) {
	client := &Client{info: &ClientInfo{Name: "tester"}}
	if err := client.Bind("board-1", "alice"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := client.Bind("board-2", "alice"); err == nil {
		t.Fatal("expected second bind to fail")
	}
	client.Unbind()
	if err := client.Bind("board-2", "alice"); err != nil {
		t.Fatalf("Bind after Unbind: %v", err)
	}
}

func TestAllowedOriginsGateUpgrade(t *testing.T) {
	_, bus := newTestEngine()
	srv := NewServer(bus, newTestAuth(), "127.0.0.1:0", newTestLogger())
	srv.SetAllowedOrigins([]string{"boards.lan", "boards.lan:*"})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := srv.Start(ctx); err != nil {
			_ = err
		}
	}()
	deadline := time.Now().Add(3 * time.Second)
	for srv.BoundAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Cleanup(func() { srv.Stop(context.Background()) })

	dialFrom := func(origin string) error {
		dctx, dcancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer dcancel()
		ws, _, err := websocket.Dial(dctx, "ws://"+srv.BoundAddr()+"/ws?token=test-token",
			&websocket.DialOptions{
				HTTPHeader: http.Header{"Origin": []string{origin}},
			})
		if err == nil {
			ws.Close(websocket.StatusNormalClosure, "")
		}
		return err
	}

	if err := dialFrom("http://boards.lan"); err != nil {
		t.Fatalf("configured origin refused: %v", err)
	}
	if err := dialFrom("http://evil.example"); err == nil {
		t.Fatal("expected upgrade to fail for a disallowed origin")
	}
}

func TestDefaultOriginsAdmitLocalhost(t *testing.T) {
	_, bus := newTestEngine()
	srv := startTestServer(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=test-token",
		&websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": []string{"http://localhost:3000"}},
		})
	if err != nil {
		t.Fatalf("localhost origin refused: %v", err)
	}
	ws.Close(websocket.StatusNormalClosure, "")
}
