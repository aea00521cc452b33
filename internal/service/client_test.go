package service

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/gateway"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// startGateway runs a gateway on a random loopback port and returns its ws URL.
func startGateway(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := gateway.NewServer(gateway.Options{RequestTimeout: 2 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, ln)

	return "ws://" + ln.Addr().String() + "/ws"
}

type echoHandler struct {
	mu     sync.Mutex
	events []string
	seqs   []uint64
}

func (h *echoHandler) HandleMethod(_ context.Context, method string, params json.RawMessage) (any, error) {
	if method == "echo.ping" {
		var in map[string]any
		json.Unmarshal(params, &in)
		return map[string]any{"echo": in}, nil
	}
	return nil, &protocol.ErrorInfo{Code: protocol.ErrNoHandler, Message: "unknown method " + method}
}

func (h *echoHandler) HandleEvent(_ context.Context, event string, payload json.RawMessage) {
	var p struct {
		Seq uint64 `json:"n"`
	}
	json.Unmarshal(payload, &p)
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
}

type eventRecorder struct {
	mu     sync.Mutex
	frames []json.RawMessage
	names  []string
}

func (r *eventRecorder) HandleMethod(context.Context, string, json.RawMessage) (any, error) {
	return nil, &protocol.ErrorInfo{Code: protocol.ErrNoHandler}
}

func (r *eventRecorder) HandleEvent(_ context.Context, event string, payload json.RawMessage) {
	r.mu.Lock()
	r.names = append(r.names, event)
	r.frames = append(r.frames, payload)
	r.mu.Unlock()
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}

func dial(t *testing.T, url string, reg protocol.ServiceRegistration, h Handler) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Options{URL: url, Registration: reg, Handler: h, CallTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("dial %s: %v", reg.Service, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// Register + route: B calls a method owned by A; after A disconnects the same
// call fails with NO_HANDLER.
func TestRegisterAndRoute(t *testing.T) {
	url := startGateway(t)

	a := dial(t, url, protocol.ServiceRegistration{Service: "a", Methods: []string{"echo.ping"}}, &echoHandler{})
	b := dial(t, url, protocol.ServiceRegistration{Service: "b"}, &echoHandler{})

	var out struct {
		Echo map[string]string `json:"echo"`
	}
	err := b.Call(context.Background(), "a", "echo.ping", map[string]string{"msg": "hi"}, &out)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.Echo["msg"] != "hi" {
		t.Errorf("echo = %+v", out.Echo)
	}

	a.Close()

	// The gateway needs a moment to observe the disconnect; calls racing the
	// teardown may fail with SERVICE_UNAVAILABLE before the route is gone.
	deadline := time.Now().Add(2 * time.Second)
	var ei *protocol.ErrorInfo
	for {
		err = b.Call(context.Background(), "a", "echo.ping", map[string]string{"msg": "again"}, nil)
		if asErrorInfo(err, &ei) && ei.Code == protocol.ErrNoHandler {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("error = %v, want NO_HANDLER", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// callingHandler issues a Call back through its own client from inside the
// event handler, the way the agent and cron services react to events.
type callingHandler struct {
	client *Client

	mu      sync.Mutex
	callErr error
	called  chan struct{}
}

func (h *callingHandler) HandleMethod(context.Context, string, json.RawMessage) (any, error) {
	return nil, &protocol.ErrorInfo{Code: protocol.ErrNoHandler}
}

func (h *callingHandler) HandleEvent(ctx context.Context, event string, _ json.RawMessage) {
	var out struct {
		Echo map[string]string `json:"echo"`
	}
	err := h.client.Call(ctx, "a", "echo.ping", map[string]string{"from": "event"}, &out)
	h.mu.Lock()
	h.callErr = err
	h.mu.Unlock()
	close(h.called)
}

// A Call issued from inside an event handler must complete: event dispatch
// may not occupy the read loop that correlates the response.
func TestCallFromEventHandler(t *testing.T) {
	url := startGateway(t)

	dial(t, url, protocol.ServiceRegistration{Service: "a", Methods: []string{"echo.ping"}}, &echoHandler{})
	pub := dial(t, url, protocol.ServiceRegistration{Service: "pub", Events: []string{"tick"}}, &echoHandler{})

	h := &callingHandler{called: make(chan struct{})}
	h.client = dial(t, url, protocol.ServiceRegistration{Service: "sub", Subscriptions: []string{"tick"}}, h)

	if err := pub.Emit("tick", map[string]int{"n": 1}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case <-h.called:
	case <-time.After(5 * time.Second):
		t.Fatal("event handler never ran")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.callErr != nil {
		t.Errorf("call from event handler: %v", h.callErr)
	}
}

// whoHandler answers echo.ping with a fixed marker.
type whoHandler struct{ id string }

func (h *whoHandler) HandleMethod(_ context.Context, method string, _ json.RawMessage) (any, error) {
	if method == "echo.ping" {
		return map[string]string{"who": h.id}, nil
	}
	return nil, &protocol.ErrorInfo{Code: protocol.ErrNoHandler}
}

func (h *whoHandler) HandleEvent(context.Context, string, json.RawMessage) {}

// Re-registering a service name is last-writer-wins: the new connection takes
// over the name together with its own method claims.
func TestReRegisterSameServiceWins(t *testing.T) {
	url := startGateway(t)

	// Park the displaced client's reconnect far in the future so it cannot
	// steal the name back mid-test.
	dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first, err := Dial(dialCtx, Options{
		URL:          url,
		Registration: protocol.ServiceRegistration{Service: "a", Methods: []string{"echo.ping"}},
		Handler:      &whoHandler{id: "first"},
		CallTimeout:  2 * time.Second,
		Reconnect:    &Reconnector{Base: time.Hour, Max: time.Hour, MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	t.Cleanup(func() { first.Close() })

	dial(t, url, protocol.ServiceRegistration{Service: "a", Methods: []string{"echo.ping"}}, &whoHandler{id: "second"})
	b := dial(t, url, protocol.ServiceRegistration{Service: "b"}, &echoHandler{})

	var out struct {
		Who string `json:"who"`
	}
	if err := b.Call(context.Background(), "a", "echo.ping", nil, &out); err != nil {
		t.Fatalf("call after re-register: %v", err)
	}
	if out.Who != "second" {
		t.Errorf("routed to %q, want the re-registered connection", out.Who)
	}
}

// Event fan-out: only declared subscribers receive events, seq strictly increases.
func TestEventFanOut(t *testing.T) {
	url := startGateway(t)

	pub := dial(t, url, protocol.ServiceRegistration{Service: "pub", Events: []string{"tick"}}, &echoHandler{})
	sub1rec := &eventRecorder{}
	dial(t, url, protocol.ServiceRegistration{Service: "sub1", Subscriptions: []string{"tick"}}, sub1rec)
	sub2rec := &eventRecorder{}
	dial(t, url, protocol.ServiceRegistration{Service: "sub2", Subscriptions: []string{"other"}}, sub2rec)

	for i := 0; i < 3; i++ {
		if err := pub.Emit("tick", map[string]int{"n": i}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for sub1rec.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("sub1 received %d events, want 3", sub1rec.count())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sub2rec.count() != 0 {
		t.Errorf("sub2 received %d events, want 0", sub2rec.count())
	}
}

func TestUnknownMethodIsNoHandler(t *testing.T) {
	url := startGateway(t)
	b := dial(t, url, protocol.ServiceRegistration{Service: "b"}, &echoHandler{})

	err := b.Call(context.Background(), "", "nobody.home", nil, nil)
	var ei *protocol.ErrorInfo
	if !asErrorInfo(err, &ei) || ei.Code != protocol.ErrNoHandler {
		t.Errorf("error = %v, want NO_HANDLER", err)
	}
}

func TestHandlerErrorPropagates(t *testing.T) {
	url := startGateway(t)
	dial(t, url, protocol.ServiceRegistration{Service: "a", Methods: []string{"echo.ping", "echo.boom"}}, &echoHandler{})
	b := dial(t, url, protocol.ServiceRegistration{Service: "b"}, &echoHandler{})

	err := b.Call(context.Background(), "a", "echo.boom", nil, nil)
	if err == nil {
		t.Fatal("expected error from handler")
	}
}

func asErrorInfo(err error, target **protocol.ErrorInfo) bool {
	ei, ok := err.(*protocol.ErrorInfo)
	if ok {
		*target = ei
	}
	return ok
}
