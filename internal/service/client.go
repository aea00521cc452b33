// Package service provides the shared client every service uses to talk to
// the gateway: connect, register, dispatch inbound requests/events, issue
// calls with one-shot futures, and reconnect with exponential backoff.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// ErrReconnecting fails in-flight calls when the transport is lost; the
// response can no longer be correlated after a reconnect.
var ErrReconnecting = errors.New("service: connection lost, reconnecting")

// ErrClosed is returned by operations on a client that was closed.
var ErrClosed = errors.New("service: client closed")

// Handler is implemented by each service. HandleMethod runs concurrently;
// services with ordering invariants serialize internally.
type Handler interface {
	HandleMethod(ctx context.Context, method string, params json.RawMessage) (any, error)
	HandleEvent(ctx context.Context, event string, payload json.RawMessage)
}

// Options configures a service client.
type Options struct {
	URL          string // gateway WebSocket URL, e.g. ws://127.0.0.1:9000/ws
	Registration protocol.ServiceRegistration
	Handler      Handler
	CallTimeout  time.Duration // default 10s
	Reconnect    *Reconnector  // nil = DefaultReconnector
}

// Client is the gateway connection of one service.
type Client struct {
	opts Options

	mu      sync.Mutex
	ws      *websocket.Conn
	writeMu sync.Mutex
	pending map[string]chan *protocol.Frame
	closed  bool

	events chan *protocol.Frame

	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}
}

// Dial connects, registers, and starts the read loop. It fails fast when the
// gateway rejects the registration.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.Reconnect == nil {
		opts.Reconnect = DefaultReconnector()
	}

	c := &Client{
		opts:    opts,
		pending: make(map[string]chan *protocol.Frame),
		events:  make(chan *protocol.Frame, 256),
		done:    make(chan struct{}),
	}
	c.runCtx, c.runCancel = context.WithCancel(context.Background())

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	go c.readLoop()
	go c.eventLoop()
	return c, nil
}

// Service returns the registered service name.
func (c *Client) Service() string { return c.opts.Registration.Service }

func (c *Client) connect(ctx context.Context) error {
	ws, _, err := websocket.Dial(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("service %s: dial gateway: %w", c.opts.Registration.Service, err)
	}
	ws.SetReadLimit(1 << 20)

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	if err := c.register(ctx, ws); err != nil {
		ws.Close(websocket.StatusPolicyViolation, "register failed")
		return err
	}
	c.opts.Reconnect.Reset()
	return nil
}

// register performs the gateway.register handshake synchronously on a fresh
// connection, before the shared read loop takes over.
func (c *Client) register(ctx context.Context, ws *websocket.Conn) error {
	req, err := protocol.NewRequest("gateway", protocol.MethodRegister, c.opts.Registration)
	if err != nil {
		return err
	}
	data, err := req.Marshal()
	if err != nil {
		return err
	}

	regCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	if err := ws.Write(regCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("service %s: send register: %w", c.opts.Registration.Service, err)
	}

	// The gateway may enqueue an event between processing the registration
	// and writing the response; dispatch anything that is not our response.
	for {
		_, raw, err := ws.Read(regCtx)
		if err != nil {
			return fmt.Errorf("service %s: read register response: %w", c.opts.Registration.Service, err)
		}
		resp, err := protocol.Parse(raw)
		if err != nil {
			return fmt.Errorf("service %s: bad register response: %w", c.opts.Registration.Service, err)
		}
		if resp.Type != protocol.FrameResponse || resp.ID != req.ID {
			c.dispatch(resp)
			continue
		}
		if !resp.OK {
			return fmt.Errorf("service %s: register rejected: %w", c.opts.Registration.Service, resp.Error)
		}
		return nil
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		c.mu.Lock()
		ws := c.ws
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		_, data, err := ws.Read(c.runCtx)
		if err != nil {
			if c.isClosed() {
				return
			}
			c.failPending(ErrReconnecting)
			if !c.reconnect() {
				return
			}
			continue
		}

		frame, err := protocol.Parse(data)
		if err != nil {
			slog.Warn("service.bad_frame", "service", c.Service(), "error", err)
			continue
		}
		c.dispatch(frame)
	}
}

// reconnect loops through the backoff schedule until connected or exhausted.
// Re-registering replays the method claims and event subscriptions.
func (c *Client) reconnect() bool {
	for {
		delay, ok := c.opts.Reconnect.Next()
		if !ok {
			slog.Error("service.reconnect_exhausted", "service", c.Service())
			c.Close()
			return false
		}

		select {
		case <-time.After(delay):
		case <-c.runCtx.Done():
			return false
		}

		if c.isClosed() {
			return false
		}

		slog.Info("service.reconnecting", "service", c.Service(),
			"attempt", c.opts.Reconnect.Attempts(), "delay", delay)

		if err := c.connect(c.runCtx); err != nil {
			slog.Warn("service.reconnect_failed", "service", c.Service(), "error", err)
			continue
		}
		slog.Info("service.reconnected", "service", c.Service())
		return true
	}
}

func (c *Client) dispatch(f *protocol.Frame) {
	switch f.Type {
	case protocol.FrameRequest:
		go c.handleRequest(f)
	case protocol.FrameResponse:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		if ok {
			delete(c.pending, f.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	case protocol.FrameEvent:
		if c.opts.Handler == nil {
			return
		}
		// Never run handlers on the read loop: an event handler that issues
		// a Call needs the loop free to correlate the response.
		select {
		case c.events <- f:
		default:
			slog.Warn("service.event_dropped", "service", c.Service(), "event", f.Event)
		}
	}
}

// eventLoop delivers events off the read loop, one at a time in arrival order.
func (c *Client) eventLoop() {
	for {
		select {
		case f := <-c.events:
			c.opts.Handler.HandleEvent(c.runCtx, f.Event, f.Payload)
		case <-c.runCtx.Done():
			return
		}
	}
}

// handleRequest runs one inbound method call. Handler errors become failed
// responses; panics are not recovered here — a panicking handler is a bug.
func (c *Client) handleRequest(f *protocol.Frame) {
	var resp *protocol.Frame
	if c.opts.Handler == nil {
		resp = protocol.NewErrorResponse(f.ID, protocol.ErrNoHandler, "service has no handler")
	} else {
		result, err := c.opts.Handler.HandleMethod(c.runCtx, f.Method, f.Params)
		if err != nil {
			code := protocol.ErrInternal
			var ei *protocol.ErrorInfo
			if errors.As(err, &ei) {
				code = ei.Code
			}
			resp = protocol.NewErrorResponse(f.ID, code, err.Error())
		} else {
			var merr error
			resp, merr = protocol.NewResponse(f.ID, result)
			if merr != nil {
				resp = protocol.NewErrorResponse(f.ID, protocol.ErrInternal, merr.Error())
			}
		}
	}
	if err := c.write(resp); err != nil {
		slog.Warn("service.response_write_failed", "service", c.Service(), "error", err)
	}
}

// Call sends a request and blocks for the matching response. out may be nil.
func (c *Client) Call(ctx context.Context, target, method string, params any, out any) error {
	req, err := protocol.NewRequest(target, method, params)
	if err != nil {
		return err
	}

	ch := make(chan *protocol.Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return err
	}

	timeout := c.opts.CallTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if !resp.OK {
			return resp.Error
		}
		if out != nil {
			return resp.DecodePayload(out)
		}
		return nil
	case <-timer.C:
		return &protocol.ErrorInfo{Code: protocol.ErrTimeout, Message: method + " call timed out"}
	case <-ctx.Done():
		return ctx.Err()
	case <-c.runCtx.Done():
		return ErrClosed
	}
}

// Emit sends an event frame. Fire-and-forget; the gateway assigns seq.
func (c *Client) Emit(event string, payload any) error {
	f, err := protocol.NewEvent(c.Service(), event, payload)
	if err != nil {
		return err
	}
	return c.write(f)
}

func (c *Client) write(f *protocol.Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}

	c.mu.Lock()
	ws := c.ws
	closed := c.closed
	c.mu.Unlock()
	if closed || ws == nil {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(c.runCtx, 10*time.Second)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		// Deliver a synthetic failure so the caller unblocks promptly.
		ch <- protocol.NewErrorResponse(id, protocol.ErrServiceUnavailable, err.Error())
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears the client down. In-flight calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	c.runCancel()
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "client closed")
	}
	return nil
}

// Done is closed when the read loop exits for good.
func (c *Client) Done() <-chan struct{} { return c.done }
