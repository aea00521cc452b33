package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 256
	maxFrameBytes = 1 << 20 // 1MB
)

// conn wraps one service connection. Writes go through a buffered channel so
// a slow subscriber never blocks the router; overflow drops the frame.
type conn struct {
	id  string
	ws  *websocket.Conn
	srv *Server

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	limiter *requestLimiter
}

func newConn(ws *websocket.Conn, srv *Server) *conn {
	return &conn{
		id:      uuid.NewString(),
		ws:      ws,
		srv:     srv,
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
		limiter: newRequestLimiter(srv.opts.RateLimitRPM),
	}
}

func (c *conn) run() {
	go c.writePump()
	c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.srv.dropConn(c)
		c.close(websocket.CloseNormalClosure, "")
	}()

	c.ws.SetReadLimit(maxFrameBytes)
	pongWait := c.srv.opts.PingInterval * 2
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := protocol.Parse(data)
		if err != nil {
			// One bad frame fails one frame; the connection stays open.
			c.sendFrame(protocol.NewErrorResponse(peekID(data), protocol.ErrParse, err.Error()))
			continue
		}
		c.srv.handleFrame(c, frame)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.srv.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			return
		}
	}
}

// sendFrame queues a frame for delivery. Returns false when the queue is full
// or the connection is closing; the frame is dropped in that case.
func (c *conn) sendFrame(f *protocol.Frame) bool {
	data, err := f.Marshal()
	if err != nil {
		slog.Error("gateway.marshal_failed", "conn", c.id, "error", err)
		return false
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		slog.Warn("gateway.send_queue_full", "conn", c.id)
		return false
	}
}

func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.ws.Close()
	})
}

// peekID extracts the id field from raw bytes so a PARSE_ERROR response can
// still be correlated when the frame decoded far enough to carry one.
func peekID(data []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	json.Unmarshal(data, &probe)
	return probe.ID
}
