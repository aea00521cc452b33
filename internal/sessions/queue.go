package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrQueueCleared rejects every pending future when a queue is discarded.
var ErrQueueCleared = errors.New("sessions: queue cleared")

// QueuedMessage is one unit of per-session work awaiting its drainer.
type QueuedMessage struct {
	ID         string
	SessionKey string
	Content    string
	Role       string
	Metadata   map[string]any
}

// RunOutcome is what the execute hook produces for one queued message.
type RunOutcome struct {
	Response  string
	Cancelled bool
}

// Future resolves exactly once with the outcome of one queued message.
type Future struct {
	done    chan struct{}
	outcome RunOutcome
	err     error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

// Wait blocks until the message was processed or ctx expires.
func (f *Future) Wait(ctx context.Context) (RunOutcome, error) {
	select {
	case <-f.done:
		return f.outcome, f.err
	case <-ctx.Done():
		return RunOutcome{}, ctx.Err()
	}
}

func (f *Future) resolve(out RunOutcome) {
	f.outcome = out
	close(f.done)
}

func (f *Future) reject(err error) {
	f.err = err
	close(f.done)
}

type queuedItem struct {
	msg    *QueuedMessage
	future *Future
}

// ExecuteFunc processes one message while its session is exclusively held.
type ExecuteFunc func(ctx context.Context, msg *QueuedMessage) (RunOutcome, error)

// MessageQueue serializes work per session key: inbound messages append to a
// per-key FIFO, and at most one drainer per key pops and executes them in
// order. This is the only per-conversation serialization point in the system.
type MessageQueue struct {
	execute ExecuteFunc

	mu      sync.Mutex
	queues  map[string][]queuedItem
	running map[string]bool

	ctx context.Context
}

// NewMessageQueue creates a queue. ctx bounds every drainer; cancelling it
// stops processing after the in-flight message.
func NewMessageQueue(ctx context.Context, execute ExecuteFunc) *MessageQueue {
	if ctx == nil {
		ctx = context.Background()
	}
	return &MessageQueue{
		execute: execute,
		queues:  make(map[string][]queuedItem),
		running: make(map[string]bool),
		ctx:     ctx,
	}
}

// Enqueue appends a message to the session's FIFO and returns its future.
// A drainer is started when the session has none active.
func (q *MessageQueue) Enqueue(sessionKey, content, role string, metadata map[string]any) *Future {
	if role == "" {
		role = "user"
	}
	item := queuedItem{
		msg: &QueuedMessage{
			ID:         uuid.NewString(),
			SessionKey: sessionKey,
			Content:    content,
			Role:       role,
			Metadata:   metadata,
		},
		future: newFuture(),
	}

	q.mu.Lock()
	q.queues[sessionKey] = append(q.queues[sessionKey], item)
	start := !q.running[sessionKey]
	if start {
		q.running[sessionKey] = true
	}
	depth := len(q.queues[sessionKey])
	q.mu.Unlock()

	slog.Debug("sessions.enqueued", "session", sessionKey, "depth", depth)

	if start {
		go q.drain(sessionKey)
	}
	return item.future
}

// drain pops and executes messages one at a time until the FIFO empties.
// One failure resolves only its own future; the drainer keeps going.
func (q *MessageQueue) drain(sessionKey string) {
	for {
		q.mu.Lock()
		items := q.queues[sessionKey]
		if len(items) == 0 {
			delete(q.queues, sessionKey)
			delete(q.running, sessionKey)
			q.mu.Unlock()
			return
		}
		item := items[0]
		q.queues[sessionKey] = items[1:]
		q.mu.Unlock()

		out, err := q.execute(q.ctx, item.msg)
		if err != nil {
			slog.Warn("sessions.message_failed", "session", sessionKey, "error", err)
			item.future.reject(err)
		} else {
			item.future.resolve(out)
		}
	}
}

// HasQueuedMessages reports whether undrained messages remain for the key.
func (q *MessageQueue) HasQueuedMessages(sessionKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[sessionKey]) > 0
}

// IsRunning reports whether a drainer currently holds the key.
func (q *MessageQueue) IsRunning(sessionKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running[sessionKey]
}

// QueueLength returns the number of undrained messages for the key.
func (q *MessageQueue) QueueLength(sessionKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[sessionKey])
}

// ClearQueue discards the FIFO, rejecting every pending future with
// ErrQueueCleared. The in-flight message, if any, is not interrupted.
func (q *MessageQueue) ClearQueue(sessionKey string) int {
	q.mu.Lock()
	items := q.queues[sessionKey]
	delete(q.queues, sessionKey)
	q.mu.Unlock()

	for _, item := range items {
		item.future.reject(ErrQueueCleared)
	}
	return len(items)
}
