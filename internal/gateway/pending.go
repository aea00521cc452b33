package gateway

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// pendingTable remembers forwarded requests awaiting a response. Each entry
// moves through exactly one terminal state: responded, timed out, or caller
// gone. All terminal states remove the entry.
//
// Entries are keyed by (handler connID, request id): request ids are only
// guaranteed unique per caller, so two callers reusing an id against
// different handlers must not collide.
type pendingTable struct {
	mu      sync.Mutex
	entries map[pendingKey]*pendingEntry
	timeout time.Duration

	// onReject delivers an error response to the original caller.
	onReject func(callerConnID string, f *protocol.Frame)
}

type pendingKey struct {
	handlerConn string
	requestID   string
}

type pendingEntry struct {
	callerConn string
	timer      *time.Timer
}

func newPendingTable(timeout time.Duration) *pendingTable {
	return &pendingTable{
		entries: make(map[pendingKey]*pendingEntry),
		timeout: timeout,
	}
}

// add registers a forwarded request. When no response arrives within the
// timeout the entry is removed and the caller gets a TIMEOUT response.
func (p *pendingTable) add(handlerConn, requestID, callerConn string) {
	key := pendingKey{handlerConn, requestID}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry := &pendingEntry{callerConn: callerConn}
	entry.timer = time.AfterFunc(p.timeout, func() {
		p.expire(key)
	})
	p.entries[key] = entry
}

// resolve removes the entry for an arriving response and returns the caller
// it should be forwarded to. ok is false when the entry already expired or
// the caller disconnected — the response is dropped in that case.
func (p *pendingTable) resolve(handlerConn, requestID string) (callerConn string, ok bool) {
	key := pendingKey{handlerConn, requestID}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, found := p.entries[key]
	if !found {
		return "", false
	}
	entry.timer.Stop()
	delete(p.entries, key)
	return entry.callerConn, true
}

func (p *pendingTable) expire(key pendingKey) {
	p.mu.Lock()
	entry, found := p.entries[key]
	if !found {
		p.mu.Unlock()
		return
	}
	delete(p.entries, key)
	p.mu.Unlock()

	if p.onReject != nil {
		p.onReject(entry.callerConn,
			protocol.NewErrorResponse(key.requestID, protocol.ErrTimeout, "no response within timeout"))
	}
}

// dropCaller silently removes all entries whose caller disconnected. They can
// no longer be answered, so no rejection is delivered.
func (p *pendingTable) dropCaller(callerConn string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, entry := range p.entries {
		if entry.callerConn == callerConn {
			entry.timer.Stop()
			delete(p.entries, key)
		}
	}
}

// dropHandler rejects every entry whose handler disconnected: the response
// can never arrive, so the caller fails fast instead of waiting out the
// timeout.
func (p *pendingTable) dropHandler(handlerConn string) {
	p.mu.Lock()
	drained := make(map[pendingKey]*pendingEntry)
	for key, entry := range p.entries {
		if key.handlerConn == handlerConn {
			entry.timer.Stop()
			delete(p.entries, key)
			drained[key] = entry
		}
	}
	p.mu.Unlock()

	if p.onReject == nil {
		return
	}
	for key, entry := range drained {
		p.onReject(entry.callerConn,
			protocol.NewErrorResponse(key.requestID, protocol.ErrServiceUnavailable, "handler disconnected"))
	}
}

// rejectAll fails every pending entry with the given code. Used on shutdown.
func (p *pendingTable) rejectAll(code, message string) {
	p.mu.Lock()
	drained := make(map[pendingKey]*pendingEntry, len(p.entries))
	for key, entry := range p.entries {
		entry.timer.Stop()
		drained[key] = entry
	}
	p.entries = make(map[pendingKey]*pendingEntry)
	p.mu.Unlock()

	if p.onReject == nil {
		return
	}
	for key, entry := range drained {
		p.onReject(entry.callerConn, protocol.NewErrorResponse(key.requestID, code, message))
	}
}

func (p *pendingTable) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
