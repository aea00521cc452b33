package gateway

import (
	"sort"
	"sync"
	"sync/atomic"
)

// eventHub tracks which connections subscribe to which event names and owns
// the process-global event sequence counter.
type eventHub struct {
	mu   sync.RWMutex
	subs map[string]map[string]struct{} // event → set of connIDs
	seq  atomic.Uint64
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[string]map[string]struct{})}
}

// next assigns the next sequence number. Strictly increasing process-wide.
func (h *eventHub) next() uint64 { return h.seq.Add(1) }

// current returns the last assigned sequence number.
func (h *eventHub) current() uint64 { return h.seq.Load() }

func (h *eventHub) subscribe(connID string, events []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range events {
		set, ok := h.subs[ev]
		if !ok {
			set = make(map[string]struct{})
			h.subs[ev] = set
		}
		set[connID] = struct{}{}
	}
}

func (h *eventHub) unsubscribeAll(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ev, set := range h.subs {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.subs, ev)
		}
	}
}

// subscribers returns the connIDs subscribed to an event name.
func (h *eventHub) subscribers(event string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set, ok := h.subs[event]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// eventNames returns all event names with at least one subscriber.
func (h *eventHub) eventNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.subs))
	for ev := range h.subs {
		out = append(out, ev)
	}
	sort.Strings(out)
	return out
}
