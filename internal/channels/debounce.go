package channels

import (
	"strings"
	"sync"
	"time"
)

// debouncer coalesces keystroke-style message bursts per user. Each push
// resets a rolling timer; the batch flushes delay after the last push, or
// immediately once maxBatch items accumulate. Flushed text joins with
// newlines; metadata maps merge with later pushes winning.
type debouncer struct {
	delay    time.Duration
	maxBatch int
	flush    func(userID, text string, metadata map[string]string)

	mu      sync.Mutex
	pending map[string]*pendingBatch
	stopped bool
}

type pendingBatch struct {
	parts    []string
	metadata map[string]string
	timer    *time.Timer
}

func newDebouncer(delay time.Duration, maxBatch int, flush func(string, string, map[string]string)) *debouncer {
	return &debouncer{
		delay:    delay,
		maxBatch: maxBatch,
		flush:    flush,
		pending:  make(map[string]*pendingBatch),
	}
}

func (d *debouncer) push(userID, text string, metadata map[string]string) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	b, ok := d.pending[userID]
	if !ok {
		b = &pendingBatch{metadata: make(map[string]string)}
		d.pending[userID] = b
	}
	b.parts = append(b.parts, text)
	for k, v := range metadata {
		b.metadata[k] = v
	}

	if len(b.parts) >= d.maxBatch {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(d.pending, userID)
		d.mu.Unlock()
		d.deliver(userID, b)
		return
	}

	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(d.delay, func() { d.expire(userID, b) })
	d.mu.Unlock()
}

// expire flushes the batch when its rolling timer fires, unless a newer
// batch replaced it (push after maxBatch flush).
func (d *debouncer) expire(userID string, b *pendingBatch) {
	d.mu.Lock()
	if d.pending[userID] != b {
		d.mu.Unlock()
		return
	}
	delete(d.pending, userID)
	d.mu.Unlock()
	d.deliver(userID, b)
}

func (d *debouncer) deliver(userID string, b *pendingBatch) {
	d.flush(userID, strings.Join(b.parts, "\n"), b.metadata)
}

// stop cancels every pending timer; unflushed batches are dropped.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for userID, b := range d.pending {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(d.pending, userID)
	}
}
