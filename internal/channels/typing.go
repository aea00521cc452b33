package channels

import (
	"context"
	"sync"
	"time"
)

// typingRefreshInterval keeps the platform indicator alive; most platforms
// expire it after ~5s.
const typingRefreshInterval = 4 * time.Second

// TypingManager drives typing indicators for one adapter: StartTyping sends
// one indicator immediately and refreshes until StopTyping. Both calls are
// idempotent per user.
type TypingManager struct {
	send func(ctx context.Context, userID string) error

	mu     sync.Mutex
	active map[string]chan struct{}
}

// NewTypingManager wraps a platform typing call. send may be nil for
// adapters without presence support, making every call a no-op.
func NewTypingManager(send func(ctx context.Context, userID string) error) *TypingManager {
	return &TypingManager{send: send, active: make(map[string]chan struct{})}
}

// StartTyping begins the indicator loop for a user. Already-active users
// are left alone.
func (t *TypingManager) StartTyping(ctx context.Context, userID string) {
	if t.send == nil {
		return
	}
	t.mu.Lock()
	if _, ok := t.active[userID]; ok {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.active[userID] = stop
	t.mu.Unlock()

	t.send(ctx, userID)

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.send(ctx, userID)
			case <-stop:
				return
			case <-ctx.Done():
				t.StopTyping(userID)
				return
			}
		}
	}()
}

// StopTyping ends the indicator loop. Unknown users are a no-op.
func (t *TypingManager) StopTyping(userID string) {
	t.mu.Lock()
	stop, ok := t.active[userID]
	if ok {
		delete(t.active, userID)
	}
	t.mu.Unlock()
	if ok {
		close(stop)
	}
}

// StopAll ends every active indicator, for shutdown.
func (t *TypingManager) StopAll() {
	t.mu.Lock()
	chans := make([]chan struct{}, 0, len(t.active))
	for userID, stop := range t.active {
		chans = append(chans, stop)
		delete(t.active, userID)
	}
	t.mu.Unlock()
	for _, stop := range chans {
		close(stop)
	}
}
