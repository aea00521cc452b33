// Package channels connects external chat platforms to the agent fabric.
// Every adapter shares one ingress pipeline — allowlist gate, dedupe cache,
// per-user debouncer — and supplies only the platform connect/send/typing
// calls. Inbound batches surface as message.received events; outbound text
// arrives via the channel.send method.
package channels

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Channel is implemented by every platform adapter.
type Channel interface {
	// Name is the channel identifier ("telegram", "discord", "webhook").
	Name() string

	// Start begins listening for platform messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop disconnects from the platform.
	Stop(ctx context.Context) error

	// Send delivers one chunk of outbound text to a user.
	Send(ctx context.Context, userID, text string) error

	// IsRunning reports whether the adapter is connected.
	IsRunning() bool
}

// TypingChannel is implemented by adapters that can show a typing indicator.
type TypingChannel interface {
	Channel
	SendTyping(ctx context.Context, userID string) error
}

// InboundHandler receives one debounced batch. Called exactly once per batch.
type InboundHandler func(ctx context.Context, channel, userID, text string, metadata map[string]string)

// BaseOptions tunes the shared ingress pipeline.
type BaseOptions struct {
	AllowFrom  []string      // empty = accept all
	DedupeTTL  time.Duration // default 120s
	DebounceMs time.Duration // default 1.5s
	MaxBatch   int           // default 10
}

// BaseChannel is the shared ingress pipeline. Adapters embed it and call
// HandleInbound for every raw platform message.
type BaseChannel struct {
	name      string
	allowFrom []string
	dedupe    *dedupeCache
	debounce  *debouncer

	mu        sync.Mutex
	running   bool
	onInbound InboundHandler
}

// NewBaseChannel builds the pipeline for one adapter.
func NewBaseChannel(name string, opts BaseOptions) *BaseChannel {
	ttl := opts.DedupeTTL
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	delay := opts.DebounceMs
	if delay <= 0 {
		delay = 1500 * time.Millisecond
	}
	maxBatch := opts.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 10
	}

	c := &BaseChannel{
		name:      name,
		allowFrom: opts.AllowFrom,
		dedupe:    newDedupeCache(ttl),
	}
	c.debounce = newDebouncer(delay, maxBatch, c.flushBatch)
	return c
}

// Name returns the channel identifier.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning reports the adapter state.
func (c *BaseChannel) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// SetRunning updates the adapter state.
func (c *BaseChannel) SetRunning(running bool) {
	c.mu.Lock()
	c.running = running
	c.mu.Unlock()
}

// OnInbound registers the routing callback for debounced batches.
func (c *BaseChannel) OnInbound(h InboundHandler) {
	c.mu.Lock()
	c.onInbound = h
	c.mu.Unlock()
}

// IsAllowed applies the allowlist gate. An empty allowlist accepts everyone;
// a leading "+" on either side is ignored so phone numbers match both ways.
func (c *BaseChannel) IsAllowed(userID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	normalized := strings.TrimPrefix(userID, "+")
	for _, allowed := range c.allowFrom {
		if normalized == strings.TrimPrefix(allowed, "+") {
			return true
		}
	}
	return false
}

// HandleInbound pushes one raw platform message through the pipeline:
// allowlist → dedupe → debounce. messageID keys the dedupe window.
func (c *BaseChannel) HandleInbound(messageID, userID, text string, metadata map[string]string) {
	if !c.IsAllowed(userID) {
		return
	}
	if messageID != "" && !c.dedupe.firstSeen(messageID) {
		return
	}
	c.debounce.push(userID, text, metadata)
}

// flushBatch routes one coalesced batch to the registered handler.
func (c *BaseChannel) flushBatch(userID, text string, metadata map[string]string) {
	c.mu.Lock()
	h := c.onInbound
	c.mu.Unlock()
	if h != nil {
		h(context.Background(), c.name, userID, text, metadata)
	}
}

// CloseBase stops the pipeline's background timers.
func (c *BaseChannel) CloseBase() {
	c.dedupe.stop()
	c.debounce.stop()
}
