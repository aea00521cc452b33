// Package delivery splits outbound replies into platform-sized chunks and
// sends them sequentially with retry.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// Options tunes chunking and retry. The zero value gets defaults.
type Options struct {
	MaxChunkSize int           // default 4000 chars
	ChunkDelay   time.Duration // pause between chunks, default 500ms
	MaxRetries   int           // per chunk, default 3
	RetryBase    time.Duration // backoff base, default 1s
}

func (o Options) withDefaults() Options {
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = 4000
	}
	if o.ChunkDelay <= 0 {
		o.ChunkDelay = 500 * time.Millisecond
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	return o
}

// SendFunc delivers one chunk to the platform.
type SendFunc func(ctx context.Context, text string) error

// DeliverReply chunks text and sends the pieces in order. Each chunk is
// retried with exponential backoff; the first definitive failure aborts the
// remaining chunks.
func DeliverReply(ctx context.Context, send SendFunc, text string, opts Options) error {
	opts = opts.withDefaults()
	chunks := ChunkText(text, opts.MaxChunkSize)

	for i, chunk := range chunks {
		if i > 0 {
			select {
			case <-time.After(opts.ChunkDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := sendWithRetry(ctx, send, chunk, opts); err != nil {
			return fmt.Errorf("delivery: chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func sendWithRetry(ctx context.Context, send SendFunc, chunk string, opts Options) error {
	var lastErr error
	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := opts.RetryBase << (attempt - 1)
			slog.Debug("delivery.retrying", "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = send(ctx, chunk); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// ChunkText splits text into pieces of at most size chars, preferring
// paragraph breaks, then single newlines, then sentence boundaries, then a
// hard cut. Chunks are trimmed; joining them recovers the logical content.
func ChunkText(text string, size int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= size {
		return []string{text}
	}

	var chunks []string
	for len(text) > size {
		cut := splitPoint(text, size)
		chunk := strings.TrimSpace(text[:cut])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// splitPoint finds the best boundary within the first size bytes.
func splitPoint(text string, size int) int {
	window := text[:size]

	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i + 2
	}
	if i := strings.LastIndex(window, "\n"); i > 0 {
		return i + 1
	}
	if i := strings.LastIndex(window, ". "); i > 0 {
		return i + 2
	}
	// Hard cut: back up so the boundary never lands mid-rune.
	cut := size
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		return size
	}
	return cut
}
