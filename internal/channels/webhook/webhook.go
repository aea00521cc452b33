// Package webhook is the HTTP ingress channel. Each POST to /hooks/{id}
// becomes an inbound message on the webhook:<id> session. Webhooks are
// one-way: Send is a no-op unless a notify target consumes the reply.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/switchboard/internal/channels"
)

// Config holds webhook listener settings.
type Config struct {
	Addr  string // listen address, e.g. "127.0.0.1:8790"
	Token string // optional bearer token required on every request
}

// Channel runs the webhook HTTP listener.
type Channel struct {
	*channels.BaseChannel

	cfg     Config
	limiter *channels.IngressRateLimiter
	server  *http.Server
}

// New creates the listener. Nothing binds until Start.
func New(cfg Config, opts channels.BaseOptions) *Channel {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8790"
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("webhook", opts),
		cfg:         cfg,
		limiter:     channels.NewIngressRateLimiter(),
	}
}

// Start binds the listener and serves in the background.
func (c *Channel) Start(_ context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hooks/{id}", c.handleHook)

	ln, err := net.Listen("tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("webhook: listen %s: %w", c.cfg.Addr, err)
	}

	c.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("webhook.serve_failed", "error", err)
		}
	}()

	c.SetRunning(true)
	slog.Info("webhook.listening", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the listener down.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	c.CloseBase()
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// Send is a no-op: webhook sessions have no reply transport of their own.
// Replies reach the user through the session's notify targets.
func (c *Channel) Send(_ context.Context, userID, _ string) error {
	slog.Debug("webhook.reply_dropped", "hook", userID)
	return nil
}

type hookBody struct {
	Message string `json:"message"`
	Text    string `json:"text"` // accepted alias
}

func (c *Channel) handleHook(w http.ResponseWriter, r *http.Request) {
	hookID := r.PathValue("id")
	if hookID == "" {
		http.Error(w, "missing hook id", http.StatusNotFound)
		return
	}

	if c.cfg.Token != "" && !c.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if !c.limiter.Allow(clientKey(r, hookID)) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	var body hookBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	message := body.Message
	if message == "" {
		message = body.Text
	}
	if strings.TrimSpace(message) == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	// Webhook posts carry no platform message id; mint one for the dedupe
	// window so retried deliveries with an X-Request-Id header collapse.
	messageID := r.Header.Get("X-Request-Id")
	if messageID == "" {
		messageID = uuid.NewString()
	}

	c.HandleInbound(messageID, hookID, message, map[string]string{
		"remoteAddr": r.RemoteAddr,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"accepted": true, "hookId": hookID})
}

func (c *Channel) authorized(r *http.Request) bool {
	auth := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(auth), []byte(c.cfg.Token)) == 1
}

func clientKey(r *http.Request, hookID string) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return hookID + "|" + host
}
