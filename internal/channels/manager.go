package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/switchboard/internal/delivery"
	"github.com/nextlevelbuilder/switchboard/internal/service"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Manager owns every platform adapter: it forwards debounced inbound batches
// to the gateway as message.received events, serves channel.send, and runs
// the reply pipeline that turns completed runs into outbound messages.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]Channel
	typing   map[string]*TypingManager

	client   *service.Client
	delivery delivery.Options
}

// NewManager creates an empty manager. Register adapters before Start.
func NewManager(deliveryOpts delivery.Options) *Manager {
	return &Manager{
		adapters: make(map[string]Channel),
		typing:   make(map[string]*TypingManager),
		delivery: deliveryOpts,
	}
}

// Register adds an adapter and hooks its ingress pipeline to the gateway.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	m.adapters[ch.Name()] = ch
	if tc, ok := ch.(TypingChannel); ok {
		m.typing[ch.Name()] = NewTypingManager(tc.SendTyping)
	}
	m.mu.Unlock()

	if base, ok := ch.(interface{ OnInbound(InboundHandler) }); ok {
		base.OnInbound(m.routeInbound)
	}
}

// Registration declares the channel surface.
func (m *Manager) Registration() protocol.ServiceRegistration {
	return protocol.ServiceRegistration{
		Service: "channels",
		Methods: []string{
			protocol.MethodChannelSend,
			protocol.MethodChannelStatus,
			protocol.MethodChannelList,
		},
		Events: []string{protocol.EventMessageReceived},
		Subscriptions: []string{
			protocol.EventRunStart,
			protocol.EventRunCompleted,
			protocol.EventRunError,
			protocol.EventRunEnd,
		},
	}
}

// Start connects to the gateway and starts every adapter.
func (m *Manager) Start(ctx context.Context, gatewayURL string) error {
	client, err := service.Dial(ctx, service.Options{
		URL:          gatewayURL,
		Registration: m.Registration(),
		Handler:      m,
	})
	if err != nil {
		return err
	}
	m.client = client

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.adapters {
		if err := ch.Start(ctx); err != nil {
			slog.Error("channels.start_failed", "channel", name, "error", err)
		} else {
			slog.Info("channels.started", "channel", name)
		}
	}
	return nil
}

// Stop shuts every adapter down, then disconnects.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.RLock()
	for name, ch := range m.adapters {
		if t, ok := m.typing[name]; ok {
			t.StopAll()
		}
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("channels.stop_failed", "channel", name, "error", err)
		}
	}
	m.mu.RUnlock()

	if m.client != nil {
		m.client.Close()
	}
}

// routeInbound publishes one debounced batch as message.received.
func (m *Manager) routeInbound(_ context.Context, channel, userID, text string, metadata map[string]string) {
	if m.client == nil {
		return
	}
	payload := protocol.MessageReceivedPayload{
		Channel:    channel,
		UserID:     userID,
		Content:    text,
		SessionKey: sessions.BuildChannelKey(channel, userID),
		Metadata:   metadata,
	}
	if err := m.client.Emit(protocol.EventMessageReceived, payload); err != nil {
		slog.Error("channels.inbound_emit_failed", "channel", channel, "error", err)
	}
}

// HandleMethod implements service.Handler.
func (m *Manager) HandleMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case protocol.MethodChannelSend:
		return m.send(ctx, params)
	case protocol.MethodChannelStatus:
		return m.status(params)
	case protocol.MethodChannelList:
		return map[string]any{"channels": m.names()}, nil
	default:
		return nil, &protocol.ErrorInfo{Code: protocol.ErrNoHandler, Message: "unknown method " + method}
	}
}

type sendParams struct {
	Channel string `json:"channel"`
	UserID  string `json:"userId"`
	Text    string `json:"text"`
}

// send chunks and delivers one outbound reply through an adapter.
func (m *Manager) send(ctx context.Context, params json.RawMessage) (any, error) {
	var p sendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrValidation, Message: "invalid params: " + err.Error()}
	}
	if p.Channel == "" || p.UserID == "" {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrValidation, Message: "channel and userId are required"}
	}

	ch := m.adapter(p.Channel)
	if ch == nil {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrServiceUnavailable, Message: "unknown channel " + p.Channel}
	}

	err := delivery.DeliverReply(ctx, func(ctx context.Context, text string) error {
		return ch.Send(ctx, p.UserID, text)
	}, p.Text, m.delivery)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", p.Channel, err)
	}
	return map[string]any{"sent": true}, nil
}

func (m *Manager) status(params json.RawMessage) (any, error) {
	var p struct {
		Channel string `json:"channel,omitempty"`
	}
	json.Unmarshal(params, &p)

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool)
	for name, ch := range m.adapters {
		if p.Channel == "" || p.Channel == name {
			out[name] = ch.IsRunning()
		}
	}
	return map[string]any{"status": out}, nil
}

// HandleEvent implements service.Handler: the reply pipeline. Completed runs
// on channel sessions are delivered back to the originating user; typing
// indicators bracket the run.
func (m *Manager) HandleEvent(ctx context.Context, event string, payload json.RawMessage) {
	var p protocol.RunLifecyclePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}

	info := sessions.Parse(p.SessionKey)
	ch := m.adapter(info.Type)
	if ch == nil {
		return // not a channel session (cli, cron, webhook without adapter)
	}

	switch event {
	case protocol.EventRunStart:
		if t := m.typingFor(info.Type); t != nil {
			t.StartTyping(ctx, info.ID)
		}
	case protocol.EventRunError, protocol.EventRunEnd:
		if t := m.typingFor(info.Type); t != nil {
			t.StopTyping(info.ID)
		}
	case protocol.EventRunCompleted:
		if t := m.typingFor(info.Type); t != nil {
			t.StopTyping(info.ID)
		}
		if p.Response == "" {
			return
		}
		err := delivery.DeliverReply(ctx, func(ctx context.Context, text string) error {
			return ch.Send(ctx, info.ID, text)
		}, p.Response, m.delivery)
		if err != nil {
			slog.Error("channels.reply_failed", "channel", info.Type, "user", info.ID, "error", err)
		}
	}
}

func (m *Manager) adapter(name string) Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adapters[name]
}

func (m *Manager) typingFor(name string) *TypingManager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.typing[name]
}

func (m *Manager) names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
