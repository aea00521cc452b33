package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/switchboard/internal/service"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/internal/store"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// ModelProfile selects a provider endpoint for the runtime.
type ModelProfile struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// Config assembles the agent service.
type Config struct {
	GatewayURL   string
	Model        ModelProfile
	WorkspaceDir string
	SystemPrompt string
	RunTimeout   time.Duration // default 5m; expiry becomes errorRun(TIMEOUT)
}

// Service consumes message.received and cron.trigger, serializes work per
// session through the message queue, and executes runs on the runtime.
type Service struct {
	cfg       Config
	runtime   Runtime
	lifecycle *Lifecycle
	queue     *sessions.MessageQueue
	client    *service.Client
}

// NewService wires the lifecycle and queue around the given runtime.
func NewService(cfg Config, runtime Runtime) *Service {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	s := &Service{cfg: cfg, runtime: runtime}
	s.lifecycle = NewLifecycle(s.emitEvent)
	s.queue = sessions.NewMessageQueue(context.Background(), s.executeMessage)
	return s
}

// Lifecycle exposes the run registry, used by the heartbeat skip rules.
func (s *Service) Lifecycle() *Lifecycle { return s.lifecycle }

// Registration declares the agent surface.
func (s *Service) Registration() protocol.ServiceRegistration {
	return protocol.ServiceRegistration{
		Service: "agent",
		Methods: []string{
			protocol.MethodAgentRun,
			protocol.MethodAgentAbort,
			protocol.MethodAgentStatus,
			protocol.MethodAgentStats,
		},
		Events: []string{
			protocol.EventRunStart,
			protocol.EventRunDelta,
			protocol.EventRunCompleted,
			protocol.EventRunError,
			protocol.EventRunEnd,
		},
		Subscriptions: []string{
			protocol.EventMessageReceived,
			protocol.EventCronTrigger,
			protocol.EventSessionDeleted,
		},
	}
}

// Start connects the service to the gateway.
func (s *Service) Start(ctx context.Context, gatewayURL string) error {
	client, err := service.Dial(ctx, service.Options{
		URL:          gatewayURL,
		Registration: s.Registration(),
		Handler:      s,
	})
	if err != nil {
		return err
	}
	s.client = client
	return nil
}

// Stop aborts every active run and disconnects.
func (s *Service) Stop() {
	for _, run := range s.lifecycle.ActiveRuns() {
		s.lifecycle.AbortRun(run.RunID, "shutting down")
	}
	if s.client != nil {
		s.client.Close()
	}
}

func (s *Service) emitEvent(event string, payload any) {
	if s.client == nil {
		return
	}
	if err := s.client.Emit(event, payload); err != nil {
		slog.Warn("agent.emit_failed", "event", event, "error", err)
	}
}

// HandleEvent implements service.Handler.
func (s *Service) HandleEvent(ctx context.Context, event string, payload json.RawMessage) {
	switch event {
	case protocol.EventMessageReceived:
		var p protocol.MessageReceivedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			slog.Warn("agent.bad_event", "event", event, "error", err)
			return
		}
		s.onInbound(ctx, p)
	case protocol.EventCronTrigger:
		var p protocol.CronTriggerPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			slog.Warn("agent.bad_event", "event", event, "error", err)
			return
		}
		s.onCronTrigger(ctx, p)
	case protocol.EventSessionDeleted:
		var p struct {
			SessionKey string `json:"sessionKey"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		if n := s.lifecycle.AbortSessionRuns(p.SessionKey, "session deleted"); n > 0 {
			slog.Info("agent.runs_aborted_on_delete", "session", p.SessionKey, "count", n)
		}
		s.queue.ClearQueue(p.SessionKey)
	}
}

// onInbound persists the user message and queues it for the drainer.
func (s *Service) onInbound(ctx context.Context, p protocol.MessageReceivedPayload) {
	sessionKey := p.SessionKey
	if sessionKey == "" {
		sessionKey = sessions.BuildChannelKey(p.Channel, p.UserID)
	}

	meta := map[string]any{"channel": p.Channel, "userId": p.UserID}
	for k, v := range p.Metadata {
		meta[k] = v
	}

	if err := s.ensureSession(ctx, sessionKey, ""); err != nil {
		slog.Error("agent.session_create_failed", "session", sessionKey, "error", err)
		return
	}
	if err := s.addMessage(ctx, sessionKey, "user", p.Content, meta); err != nil {
		slog.Error("agent.message_persist_failed", "session", sessionKey, "error", err)
		return
	}

	s.queue.Enqueue(sessionKey, p.Content, "user", meta)
}

// onCronTrigger runs a scheduled task as a fresh cron session.
func (s *Service) onCronTrigger(ctx context.Context, p protocol.CronTriggerPayload) {
	sessionKey := p.SessionKey
	if sessionKey == "" {
		sessionKey = sessions.BuildCronKey(p.TaskID, time.Now())
	}

	if err := s.ensureSession(ctx, sessionKey, string(store.KindCron)); err != nil {
		slog.Error("agent.session_create_failed", "session", sessionKey, "error", err)
		return
	}
	meta := map[string]any{"taskId": p.TaskID, "taskName": p.Name}
	if err := s.addMessage(ctx, sessionKey, "user", p.Task, meta); err != nil {
		slog.Error("agent.message_persist_failed", "session", sessionKey, "error", err)
		return
	}

	s.queue.Enqueue(sessionKey, p.Task, "user", meta)
}

// HandleMethod implements service.Handler.
func (s *Service) HandleMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case protocol.MethodAgentRun:
		return s.runTask(ctx, params)
	case protocol.MethodAgentAbort:
		return s.abort(params)
	case protocol.MethodAgentStatus:
		return map[string]any{"activeRuns": s.lifecycle.ActiveRuns()}, nil
	case protocol.MethodAgentStats:
		return map[string]any{
			"activeRuns": len(s.lifecycle.ActiveRuns()),
			"model":      s.cfg.Model.Model,
			"provider":   s.cfg.Model.Provider,
		}, nil
	default:
		return nil, &protocol.ErrorInfo{Code: protocol.ErrNoHandler, Message: "unknown method " + method}
	}
}

type runTaskParams struct {
	Task       string `json:"task"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// runTask executes one ad-hoc task synchronously (the CLI `run` surface).
func (s *Service) runTask(ctx context.Context, params json.RawMessage) (any, error) {
	var p runTaskParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrValidation, Message: "invalid params: " + err.Error()}
	}
	if p.Task == "" {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrValidation, Message: "task is required"}
	}
	sessionKey := p.SessionKey
	if sessionKey == "" {
		sessionKey = sessions.BuildCLIKey("")
	}

	if err := s.ensureSession(ctx, sessionKey, ""); err != nil {
		return nil, err
	}
	if err := s.addMessage(ctx, sessionKey, "user", p.Task, nil); err != nil {
		return nil, err
	}

	future := s.queue.Enqueue(sessionKey, p.Task, "user", nil)
	out, err := future.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"response": out.Response, "cancelled": out.Cancelled}, nil
}

type abortParams struct {
	RunID      string `json:"runId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Service) abort(params json.RawMessage) (any, error) {
	var p abortParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrValidation, Message: "invalid params: " + err.Error()}
	}
	switch {
	case p.RunID != "":
		return map[string]any{"aborted": s.lifecycle.AbortRun(p.RunID, p.Reason)}, nil
	case p.SessionKey != "":
		n := s.lifecycle.AbortSessionRuns(p.SessionKey, p.Reason)
		s.queue.ClearQueue(p.SessionKey)
		return map[string]any{"abortedCount": n}, nil
	default:
		return nil, &protocol.ErrorInfo{Code: protocol.ErrValidation, Message: "runId or sessionKey is required"}
	}
}

// executeMessage is the drainer hook: one queued message becomes one run.
func (s *Service) executeMessage(ctx context.Context, msg *sessions.QueuedMessage) (sessions.RunOutcome, error) {
	runID := protocol.NewRunID()

	runCtx, err := s.lifecycle.StartRun(runID, msg.SessionKey)
	if err != nil {
		return sessions.RunOutcome{}, err
	}

	timeoutCtx, cancel := context.WithTimeout(runCtx, s.cfg.RunTimeout)
	defer cancel()

	timeoutCtx, span := otel.Tracer("switchboard/agent").Start(timeoutCtx, "agent.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("session.key", msg.SessionKey),
			attribute.String("model", s.cfg.Model.Model),
		))
	defer span.End()

	prior, err := s.loadTranscript(timeoutCtx, msg.SessionKey)
	if err != nil {
		s.lifecycle.ErrorRun(runID, err)
		return sessions.RunOutcome{}, err
	}

	result, err := s.runtime.Run(timeoutCtx, RunRequest{
		SessionKey:    msg.SessionKey,
		WorkspaceDir:  s.cfg.WorkspaceDir,
		Model:         s.cfg.Model.Model,
		Provider:      s.cfg.Model.Provider,
		APIKey:        s.cfg.Model.APIKey,
		BaseURL:       s.cfg.Model.BaseURL,
		SystemPrompt:  s.cfg.SystemPrompt,
		PriorMessages: prior,
	}, RunCallbacks{
		OnAssistantDelta: func(text string, isComplete bool) {
			s.lifecycle.StreamAssistant(runID, text, isComplete)
		},
		OnToolCall: func(name, phase string, args map[string]any) {
			s.lifecycle.StreamTool(runID, name, phase, args)
		},
		OnCompaction: func(tokensBefore int, summary string) {
			s.lifecycle.StreamCompaction(runID, tokensBefore, summary)
		},
	})

	switch {
	case err != nil:
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%s: %w", protocol.ErrTimeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.lifecycle.ErrorRun(runID, err)
		return sessions.RunOutcome{}, err

	case result.Cancelled:
		s.lifecycle.EndRun(runID, result.Tokens)
		return sessions.RunOutcome{Cancelled: true}, nil

	case !result.Success:
		runErr := errors.New(result.Error)
		s.lifecycle.ErrorRun(runID, runErr)
		return sessions.RunOutcome{}, runErr
	}

	response := SanitizeResponse(result.Response)
	if response != "" && !IsSilentReply(response) {
		if err := s.addMessage(context.Background(), msg.SessionKey, "assistant", response, nil); err != nil {
			slog.Error("agent.response_persist_failed", "session", msg.SessionKey, "error", err)
		}
	}

	s.emitEvent(protocol.EventRunCompleted, protocol.RunLifecyclePayload{
		RunID:      runID,
		SessionKey: msg.SessionKey,
		Response:   response,
	})
	s.lifecycle.EndRun(runID, result.Tokens)
	return sessions.RunOutcome{Response: response}, nil
}

func (s *Service) ensureSession(ctx context.Context, sessionKey, kind string) error {
	params := map[string]any{"sessionKey": sessionKey}
	if kind != "" {
		params["kind"] = kind
	}
	return s.client.Call(ctx, "sessions", protocol.MethodSessionCreate, params, nil)
}

func (s *Service) addMessage(ctx context.Context, sessionKey, role, content string, meta map[string]any) error {
	return s.client.Call(ctx, "sessions", protocol.MethodSessionAddMessage, map[string]any{
		"sessionKey": sessionKey,
		"role":       role,
		"content":    content,
		"metadata":   meta,
	}, nil)
}

func (s *Service) loadTranscript(ctx context.Context, sessionKey string) ([]store.SessionMessage, error) {
	var out struct {
		Messages []store.SessionMessage `json:"messages"`
	}
	err := s.client.Call(ctx, "sessions", protocol.MethodSessionGetMessages,
		map[string]any{"sessionKey": sessionKey}, &out)
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}
