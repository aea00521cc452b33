package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/service"
	"github.com/nextlevelbuilder/switchboard/internal/store"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Service exposes the session store over the gateway and emits the
// session.created / session.message / session.deleted events.
type Service struct {
	store  store.SessionStore
	client *service.Client
}

// NewService wraps a store. Call Start to connect.
func NewService(st store.SessionStore) *Service {
	return &Service{store: st}
}

// Registration declares the session methods and events.
func (s *Service) Registration() protocol.ServiceRegistration {
	return protocol.ServiceRegistration{
		Service: "sessions",
		Methods: []string{
			protocol.MethodSessionCreate,
			protocol.MethodSessionGet,
			protocol.MethodSessionUpdate,
			protocol.MethodSessionDelete,
			protocol.MethodSessionList,
			protocol.MethodSessionAddMessage,
			protocol.MethodSessionGetMessages,
		},
		Events: []string{
			protocol.EventSessionCreated,
			protocol.EventSessionMessage,
			protocol.EventSessionDeleted,
		},
		Version: fmt.Sprintf("%d", protocol.ProtocolVersion),
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

// Stop disconnects from the gateway.
func (s *Service) Stop() {
	if s.client != nil {
		s.client.Close()
	}
}

// HandleEvent implements service.Handler; the sessions service subscribes
// to nothing.
func (s *Service) HandleEvent(context.Context, string, json.RawMessage) {}

// HandleMethod implements service.Handler.
func (s *Service) HandleMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case protocol.MethodSessionCreate:
		return s.create(ctx, params)
	case protocol.MethodSessionGet:
		return s.get(ctx, params)
	case protocol.MethodSessionUpdate:
		return s.update(ctx, params)
	case protocol.MethodSessionDelete:
		return s.delete(ctx, params)
	case protocol.MethodSessionList:
		return s.list(ctx, params)
	case protocol.MethodSessionAddMessage:
		return s.addMessage(ctx, params)
	case protocol.MethodSessionGetMessages:
		return s.getMessages(ctx, params)
	default:
		return nil, &protocol.ErrorInfo{Code: protocol.ErrNoHandler, Message: "unknown method " + method}
	}
}

type createParams struct {
	SessionKey string         `json:"sessionKey"`
	Label      string         `json:"label,omitempty"`
	AgentID    string         `json:"agentId,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// create is ensure-exists: a session that already holds messages keeps them.
// session.created is emitted only when a row was actually inserted.
func (s *Service) create(ctx context.Context, params json.RawMessage) (any, error) {
	var p createParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, validationErr("invalid params: " + err.Error())
	}
	if p.SessionKey == "" {
		return nil, validationErr("sessionKey is required")
	}

	kind := store.SessionKind(p.Kind)
	if kind == "" {
		kind = classifyKey(p.SessionKey)
	}

	created, err := s.store.Create(ctx, store.Session{
		SessionKey: p.SessionKey,
		Label:      p.Label,
		AgentID:    p.AgentID,
		Kind:       kind,
		Metadata:   p.Metadata,
	})
	if err != nil {
		return nil, err
	}
	sess, err := s.store.Get(ctx, p.SessionKey)
	if err != nil {
		return nil, err
	}

	if created {
		s.emit(protocol.EventSessionCreated, sess)
	}
	return map[string]any{"session": sess, "created": created}, nil
}

type keyParams struct {
	SessionKey string `json:"sessionKey"`
}

func (s *Service) get(ctx context.Context, params json.RawMessage) (any, error) {
	key, err := requireKey(params)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.Get(ctx, key)
	if errors.Is(err, store.ErrSessionNotFound) {
		return map[string]any{"session": nil}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"session": sess}, nil
}

type updateParams struct {
	SessionKey string             `json:"sessionKey"`
	Patch      store.SessionPatch `json:"patch"`
}

func (s *Service) update(ctx context.Context, params json.RawMessage) (any, error) {
	var p updateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, validationErr("invalid params: " + err.Error())
	}
	if p.SessionKey == "" {
		return nil, validationErr("sessionKey is required")
	}
	if err := s.store.Update(ctx, p.SessionKey, p.Patch); err != nil {
		return nil, err
	}
	sess, err := s.store.Get(ctx, p.SessionKey)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session": sess}, nil
}

func (s *Service) delete(ctx context.Context, params json.RawMessage) (any, error) {
	key, err := requireKey(params)
	if err != nil {
		return nil, err
	}
	deleted, err := s.store.Delete(ctx, key)
	if err != nil {
		return nil, err
	}
	if deleted {
		s.emit(protocol.EventSessionDeleted, map[string]string{"sessionKey": key})
	}
	return map[string]any{"deleted": deleted}, nil
}

type listParams struct {
	Kind  string `json:"kind,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func (s *Service) list(ctx context.Context, params json.RawMessage) (any, error) {
	var p listParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, validationErr("invalid params: " + err.Error())
		}
	}
	sessions, err := s.store.List(ctx, store.ListOptions{Kind: store.SessionKind(p.Kind), Limit: p.Limit})
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	return map[string]any{"sessions": sessions}, nil
}

type addMessageParams struct {
	SessionKey string         `json:"sessionKey"`
	Role       string         `json:"role,omitempty"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (s *Service) addMessage(ctx context.Context, params json.RawMessage) (any, error) {
	var p addMessageParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, validationErr("invalid params: " + err.Error())
	}
	if p.SessionKey == "" {
		return nil, validationErr("sessionKey is required")
	}
	if p.Role == "" {
		p.Role = "user"
	}
	switch p.Role {
	case "user", "assistant", "system":
	default:
		return nil, validationErr("role must be user, assistant, or system")
	}

	msg, err := s.store.AddMessage(ctx, store.SessionMessage{
		SessionKey: p.SessionKey,
		Role:       p.Role,
		Content:    p.Content,
		Metadata:   p.Metadata,
	})
	if err != nil {
		return nil, err
	}

	s.emit(protocol.EventSessionMessage, msg)
	return map[string]any{"message": msg}, nil
}

type getMessagesParams struct {
	SessionKey string    `json:"sessionKey"`
	Limit      int       `json:"limit,omitempty"`
	Before     time.Time `json:"before,omitempty"`
}

func (s *Service) getMessages(ctx context.Context, params json.RawMessage) (any, error) {
	var p getMessagesParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, validationErr("invalid params: " + err.Error())
	}
	if p.SessionKey == "" {
		return nil, validationErr("sessionKey is required")
	}
	msgs, err := s.store.GetMessages(ctx, p.SessionKey, store.GetMessagesOptions{Limit: p.Limit, Before: p.Before})
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []store.SessionMessage{}
	}
	return map[string]any{"messages": msgs}, nil
}

func (s *Service) emit(event string, payload any) {
	if s.client == nil {
		return
	}
	if err := s.client.Emit(event, payload); err != nil {
		slog.Warn("sessions.emit_failed", "event", event, "error", err)
	}
}

func requireKey(params json.RawMessage) (string, error) {
	var p keyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return "", validationErr("invalid params: " + err.Error())
	}
	if p.SessionKey == "" {
		return "", validationErr("sessionKey is required")
	}
	return p.SessionKey, nil
}

func validationErr(msg string) error {
	return &protocol.ErrorInfo{Code: protocol.ErrValidation, Message: msg}
}

// classifyKey derives the session kind from the key shape when the caller
// does not say.
func classifyKey(key string) store.SessionKind {
	switch {
	case IsSubagent(key):
		return store.KindSubagent
	case IsCron(key):
		return store.KindCron
	default:
		return store.KindMain
	}
}
