package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/switchboard/internal/service"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Service exposes the registry over the gateway: tool.list / execute /
// describe.
type Service struct {
	registry *Registry
	client   *service.Client
}

// NewService wraps a registry. Call Start to connect.
func NewService(registry *Registry) *Service {
	return &Service{registry: registry}
}

// Registration declares the tool surface.
func (s *Service) Registration() protocol.ServiceRegistration {
	return protocol.ServiceRegistration{
		Service: "tools",
		Methods: []string{
			protocol.MethodToolList,
			protocol.MethodToolExecute,
			protocol.MethodToolDescribe,
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

// HandleEvent implements service.Handler; tools subscribe to nothing.
func (s *Service) HandleEvent(context.Context, string, json.RawMessage) {}

// HandleMethod implements service.Handler.
func (s *Service) HandleMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case protocol.MethodToolList:
		return map[string]any{"tools": s.registry.List()}, nil
	case protocol.MethodToolExecute:
		return s.execute(ctx, params)
	case protocol.MethodToolDescribe:
		return s.describe(params)
	default:
		return nil, &protocol.ErrorInfo{Code: protocol.ErrNoHandler, Message: "unknown method " + method}
	}
}

type executeParams struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

func (s *Service) execute(ctx context.Context, params json.RawMessage) (any, error) {
	var p executeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrValidation, Message: "invalid params: " + err.Error()}
	}
	if p.Name == "" {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrValidation, Message: "name is required"}
	}

	result, err := s.registry.Execute(ctx, p.Name, p.Args)
	if err != nil {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrValidation, Message: err.Error()}
	}
	return map[string]any{"result": result}, nil
}

type describeParams struct {
	Name string `json:"name"`
}

func (s *Service) describe(params json.RawMessage) (any, error) {
	var p describeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrValidation, Message: "invalid params: " + err.Error()}
	}
	t, ok := s.registry.Get(p.Name)
	if !ok {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrValidation, Message: "unknown tool " + p.Name}
	}
	return map[string]any{"tool": Descriptor{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
	}}, nil
}
