package gateway

import (
	"encoding/json"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// handleFrame is the single entry point for every parsed inbound frame.
func (s *Server) handleFrame(c *conn, f *protocol.Frame) {
	switch f.Type {
	case protocol.FrameRequest:
		s.handleRequest(c, f)
	case protocol.FrameResponse:
		s.handleResponse(c, f)
	case protocol.FrameEvent:
		source := s.registry.ServiceForConn(c.id)
		if source == "" {
			// Unregistered emitters keep the source they put on the frame.
			source = f.Source
		}
		s.publishEvent(c, source, f.Event, f.Payload)
	}
}

func (s *Server) handleRequest(c *conn, f *protocol.Frame) {
	if !c.limiter.allow() {
		c.sendFrame(protocol.NewErrorResponse(f.ID, protocol.ErrRateLimited, "request budget exceeded"))
		return
	}

	switch f.Method {
	case protocol.MethodRegister:
		s.handleRegister(c, f)
		return
	case protocol.MethodStats:
		resp, _ := protocol.NewResponse(f.ID, s.stats())
		c.sendFrame(resp)
		return
	}

	handlerID, ok := s.router.Resolve(f.Method)
	if !ok {
		c.sendFrame(protocol.NewErrorResponse(f.ID, protocol.ErrNoHandler, "no handler for "+f.Method))
		return
	}

	handler := s.connByID(handlerID)
	if handler == nil {
		c.sendFrame(protocol.NewErrorResponse(f.ID, protocol.ErrServiceUnavailable, "handler connection not live"))
		return
	}

	// Remember the caller, then forward the frame verbatim.
	s.pending.add(handlerID, f.ID, c.id)
	if !handler.sendFrame(f) {
		s.pending.resolve(handlerID, f.ID)
		c.sendFrame(protocol.NewErrorResponse(f.ID, protocol.ErrServiceUnavailable, "handler send failed"))
	}
}

func (s *Server) handleResponse(c *conn, f *protocol.Frame) {
	callerID, ok := s.pending.resolve(c.id, f.ID)
	if !ok {
		// Already timed out or the caller disconnected; drop per spec.
		slog.Debug("gateway.late_response_dropped", "conn", c.id, "id", f.ID)
		return
	}
	if caller := s.connByID(callerID); caller != nil {
		caller.sendFrame(f)
	}
}

func (s *Server) handleRegister(c *conn, f *protocol.Frame) {
	var reg protocol.ServiceRegistration
	if err := f.DecodeParams(&reg); err != nil {
		c.sendFrame(protocol.NewErrorResponse(f.ID, protocol.ErrRegisterFailed, err.Error()))
		return
	}
	if reg.Service == "" {
		c.sendFrame(protocol.NewErrorResponse(f.ID, protocol.ErrRegisterFailed, "registration missing service name"))
		return
	}

	// Last-writer-wins: displace a prior registration of the same name and
	// release its routing state before claiming methods for this connection,
	// so a service re-registering its own methods is never rejected.
	displaced := s.registry.Register(c.id, reg)
	if displaced != "" {
		s.router.RemoveOwner(displaced)
		s.events.unsubscribeAll(displaced)
		if prior := s.connByID(displaced); prior != nil {
			prior.close(websocket.ClosePolicyViolation, "service re-registered")
		}
	}

	if err := s.router.Claim(c.id, reg.Methods); err != nil {
		s.registry.UnregisterConn(c.id)
		c.sendFrame(protocol.NewErrorResponse(f.ID, protocol.ErrRegisterFailed, err.Error()))
		return
	}

	s.events.subscribe(c.id, reg.Subscriptions)

	snapshot := protocol.RoutingSnapshot{
		Services: s.registry.Services(),
		Methods:  s.router.Methods(),
		Events:   s.events.eventNames(),
	}
	resp, _ := protocol.NewResponse(f.ID, snapshot)
	c.sendFrame(resp)

	slog.Info("gateway.service_registered",
		"service", reg.Service, "conn", c.id,
		"methods", len(reg.Methods), "subscriptions", len(reg.Subscriptions))
}

// publishEvent assigns the next seq and delivers a copy to every subscriber.
// emitter may be nil for gateway-synthetic events. Assignment and enqueueing
// happen under one lock so every subscriber sees its subset in seq order.
func (s *Server) publishEvent(emitter *conn, source, event string, payload json.RawMessage) {
	if source == "" && emitter != nil {
		source = emitter.id
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	out := &protocol.Frame{
		Type:    protocol.FrameEvent,
		Source:  source,
		Event:   event,
		Payload: payload,
		Seq:     s.events.next(),
	}
	for _, connID := range s.events.subscribers(event) {
		if sub := s.connByID(connID); sub != nil {
			sub.sendFrame(out)
		}
	}
}

func (s *Server) connByID(id string) *conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[id]
}

func mustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
