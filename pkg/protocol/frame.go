// Package protocol defines the wire frames exchanged between services and the
// gateway, plus the method/event name and error code constants.
//
// A frame is one routed unit. Three variants share a single tagged struct:
//
//	{"type":"req","id":"...","target":"sessions","method":"session.get","params":{...}}
//	{"type":"res","id":"...","ok":true,"payload":{...}}
//	{"type":"res","id":"...","ok":false,"error":{"code":"TIMEOUT","message":"..."}}
//	{"type":"event","source":"agent","event":"run.delta","payload":{...},"seq":42}
//
// Unknown fields are tolerated on parse; required fields per variant are not.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is bumped on incompatible frame changes.
const ProtocolVersion = 1

// FrameType discriminates the frame variants.
type FrameType string

const (
	FrameRequest  FrameType = "req"
	FrameResponse FrameType = "res"
	FrameEvent    FrameType = "event"
)

// ErrorInfo carries a typed error inside a response frame.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *ErrorInfo) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Frame is the tagged union of request, response, and event.
// Only the fields of the active variant are serialized.
type Frame struct {
	Type FrameType `json:"type"`

	// Request + Response
	ID string `json:"id,omitempty"`

	// Request
	Target string          `json:"target,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response
	OK    bool            `json:"ok"`
	Error *ErrorInfo      `json:"error,omitempty"`

	// Event
	Source string `json:"source,omitempty"`
	Event  string `json:"event,omitempty"`
	Seq    uint64 `json:"seq,omitempty"`

	// Response + Event
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseError is returned when bytes do not decode into a valid frame.
// The gateway turns it into a PARSE_ERROR response; it must never crash a connection.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "protocol: " + e.Reason }

// NewRequest builds a request frame with a fresh process-unique id.
func NewRequest(target, method string, params any) (*Frame, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal params for %s: %w", method, err)
	}
	return &Frame{
		Type:   FrameRequest,
		ID:     NewRequestID(),
		Target: target,
		Method: method,
		Params: raw,
	}, nil
}

// NewResponse builds a successful response mirroring the request id.
func NewResponse(id string, payload any) (*Frame, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal payload: %w", err)
	}
	return &Frame{Type: FrameResponse, ID: id, OK: true, Payload: raw}, nil
}

// NewErrorResponse builds a failed response with a typed error code.
func NewErrorResponse(id, code, message string) *Frame {
	return &Frame{
		Type:  FrameResponse,
		ID:    id,
		OK:    false,
		Error: &ErrorInfo{Code: code, Message: message},
	}
}

// NewEvent builds an event frame. Seq is assigned by the gateway on fan-out,
// never by the emitter.
func NewEvent(source, event string, payload any) (*Frame, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal event %s: %w", event, err)
	}
	return &Frame{Type: FrameEvent, Source: source, Event: event, Payload: raw}, nil
}

// Parse decodes and validates one frame. Failures surface as *ParseError.
func Parse(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &ParseError{Reason: "invalid json: " + err.Error()}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the required fields of the active variant.
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameRequest:
		if f.ID == "" {
			return &ParseError{Reason: "request missing id"}
		}
		if f.Method == "" {
			return &ParseError{Reason: "request missing method"}
		}
	case FrameResponse:
		if f.ID == "" {
			return &ParseError{Reason: "response missing id"}
		}
		if !f.OK && f.Error == nil {
			return &ParseError{Reason: "failed response missing error"}
		}
	case FrameEvent:
		if f.Event == "" {
			return &ParseError{Reason: "event missing name"}
		}
	default:
		return &ParseError{Reason: fmt.Sprintf("unknown frame type %q", f.Type)}
	}
	return nil
}

// Marshal serializes the frame, emitting only the active variant's fields.
func (f *Frame) Marshal() ([]byte, error) {
	switch f.Type {
	case FrameRequest:
		return json.Marshal(struct {
			Type   FrameType       `json:"type"`
			ID     string          `json:"id"`
			Target string          `json:"target,omitempty"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params,omitempty"`
		}{f.Type, f.ID, f.Target, f.Method, f.Params})
	case FrameResponse:
		return json.Marshal(struct {
			Type    FrameType       `json:"type"`
			ID      string          `json:"id"`
			OK      bool            `json:"ok"`
			Payload json.RawMessage `json:"payload,omitempty"`
			Error   *ErrorInfo      `json:"error,omitempty"`
		}{f.Type, f.ID, f.OK, f.Payload, f.Error})
	case FrameEvent:
		return json.Marshal(struct {
			Type    FrameType       `json:"type"`
			Source  string          `json:"source,omitempty"`
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload,omitempty"`
			Seq     uint64          `json:"seq"`
		}{f.Type, f.Source, f.Event, f.Payload, f.Seq})
	default:
		return nil, &ParseError{Reason: fmt.Sprintf("cannot marshal frame type %q", f.Type)}
	}
}

// DecodeParams unmarshals request params into dst. Nil params decode into the
// zero value rather than erroring, so handlers can treat params as optional.
func (f *Frame) DecodeParams(dst any) error {
	if len(f.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Params, dst); err != nil {
		return &ParseError{Reason: "invalid params: " + err.Error()}
	}
	return nil
}

// DecodePayload unmarshals a response or event payload into dst.
func (f *Frame) DecodePayload(dst any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return &ParseError{Reason: "invalid payload: " + err.Error()}
	}
	return nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
