package sessions

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/switchboard/internal/store"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewService(st)
}

func call(t *testing.T, s *Service, method string, params any) map[string]json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	result, err := s.HandleMethod(context.Background(), method, raw)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	data, err := json.Marshal(result)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]json.RawMessage
	json.Unmarshal(data, &out)
	return out
}

func TestSessionCreateGetDelete(t *testing.T) {
	s := newTestService(t)

	out := call(t, s, protocol.MethodSessionCreate, map[string]any{"sessionKey": "telegram:123", "label": "Alice"})
	var created bool
	json.Unmarshal(out["created"], &created)
	if !created {
		t.Error("first create not reported as created")
	}

	// Re-create is a no-op.
	out = call(t, s, protocol.MethodSessionCreate, map[string]any{"sessionKey": "telegram:123"})
	json.Unmarshal(out["created"], &created)
	if created {
		t.Error("second create reported as created")
	}

	out = call(t, s, protocol.MethodSessionGet, map[string]any{"sessionKey": "telegram:123"})
	var sess store.Session
	json.Unmarshal(out["session"], &sess)
	if sess.Label != "Alice" || sess.Kind != store.KindMain {
		t.Errorf("session = %+v", sess)
	}

	out = call(t, s, protocol.MethodSessionDelete, map[string]any{"sessionKey": "telegram:123"})
	var deleted bool
	json.Unmarshal(out["deleted"], &deleted)
	if !deleted {
		t.Error("delete reported false")
	}

	out = call(t, s, protocol.MethodSessionGet, map[string]any{"sessionKey": "telegram:123"})
	if string(out["session"]) != "null" {
		t.Errorf("get after delete = %s", out["session"])
	}
}

func TestSessionKindInferredFromKey(t *testing.T) {
	s := newTestService(t)

	out := call(t, s, protocol.MethodSessionCreate, map[string]any{"sessionKey": "cron:hb:1756000000000"})
	var sess store.Session
	json.Unmarshal(out["session"], &sess)
	if sess.Kind != store.KindCron {
		t.Errorf("kind = %q, want cron", sess.Kind)
	}

	out = call(t, s, protocol.MethodSessionCreate, map[string]any{"sessionKey": BuildSubagentKey("cli:local")})
	json.Unmarshal(out["session"], &sess)
	if sess.Kind != store.KindSubagent {
		t.Errorf("kind = %q, want subagent", sess.Kind)
	}
}

func TestAddMessageAndGetMessages(t *testing.T) {
	s := newTestService(t)
	call(t, s, protocol.MethodSessionCreate, map[string]any{"sessionKey": "cli:local"})

	call(t, s, protocol.MethodSessionAddMessage, map[string]any{"sessionKey": "cli:local", "content": "hi"})
	call(t, s, protocol.MethodSessionAddMessage, map[string]any{"sessionKey": "cli:local", "role": "assistant", "content": "hello"})

	out := call(t, s, protocol.MethodSessionGetMessages, map[string]any{"sessionKey": "cli:local"})
	var msgs []store.SessionMessage
	json.Unmarshal(out["messages"], &msgs)
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestValidationErrors(t *testing.T) {
	s := newTestService(t)

	_, err := s.HandleMethod(context.Background(), protocol.MethodSessionCreate, json.RawMessage(`{}`))
	assertCode(t, err, protocol.ErrValidation)

	_, err = s.HandleMethod(context.Background(), protocol.MethodSessionAddMessage,
		json.RawMessage(`{"sessionKey":"k:1","role":"robot","content":"x"}`))
	assertCode(t, err, protocol.ErrValidation)
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	ei, ok := err.(*protocol.ErrorInfo)
	if !ok || ei.Code != code {
		t.Errorf("error = %v, want code %s", err, code)
	}
}
