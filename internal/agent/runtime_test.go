package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/switchboard/internal/store"
	"github.com/nextlevelbuilder/switchboard/internal/tools"
)

// fakeToolSet records executions and returns canned text.
type fakeToolSet struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeToolSet) List() []tools.Descriptor {
	return []tools.Descriptor{{
		Name:        "read_file",
		Description: "read a file",
		Parameters:  map[string]any{"type": "object"},
	}}
}

func (f *fakeToolSet) Execute(_ context.Context, name string, args map[string]any) (*tools.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	return tools.TextResult("file contents here"), nil
}

// sse writes one data: line per chunk plus the [DONE] terminator.
func sse(w http.ResponseWriter, chunks ...string) {
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestRuntimePlainCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"choices":[{"delta":{"content":"Hello"}}]}`,
			`{"choices":[{"delta":{"content":" there"}}]}`,
			`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":3}}`,
		)
	}))
	defer srv.Close()

	var deltas []string
	rt := NewOpenAIRuntime(nil)
	res, err := rt.Run(context.Background(), RunRequest{
		Model:   "test-model",
		BaseURL: srv.URL,
	}, RunCallbacks{
		OnAssistantDelta: func(text string, isComplete bool) {
			if !isComplete {
				deltas = append(deltas, text)
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Response != "Hello there" {
		t.Errorf("result = %+v", res)
	}
	if strings.Join(deltas, "") != "Hello there" {
		t.Errorf("deltas = %v", deltas)
	}
	if res.Tokens == nil || res.Tokens.Input != 12 || res.Tokens.Output != 3 {
		t.Errorf("tokens = %+v", res.Tokens)
	}
}

func TestRuntimeToolRoundTrip(t *testing.T) {
	var requests []chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		requests = append(requests, req)

		if len(requests) == 1 {
			// First turn: request the tool, arguments split across chunks.
			sse(w,
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"read_file","arguments":"{\"pa"}}]}}]}`,
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"th\":\"notes.txt\"}"}}]}}]}`,
			)
			return
		}
		sse(w, `{"choices":[{"delta":{"content":"done reading"}}]}`)
	}))
	defer srv.Close()

	ts := &fakeToolSet{}
	var phases []string
	rt := NewOpenAIRuntime(ts)
	res, err := rt.Run(context.Background(), RunRequest{
		Model:   "test-model",
		BaseURL: srv.URL,
		PriorMessages: []store.SessionMessage{
			{Role: "user", Content: "read notes.txt"},
		},
	}, RunCallbacks{
		OnToolCall: func(name, phase string, args map[string]any) {
			phases = append(phases, name+":"+phase)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Response != "done reading" {
		t.Errorf("result = %+v", res)
	}
	if len(ts.calls) != 1 || ts.calls[0] != "read_file" {
		t.Errorf("tool calls = %v", ts.calls)
	}
	if len(phases) != 2 || phases[0] != "read_file:start" || phases[1] != "read_file:end" {
		t.Errorf("phases = %v", phases)
	}

	// Second request must carry the assistant tool_calls and the tool reply.
	if len(requests) != 2 {
		t.Fatalf("requests = %d", len(requests))
	}
	second := requests[1].Messages
	var sawToolCall, sawToolReply bool
	for _, m := range second {
		if m.Role == "assistant" && len(m.ToolCalls) == 1 && m.ToolCalls[0].Function.Name == "read_file" {
			if m.ToolCalls[0].Function.Arguments != `{"path":"notes.txt"}` {
				t.Errorf("arguments = %q", m.ToolCalls[0].Function.Arguments)
			}
			sawToolCall = true
		}
		if m.Role == "tool" && m.ToolCallID == "call_1" && m.Content == "file contents here" {
			sawToolReply = true
		}
	}
	if !sawToolCall || !sawToolReply {
		t.Errorf("second request messages = %+v", second)
	}

	// Tool defs advertised on every turn.
	if len(requests[0].Tools) != 1 || requests[0].Tools[0].Function.Name != "read_file" {
		t.Errorf("tools = %+v", requests[0].Tools)
	}
}

func TestRuntimeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	rt := NewOpenAIRuntime(nil)
	_, err := rt.Run(context.Background(), RunRequest{Model: "m", Provider: "openai", BaseURL: srv.URL}, RunCallbacks{})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v", err)
	}
}

func TestRuntimeCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	unblock := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		<-unblock // hold the stream open until the run has observed the cancel
	}))
	defer srv.Close()

	rt := NewOpenAIRuntime(nil)
	res, err := rt.Run(ctx, RunRequest{Model: "m", BaseURL: srv.URL}, RunCallbacks{})
	close(unblock)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cancelled {
		t.Errorf("result = %+v", res)
	}
}
