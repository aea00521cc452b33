package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/store"
	"github.com/nextlevelbuilder/switchboard/internal/tools"
)

// RunRequest is everything a runtime needs to execute one agent turn.
type RunRequest struct {
	SessionKey    string
	WorkspaceDir  string
	Model         string
	Provider      string
	APIKey        string
	BaseURL       string
	SystemPrompt  string
	PriorMessages []store.SessionMessage
}

// RunCallbacks stream progress back to the lifecycle while the run executes.
// Any callback may be nil.
type RunCallbacks struct {
	OnAssistantDelta func(text string, isComplete bool)
	OnToolCall       func(name, phase string, args map[string]any)
	OnCompaction     func(tokensBefore int, summary string)
}

// RunResult is the terminal outcome of one run.
type RunResult struct {
	Success   bool
	Response  string
	Error     string
	Cancelled bool
	Tokens    *TokenUsage
}

// Runtime executes one run until the agent replies or ctx is cancelled.
type Runtime interface {
	Run(ctx context.Context, req RunRequest, cb RunCallbacks) (RunResult, error)
}

// ToolSet is the tool surface the runtime offers to the model. Satisfied by
// *tools.Registry; nil disables tool calling.
type ToolSet interface {
	List() []tools.Descriptor
	Execute(ctx context.Context, name string, args map[string]any) (*tools.Result, error)
}

// maxToolIterations bounds LLM round-trips within one run. A model that
// keeps requesting tools past this gets cut off with whatever text it
// produced last.
const maxToolIterations = 10

// OpenAIRuntime drives any OpenAI-compatible chat-completions endpoint with
// streaming enabled. Covers OpenAI, OpenRouter, DeepSeek, Groq, local VLLM.
// When a ToolSet is attached, tool_calls round-trip through it until the
// model answers in plain text.
type OpenAIRuntime struct {
	client *http.Client
	tools  ToolSet
}

// NewOpenAIRuntime creates the driver. The long client timeout bounds a
// whole streamed request, not one read. ts may be nil.
func NewOpenAIRuntime(ts ToolSet) *OpenAIRuntime {
	return &OpenAIRuntime{
		client: &http.Client{Timeout: 10 * time.Minute},
		tools:  ts,
	}
}

type toolCallRef struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []toolCallRef `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type toolDef struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	Tools         []toolDef     `json:"tools,omitempty"`
	Stream        bool          `json:"stream"`
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// turnResult is one streamed completion: text, any requested tool calls, and
// usage if the endpoint reported it.
type turnResult struct {
	content   string
	toolCalls []toolCallRef
	usage     *TokenUsage
}

// Run executes the iteration loop: stream a completion, execute any tool
// calls, feed results back, repeat until the model answers without tools.
// Cancellation surfaces as a cancelled (not failed) result so the lifecycle
// emits run.end without a response.
func (r *OpenAIRuntime) Run(ctx context.Context, req RunRequest, cb RunCallbacks) (RunResult, error) {
	messages := make([]chatMessage, 0, len(req.PriorMessages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.PriorMessages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	defs := r.toolDefs()

	var total TokenUsage
	var lastContent string

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		turn, err := r.streamTurn(ctx, req, messages, defs, cb)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return RunResult{Cancelled: true}, nil
			}
			return RunResult{}, err
		}
		if turn.usage != nil {
			total.Input += turn.usage.Input
			total.Output += turn.usage.Output
		}
		lastContent = turn.content

		if len(turn.toolCalls) == 0 {
			if cb.OnAssistantDelta != nil {
				cb.OnAssistantDelta("", true)
			}
			return RunResult{Success: true, Response: turn.content, Tokens: &total}, nil
		}

		messages = append(messages, chatMessage{
			Role:      "assistant",
			Content:   turn.content,
			ToolCalls: turn.toolCalls,
		})
		for _, tc := range turn.toolCalls {
			messages = append(messages, r.executeToolCall(ctx, tc, cb))
		}
		if ctx.Err() != nil {
			return RunResult{Cancelled: true}, nil
		}
	}

	// Iteration budget exhausted; return the last text rather than failing.
	if cb.OnAssistantDelta != nil {
		cb.OnAssistantDelta("", true)
	}
	return RunResult{Success: true, Response: lastContent, Tokens: &total}, nil
}

func (r *OpenAIRuntime) toolDefs() []toolDef {
	if r.tools == nil {
		return nil
	}
	descs := r.tools.List()
	defs := make([]toolDef, 0, len(descs))
	for _, d := range descs {
		var def toolDef
		def.Type = "function"
		def.Function.Name = d.Name
		def.Function.Description = d.Description
		def.Function.Parameters = d.Parameters
		defs = append(defs, def)
	}
	return defs
}

// executeToolCall runs one requested tool and shapes the result as a tool
// role message. Execution errors go back to the model as text; it can
// recover or explain.
func (r *OpenAIRuntime) executeToolCall(ctx context.Context, tc toolCallRef, cb RunCallbacks) chatMessage {
	var args map[string]any
	if tc.Function.Arguments != "" {
		json.Unmarshal([]byte(tc.Function.Arguments), &args)
	}

	if cb.OnToolCall != nil {
		cb.OnToolCall(tc.Function.Name, "start", args)
	}

	var content string
	result, err := r.tools.Execute(ctx, tc.Function.Name, args)
	switch {
	case err != nil:
		content = "tool error: " + err.Error()
	case result.IsError:
		content = "tool error: " + result.Text()
	default:
		content = result.Text()
		if content == "" {
			content = "(no output)"
		}
	}

	if cb.OnToolCall != nil {
		cb.OnToolCall(tc.Function.Name, "end", args)
	}

	return chatMessage{Role: "tool", Content: content, ToolCallID: tc.ID}
}

// streamTurn performs one streamed chat-completions request, assembling
// content deltas and fragmented tool_calls.
func (r *OpenAIRuntime) streamTurn(ctx context.Context, req RunRequest, messages []chatMessage, defs []toolDef, cb RunCallbacks) (turnResult, error) {
	base := strings.TrimRight(req.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}

	body := chatRequest{Model: req.Model, Messages: messages, Tools: defs, Stream: true}
	body.StreamOptions.IncludeUsage = true
	data, err := json.Marshal(body)
	if err != nil {
		return turnResult{}, fmt.Errorf("agent: marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return turnResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return turnResult{}, fmt.Errorf("agent: %s request: %w", req.Provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return turnResult{}, fmt.Errorf("agent: %s returned %d: %s", req.Provider, resp.StatusCode, string(detail))
	}

	var out turnResult
	var full strings.Builder
	// Tool call fragments arrive indexed; arguments accumulate across chunks.
	calls := make(map[int]*toolCallRef)
	maxIndex := -1

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			out.usage = &TokenUsage{Input: chunk.Usage.PromptTokens, Output: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			full.WriteString(delta.Content)
			if cb.OnAssistantDelta != nil {
				cb.OnAssistantDelta(delta.Content, false)
			}
		}
		for _, frag := range delta.ToolCalls {
			tc, ok := calls[frag.Index]
			if !ok {
				tc = &toolCallRef{Type: "function"}
				calls[frag.Index] = tc
				if frag.Index > maxIndex {
					maxIndex = frag.Index
				}
			}
			if frag.ID != "" {
				tc.ID = frag.ID
			}
			if frag.Function.Name != "" {
				tc.Function.Name = frag.Function.Name
			}
			tc.Function.Arguments += frag.Function.Arguments
		}
	}
	if err := scanner.Err(); err != nil {
		return turnResult{}, fmt.Errorf("agent: read stream: %w", err)
	}
	if ctx.Err() != nil {
		return turnResult{}, ctx.Err()
	}

	out.content = full.String()
	for i := 0; i <= maxIndex; i++ {
		if tc := calls[i]; tc != nil && tc.Function.Name != "" {
			out.toolCalls = append(out.toolCalls, *tc)
		}
	}
	return out, nil
}
