// Package tools defines the tool contract the agent runtime and the MCP
// bridge both consume, plus the built-in tool set.
package tools

import "context"

// Tool is one capability the agent can invoke.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns a JSON-schema object describing the arguments.
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Block is one piece of tool output.
type Block struct {
	Type string `json:"type"` // "text" or "image"
	Text string `json:"text,omitempty"`

	// Image blocks carry a local path; consumers load and encode as needed.
	Path string `json:"path,omitempty"`
	MIME string `json:"mime,omitempty"`
}

// Result is the unified return type from tool execution.
type Result struct {
	Blocks  []Block `json:"blocks"`
	IsError bool    `json:"isError"`
}

// TextResult wraps plain text output.
func TextResult(text string) *Result {
	return &Result{Blocks: []Block{{Type: "text", Text: text}}}
}

// ErrorResult marks a failed execution. The message goes back to the model.
func ErrorResult(message string) *Result {
	return &Result{Blocks: []Block{{Type: "text", Text: message}}, IsError: true}
}

// ImageResult wraps one image output with an optional caption.
func ImageResult(path, mime, caption string) *Result {
	blocks := []Block{{Type: "image", Path: path, MIME: mime}}
	if caption != "" {
		blocks = append(blocks, Block{Type: "text", Text: caption})
	}
	return &Result{Blocks: blocks}
}

// Text joins the text blocks for callers that only handle strings.
func (r *Result) Text() string {
	out := ""
	for _, b := range r.Blocks {
		if b.Type != "text" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Text
	}
	return out
}
