// Package mcp exposes the tool registry as an MCP server so external MCP
// clients can call the same tools the agent uses.
package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/switchboard/internal/tools"
)

// Options configures the MCP endpoint.
type Options struct {
	Transport string // "stdio" (default) or "sse"
	Addr      string // sse listen address, e.g. "127.0.0.1:8791"
	Version   string
}

// Server bridges the tool registry onto the MCP protocol.
type Server struct {
	opts     Options
	registry *tools.Registry
	mcp      *mcpserver.MCPServer
	sse      *mcpserver.SSEServer
}

// NewServer builds the bridge; every registry tool becomes an MCP tool.
func NewServer(registry *tools.Registry, opts Options) (*Server, error) {
	if opts.Transport == "" {
		opts.Transport = "stdio"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		opts:     opts,
		registry: registry,
		mcp:      mcpserver.NewMCPServer("switchboard", opts.Version),
	}

	for _, desc := range registry.List() {
		schema, err := json.Marshal(desc.Parameters)
		if err != nil {
			return nil, fmt.Errorf("mcp: marshal schema for %s: %w", desc.Name, err)
		}
		tool := mcpgo.NewToolWithRawSchema(desc.Name, desc.Description, schema)
		name := desc.Name
		s.mcp.AddTool(tool, func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			return s.callTool(ctx, name, req)
		})
	}
	return s, nil
}

// Start serves the configured transport. Stdio blocks; sse returns after the
// listener is up.
func (s *Server) Start(ctx context.Context) error {
	switch s.opts.Transport {
	case "stdio":
		slog.Info("mcp.serving", "transport", "stdio")
		return mcpserver.ServeStdio(s.mcp)
	case "sse":
		s.sse = mcpserver.NewSSEServer(s.mcp)
		slog.Info("mcp.serving", "transport", "sse", "addr", s.opts.Addr)
		go func() {
			if err := s.sse.Start(s.opts.Addr); err != nil {
				slog.Error("mcp.serve_failed", "error", err)
			}
		}()
		return nil
	default:
		return fmt.Errorf("mcp: unsupported transport %q", s.opts.Transport)
	}
}

// Stop shuts the sse listener down, if any.
func (s *Server) Stop(ctx context.Context) {
	if s.sse != nil {
		if err := s.sse.Shutdown(ctx); err != nil {
			slog.Warn("mcp.shutdown_failed", "error", err)
		}
	}
}

func (s *Server) callTool(ctx context.Context, name string, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	result, err := s.registry.Execute(ctx, name, req.GetArguments())
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	return toMCPResult(result), nil
}

// toMCPResult converts registry blocks to MCP content.
func toMCPResult(r *tools.Result) *mcpgo.CallToolResult {
	var content []mcpgo.Content
	for _, b := range r.Blocks {
		switch b.Type {
		case "text":
			content = append(content, mcpgo.NewTextContent(b.Text))
		case "image":
			data, err := os.ReadFile(b.Path)
			if err != nil {
				content = append(content, mcpgo.NewTextContent(fmt.Sprintf("[image unavailable: %v]", err)))
				continue
			}
			content = append(content, mcpgo.NewImageContent(base64.StdEncoding.EncodeToString(data), b.MIME))
		}
	}
	return &mcpgo.CallToolResult{Content: content, IsError: r.IsError}
}
