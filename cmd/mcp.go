package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/switchboard/internal/mcp"
	"github.com/nextlevelbuilder/switchboard/internal/tools"
)

// mcpCmd serves the tool registry over MCP stdio. Runs standalone so an MCP
// client (editor, desktop app) can spawn it directly; no gateway needed.
func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the built-in tools over MCP stdio",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			workspace := cfg.WorkspacePath()
			if !filepath.IsAbs(workspace) {
				workspace, _ = filepath.Abs(workspace)
			}

			registry := tools.NewRegistry()
			registry.Register(tools.NewReadFileTool(workspace, true))
			registry.Register(tools.NewExecTool(workspace, true))
			browserTool := tools.NewBrowserTool()
			registry.Register(browserTool)
			defer browserTool.Close()

			srv, err := mcp.NewServer(registry, mcp.Options{Transport: "stdio", Version: Version})
			if err != nil {
				fmt.Fprintf(os.Stderr, "mcp init failed: %v\n", err)
				os.Exit(1)
			}
			if err := srv.Start(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "mcp serve failed: %v\n", err)
				os.Exit(1)
			}
		},
	}
}
