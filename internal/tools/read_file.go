package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// readFileMaxBytes caps how much file content goes back to the model.
const readFileMaxBytes = 256 * 1024

// ReadFileTool reads file contents, confined to the workspace when restrict
// is set.
type ReadFileTool struct {
	workspace string
	restrict  bool
}

// NewReadFileTool creates the tool rooted at workspace.
func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{workspace: workspace, restrict: restrict}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file, relative to the workspace",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(_ context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}

	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("stat %s: %v", path, err))
	}
	if info.IsDir() {
		return ErrorResult(fmt.Sprintf("%s is a directory", path))
	}
	if info.Size() > readFileMaxBytes {
		return ErrorResult(fmt.Sprintf("%s is %d bytes, over the %d byte limit", path, info.Size(), readFileMaxBytes))
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err))
	}
	return TextResult(string(data))
}

// resolvePath makes path absolute under base and, when restrict is set,
// rejects anything that escapes base.
func resolvePath(path, base string, restrict bool) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(base, abs)
	}
	abs = filepath.Clean(abs)

	if restrict {
		baseAbs, err := filepath.Abs(base)
		if err != nil {
			return "", err
		}
		if abs != baseAbs && !strings.HasPrefix(abs, baseAbs+string(filepath.Separator)) {
			return "", fmt.Errorf("path %s is outside the workspace", path)
		}
	}
	return abs, nil
}
