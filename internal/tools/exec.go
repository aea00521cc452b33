package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// execDenyPatterns blocks the obviously destructive command shapes. This is
// a safety net, not a sandbox.
var execDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
}

// execOutputMaxBytes caps command output returned to the model.
const execOutputMaxBytes = 64 * 1024

// ExecTool runs shell commands in the workspace.
type ExecTool struct {
	workspace string
	restrict  bool
	timeout   time.Duration
}

// NewExecTool creates the tool rooted at workspace.
func NewExecTool(workspace string, restrict bool) *ExecTool {
	return &ExecTool{workspace: workspace, restrict: restrict, timeout: 60 * time.Second}
}

func (t *ExecTool) Name() string        { return "exec" }
func (t *ExecTool) Description() string { return "Execute a shell command and return its output" }

func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]any) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}

	for _, pattern := range execDenyPatterns {
		if pattern.MatchString(command) {
			return ErrorResult("command denied by safety policy")
		}
	}

	cwd := t.workspace
	if wd, _ := args["working_dir"].(string); wd != "" {
		resolved, err := resolvePath(wd, t.workspace, t.restrict)
		if err != nil {
			return ErrorResult(err.Error())
		}
		cwd = resolved
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}
	if len(output) > execOutputMaxBytes {
		output = output[:execOutputMaxBytes] + "\n[output truncated]"
	}
	output = strings.TrimSpace(output)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrorResult(fmt.Sprintf("command timed out after %s", t.timeout))
	}
	if err != nil {
		if output == "" {
			output = err.Error()
		}
		return ErrorResult(fmt.Sprintf("command failed: %s", output))
	}
	if output == "" {
		output = "(no output)"
	}
	return TextResult(output)
}
