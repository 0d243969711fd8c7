package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

const maxExecOutputBytes = 64 * 1024

// ExecTool runs a shell command in the workspace with a bounded timeout and
// bounded output.
type ExecTool struct {
	WorkingDir string
	Timeout    time.Duration
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Execute a shell command and return its combined output."
}

func (t *ExecTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command to execute."},
			"timeout": {"type": "integer", "description": "Timeout in seconds (optional)."}
		},
		"required": ["command"]
	}`)
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command := stringArg(args, "command")
	if command == "" {
		return "", fmt.Errorf("command must not be empty")
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if secs := intArg(args, "timeout", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.WorkingDir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	out := buf.String()
	if len(out) > maxExecOutputBytes {
		out = out[:maxExecOutputBytes] + "\n... (output truncated)"
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s\n%s", timeout, out)
	}
	if err != nil {
		// Non-zero exit is still useful output for the model.
		return fmt.Sprintf("%s\n(exit error: %v)", out, err), nil
	}
	if out == "" {
		return "(no output)", nil
	}
	return out, nil
}
