package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"
)

const (
	DefaultBashTimeout = 120 * time.Second
	MaxBashTimeout     = 10 * time.Minute
	MaxOutputLength    = 30000
)

const bashDescription = `Executes a shell command in the working directory.

Usage:
- command is required
- Optional timeout in milliseconds (max 600000)
- Output is captured from stdout and stderr`

// BashTool implements shell command execution.
type BashTool struct {
	shell string
}

// BashInput represents the input for the bash tool.
type BashInput struct {
	Command     string `json:"command"`
	Timeout     int    `json:"timeout,omitempty"` // milliseconds
	Description string `json:"description,omitempty"`
}

// NewBashTool creates a new bash tool.
func NewBashTool() *BashTool {
	return &BashTool{shell: detectShell()}
}

func detectShell() string {
	if runtime.GOOS == "windows" {
		if comspec := os.Getenv("COMSPEC"); comspec != "" {
			return comspec
		}
		return "cmd.exe"
	}
	if bash, err := exec.LookPath("bash"); err == nil {
		return bash
	}
	return "/bin/sh"
}

func (t *BashTool) Name() string        { return "Bash" }
func (t *BashTool) Description() string { return bashDescription }
func (t *BashTool) Kind() Kind          { return KindExecute }

func (t *BashTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The command to execute"},
			"timeout": {"type": "integer", "description": "Optional timeout in milliseconds (max 600000)"},
			"description": {"type": "string", "description": "Brief description of what this command does"}
		},
		"required": ["command"]
	}`)
}

func (t *BashTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	params, err := decode[BashInput](input)
	if err != nil {
		return nil, err
	}
	if params.Command == "" {
		return nil, errors.New("command is required")
	}

	timeout := DefaultBashTimeout
	if params.Timeout > 0 {
		timeout = min(time.Duration(params.Timeout)*time.Millisecond, MaxBashTimeout)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(cmdCtx, t.shell, "/c", params.Command)
	} else {
		cmd = exec.CommandContext(cmdCtx, t.shell, "-c", params.Command)
		// Kill the whole process group so children do not outlive a timeout.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}
	if toolCtx != nil && toolCtx.WorkDir != "" {
		cmd.Dir = toolCtx.WorkDir
	}
	cmd.Env = os.Environ()

	output, runErr := cmd.CombinedOutput()
	timedOut := errors.Is(cmdCtx.Err(), context.DeadlineExceeded)

	result := string(output)
	if len(result) > MaxOutputLength {
		result = result[:MaxOutputLength] + "\n\n(Output truncated)"
	}
	if timedOut {
		result += fmt.Sprintf("\n\n(Command timed out after %v)", timeout)
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if runErr != nil && !timedOut && !errors.As(runErr, &exitErr) {
		result += fmt.Sprintf("\n\nError: %v", runErr)
	}

	title := params.Description
	if title == "" {
		title = params.Command
	}
	return &Result{
		Title:  title,
		Output: result,
		Metadata: map[string]any{
			"exit":     exitCode,
			"timedOut": timedOut,
		},
	}, nil
}
