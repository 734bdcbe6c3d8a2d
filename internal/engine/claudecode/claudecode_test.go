package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/engine"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

// TestHelperProcess impersonates the CLI when re-executed by newTestEngine.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	in := bufio.NewScanner(os.Stdin)
	out := json.NewEncoder(os.Stdout)
	readMsg := func() map[string]any {
		if !in.Scan() {
			os.Exit(0)
		}
		var m map[string]any
		_ = json.Unmarshal(in.Bytes(), &m)
		return m
	}

	readMsg() // initialize
	prompt := readMsg()
	content := prompt["message"].(map[string]any)["content"].(string)

	_ = out.Encode(map[string]any{"type": "system", "subtype": "init", "session_id": "cli-session", "model": "claude-test"})
	_ = out.Encode(map[string]any{"type": "assistant", "message": map[string]any{
		"content": []map[string]any{{"type": "text", "text": "echo: " + content}},
	}})

	switch os.Getenv("HELPER_MODE") {
	case "crash":
		fmt.Fprintln(os.Stderr, "boom on stderr")
		os.Exit(3)

	case "hang":
		for {
			m := readMsg()
			if m["type"] == "control_request" {
				os.Exit(0)
			}
		}

	default:
		_ = out.Encode(map[string]any{"type": "assistant", "message": map[string]any{
			"content": []map[string]any{{"type": "tool_use", "id": "toolu_1", "name": "Bash", "input": map[string]any{"command": "ls"}}},
		}})
		_ = out.Encode(map[string]any{"type": "control_request", "request_id": "perm-1", "request": map[string]any{
			"subtype": "can_use_tool", "tool_name": "Bash", "tool_use_id": "toolu_1", "input": map[string]any{"command": "ls"},
		}})

		reply := readMsg()
		resp := reply["response"].(map[string]any)
		inner := resp["response"].(map[string]any)
		_ = out.Encode(map[string]any{"type": "assistant", "message": map[string]any{
			"content": []map[string]any{{"type": "text", "text": fmt.Sprintf("%s:%s", resp["request_id"], inner["behavior"])}},
		}})
		_ = out.Encode(map[string]any{
			"type": "result", "subtype": "success", "result": "all done",
			"total_cost_usd": 0.02, "duration_ms": 1200, "num_turns": 2,
			"usage": map[string]any{"input_tokens": 11, "output_tokens": 7, "cache_read_input_tokens": 3},
		})
		readMsg()
	}
}

func newTestEngine(t *testing.T, mode string) *Engine {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("helper script requires a POSIX shell")
	}
	testBin, err := os.Executable()
	require.NoError(t, err)

	wrapper := filepath.Join(t.TempDir(), "claude")
	script := "#!/bin/sh\nexec \"" + testBin + "\" -test.run=TestHelperProcess -- \"$@\"\n"
	require.NoError(t, os.WriteFile(wrapper, []byte(script), 0755))

	return New(types.ClaudeCodeConfig{
		Path: wrapper,
		Env:  map[string]string{"GO_WANT_HELPER_PROCESS": "1", "HELPER_MODE": mode},
	})
}

func next(t *testing.T, q engine.Query) engine.Event {
	t.Helper()
	select {
	case ev, ok := <-q.Events():
		require.True(t, ok, "stream closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return engine.Event{}
	}
}

func closed(t *testing.T, q engine.Query) {
	t.Helper()
	select {
	case _, ok := <-q.Events():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("stream not closed")
	}
}

func TestQueryWithPermission(t *testing.T) {
	e := newTestEngine(t, "")

	q, err := e.Start(context.Background(), engine.Request{Prompt: "hello"})
	require.NoError(t, err)

	ev := next(t, q)
	assert.Equal(t, engine.EventInit, ev.Type)
	assert.Equal(t, "cli-session", ev.SessionID)
	assert.Equal(t, "claude-test", ev.Model)

	assert.Equal(t, "echo: hello", next(t, q).Text)

	ev = next(t, q)
	assert.Equal(t, engine.EventToolUse, ev.Type)
	assert.Equal(t, "toolu_1", ev.ToolUseID)

	ev = next(t, q)
	require.Equal(t, engine.EventToolInvocation, ev.Type)
	assert.Equal(t, "Bash", ev.ToolName)
	assert.JSONEq(t, `{"command":"ls"}`, string(ev.Invocation.Input))
	require.NoError(t, ev.Invocation.Deny("The user declined."))

	assert.Equal(t, "perm-1:deny", next(t, q).Text)

	ev = next(t, q)
	require.Equal(t, engine.EventResult, ev.Type)
	assert.Equal(t, "all done", ev.Result.Text)
	assert.Equal(t, 0.02, ev.Result.CostUSD)
	assert.Equal(t, int64(1200), ev.Result.DurationMs)
	require.NotNil(t, ev.Result.Usage)
	assert.Equal(t, 11, ev.Result.Usage.InputTokens)
	assert.Equal(t, 3, ev.Result.Usage.CacheReadTokens)

	closed(t, q)
}

func TestInterrupt(t *testing.T) {
	e := newTestEngine(t, "hang")

	q, err := e.Start(context.Background(), engine.Request{Prompt: "wait"})
	require.NoError(t, err)
	next(t, q)
	next(t, q)

	require.NoError(t, q.Interrupt(context.Background()))
	require.NoError(t, q.Interrupt(context.Background()))
	closed(t, q)
}

func TestExitWithoutResult(t *testing.T) {
	e := newTestEngine(t, "crash")

	q, err := e.Start(context.Background(), engine.Request{Prompt: "x"})
	require.NoError(t, err)
	next(t, q)
	next(t, q)

	ev := next(t, q)
	require.Equal(t, engine.EventError, ev.Type)
	assert.Contains(t, ev.Err.Error(), "claude exited")
	closed(t, q)
}

func TestStartMissingBinary(t *testing.T) {
	e := New(types.ClaudeCodeConfig{Path: filepath.Join(t.TempDir(), "nope")})
	_, err := e.Start(context.Background(), engine.Request{Prompt: "x"})
	assert.Error(t, err)
}

func TestBuildArgs(t *testing.T) {
	e := New(types.ClaudeCodeConfig{ExtraArgs: []string{"--debug"}})
	args := e.buildArgs(engine.Request{
		ResumeID:        "abc",
		Model:           "claude-sonnet-4-5",
		AllowedTools:    []string{"Read", "Glob"},
		DisallowedTools: []string{"WebFetch"},
		PermissionMode:  types.PermissionModeAcceptEdits,
		SystemPrompt:    "be brief",
		MaxTurns:        5,
	})

	assert.Equal(t, []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
		"--resume", "abc",
		"--model", "claude-sonnet-4-5",
		"--allowedTools", "Read,Glob",
		"--disallowedTools", "WebFetch",
		"--permission-mode", "acceptEdits",
		"--system-prompt", "be brief",
		"--max-turns", "5",
		"--debug",
	}, args)

	assert.NotContains(t, e.buildArgs(engine.Request{PermissionMode: types.PermissionModeDefault}), "--permission-mode")
}
