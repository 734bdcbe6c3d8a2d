// Package claudecode runs turns through the Claude Code CLI in stream-json
// mode, answering its tool permission requests over stdin.
package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/engine"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/logging"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

const (
	maxLineSize   = 10 * 1024 * 1024
	// killDelay is how long an interrupted CLI may take to exit on its own.
	killDelay     = 3 * time.Second
	stderrTailMax = 4096
)

// Engine spawns one CLI process per query.
type Engine struct {
	path      string
	extraArgs []string
	env       []string
	log       zerolog.Logger
}

// New creates an engine from configuration.
func New(cfg types.ClaudeCodeConfig) *Engine {
	path := cfg.Path
	if path == "" {
		path = "claude"
	}
	var env []string
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	return &Engine{
		path:      path,
		extraArgs: cfg.ExtraArgs,
		env:       env,
		log:       logging.Component("claudecode"),
	}
}

// buildArgs returns the CLI arguments for req.
func (e *Engine) buildArgs(req engine.Request) []string {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}
	if req.ResumeID != "" {
		args = append(args, "--resume", req.ResumeID)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if len(req.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(req.DisallowedTools, ","))
	}
	if req.PermissionMode != "" && req.PermissionMode != types.PermissionModeDefault {
		args = append(args, "--permission-mode", req.PermissionMode)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	return append(args, e.extraArgs...)
}

// Start launches the CLI and sends the prompt.
func (e *Engine) Start(ctx context.Context, req engine.Request) (engine.Query, error) {
	cmd := exec.Command(e.path, e.buildArgs(req)...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	if len(e.env) > 0 {
		cmd.Env = append(os.Environ(), e.env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.path, err)
	}

	qctx, cancel := context.WithCancel(ctx)
	q := &query{
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		events: make(chan engine.Event, 32),
		exited: make(chan struct{}),
		ctx:    qctx,
		cancel: cancel,
		log:    e.log.With().Int("pid", cmd.Process.Pid).Logger(),
	}

	if err := q.write(wireMessage{
		Type:      "control_request",
		RequestID: q.nextRequestID(),
		Request:   json.RawMessage(`{"subtype":"initialize"}`),
	}); err != nil {
		q.kill()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := q.write(userMessage{
		Type:    "user",
		Message: userContent{Role: "user", Content: req.Prompt},
	}); err != nil {
		q.kill()
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	go q.readStderr(stderr)
	go q.run(stdout)
	go func() {
		<-qctx.Done()
		select {
		case <-q.exited:
		default:
			q.kill()
		}
	}()
	return q, nil
}

type query struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	events chan engine.Event
	exited chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	mu          sync.Mutex
	requestSeq  int
	interrupted bool
	stdinClosed bool
	stderrTail  []byte
}

func (q *query) Events() <-chan engine.Event { return q.events }

// Interrupt asks the CLI to stop, then kills it if it has not exited
// within killDelay.
func (q *query) Interrupt(ctx context.Context) error {
	q.mu.Lock()
	if q.interrupted {
		q.mu.Unlock()
		return nil
	}
	q.interrupted = true
	q.mu.Unlock()

	err := q.write(wireMessage{
		Type:      "control_request",
		RequestID: q.nextRequestID(),
		Request:   json.RawMessage(`{"subtype":"interrupt"}`),
	})
	if err != nil {
		q.log.Debug().Err(err).Msg("interrupt request not delivered, killing")
		q.kill()
		return nil
	}

	go func() {
		select {
		case <-q.exited:
		case <-time.After(killDelay):
			q.kill()
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (q *query) isInterrupted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.interrupted
}

func (q *query) nextRequestID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requestSeq++
	return fmt.Sprintf("req_%d", q.requestSeq)
}

func (q *query) write(v any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stdinClosed {
		return io.ErrClosedPipe
	}
	return q.enc.Encode(v)
}

func (q *query) closeStdin() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.stdinClosed {
		q.stdinClosed = true
		_ = q.stdin.Close()
	}
}

func (q *query) kill() {
	q.closeStdin()
	if q.cmd.Process != nil {
		_ = q.cmd.Process.Kill()
	}
}

func (q *query) send(ev engine.Event) bool {
	select {
	case q.events <- ev:
		return true
	case <-q.ctx.Done():
		return false
	}
}

func (q *query) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		q.log.Debug().Str("stderr", line).Msg("claude")
		q.mu.Lock()
		q.stderrTail = append(q.stderrTail, line...)
		q.stderrTail = append(q.stderrTail, '\n')
		if len(q.stderrTail) > stderrTailMax {
			q.stderrTail = q.stderrTail[len(q.stderrTail)-stderrTailMax:]
		}
		q.mu.Unlock()
	}
}

func (q *query) run(stdout io.Reader) {
	defer close(q.events)
	defer q.cancel()

	gotResult := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg wireMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			q.log.Warn().Err(err).Msg("unparseable line from claude")
			continue
		}
		done, ok := q.handle(&msg)
		if !ok {
			q.kill()
			break
		}
		if done {
			gotResult = true
			q.closeStdin()
		}
	}
	if err := scanner.Err(); err != nil {
		q.log.Warn().Err(err).Msg("reading claude output")
	}

	waitErr := q.cmd.Wait()
	close(q.exited)

	if gotResult || q.isInterrupted() {
		return
	}

	q.mu.Lock()
	tail := strings.TrimSpace(string(q.stderrTail))
	q.mu.Unlock()
	err := fmt.Errorf("claude exited without a result")
	if waitErr != nil {
		err = fmt.Errorf("claude exited: %w", waitErr)
	}
	if tail != "" {
		err = fmt.Errorf("%w: %s", err, tail)
	}
	q.send(engine.Event{Type: engine.EventError, Err: err})
}

// handle converts one protocol message into engine events. It reports
// whether the message was the final result, and false in ok when the
// consumer has gone away.
func (q *query) handle(msg *wireMessage) (done, ok bool) {
	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			return false, q.send(engine.Event{Type: engine.EventInit, SessionID: msg.SessionID, Model: msg.Model})
		}

	case "assistant":
		var am assistantMessage
		if err := json.Unmarshal(msg.Message, &am); err != nil {
			q.log.Warn().Err(err).Msg("bad assistant message")
			return false, true
		}
		for _, block := range am.Content {
			var ev engine.Event
			switch block.Type {
			case "text":
				ev = engine.Event{Type: engine.EventContent, Text: block.Text}
			case "tool_use":
				ev = engine.Event{Type: engine.EventToolUse, ToolUseID: block.ID, ToolName: block.Name, Input: block.Input}
			default:
				continue
			}
			if !q.send(ev) {
				return false, false
			}
		}

	case "control_request":
		var req controlRequest
		if err := json.Unmarshal(msg.Request, &req); err != nil {
			q.log.Warn().Err(err).Msg("bad control request")
			return false, true
		}
		if req.Subtype != "can_use_tool" {
			q.log.Debug().Str("subtype", req.Subtype).Msg("ignoring control request")
			return false, true
		}
		inv := engine.NewToolInvocation(msg.RequestID, req.ToolName, req.Input)
		if !q.send(engine.Event{
			Type:       engine.EventToolInvocation,
			ToolUseID:  req.ToolUseID,
			ToolName:   req.ToolName,
			Input:      req.Input,
			Invocation: inv,
		}) {
			return false, false
		}
		go q.answer(msg.RequestID, inv)

	case "result":
		res := &engine.Result{
			Text:       msg.Result,
			CostUSD:    msg.TotalCostUSD,
			DurationMs: msg.DurationMs,
			NumTurns:   msg.NumTurns,
			IsError:    msg.IsError,
		}
		if msg.Usage != nil {
			res.Usage = &types.Usage{
				InputTokens:         msg.Usage.InputTokens,
				OutputTokens:        msg.Usage.OutputTokens,
				CacheReadTokens:     msg.Usage.CacheReadInputTokens,
				CacheCreationTokens: msg.Usage.CacheCreationInputTokens,
			}
		}
		return true, q.send(engine.Event{Type: engine.EventResult, Result: res})
	}
	return false, true
}

// answer waits for the permission decision and replies to the CLI.
func (q *query) answer(requestID string, inv *engine.ToolInvocation) {
	a, err := inv.Wait(q.ctx)
	if err != nil {
		a = engine.Answer{Message: "The query was interrupted."}
	}

	result := permissionResult{Behavior: "deny", Message: a.Message}
	if a.Allow {
		result = permissionResult{Behavior: "allow", UpdatedInput: a.UpdatedInput}
	}
	if err := q.write(wireMessage{
		Type: "control_response",
		Response: mustJSON(controlResponse{
			Subtype:   "success",
			RequestID: requestID,
			Response:  result,
		}),
	}); err != nil {
		q.log.Debug().Err(err).Str("requestID", requestID).Msg("permission response not delivered")
	}
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
