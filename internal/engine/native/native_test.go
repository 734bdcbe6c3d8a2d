package native

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/engine"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/tool"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

// fakeModel replays one scripted response per Stream call.
type fakeModel struct {
	mu        sync.Mutex
	responses [][]*schema.Message
	failures  int
	calls     int
	inputs    [][]*schema.Message
	tools     []*schema.ToolInfo
}

func (m *fakeModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return nil, errors.New("not implemented")
}

func (m *fakeModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return nil, errors.New("overloaded")
	}
	m.inputs = append(m.inputs, input)
	if m.calls >= len(m.responses) {
		return nil, errors.New("no more responses")
	}
	resp := m.responses[m.calls]
	m.calls++
	return schema.StreamReaderFromArray(resp), nil
}

func (m *fakeModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	m.mu.Lock()
	m.tools = tools
	m.mu.Unlock()
	return m, nil
}

func toolCall(id, name, args string) *schema.Message {
	return &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{{
			ID:       id,
			Function: schema.FunctionCall{Name: name, Arguments: args},
		}},
		ResponseMeta: &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 10, CompletionTokens: 2}},
	}
}

func text(s string) *schema.Message {
	return &schema.Message{Role: schema.Assistant, Content: s}
}

func newEngine(m *fakeModel) *Engine {
	e := New(func(ctx context.Context, name string) (model.ToolCallingChatModel, error) {
		return m, nil
	}, tool.DefaultRegistry())
	e.retryInterval = time.Millisecond
	return e
}

func next(t *testing.T, q engine.Query) engine.Event {
	t.Helper()
	select {
	case ev, ok := <-q.Events():
		require.True(t, ok, "stream closed early")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return engine.Event{}
	}
}

func TestApprovedToolCall(t *testing.T) {
	dir := t.TempDir()
	m := &fakeModel{responses: [][]*schema.Message{
		{text("Writing. "), toolCall("call_1", "Write", `{"file_path":"out.txt","content":"hi"}`)},
		{text("Wrote "), text("it.")},
	}}
	e := newEngine(m)

	q, err := e.Start(context.Background(), engine.Request{Prompt: "write", WorkDir: dir, SystemPrompt: "be brief"})
	require.NoError(t, err)

	initEv := next(t, q)
	require.Equal(t, engine.EventInit, initEv.Type)
	assert.NotEmpty(t, initEv.SessionID)

	assert.Equal(t, "Writing. ", next(t, q).Text)
	assert.Equal(t, engine.EventToolUse, next(t, q).Type)

	ev := next(t, q)
	require.Equal(t, engine.EventToolInvocation, ev.Type)
	assert.Equal(t, "Write", ev.ToolName)
	require.NoError(t, ev.Invocation.Allow(nil))

	assert.Equal(t, "Wrote ", next(t, q).Text)
	assert.Equal(t, "it.", next(t, q).Text)

	ev = next(t, q)
	require.Equal(t, engine.EventResult, ev.Type)
	assert.Equal(t, "Wrote it.", ev.Result.Text)
	assert.Equal(t, 2, ev.Result.NumTurns)
	assert.Equal(t, 10, ev.Result.Usage.InputTokens)

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	require.Len(t, m.inputs, 2)
	assert.Equal(t, schema.System, m.inputs[0][0].Role)
	last := m.inputs[1][len(m.inputs[1])-1]
	assert.Equal(t, schema.Tool, last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
	assert.Len(t, m.tools, 6)

	// The engine session id resumes the conversation.
	m.responses = append(m.responses, []*schema.Message{text("again")})
	q, err = e.Start(context.Background(), engine.Request{Prompt: "more", ResumeID: initEv.SessionID})
	require.NoError(t, err)
	assert.Equal(t, initEv.SessionID, next(t, q).SessionID)
	next(t, q)
	next(t, q)
	assert.Greater(t, len(m.inputs[2]), 4)
}

func TestDeniedToolCall(t *testing.T) {
	dir := t.TempDir()
	m := &fakeModel{responses: [][]*schema.Message{
		{toolCall("call_1", "Bash", `{"command":"touch x"}`)},
		{text("ok")},
	}}
	q, err := newEngine(m).Start(context.Background(), engine.Request{Prompt: "p", WorkDir: dir})
	require.NoError(t, err)

	next(t, q)
	next(t, q)
	ev := next(t, q)
	require.Equal(t, engine.EventToolInvocation, ev.Type)
	require.NoError(t, ev.Invocation.Deny("The user declined."))

	next(t, q)
	assert.Equal(t, engine.EventResult, next(t, q).Type)

	_, err = os.Stat(filepath.Join(dir, "x"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, "The user declined.", m.inputs[1][len(m.inputs[1])-1].Content)
}

func TestPermissionModes(t *testing.T) {
	tests := []struct {
		mode    string
		allowed []string
		tool    string
		want    permission
	}{
		{types.PermissionModeDefault, nil, "Read", permAllow},
		{types.PermissionModeDefault, nil, "Bash", permAsk},
		{types.PermissionModeDefault, []string{"Bash"}, "Bash", permAllow},
		{types.PermissionModeAcceptEdits, nil, "Edit", permAllow},
		{types.PermissionModeAcceptEdits, nil, "Bash", permAsk},
		{types.PermissionModeBypass, nil, "Bash", permAllow},
		{types.PermissionModePlan, nil, "Write", permDeny},
		{types.PermissionModePlan, nil, "Glob", permAllow},
	}
	reg := tool.DefaultRegistry()
	for _, tt := range tests {
		t.Run(tt.mode+"/"+tt.tool, func(t *testing.T) {
			q := &query{req: engine.Request{PermissionMode: tt.mode, AllowedTools: tt.allowed}}
			tl, ok := reg.Get(tt.tool)
			require.True(t, ok)
			assert.Equal(t, tt.want, q.permission(tl))
		})
	}
}

func TestDisallowedToolsNotBound(t *testing.T) {
	m := &fakeModel{responses: [][]*schema.Message{{text("hi")}}}
	q, err := newEngine(m).Start(context.Background(), engine.Request{Prompt: "p", DisallowedTools: []string{"Bash", "Web*"}})
	require.NoError(t, err)
	next(t, q)
	next(t, q)
	next(t, q)

	var names []string
	for _, info := range m.tools {
		names = append(names, info.Name)
	}
	assert.NotContains(t, names, "Bash")
	assert.NotContains(t, names, "WebFetch")
	assert.Contains(t, names, "Read")
}

func TestRetryThenSucceed(t *testing.T) {
	m := &fakeModel{failures: 2, responses: [][]*schema.Message{{text("hello")}}}
	q, err := newEngine(m).Start(context.Background(), engine.Request{Prompt: "p"})
	require.NoError(t, err)

	next(t, q)
	assert.Equal(t, "hello", next(t, q).Text)
	assert.Equal(t, engine.EventResult, next(t, q).Type)
}

func TestRetriesExhausted(t *testing.T) {
	m := &fakeModel{failures: 10}
	q, err := newEngine(m).Start(context.Background(), engine.Request{Prompt: "p"})
	require.NoError(t, err)

	next(t, q)
	ev := next(t, q)
	require.Equal(t, engine.EventError, ev.Type)
	assert.ErrorContains(t, ev.Err, "overloaded")
}

func TestMaxTurns(t *testing.T) {
	call := []*schema.Message{toolCall("c", "Glob", `{"pattern":"*.none"}`)}
	m := &fakeModel{responses: [][]*schema.Message{call, call, call}}
	q, err := newEngine(m).Start(context.Background(), engine.Request{Prompt: "p", MaxTurns: 2, WorkDir: t.TempDir()})
	require.NoError(t, err)

	var result *engine.Result
	for ev := range q.Events() {
		if ev.Type == engine.EventResult {
			result = ev.Result
		}
	}
	require.NotNil(t, result)
	assert.Equal(t, 2, result.NumTurns)
	assert.True(t, result.IsError)
}

func TestInterruptWhileWaiting(t *testing.T) {
	m := &fakeModel{responses: [][]*schema.Message{{toolCall("c", "Bash", `{"command":"ls"}`)}}}
	q, err := newEngine(m).Start(context.Background(), engine.Request{Prompt: "p"})
	require.NoError(t, err)

	next(t, q)
	next(t, q)
	require.Equal(t, engine.EventToolInvocation, next(t, q).Type)

	require.NoError(t, q.Interrupt(context.Background()))
	for range q.Events() {
	}
}

func TestProviderFactoryErrors(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	f := ProviderFactory(types.NativeConfig{Provider: "anthropic"}, nil)
	_, err := f(context.Background(), "")
	assert.ErrorContains(t, err, "ANTHROPIC_API_KEY")

	f = ProviderFactory(types.NativeConfig{Provider: "mystery"}, nil)
	_, err = f(context.Background(), "m")
	assert.ErrorContains(t, err, "unknown provider")
}
