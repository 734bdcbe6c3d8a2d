package script

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/engine"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

const scenarios = `
scenarios:
  - match: "list"
    sessionId: eng-1
    steps:
      - text: "Listing. "
      - tool: Bash
        input: { command: "ls" }
        onAllow: "Done."
        onDeny: "Skipped."
    result: "final"
    usage: { inputTokens: 10, outputTokens: 5 }
    costUsd: 0.01
  - match: "slow"
    steps:
      - delay: 5s
  - match: "fail"
    steps:
      - text: "partial"
    error: "engine exploded"
`

func next(t *testing.T, q engine.Query) engine.Event {
	t.Helper()
	select {
	case ev, ok := <-q.Events():
		require.True(t, ok, "stream closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return engine.Event{}
	}
}

func drained(t *testing.T, q engine.Query) {
	t.Helper()
	select {
	case _, ok := <-q.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
}

func TestPlayWithApproval(t *testing.T) {
	e, err := Parse([]byte(scenarios))
	require.NoError(t, err)

	q, err := e.Start(context.Background(), engine.Request{Prompt: "please list files"})
	require.NoError(t, err)

	ev := next(t, q)
	assert.Equal(t, engine.EventInit, ev.Type)
	assert.Equal(t, "eng-1", ev.SessionID)

	assert.Equal(t, "Listing. ", next(t, q).Text)

	ev = next(t, q)
	assert.Equal(t, engine.EventToolUse, ev.Type)
	assert.JSONEq(t, `{"command":"ls"}`, string(ev.Input))

	ev = next(t, q)
	require.Equal(t, engine.EventToolInvocation, ev.Type)
	require.NotNil(t, ev.Invocation)
	assert.Equal(t, "Bash", ev.Invocation.ToolName)
	require.NoError(t, ev.Invocation.Allow(nil))

	assert.Equal(t, "Done.", next(t, q).Text)

	ev = next(t, q)
	require.Equal(t, engine.EventResult, ev.Type)
	assert.Equal(t, "final", ev.Result.Text)
	assert.Equal(t, 10, ev.Result.Usage.InputTokens)
	assert.Equal(t, 0.01, ev.Result.CostUSD)
	drained(t, q)
}

func TestDenyAndAllowLists(t *testing.T) {
	e, err := Parse([]byte(scenarios))
	require.NoError(t, err)

	q, err := e.Start(context.Background(), engine.Request{Prompt: "list", DisallowedTools: []string{"Bash"}})
	require.NoError(t, err)
	next(t, q)
	next(t, q)
	assert.Equal(t, engine.EventToolUse, next(t, q).Type)
	assert.Equal(t, "Skipped.", next(t, q).Text)

	q, err = e.Start(context.Background(), engine.Request{Prompt: "list", PermissionMode: types.PermissionModeBypass})
	require.NoError(t, err)
	next(t, q)
	next(t, q)
	next(t, q)
	assert.Equal(t, "Done.", next(t, q).Text)
}

func TestResumeIDWins(t *testing.T) {
	e, err := Parse([]byte(scenarios))
	require.NoError(t, err)

	q, err := e.Start(context.Background(), engine.Request{Prompt: "list", ResumeID: "prev"})
	require.NoError(t, err)
	assert.Equal(t, "prev", next(t, q).SessionID)
	require.NoError(t, q.Interrupt(context.Background()))
}

func TestInterruptClosesWithoutResult(t *testing.T) {
	e, err := Parse([]byte(scenarios))
	require.NoError(t, err)

	q, err := e.Start(context.Background(), engine.Request{Prompt: "slow"})
	require.NoError(t, err)
	assert.Equal(t, engine.EventInit, next(t, q).Type)

	require.NoError(t, q.Interrupt(context.Background()))
	drained(t, q)
}

func TestScenarioError(t *testing.T) {
	e, err := Parse([]byte(scenarios))
	require.NoError(t, err)

	q, err := e.Start(context.Background(), engine.Request{Prompt: "fail"})
	require.NoError(t, err)
	next(t, q)
	next(t, q)
	ev := next(t, q)
	require.Equal(t, engine.EventError, ev.Type)
	assert.EqualError(t, ev.Err, "engine exploded")
}

func TestNoMatch(t *testing.T) {
	e := New([]Scenario{{Match: "x"}})
	_, err := e.Start(context.Background(), engine.Request{Prompt: "y"})
	assert.Error(t, err)

	_, err = Parse([]byte("scenarios:\n  - steps:\n      - delay: soon\n"))
	assert.Error(t, err)
}
