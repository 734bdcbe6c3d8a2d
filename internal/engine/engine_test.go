package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

func TestToolInvocationAnsweredOnce(t *testing.T) {
	inv := NewToolInvocation("t1", "Bash", json.RawMessage(`{"command":"ls"}`))

	require.NoError(t, inv.Allow(nil))
	assert.ErrorIs(t, inv.Deny("no"), ErrAlreadyAnswered)

	a, err := inv.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, a.Allow)
	assert.JSONEq(t, `{"command":"ls"}`, string(a.UpdatedInput))
}

func TestToolInvocationDeny(t *testing.T) {
	inv := NewToolInvocation("t1", "Write", nil)
	go func() { _ = inv.Deny("declined") }()

	a, err := inv.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, a.Allow)
	assert.Equal(t, "declined", a.Message)
}

func TestToolInvocationWaitCancelled(t *testing.T) {
	inv := NewToolInvocation("t1", "Bash", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := inv.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-inv.Abandoned():
	default:
		t.Fatal("invocation not marked abandoned")
	}
	assert.NoError(t, inv.Allow(nil), "a late answer is accepted and dropped")
}

func TestToolInvocationNotAbandonedWhenAnswered(t *testing.T) {
	inv := NewToolInvocation("t1", "Bash", nil)
	require.NoError(t, inv.Allow(nil))
	_, err := inv.Wait(context.Background())
	require.NoError(t, err)

	select {
	case <-inv.Abandoned():
		t.Fatal("answered invocation marked abandoned")
	default:
	}
}

func TestNewRequest(t *testing.T) {
	req := NewRequest("hi", "eng-1", types.ChatSettings{
		Model:          "m",
		AllowedTools:   []string{"Read"},
		PermissionMode: types.PermissionModeAcceptEdits,
		MaxTurns:       4,
		WorkDir:        "/w",
	})
	assert.Equal(t, "hi", req.Prompt)
	assert.Equal(t, "eng-1", req.ResumeID)
	assert.Equal(t, "m", req.Model)
	assert.Equal(t, []string{"Read"}, req.AllowedTools)
	assert.Equal(t, types.PermissionModeAcceptEdits, req.PermissionMode)
	assert.Equal(t, 4, req.MaxTurns)
	assert.Equal(t, "/w", req.WorkDir)
}
