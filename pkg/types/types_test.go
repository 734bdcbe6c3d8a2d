package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChatSettingsMerge(t *testing.T) {
	defaults := ChatSettings{
		Model:          "claude-sonnet-4-5",
		AllowedTools:   []string{"Read"},
		PermissionMode: PermissionModeAcceptEdits,
		MaxTurns:       8,
	}

	merged := ChatSettings{Model: "claude-opus-4-1", MaxTurns: 2}.Merge(defaults)
	assert.Equal(t, "claude-opus-4-1", merged.Model)
	assert.Equal(t, []string{"Read"}, merged.AllowedTools)
	assert.Equal(t, PermissionModeAcceptEdits, merged.PermissionMode)
	assert.Equal(t, 2, merged.MaxTurns)

	empty := ChatSettings{}.Merge(ChatSettings{})
	assert.Equal(t, PermissionModeDefault, empty.PermissionMode)
}

func TestUsageAdd(t *testing.T) {
	u := &Usage{InputTokens: 1, OutputTokens: 2}
	u.Add(&Usage{InputTokens: 10, OutputTokens: 20, CacheReadTokens: 5})
	u.Add(nil)
	assert.Equal(t, Usage{InputTokens: 11, OutputTokens: 22, CacheReadTokens: 5}, *u)
}

func TestSessionHasDefaultTitle(t *testing.T) {
	assert.True(t, (&Session{Title: DefaultSessionTitle}).HasDefaultTitle())
	assert.True(t, (&Session{}).HasDefaultTitle())
	assert.False(t, (&Session{Title: "fix the build"}).HasDefaultTitle())
}
