package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/config"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/engine/claudecode"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/engine/native"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/engine/script"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/mcp"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/store"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

func TestNewEngine(t *testing.T) {
	dir := t.TempDir()
	scenarios := filepath.Join(dir, "scenarios.yaml")
	require.NoError(t, os.WriteFile(scenarios, []byte("scenarios:\n  - match: hi\n    steps:\n      - text: hello\n"), 0644))

	tests := []struct {
		name    string
		engine  types.EngineConfig
		check   func(t *testing.T, v any)
		wantErr string
	}{
		{
			name:   "default is claude code",
			engine: types.EngineConfig{},
			check:  func(t *testing.T, v any) { assert.IsType(t, &claudecode.Engine{}, v) },
		},
		{
			name:   "native",
			engine: types.EngineConfig{Type: types.EngineNative},
			check:  func(t *testing.T, v any) { assert.IsType(t, &native.Engine{}, v) },
		},
		{
			name:   "script",
			engine: types.EngineConfig{Type: types.EngineScript, Script: types.ScriptConfig{File: scenarios}},
			check:  func(t *testing.T, v any) { assert.IsType(t, &script.Engine{}, v) },
		},
		{
			name:    "script without file",
			engine:  types.EngineConfig{Type: types.EngineScript},
			wantErr: "engine.script.file is required",
		},
		{
			name:    "unknown",
			engine:  types.EngineConfig{Type: "bogus"},
			wantErr: `unknown engine type "bogus"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Engine = tt.engine
			eng, err := NewEngine(cfg, nil)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, eng)
		})
	}
}

func TestConnectMCP(t *testing.T) {
	assert.Nil(t, ConnectMCP(context.Background(), nil))

	disabled := false
	client := ConnectMCP(context.Background(), map[string]types.MCPServerConfig{
		"off":    {Command: []string{"unused"}, Enabled: &disabled},
		"broken": {Type: "local"},
	})
	require.NotNil(t, client)
	t.Cleanup(func() { client.Close() })

	status := client.Status()
	require.Len(t, status, 2)
	assert.Equal(t, mcp.StatusFailed, status[0].Status)
	assert.Equal(t, mcp.StatusDisabled, status[1].Status)

	cfg := config.Default()
	cfg.Engine.Type = types.EngineNative
	eng, err := NewEngine(cfg, client)
	require.NoError(t, err)
	assert.IsType(t, &native.Engine{}, eng)
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Approval.TimeoutSeconds = 7
	cfg.Query.OnDuplicate = types.DuplicateReject

	a, err := New(cfg, Options{
		WorkDir:     dir,
		StoragePath: filepath.Join(dir, "storage"),
		Engine:      script.New(nil),
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	assert.IsType(t, &store.FileStore{}, a.Store)
	assert.Equal(t, 7*time.Second, a.Approvals.Timeout())
	assert.NotNil(t, a.Server.Router())

	a.Reload(&types.Config{Approval: types.ApprovalConfig{TimeoutSeconds: 2}})
	assert.Equal(t, 2*time.Second, a.Approvals.Timeout())
}

func TestNewSQLite(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.Backend = types.StoreSQLite

	a, err := New(cfg, Options{
		StoragePath:  filepath.Join(dir, "storage"),
		DatabasePath: filepath.Join(dir, "db", "agentchat.db"),
		Engine:       script.New(nil),
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	assert.IsType(t, &store.SQLiteStore{}, a.Store)
	assert.FileExists(t, filepath.Join(dir, "db", "agentchat.db"))
}

func TestNewErrors(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)

	cfg := config.Default()
	cfg.Store.Backend = "postgres"
	_, err = New(cfg, Options{})
	assert.ErrorContains(t, err, "open store")
}
