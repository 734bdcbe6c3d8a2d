package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

// isolate points HOME and the XDG dirs at a temp dir and clears overrides.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(home, ".local", "state"))
	for _, key := range []string{
		"AGENTCHAT_CONFIG", "AGENTCHAT_CONFIG_CONTENT", "AGENTCHAT_ENGINE", "AGENTCHAT_MODEL",
		"AGENTCHAT_STORE", "AGENTCHAT_APPROVAL_TIMEOUT", "AGENTCHAT_CLAUDE_PATH",
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "ARK_API_KEY",
	} {
		t.Setenv(key, "")
	}
	return home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 0, cfg.Approval.TimeoutSeconds)
	assert.Equal(t, time.Duration(0), cfg.Approval.Timeout())
	assert.Equal(t, types.AlwaysAllowScopeTurn, cfg.Approval.AlwaysAllowScope)
	assert.Equal(t, types.DuplicateInterrupt, cfg.Query.OnDuplicate)
	assert.Equal(t, types.EngineClaudeCode, cfg.Engine.Type)
	assert.Equal(t, types.StoreFile, cfg.Store.Backend)
	assert.Contains(t, cfg.Approval.DangerousPaths, "**/.env")
}

func TestLoadLayering(t *testing.T) {
	home := isolate(t)
	project := t.TempDir()

	writeFile(t, filepath.Join(home, ".config", "agentchat", "agentchat.jsonc"), `{
		// global
		"approval": { "timeoutSeconds": 120 },
		"engine": { "type": "native" },
		"defaults": { "model": "claude-sonnet-4-5", "maxTurns": 10 }
	}`)
	writeFile(t, filepath.Join(project, ".agentchat", "agentchat.json"), `{
		"approval": { "alwaysAllowScope": "session" },
		"defaults": { "maxTurns": 3 }
	}`)

	cfg, err := Load(project)
	require.NoError(t, err)

	assert.Equal(t, 120, cfg.Approval.TimeoutSeconds)
	assert.Equal(t, 2*time.Minute, cfg.Approval.Timeout())
	assert.Equal(t, types.AlwaysAllowScopeSession, cfg.Approval.AlwaysAllowScope)
	assert.Equal(t, types.EngineNative, cfg.Engine.Type)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Defaults.Model)
	assert.Equal(t, 3, cfg.Defaults.MaxTurns)
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("AGENTCHAT_APPROVAL_TIMEOUT", "30")
	t.Setenv("AGENTCHAT_ENGINE", "script")
	t.Setenv("AGENTCHAT_STORE", "sqlite")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("AGENTCHAT_CONFIG_CONTENT", `{"query": {"onDuplicate": "reject"}}`)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Approval.TimeoutSeconds)
	assert.Equal(t, types.EngineScript, cfg.Engine.Type)
	assert.Equal(t, types.StoreSQLite, cfg.Store.Backend)
	assert.Equal(t, "sk-ant-test", cfg.Provider["anthropic"].APIKey)
	assert.Equal(t, types.DuplicateReject, cfg.Query.OnDuplicate)
}

func TestInterpolation(t *testing.T) {
	isolate(t)
	project := t.TempDir()
	t.Setenv("TEST_OPENAI_KEY", "sk-openai")

	writeFile(t, filepath.Join(project, "prompt.txt"), "Be \"brief\".\nAlways.\n")
	writeFile(t, filepath.Join(project, "agentchat.json"), `{
		"provider": { "openai": { "apiKey": "{env:TEST_OPENAI_KEY}" } },
		"defaults": { "systemPrompt": "{file:prompt.txt}" }
	}`)

	cfg, err := Load(project)
	require.NoError(t, err)

	assert.Equal(t, "sk-openai", cfg.Provider["openai"].APIKey)
	assert.Equal(t, "Be \"brief\".\nAlways.", cfg.Defaults.SystemPrompt)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	isolate(t)
	project := t.TempDir()
	writeFile(t, filepath.Join(project, "agentchat.json"), `{"approval": {"alwaysAllowScope": "forever"}}`)

	_, err := Load(project)
	assert.Error(t, err)

	writeFile(t, filepath.Join(project, "agentchat.json"), `{"engine": {"type": "mystery"}}`)
	_, err = Load(project)
	assert.Error(t, err)
}

func TestMCPServersConfig(t *testing.T) {
	isolate(t)
	project := t.TempDir()
	writeFile(t, filepath.Join(project, "agentchat.json"), `{
		"engine": {
			"type": "native",
			"native": {
				"mcpServers": {
					"calculator": {
						"type": "local",
						"command": ["calculator-mcp"],
						"environment": { "CALC_PRECISION": "4" }
					},
					"docs": {
						"type": "remote",
						"url": "https://mcp.example.com/mcp",
						"headers": { "Authorization": "Bearer x" },
						"enabled": false
					}
				}
			}
		}
	}`)

	cfg, err := Load(project)
	require.NoError(t, err)
	require.Len(t, cfg.Engine.Native.MCPServers, 2)

	calc := cfg.Engine.Native.MCPServers["calculator"]
	assert.Equal(t, []string{"calculator-mcp"}, calc.Command)
	assert.Equal(t, "4", calc.Environment["CALC_PRECISION"])
	assert.True(t, calc.IsEnabled())

	docs := cfg.Engine.Native.MCPServers["docs"]
	assert.Equal(t, "https://mcp.example.com/mcp", docs.URL)
	assert.False(t, docs.IsEnabled())

	writeFile(t, filepath.Join(project, "agentchat.json"), `{
		"engine": { "native": { "mcpServers": { "broken": { "type": "remote" } } } }
	}`)
	_, err = Load(project)
	assert.ErrorContains(t, err, `mcp server "broken": url is required`)
}

func TestSaveRoundTrip(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	cfg := Default()
	cfg.Approval.TimeoutSeconds = 45

	path := filepath.Join(dir, "agentchat.json")
	require.NoError(t, Save(cfg, path))

	t.Setenv("AGENTCHAT_CONFIG", path)
	loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 45, loaded.Approval.TimeoutSeconds)
}

func TestWatcherReloads(t *testing.T) {
	isolate(t)
	project := t.TempDir()
	path := filepath.Join(project, "agentchat.json")
	writeFile(t, path, `{"approval": {"timeoutSeconds": 5}}`)

	changes := make(chan *types.Config, 4)
	w, err := NewWatcher(project, func(cfg *types.Config) { changes <- cfg })
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	writeFile(t, path, `{"approval": {"timeoutSeconds": 9}}`)

	select {
	case cfg := <-changes:
		assert.Equal(t, 9, cfg.Approval.TimeoutSeconds)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload")
	}
}

func TestPaths(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	t.Setenv("XDG_CONFIG_HOME", "/config")
	t.Setenv("XDG_STATE_HOME", "/state")

	p := GetPaths()
	assert.Equal(t, "/data/agentchat", p.Data)
	assert.Equal(t, "/config/agentchat", p.Config)
	assert.Equal(t, "/data/agentchat/storage", p.StoragePath())
	assert.Equal(t, "/data/agentchat/agentchat.db", p.DatabasePath())
	assert.Equal(t, "/state/agentchat/log", p.LogPath())
}
