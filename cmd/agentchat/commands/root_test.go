package commands

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "agentchat "+Version)
}

func TestGetWorkDir(t *testing.T) {
	dir, err := GetWorkDir("/tmp/project")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/project", dir)

	dir, err = GetWorkDir("")
	require.NoError(t, err)
	assert.NotEmpty(t, dir)
}

func TestLevelOrEnv(t *testing.T) {
	prev := logLevel
	t.Cleanup(func() { logLevel = prev })

	logLevel = ""
	t.Setenv("AGENTCHAT_LOG_LEVEL", "debug")
	assert.Equal(t, "debug", levelOrEnv())

	logLevel = "WARN"
	assert.Equal(t, "WARN", levelOrEnv())

	logLevel = ""
	t.Setenv("AGENTCHAT_LOG_LEVEL", "")
	assert.Equal(t, "INFO", levelOrEnv())
}
