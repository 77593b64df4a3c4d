// ABOUTME: Tests for the agent's command-line handling.
// ABOUTME: Covers .env defaults for flags and flag precedence.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// unsetEnv clears key for the test and restores it afterwards.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestParseArgsEnvFileSetsConfigDefault(t *testing.T) {
	unsetEnv(t, "TASKRELAY_AGENT_CONFIG")
	env := writeEnvFile(t, "TASKRELAY_AGENT_CONFIG=/etc/taskrelay/agent.toml\n")

	opts, err := parseArgs(nil, env)
	require.NoError(t, err)
	assert.Equal(t, "/etc/taskrelay/agent.toml", opts.configPath)
	assert.True(t, opts.demo)
}

func TestParseArgsFlagsWin(t *testing.T) {
	unsetEnv(t, "TASKRELAY_AGENT_CONFIG")
	env := writeEnvFile(t, "TASKRELAY_AGENT_CONFIG=/etc/taskrelay/agent.toml\n")

	opts, err := parseArgs([]string{
		"-config", "local.toml",
		"-server", "grpc://gw:50051",
		"-client-id", "dev-7",
		"-no-demo",
	}, env)
	require.NoError(t, err)
	assert.Equal(t, "local.toml", opts.configPath)
	assert.Equal(t, "grpc://gw:50051", opts.overrides.ServerURL)
	assert.Equal(t, "dev-7", opts.overrides.ClientID)
	assert.False(t, opts.demo)
}

func TestParseArgsMissingEnvFile(t *testing.T) {
	unsetEnv(t, "TASKRELAY_AGENT_CONFIG")

	opts, err := parseArgs(nil, filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.Equal(t, "agent.toml", opts.configPath)
}
