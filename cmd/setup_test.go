package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCortexConfig(t *testing.T) {
	t.Parallel()

	config := generateCortexConfig()

	servers, ok := config["mcpServers"].(map[string]any)
	require.True(t, ok)
	cortex, ok := servers["cortex"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "cortex", cortex["command"])
	assert.Equal(t, []string{"serve", "--watch"}, cortex["args"])
}

func TestGetClientConfigDir(t *testing.T) {
	t.Parallel()

	tests := []struct {
		client   string
		expected string
	}{
		{"qwen", ".qwen"},
		{"claude", ".claude"},
		{"cursor", ".cursor"},
		{"unknown", ".qwen"},
	}

	for _, tt := range tests {
		t.Run(tt.client, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, getClientConfigDir(tt.client))
		})
	}
}

func TestGetLocalConfigPath(t *testing.T) {
	t.Parallel()

	path := getLocalConfigPath("/tmp/project", "claude")
	assert.Equal(t, filepath.Join("/tmp/project", ".claude", "mcp.json"), path)
}

func TestWriteConfigJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "nested", "mcp.json")

	require.NoError(t, writeConfig(configPath, generateCortexConfig(), "json"))

	raw, err := os.ReadFile(configPath)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.Contains(t, parsed, "mcpServers")
}

func TestWriteConfigText(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "mcp.txt")

	require.NoError(t, writeConfig(configPath, generateCortexConfig(), "text"))

	raw, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "mcpServers")
	assert.Contains(t, string(raw), "# MCP Configuration for Cortex")
}

func TestSetupOutputDefaultConfig(t *testing.T) {
	t.Parallel()

	cmd := &SetupCmd{Format: "json"}
	assert.NoError(t, cmd.Run())
}

func TestSetupInvalidFormat(t *testing.T) {
	t.Parallel()

	cmd := &SetupCmd{Format: "yaml"}
	assert.Error(t, cmd.Run())
}

func TestSetupLocalConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cmd := &SetupCmd{Claude: true, Local: true, Format: "json", FilePath: dir}
	require.NoError(t, cmd.Run())

	raw, err := os.ReadFile(filepath.Join(dir, "settings.json"))
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.Contains(t, parsed, "mcpServers")
}
