package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMergesProjectOverGlobal(t *testing.T) {
	tmpHome := t.TempDir()
	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpHome)
	os.Setenv("XDG_CONFIG_HOME", "")
	defer os.Setenv("HOME", oldHome)

	globalDir := GetPaths().Config
	require.NoError(t, os.MkdirAll(globalDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "agentserver.json"), []byte(`{
		// global default
		"port": 5000,
		"perProjectConcurrencyCap": 2
	}`), 0644))

	projDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(projDir, ".agentserver"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(projDir, ".agentserver", "agentserver.json"), []byte(`{
		"port": 6000
	}`), 0644))

	cfg, err := Load(projDir)
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.Port, "project config should override global")
	assert.Equal(t, 2, cfg.PerProjectConcurrencyCap, "unset project fields keep the global value")
}

func TestValidateRejectsBadRemoteExecutorAlias(t *testing.T) {
	cfg := Default()
	cfg.RemoteExecutors = []string{"build-box; rm -rf /"}
	assert.Error(t, cfg.Validate())
}

func TestAllowsHost(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.AllowsHost("localhost"))
	assert.False(t, cfg.AllowsHost("evil.example.com"))

	cfg.AllowedHosts = "*"
	assert.True(t, cfg.AllowsHost("evil.example.com"))

	cfg.AllowedHosts = "a.example.com, b.example.com"
	assert.True(t, cfg.AllowsHost("b.example.com"))
	assert.False(t, cfg.AllowsHost("c.example.com"))
}
