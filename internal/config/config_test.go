package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[budget]
session_cap = 5000

[remote]
base_url = "https://control.example.com"
requests_per_minute = 10

[prompts]
chat = "custom %s %s"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(5000), cfg.Budget.SessionCap)
	assert.Equal(t, "https://control.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, 10, cfg.Remote.RequestsPerMinute)
	assert.Equal(t, int64(100000), cfg.Remote.TokensPerHour)
	assert.Equal(t, int64(150<<20), cfg.Models.MemoryCeilingBytes)
	assert.Equal(t, 3, cfg.Federated.MaxRoundsPerDay)
	assert.Equal(t, "custom %s %s", cfg.Prompts.Chat)
	assert.Equal(t, DefaultPrompts().Classify, cfg.Prompts.Classify)
	assert.Equal(t, 30*time.Second, cfg.RemoteTimeout())
	assert.Equal(t, 30*24*time.Hour, cfg.StaleAfter())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[budget\nsession_cap = "), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "failed to parse TOML")
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("CORTEX_BUDGET_SESSION_CAP", "777")
	t.Setenv("CORTEX_POLICY_PUBLIC_KEYS", "a,b")
	t.Setenv("PORT", "9090")
	t.Setenv("LLM_PROVIDER", "claude")
	t.Setenv("LLM_API_KEY", "secret")

	cfg := Default()
	require.NoError(t, ApplyEnv(cfg))

	assert.Equal(t, int64(777), cfg.Budget.SessionCap)
	assert.Equal(t, []string{"a", "b"}, cfg.Policy.PublicKeys)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "claude", cfg.RemoteLLM.Provider)
	assert.Equal(t, "secret", cfg.RemoteLLM.APIKey)
	assert.Equal(t, 60, cfg.Remote.RequestsPerMinute)
}

func TestApplyEnvRejectsBadNumbers(t *testing.T) {
	t.Setenv("CORTEX_BUDGET_SESSION_CAP", "lots")
	assert.Error(t, ApplyEnv(Default()))
}
