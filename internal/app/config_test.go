package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "none", cfg.Reasoning.Provider)
	assert.Equal(t, 15*time.Second, cfg.Action.Timeout)
}

func TestEnvKey(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"LUCID_SERVER_LISTEN_ADDR":  "server.listen_addr",
		"LUCID_DREAM_MAX_PARALLEL":  "dream.max_parallel",
		"LUCID_REASONING_API_KEY":   "reasoning.api_key",
		"LUCID_ACTION_GITHUB_TOKEN": "action.github_token",
		"LUCID_DEBUG":               "debug",
	}
	for in, want := range cases {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lucid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: ":9090"
log:
  level: debug
registry:
  dir: /srv/profiles
dream:
  max_parallel: 3
  page_timeout: 12s
reasoning:
  provider: openai
  model: gpt-4o-mini
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/srv/profiles", cfg.Registry.Dir)
	assert.Equal(t, 3, cfg.Dream.MaxParallel)
	assert.Equal(t, 12*time.Second, cfg.Dream.PageTimeout)
	assert.Equal(t, "openai", cfg.Reasoning.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.Reasoning.Model)

	// untouched sections keep their defaults
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, DefaultConfig().Browser, cfg.Browser)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lucid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_addr: \":9090\"\n"), 0o600))

	t.Setenv("LUCID_SERVER_LISTEN_ADDR", ":7070")
	t.Setenv("LUCID_ACTION_GITHUB_TOKEN", "ghp_env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.ListenAddr)
	assert.Equal(t, "ghp_env", cfg.Action.GitHubToken)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = LoadConfig(t.TempDir())
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dream:\n  max_parallel: -1\n"), 0o600))
	_, err = LoadConfig(path)
	require.ErrorContains(t, err, "max_parallel")
}
