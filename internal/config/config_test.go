package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		if old, ok := os.LookupEnv(k); ok {
			require.NoError(t, os.Unsetenv(k))
			t.Cleanup(func() { _ = os.Setenv(k, old) })
		}
	}
}

var knownKeys = []string{
	ConfigFileEnv, "PORT", "DB_PATH", "SANDBOX_KIND", "SANDBOX_TIMEOUT", "MODEL_PROVIDER",
	"FOLLOWUP_MAX_DEPTH", "FOLLOWUP_AUTO", "APPROVAL_TIMEOUT", "GOOGLE_API_KEY", "GEMINI_API_KEY",
	"OPENAI_API_KEY", "RATE_LIMIT_REQUESTS", "SESSION_TTL", "APP_ENV", "FRONTEND_URL",
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, knownKeys...)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "yaegi", cfg.Sandbox.Kind)
	assert.Equal(t, "openai", cfg.Model.Provider)
	assert.Equal(t, 3, cfg.Followup.MaxDepth)
	assert.True(t, cfg.Followup.Auto)
	assert.Equal(t, 10*time.Minute, cfg.Followup.ApprovalTimeout)
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadYAMLOverlayWithEnvOverride(t *testing.T) {
	clearEnv(t, knownKeys...)
	path := filepath.Join(t.TempDir(), "dataloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9090
sandbox_kind: docker
followup_max_depth: 5
followup_auto: false
approval_timeout: 2m
model_provider: genai
google_api_key: from-file
`), 0o600))

	t.Setenv(ConfigFileEnv, path)
	t.Setenv("FOLLOWUP_MAX_DEPTH", "1")
	t.Setenv("SANDBOX_TIMEOUT", "45")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "docker", cfg.Sandbox.Kind)
	assert.Equal(t, 45*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, 1, cfg.Followup.MaxDepth, "environment wins over the file")
	assert.False(t, cfg.Followup.Auto)
	assert.Equal(t, 2*time.Minute, cfg.Followup.ApprovalTimeout)
	assert.Equal(t, "genai", cfg.Model.Provider)
	assert.Equal(t, "from-file", cfg.Model.APIKey)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	clearEnv(t, knownKeys...)
	t.Setenv("SANDBOX_KIND", "bash")
	t.Setenv("MODEL_PROVIDER", "carrier-pigeon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SANDBOX_KIND")
	assert.Contains(t, err.Error(), "MODEL_PROVIDER")
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearEnv(t, knownKeys...)
	t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	require.Error(t, err)
}

func TestLoadContainerDataRoot(t *testing.T) {
	clearEnv(t, knownKeys...)
	clearEnv(t, "DATASET_DIR", "CONVERSATION_LOG_DIR")
	t.Setenv("CONTAINER", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, IsContainer())
	assert.Equal(t, "/data/dataloop.db", cfg.DBPath)
	assert.Equal(t, "/data/datasets", cfg.DatasetDir)
	assert.Equal(t, "/data/logs/conversations", cfg.ConversationLog.Dir)
}
