package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentcore.json")
	writeFile(t, path, `{"server": {"address": ":9000"}, "conversation": {"pending_ttl": "2m"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 2*time.Minute, cfg.Conversation.PendingTTL)
	assert.Equal(t, 30*time.Minute, cfg.Conversation.IdleTimeout)
	assert.True(t, cfg.RateLimit.FailOpen)
	assert.Equal(t, "20/minute", cfg.RateLimit.DefaultLimit)
	assert.Equal(t, 1, cfg.RateLimit.Redis.DB)
	assert.InDelta(t, 0.7, cfg.Intent.Threshold, 1e-9)
	assert.Equal(t, 5, cfg.Planner.MaxActions)
	assert.Equal(t, filepath.Join(dir, "tools.yaml"), cfg.Policy.ToolsPath)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Runtime.DataDir)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentcore.json")
	writeFile(t, path, `{"rate_limit": {"fail_open": true, "driver": "memory"}}`)
	writeFile(t, filepath.Join(dir, ".env"), "AGENTCORE_TEST_KEY_FROM_DOTENV=sk-test\n")

	t.Setenv("AGENTCORE_RATE_LIMIT_FAIL_OPEN", "false")
	t.Setenv("AGENTCORE_LLM_OPENAI_API_KEY_ENV", "AGENTCORE_TEST_KEY_FROM_DOTENV")

	cfg, err := Load(path)
	require.NoError(t, err)
	t.Cleanup(func() { os.Unsetenv("AGENTCORE_TEST_KEY_FROM_DOTENV") })

	assert.False(t, cfg.RateLimit.FailOpen)
	assert.Equal(t, "sk-test", cfg.LLM.OpenAI.APIKey)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	_, err = Load("")
	require.Error(t, err)
}

func TestDefaultWithoutFile(t *testing.T) {
	cfg := Default("")

	assert.Equal(t, ":8002", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.TaskQueue.Driver)
	assert.Equal(t, 4, cfg.TaskQueue.Workers)
	assert.Equal(t, 5*time.Second, cfg.Observability.Alerting.Timeout)
	assert.Empty(t, cfg.Observability.MetricsAddress)
	assert.Equal(t, "tools.yaml", cfg.Policy.ToolsPath)
}

func TestAlertingWebhookFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentcore.json")
	writeFile(t, path, `{"observability": {"metrics_address": ":9100"}}`)
	t.Setenv("AGENTCORE_OBSERVABILITY_ALERTING_WEBHOOK_URL", "https://hooks.example.com/agent")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Observability.MetricsAddress)
	assert.Equal(t, "https://hooks.example.com/agent", cfg.Observability.Alerting.WebhookURL)
}
