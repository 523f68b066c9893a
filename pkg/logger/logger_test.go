package logger

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesAuditFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "audit.log")
	appPath := filepath.Join(dir, "app.log")

	require.NoError(t, Init(Config{
		Level:       "debug",
		OutputPaths: []string{appPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}))
	t.Cleanup(func() { _ = Sync() })

	Named("validator").Debug("checking", slog.String("tool", "file_write"))
	Audit().Info("action_rejected", slog.String("tool", "file_write"))
	require.NoError(t, Sync())

	appContent, err := os.ReadFile(appPath)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(appContent))), &entry))
	assert.Equal(t, "validator", entry["component"])

	auditContent, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	assert.Contains(t, string(auditContent), `"stream":"audit"`)
	assert.Contains(t, string(auditContent), "action_rejected")
}

func TestInitRejectsEmptyAuditPath(t *testing.T) {
	err := Init(Config{Audit: AuditConfig{Enabled: true}})
	require.Error(t, err)
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	assert.Equal(t, L(), FromContext(context.Background()))

	scoped := L().With(slog.String("session_id", "s-1"))
	ctx := WithContext(context.Background(), scoped)
	assert.Same(t, scoped, FromContext(ctx))
}
