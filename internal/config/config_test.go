package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leadflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "leadflow.db", cfg.Database.Path)
	assert.Equal(t, 5, cfg.Scheduler.TickSeconds)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.HTTP.AllowLoopback)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
scheduler:
  tick_seconds: 2
  concurrency: 8
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Scheduler.TickSeconds)
	assert.Equal(t, 8, cfg.Scheduler.Concurrency)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_EnvInterpolation(t *testing.T) {
	t.Setenv("LEADFLOW_TEST_DB_DIR", "/var/lib/leadflow")
	path := writeConfig(t, `
database:
  path: ${LEADFLOW_TEST_DB_DIR}/engine.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/leadflow/engine.db", cfg.Database.Path)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad port", "server:\n  port: 0\n"},
		{"bad tick", "scheduler:\n  tick_seconds: 0\n"},
		{"bad level", "logging:\n  level: verbose\n"},
		{"bad format", "logging:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
