package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv() []string { return nil }

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_DefaultsWithoutSources(t *testing.T) {
	cfg, err := Load("", WithEnviron(noEnv))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "convsync.yaml", `
log_level: debug
auto_reconnect: false
reconnect_delay: 250ms
reconnect_max_delay: 30s
database_path: /tmp/cs.db
max_retries: 5
`)

	cfg, err := Load(path, WithEnviron(noEnv))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.AutoReconnect)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMaxDelay)
	assert.Equal(t, "/tmp/cs.db", cfg.DatabasePath)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 5, cfg.MaxParallelTasks, "unset fields keep their default")
}

func TestLoad_EnvOverridesFileAndDotenv(t *testing.T) {
	path := writeFile(t, "convsync.yaml", "max_retries: 5\nlog_level: info\n")
	dotenv := writeFile(t, ".env", "CONVSYNC_MAX_RETRIES=7\nCONVSYNC_CLEAR_ALL_DATA=true\n")
	environ := func() []string {
		return []string{
			"HOME=/root",
			"CONVSYNC_MAX_RETRIES=9",
			"CONVSYNC_RECONNECT_DELAY=2s",
		}
	}

	cfg, err := Load(path, WithEnvFile(dotenv), WithEnviron(environ))
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.MaxRetries, "process environment wins")
	assert.True(t, cfg.ClearAllData, ".env applies where the environment is silent")
	assert.Equal(t, 2*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_MissingEnvFileIgnored(t *testing.T) {
	_, err := Load("", WithEnvFile(filepath.Join(t.TempDir(), ".env")), WithEnviron(noEnv))
	assert.NoError(t, err)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		environ []string
		want    string
	}{
		{
			name: "bad level",
			yaml: "log_level: loud\n",
			want: "invalid config",
		},
		{
			name: "max delay below delay",
			yaml: "reconnect_delay: 10s\nreconnect_max_delay: 1s\n",
			want: "reconnect_max_delay_ms",
		},
		{
			name: "no parallelism",
			yaml: "max_parallel_tasks: 0\n",
			want: "max_parallel_tasks",
		},
		{
			name: "empty database path",
			yaml: "database_path: \"\"\n",
			want: "database_path",
		},
		{
			name:    "unparsable env",
			environ: []string{"CONVSYNC_AUTO_RECONNECT=maybe"},
			want:    "CONVSYNC_AUTO_RECONNECT",
		},
		{
			name: "malformed yaml",
			yaml: "max_retries: [1\n",
			want: "parse config",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "convsync.yaml", tt.yaml)
			_, err := Load(path, WithEnviron(func() []string { return tt.environ }))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), WithEnviron(noEnv))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("info", &buf)
	l.Debug("hidden")
	l.Info("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "k=v")

	buf.Reset()
	NewLogger("none", &buf).Error("dropped")
	assert.Empty(t, buf.String())
}

func TestLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, Level("debug"))
	assert.Equal(t, slog.LevelInfo, Level("info"))
	assert.Equal(t, slog.LevelWarn, Level("warning"))
	assert.Equal(t, slog.LevelError, Level("error"))
	assert.Equal(t, slog.LevelWarn, Level("whatever"))
}
