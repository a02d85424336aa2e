package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir changes the working directory for the duration of the test,
// mirroring testing.T.Chdir which requires Go 1.24.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg := Load()

	assert.Equal(t, "ws://localhost:8090/ws", cfg.Socket.ServerURL)
	assert.Equal(t, time.Second, cfg.Socket.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Socket.MaxDelay)
	assert.Equal(t, 0.3, cfg.Socket.JitterFactor)
	assert.Equal(t, 2, cfg.Attachment.MaxCount)
	assert.Equal(t, int64(10)<<20, cfg.Attachment.MaxSize)
	assert.Equal(t, ":8090", cfg.ServerAddr)
	assert.Equal(t, "dev-token", cfg.DevToken)
}

func TestEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	yamlPath := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(
		"server_url: ws://from-yaml:9000/ws\nreconnect_initial_delay_ms: 500\n",
	), 0o644))
	t.Setenv("CONFIG_PATH", yamlPath)
	t.Setenv("SERVER_URL", "wss://from-env/ws")

	cfg := Load()

	assert.Equal(t, "wss://from-env/ws", cfg.Socket.ServerURL, "env wins over YAML")
	assert.Equal(t, 500*time.Millisecond, cfg.Socket.InitialDelay, "YAML wins over defaults")
}

func TestJitterOutOfRangeFallsBack(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("RECONNECT_JITTER", "1.5")

	cfg := Load()
	assert.Equal(t, 0.3, cfg.Socket.JitterFactor)
}

func TestMaxDelayNeverBelowInitial(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("RECONNECT_INITIAL_DELAY_MS", "5000")
	t.Setenv("RECONNECT_MAX_DELAY_MS", "1000")

	cfg := Load()
	assert.Equal(t, 5*time.Second, cfg.Socket.MaxDelay)
}
