package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/manpreetbhatti/lattice/relay/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	c, err := FromEnv(env(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, BackendSQLite, c.SnapshotBackend)
	assert.Equal(t, 15*time.Second, c.SnapshotInterval)
	assert.Equal(t, auth.RoleEditor, c.DefaultRole)
}

func TestOverrides(t *testing.T) {
	c, err := FromEnv(env(map[string]string{
		"PORT":                     "9000",
		"RELAY_SNAPSHOT_BACKEND":   "badger",
		"RELAY_SNAPSHOT_INTERVAL":  "1m",
		"RELAY_SEND_QUEUE":         "16",
		"RELAY_MAX_MESSAGE_BYTES":  "2048",
		"RELAY_DEFAULT_ROLE":       "viewer",
		"RELAY_LOG_DEV":            "true",
		"RELAY_AWARENESS_INTERVAL": " 2s ",
	}))
	require.NoError(t, err)
	assert.Equal(t, "9000", c.Port)
	assert.Equal(t, BackendBadger, c.SnapshotBackend)
	assert.Equal(t, time.Minute, c.SnapshotInterval)
	assert.Equal(t, 16, c.SendQueueSize)
	assert.Equal(t, int64(2048), c.MaxMessageBytes)
	assert.Equal(t, auth.RoleViewer, c.DefaultRole)
	assert.True(t, c.LogDev)
	assert.Equal(t, 2*time.Second, c.AwarenessInterval)
}

func TestInvalidValues(t *testing.T) {
	for key, value := range map[string]string{
		"RELAY_SNAPSHOT_BACKEND":  "floppy",
		"RELAY_SNAPSHOT_INTERVAL": "soon",
		"RELAY_SEND_QUEUE":        "0",
		"RELAY_MAX_MESSAGE_BYTES": "big",
		"RELAY_DEFAULT_ROLE":      "admin",
		"RELAY_LOG_DEV":           "maybe",
		"RELAY_HANDSHAKE_TIMEOUT": "-1s",
	} {
		t.Run(key, func(t *testing.T) {
			_, err := FromEnv(env(map[string]string{key: value}))
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("RELAY_TEST_ONLY_BACKEND=memory\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("RELAY_TEST_ONLY_BACKEND") })

	_, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", os.Getenv("RELAY_TEST_ONLY_BACKEND"))

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}
