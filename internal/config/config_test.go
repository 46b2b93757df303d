package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duragraph/studio/internal/stream"
)

var studioVars = []string{
	"STUDIO_API_URL", "DURAGRAPH_API_URL", "STUDIO_STREAM_TRANSPORT", "STUDIO_STREAM_MAX_EVENTS",
	"STUDIO_RECONNECT_INITIAL", "STUDIO_RECONNECT_MAX", "STUDIO_RECONNECT_MULTIPLIER",
	"STUDIO_RECONNECT_JITTER", "STUDIO_RECONNECT_ATTEMPTS", "STUDIO_REQUEST_TIMEOUT",
	"STUDIO_LOG_LEVEL", "STUDIO_LOG_FILE", "STUDIO_NATS_URL", "STUDIO_DEVSERVER_ADDR",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range studioVars {
		// Setenv registers the restore; the variable must be absent, not
		// empty, for dotenv files to apply.
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8081", cfg.APIURL)
	assert.Equal(t, TransportSSE, cfg.Transport)
	assert.Equal(t, stream.DefaultPolicy(), cfg.Stream)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "127.0.0.1:8081", cfg.DevserverAddr)
	assert.Empty(t, cfg.NATSURL)
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DURAGRAPH_API_URL", "http://legacy:9000")
	t.Setenv("STUDIO_STREAM_TRANSPORT", "WebSocket")
	t.Setenv("STUDIO_STREAM_MAX_EVENTS", "50")
	t.Setenv("STUDIO_RECONNECT_INITIAL", "250ms")
	t.Setenv("STUDIO_RECONNECT_MAX", "5s")
	t.Setenv("STUDIO_RECONNECT_MULTIPLIER", "1.5")
	t.Setenv("STUDIO_RECONNECT_JITTER", "0.2")
	t.Setenv("STUDIO_RECONNECT_ATTEMPTS", "9")
	t.Setenv("STUDIO_NATS_URL", "nats://127.0.0.1:4222")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "http://legacy:9000", cfg.APIURL)
	assert.Equal(t, TransportWebSocket, cfg.Transport)
	assert.Equal(t, stream.Policy{
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   1.5,
		Jitter:       0.2,
		MaxAttempts:  9,
		MaxEvents:    50,
	}, cfg.Stream)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATSURL)

	t.Setenv("STUDIO_API_URL", "https://studio.example.com")
	cfg, err = FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "https://studio.example.com", cfg.APIURL)
}

func TestFromEnvRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"scheme":     {"STUDIO_API_URL", "ftp://host"},
		"no host":    {"STUDIO_API_URL", "http://"},
		"transport":  {"STUDIO_STREAM_TRANSPORT", "grpc"},
		"max events": {"STUDIO_STREAM_MAX_EVENTS", "0"},
		"attempts":   {"STUDIO_RECONNECT_ATTEMPTS", "many"},
		"initial":    {"STUDIO_RECONNECT_INITIAL", "soon"},
		"max delay":  {"STUDIO_RECONNECT_MAX", "1ms"},
		"multiplier": {"STUDIO_RECONNECT_MULTIPLIER", "0.5"},
		"jitter":     {"STUDIO_RECONNECT_JITTER", "2"},
		"timeout":    {"STUDIO_REQUEST_TIMEOUT", "-1s"},
		"devserver":  {"STUDIO_DEVSERVER_ADDR", "localhost"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := FromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config:")
		})
	}
}

func TestLoadReadsDotenvWithoutOverriding(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "studio.env")
	require.NoError(t, os.WriteFile(path, []byte("STUDIO_API_URL=http://from-file:1\nSTUDIO_STREAM_TRANSPORT=websocket\n"), 0o600))
	t.Setenv("STUDIO_STREAM_TRANSPORT", "sse")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://from-file:1", cfg.APIURL)
	assert.Equal(t, TransportSSE, cfg.Transport)
}

func TestLoadWithoutDotenv(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}
