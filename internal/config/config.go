package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/duragraph/studio/internal/stream"
)

const (
	defaultAPIURL         = "http://localhost:8081"
	defaultTransport      = TransportSSE
	defaultRequestTimeout = 30 * time.Second
	defaultDevserverAddr  = "127.0.0.1:8081"
	defaultEnvFile        = ".env"
)

// Stream transports selectable with STUDIO_STREAM_TRANSPORT.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// Config captures the client configuration of the studio binary.
type Config struct {
	APIURL         string
	Transport      string
	Stream         stream.Policy
	RequestTimeout time.Duration
	LogLevel       string
	LogFile        string
	NATSURL        string
	DevserverAddr  string
}

// Load reads an optional dotenv file and then the environment. Variables
// already set in the environment win over the file. An empty path means
// .env in the working directory.
func Load(envFile string) (Config, error) {
	if strings.TrimSpace(envFile) == "" {
		envFile = defaultEnvFile
	}
	if err := godotenv.Load(expandPath(envFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
	}
	return FromEnv()
}

// FromEnv loads configuration from environment variables, applying defaults
// when unset.
func FromEnv() (Config, error) {
	def := stream.DefaultPolicy()
	cfg := Config{
		APIURL:        getenv("STUDIO_API_URL", getenv("DURAGRAPH_API_URL", defaultAPIURL)),
		Transport:     strings.ToLower(getenv("STUDIO_STREAM_TRANSPORT", defaultTransport)),
		LogLevel:      getenv("STUDIO_LOG_LEVEL", "info"),
		LogFile:       expandPath(getenv("STUDIO_LOG_FILE", "")),
		NATSURL:       getenv("STUDIO_NATS_URL", ""),
		DevserverAddr: getenv("STUDIO_DEVSERVER_ADDR", defaultDevserverAddr),
	}

	var err error
	if cfg.Stream.MaxEvents, err = intEnv("STUDIO_STREAM_MAX_EVENTS", def.MaxEvents); err != nil {
		return Config{}, err
	}
	if cfg.Stream.MaxAttempts, err = intEnv("STUDIO_RECONNECT_ATTEMPTS", def.MaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.Stream.InitialDelay, err = durationEnv("STUDIO_RECONNECT_INITIAL", def.InitialDelay); err != nil {
		return Config{}, err
	}
	if cfg.Stream.MaxDelay, err = durationEnv("STUDIO_RECONNECT_MAX", def.MaxDelay); err != nil {
		return Config{}, err
	}
	if cfg.Stream.Multiplier, err = floatEnv("STUDIO_RECONNECT_MULTIPLIER", def.Multiplier); err != nil {
		return Config{}, err
	}
	if cfg.Stream.Jitter, err = floatEnv("STUDIO_RECONNECT_JITTER", def.Jitter); err != nil {
		return Config{}, err
	}
	if cfg.RequestTimeout, err = durationEnv("STUDIO_REQUEST_TIMEOUT", defaultRequestTimeout); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that may also come from command line flags.
func (c Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.APIURL))
	if err != nil {
		return fmt.Errorf("config: invalid api url %q: %w", c.APIURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: api url %q must be http or https", c.APIURL)
	}
	if u.Host == "" {
		return fmt.Errorf("config: api url %q has no host", c.APIURL)
	}

	switch c.Transport {
	case TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("config: unknown stream transport %q (want %s or %s)", c.Transport, TransportSSE, TransportWebSocket)
	}

	if c.Stream.MaxEvents <= 0 {
		return fmt.Errorf("config: stream max events must be positive")
	}
	if c.Stream.MaxAttempts <= 0 {
		return fmt.Errorf("config: reconnect attempts must be positive")
	}
	if c.Stream.InitialDelay <= 0 || c.Stream.MaxDelay < c.Stream.InitialDelay {
		return fmt.Errorf("config: reconnect delays must satisfy 0 < initial (%s) <= max (%s)", c.Stream.InitialDelay, c.Stream.MaxDelay)
	}
	if c.Stream.Multiplier < 1 {
		return fmt.Errorf("config: reconnect multiplier must be at least 1")
	}
	if c.Stream.Jitter < 0 || c.Stream.Jitter > 1 {
		return fmt.Errorf("config: reconnect jitter must be within [0, 1]")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: request timeout must be positive")
	}
	if _, _, err := net.SplitHostPort(c.DevserverAddr); err != nil {
		return fmt.Errorf("config: invalid devserver address %q: %w", c.DevserverAddr, err)
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	raw := getenv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func floatEnv(key string, fallback float64) (float64, error) {
	raw := getenv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := getenv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func expandPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return filepath.Clean(path)
}
