package standard

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/duragraph/studio/internal/cli/client"
	"github.com/duragraph/studio/internal/config"
	"github.com/duragraph/studio/internal/eventbus"
	"github.com/duragraph/studio/internal/eventbus/memory"
	"github.com/duragraph/studio/internal/eventbus/natsbus"
	"github.com/duragraph/studio/internal/shared/logging"
	"github.com/duragraph/studio/internal/stream"
	"github.com/duragraph/studio/internal/stream/transport"
)

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func encodeAsJSON(out io.Writer, payload any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// configFromCmd loads the environment configuration and applies the
// persistent flags on top of it.
func configFromCmd(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Root().PersistentFlags()
	envFile, _ := flags.GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return config.Config{}, err
	}
	if flags.Changed("api") {
		cfg.APIURL, _ = flags.GetString("api")
	}
	if flags.Changed("transport") {
		cfg.Transport, _ = flags.GetString("transport")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func clientFromCmd(cmd *cobra.Command) (*client.Client, config.Config, error) {
	cfg, err := configFromCmd(cmd)
	if err != nil {
		return nil, config.Config{}, err
	}
	api, err := client.New(cfg.APIURL, client.WithTimeout(cfg.RequestTimeout))
	if err != nil {
		return nil, config.Config{}, err
	}
	return api, cfg, nil
}

// streams bundles the subscription registry with the bus its invalidation
// notices go to.
type streams struct {
	registry *stream.Registry
	bus      eventbus.Bus
	closers  []func() error
}

func (s *streams) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// newStreams builds a registry for cfg. Invalidation notices go to an
// in-process bus and, when STUDIO_NATS_URL is set, to NATS as well.
func newStreams(cmd *cobra.Command, cfg config.Config, api *client.Client, logger *slog.Logger) (*streams, error) {
	var dialer stream.Dialer
	switch cfg.Transport {
	case config.TransportWebSocket:
		dialer = transport.NewWebSocket(api.StreamWebSocketURL())
	default:
		dialer = transport.NewSSE(api.StreamURL(), nil)
	}

	s := &streams{}
	bus := eventbus.Bus(memory.New())
	if cfg.NATSURL != "" {
		nb, err := natsbus.Connect(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, nb.Close)
		bus = eventbus.Tee{bus, nb}
		logger.Info("forwarding invalidations to nats", "url", cfg.NATSURL)
	}
	s.bus = bus

	metrics, err := stream.NewMetrics(nil)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("stream metrics: %w", err)
	}
	s.registry = stream.NewRegistry(dialer,
		stream.WithPolicy(cfg.Stream),
		stream.WithLogger(logger),
		stream.WithMetrics(metrics),
		stream.WithBus(bus),
	)
	s.closers = append(s.closers, func() error { return s.registry.Close(cmd.Context()) })
	return s, nil
}

// commandLogger logs to stderr at the configured level.
func commandLogger(cmd *cobra.Command, cfg config.Config, subsystem string) *slog.Logger {
	return logging.NewWithOptions(cmd.ErrOrStderr(), logging.ParseLevel(cfg.LogLevel), subsystem)
}
