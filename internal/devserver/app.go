package devserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

const shutdownWait = 5 * time.Second

// Serve serves Handler on ln until ctx is cancelled, then stops the scripts,
// ends open streams and shuts the listener down. It returns ctx.Err() after
// a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// Streams end with the server.
		BaseContext: func(net.Listener) context.Context { return s.ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("devserver listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http shutdown", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		s.Close()
		return err
	}
}
