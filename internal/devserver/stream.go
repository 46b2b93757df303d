package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duragraph/studio/internal/protocol/events"
)

const wsWriteTimeout = 5 * time.Second

// follower replays a run's history after a resume point and then follows
// new events until the run ends. History is the source of truth; bus
// payloads only signal that there is more to read.
type follower struct {
	s     *Server
	runID string
	after int
	wake  chan any
	unsub func()
}

func (s *Server) follow(runID, lastEventID string) (*follower, error) {
	if _, err := s.store.GetRun(runID); err != nil {
		return nil, err
	}
	f := &follower{s: s, runID: runID, wake: make(chan any, 1)}
	// Subscribe before the first read so no wakeup is lost in between.
	unsub, err := s.bus.Subscribe(eventsTopic(runID), f.wake)
	if err != nil {
		return nil, fmt.Errorf("devserver: subscribe: %w", err)
	}
	f.unsub = unsub
	if n, err := strconv.Atoi(lastEventID); err == nil && n > 0 {
		f.after = n
	}
	return f, nil
}

// run calls send for every pending event and keepalive on every idle
// interval. It returns nil once the run has ended and everything was sent.
func (f *follower) run(ctx context.Context, send func(events.RunEvent) error, keepalive func() error) error {
	defer f.unsub()
	ticker := time.NewTicker(f.s.keepAlive)
	defer ticker.Stop()
	for {
		pending, done, err := f.s.store.eventsAfter(f.runID, f.after)
		if err != nil {
			return err
		}
		for _, ev := range pending {
			if err := send(ev); err != nil {
				return err
			}
			f.after++
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.s.ctx.Done():
			return f.s.ctx.Err()
		case <-f.wake:
		case <-ticker.C:
			if err := keepalive(); err != nil {
				return err
			}
		}
	}
}

func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	f, err := s.follow(runID, r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(ev events.RunEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	keepalive := func() error {
		if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := f.run(r.Context(), send, keepalive); err != nil && r.Context().Err() == nil {
		s.logger.Debug("sse stream ended", "run_id", runID, "error", err)
	}
}

func (s *Server) handleStreamWebSocket(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_event_id")
	}
	f, err := s.follow(runID, lastEventID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.unsub()
		s.logger.Error("ws upgrade", "run_id", runID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Control frames are handled while reading; a read error means the peer
	// is gone.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(ev events.RunEvent) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(ev)
	}
	keepalive := func() error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
	}
	if err := f.run(ctx, send, keepalive); err != nil {
		if ctx.Err() == nil {
			s.logger.Debug("ws stream ended", "run_id", runID, "error", err)
		}
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run ended")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}
