// Package devserver is an in-memory stand-in for the DuraGraph API. It serves
// the REST surface the studio uses plus the run event stream over SSE and
// WebSocket, and plays a short script for every run it creates.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/duragraph/studio/internal/cli/client"
	"github.com/duragraph/studio/internal/eventbus"
	"github.com/duragraph/studio/internal/eventbus/memory"
	"github.com/duragraph/studio/internal/protocol/events"
)

const (
	defaultStepDelay = 250 * time.Millisecond
	defaultKeepAlive = 15 * time.Second
)

// Options configures a Server.
type Options struct {
	// StepDelay is the pause between scripted events. Zero uses 250ms; a
	// negative value disables the pause.
	StepDelay time.Duration
	// KeepAlive is the interval of stream keepalive frames. Zero uses 15s.
	KeepAlive time.Duration
	Logger    *slog.Logger
	// Bus carries new-event wakeups to stream handlers. Nil uses an
	// in-process bus.
	Bus eventbus.Bus
	// Seed creates a default assistant and thread.
	Seed bool
}

// Server serves the devserver API.
type Server struct {
	store     *Store
	bus       eventbus.Bus
	logger    *slog.Logger
	stepDelay time.Duration
	keepAlive time.Duration
	upgrader  websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.StepDelay == 0 {
		opts.StepDelay = defaultStepDelay
	}
	if opts.StepDelay < 0 {
		opts.StepDelay = 0
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Bus == nil {
		opts.Bus = memory.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:     NewStore(),
		bus:       opts.Bus,
		logger:    opts.Logger,
		stepDelay: opts.StepDelay,
		keepAlive: opts.KeepAlive,
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		ctx:       ctx,
		cancel:    cancel,
	}
	if opts.Seed {
		s.seed()
	}
	return s
}

// Store exposes the backing store.
func (s *Server) Store() *Store { return s.store }

// Close stops every running script and open stream and waits for the
// scripts to return.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) seed() {
	a, err := s.store.CreateAssistant(client.AssistantRequest{Name: "echo", Description: "Repeats the last message", GraphID: "echo"})
	if err != nil {
		s.logger.Error("seed assistant", "error", err)
		return
	}
	t := s.store.CreateThread(client.CreateThreadRequest{Metadata: map[string]any{"title": "scratch"}})
	s.logger.Info("seeded", "assistant_id", a.AssistantID, "thread_id", t.ThreadID)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/runs", s.handleListRuns)
		r.Post("/runs", s.handleCreateRun)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Post("/runs/{runID}/submit_tool_outputs", s.handleSubmitToolOutputs)
		r.Post("/runs/{runID}/cancel", s.handleCancelRun)

		r.Get("/threads", s.handleListThreads)
		r.Post("/threads", s.handleCreateThread)
		r.Get("/threads/{threadID}", s.handleGetThread)
		r.Delete("/threads/{threadID}", s.handleDeleteThread)
		r.Get("/threads/{threadID}/messages", s.handleListMessages)
		r.Post("/threads/{threadID}/messages", s.handleAddMessage)
		r.Get("/threads/{threadID}/runs", s.handleListThreadRuns)

		r.Get("/assistants", s.handleListAssistants)
		r.Post("/assistants", s.handleCreateAssistant)
		r.Get("/assistants/{assistantID}", s.handleGetAssistant)
		r.Patch("/assistants/{assistantID}", s.handleUpdateAssistant)
		r.Delete("/assistants/{assistantID}", s.handleDeleteAssistant)

		r.Get("/stream", s.handleStreamSSE)
		r.Get("/stream/ws", s.handleStreamWebSocket)
	})
	return r
}

// requestLogger is chi's request logging on slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, s.store.ListRuns(q.Get("status"), q.Get("thread_id")))
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req client.CreateRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ThreadID == "" || req.AssistantID == "" {
		writeError(w, http.StatusBadRequest, "thread_id and assistant_id are required")
		return
	}
	run, err := s.startRun(req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(chi.URLParam(r, "runID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleSubmitToolOutputs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var req struct {
		ToolOutputs []client.ToolOutput `json:"tool_outputs"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	run, err := s.resumeRun(runID, req.ToolOutputs)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.emit(runID, events.TypeRunCancelled, events.RunPayload{RunID: runID, Status: string(client.RunCancelled)}, withStatus(client.RunCancelled)); err != nil {
		writeStoreError(w, err)
		return
	}
	run, err := s.store.GetRun(runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListThreads())
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req client.CreateThreadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusCreated, s.store.CreateThread(req))
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetThread(chi.URLParam(r, "threadID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteThread(chi.URLParam(r, "threadID")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.ListMessages(chi.URLParam(r, "threadID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req client.AddMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := s.store.AddMessage(chi.URLParam(r, "threadID"), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleListThreadRuns(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	if _, err := s.store.GetThread(threadID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.ListRuns("", threadID))
}

func (s *Server) handleListAssistants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListAssistants())
}

func (s *Server) handleCreateAssistant(w http.ResponseWriter, r *http.Request) {
	var req client.AssistantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := s.store.CreateAssistant(req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetAssistant(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAssistant(chi.URLParam(r, "assistantID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdateAssistant(w http.ResponseWriter, r *http.Request) {
	var req client.AssistantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := s.store.UpdateAssistant(chi.URLParam(r, "assistantID"), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAssistant(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAssistant(chi.URLParam(r, "assistantID")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeJSON reads the request body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid json")
	return false
}

func writeStoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var validationErr ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
