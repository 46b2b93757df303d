package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duragraph/studio/internal/cli/client"
	"github.com/duragraph/studio/internal/protocol/events"
)

var (
	ErrNotFound = errors.New("devserver: not found")
	ErrConflict = errors.New("devserver: conflict")
)

// ValidationError reports a bad request payload.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

type runState struct {
	order   int
	run     client.Run
	history []events.RunEvent
	cancel  context.CancelFunc
	tools   chan []client.ToolOutput
}

// Store keeps every resource in memory for the lifetime of the process.
type Store struct {
	mu         sync.RWMutex
	threads    map[string]client.Thread
	messages   map[string][]client.Message
	assistants map[string]client.Assistant
	runs       map[string]*runState
	runCount   int
	now        func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		threads:    make(map[string]client.Thread),
		messages:   make(map[string][]client.Message),
		assistants: make(map[string]client.Assistant),
		runs:       make(map[string]*runState),
		now:        time.Now,
	}
}

// timestampLayout is fixed width so timestamps sort as strings.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timestampLayout)
}

func (s *Store) CreateThread(req client.CreateThreadRequest) client.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.timestamp()
	t := client.Thread{ThreadID: uuid.NewString(), Metadata: req.Metadata, CreatedAt: ts, UpdatedAt: ts}
	s.threads[t.ThreadID] = t
	return t
}

func (s *Store) ListThreads() []client.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]client.Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

func (s *Store) GetThread(id string) (client.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return client.Thread{}, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (s *Store) DeleteThread(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; !ok {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	for _, rs := range s.runs {
		if rs.run.ThreadID == id && !rs.run.Status.Terminal() {
			return fmt.Errorf("thread %s has an active run: %w", id, ErrConflict)
		}
	}
	delete(s.threads, id)
	delete(s.messages, id)
	return nil
}

func (s *Store) AddMessage(threadID string, req client.AddMessageRequest) (client.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return client.Message{}, ValidationError{Msg: "content is required"}
	}
	switch req.Role {
	case "":
		req.Role = "user"
	case "user", "assistant", "system":
	default:
		return client.Message{}, ValidationError{Msg: fmt.Sprintf("unknown role %q", req.Role)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addMessageLocked(threadID, req.Role, req.Content)
}

func (s *Store) addMessageLocked(threadID, role, content string) (client.Message, error) {
	t, ok := s.threads[threadID]
	if !ok {
		return client.Message{}, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	ts := s.timestamp()
	msg := client.Message{MessageID: uuid.NewString(), ThreadID: threadID, Role: role, Content: content, CreatedAt: ts}
	s.messages[threadID] = append(s.messages[threadID], msg)
	t.UpdatedAt = ts
	s.threads[threadID] = t
	return msg, nil
}

func (s *Store) ListMessages(threadID string) ([]client.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.threads[threadID]; !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	return append([]client.Message{}, s.messages[threadID]...), nil
}

func (s *Store) CreateAssistant(req client.AssistantRequest) (client.Assistant, error) {
	if strings.TrimSpace(req.Name) == "" {
		return client.Assistant{}, ValidationError{Msg: "name is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.timestamp()
	a := client.Assistant{
		AssistantID: uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		GraphID:     req.GraphID,
		Config:      req.Config,
		Metadata:    req.Metadata,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	s.assistants[a.AssistantID] = a
	return a, nil
}

func (s *Store) ListAssistants() []client.Assistant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]client.Assistant, 0, len(s.assistants))
	for _, a := range s.assistants {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) GetAssistant(id string) (client.Assistant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assistants[id]
	if !ok {
		return client.Assistant{}, fmt.Errorf("assistant %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (s *Store) UpdateAssistant(id string, req client.AssistantRequest) (client.Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assistants[id]
	if !ok {
		return client.Assistant{}, fmt.Errorf("assistant %s: %w", id, ErrNotFound)
	}
	if req.Name != "" {
		a.Name = req.Name
	}
	if req.Description != "" {
		a.Description = req.Description
	}
	if req.GraphID != "" {
		a.GraphID = req.GraphID
	}
	if req.Config != nil {
		a.Config = req.Config
	}
	if req.Metadata != nil {
		a.Metadata = req.Metadata
	}
	a.UpdatedAt = s.timestamp()
	s.assistants[id] = a
	return a, nil
}

func (s *Store) DeleteAssistant(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assistants[id]; !ok {
		return fmt.Errorf("assistant %s: %w", id, ErrNotFound)
	}
	delete(s.assistants, id)
	return nil
}

// createRun registers a queued run. cancel stops its script.
func (s *Store) createRun(req client.CreateRunRequest, cancel context.CancelFunc) (client.Run, chan []client.ToolOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[req.ThreadID]; !ok {
		return client.Run{}, nil, fmt.Errorf("thread %s: %w", req.ThreadID, ErrNotFound)
	}
	if _, ok := s.assistants[req.AssistantID]; !ok {
		return client.Run{}, nil, fmt.Errorf("assistant %s: %w", req.AssistantID, ErrNotFound)
	}
	s.runCount++
	rs := &runState{
		order: s.runCount,
		run: client.Run{
			RunID:       uuid.NewString(),
			ThreadID:    req.ThreadID,
			AssistantID: req.AssistantID,
			Status:      client.RunQueued,
			Input:       req.Input,
			CreatedAt:   s.timestamp(),
		},
		cancel: cancel,
		tools:  make(chan []client.ToolOutput, 1),
	}
	s.runs[rs.run.RunID] = rs
	return rs.run, rs.tools, nil
}

func (s *Store) GetRun(id string) (client.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.runs[id]
	if !ok {
		return client.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return rs.run, nil
}

// ListRuns returns runs newest first, optionally filtered by status and
// thread.
func (s *Store) ListRuns(status, threadID string) []client.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]*runState, 0, len(s.runs))
	for _, rs := range s.runs {
		if status != "" && string(rs.run.Status) != status {
			continue
		}
		if threadID != "" && rs.run.ThreadID != threadID {
			continue
		}
		matched = append(matched, rs)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].order > matched[j].order })
	out := make([]client.Run, len(matched))
	for i, rs := range matched {
		out[i] = rs.run
	}
	return out
}

// updateRun applies fn to a run that has not ended.
func (s *Store) updateRun(id string, fn func(*client.Run)) (client.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.runs[id]
	if !ok {
		return client.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if rs.run.Status.Terminal() {
		return rs.run, fmt.Errorf("run %s is %s: %w", id, rs.run.Status, ErrConflict)
	}
	fn(&rs.run)
	return rs.run, nil
}

// appendEvent records an event for a run that has not ended and assigns it
// the next id. apply, when set, updates the run in the same step.
func (s *Store) appendEvent(runID, typ string, data any, apply func(*client.Run)) (events.RunEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return events.RunEvent{}, fmt.Errorf("devserver: encode %s payload: %w", typ, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.runs[runID]
	if !ok {
		return events.RunEvent{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if rs.run.Status.Terminal() {
		return events.RunEvent{}, fmt.Errorf("run %s is %s: %w", runID, rs.run.Status, ErrConflict)
	}
	ts := s.timestamp()
	ev := events.RunEvent{
		ID:        strconv.Itoa(len(rs.history) + 1),
		Type:      typ,
		Data:      raw,
		Timestamp: ts,
	}
	rs.history = append(rs.history, ev)
	if apply != nil {
		apply(&rs.run)
	}
	switch {
	case rs.run.Status == client.RunInProgress && rs.run.StartedAt == "":
		rs.run.StartedAt = ts
	case rs.run.Status.Terminal():
		rs.run.CompletedAt = ts
		rs.run.RequiredAction = nil
		if rs.cancel != nil {
			rs.cancel()
		}
	}
	return ev, nil
}

func withStatus(status client.RunStatus) func(*client.Run) {
	return func(r *client.Run) { r.Status = status }
}

// eventsAfter returns the events with an id above after. done is true when
// the run has ended and nothing is left to send.
func (s *Store) eventsAfter(runID string, after int) ([]events.RunEvent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.runs[runID]
	if !ok {
		return nil, false, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	var pending []events.RunEvent
	if after < len(rs.history) {
		pending = make([]events.RunEvent, 0, len(rs.history)-after)
		for _, ev := range rs.history[max(after, 0):] {
			pending = append(pending, ev.Clone())
		}
	}
	return pending, rs.run.Status.Terminal(), nil
}

func (s *Store) runControl(id string) (chan []client.ToolOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return rs.tools, nil
}
