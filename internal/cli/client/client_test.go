package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, WithTimeout(5*time.Second))
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com")
	assert.Error(t, err)
	_, err = New("http://bad host")
	assert.Error(t, err)

	c, err := New("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8081", c.BaseURL())
}

func TestStreamURLs(t *testing.T) {
	c, err := New("https://studio.example.com/base/")
	require.NoError(t, err)
	assert.Equal(t, "https://studio.example.com/base/api/v1/stream", c.StreamURL())
	assert.Equal(t, "wss://studio.example.com/base/api/v1/stream/ws", c.StreamWebSocketURL())

	c, err = New("http://localhost:8081")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8081/api/v1/stream/ws", c.StreamWebSocketURL())
}

func TestListRunsSendsFilters(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/runs", r.URL.Path)
		assert.Equal(t, "in_progress", r.URL.Query().Get("status"))
		_ = json.NewEncoder(w).Encode([]Run{{RunID: "r1", Status: RunInProgress}})
	}))

	runs, err := c.ListRuns(context.Background(), url.Values{"status": {"in_progress"}})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].RunID)
	assert.False(t, runs[0].Status.Terminal())
}

func TestCreateRunAndSubmitToolOutputs(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch r.URL.Path {
		case "/api/v1/runs":
			assert.Equal(t, "t1", body["thread_id"])
			assert.Equal(t, map[string]any{"message": "hi"}, body["input"])
			_ = json.NewEncoder(w).Encode(Run{RunID: "r1", Status: RunQueued})
		case "/api/v1/runs/r1/submit_tool_outputs":
			outputs := body["tool_outputs"].([]any)
			assert.Equal(t, "call-1", outputs[0].(map[string]any)["tool_call_id"])
			_ = json.NewEncoder(w).Encode(Run{RunID: "r1", Status: RunInProgress})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	run, err := c.CreateRun(context.Background(), CreateRunRequest{ThreadID: "t1", AssistantID: "a1", Input: map[string]any{"message": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, RunQueued, run.Status)

	run, err = c.SubmitToolOutputs(context.Background(), "r1", []ToolOutput{{ToolCallID: "call-1", Output: "42"}})
	require.NoError(t, err)
	assert.Equal(t, RunInProgress, run.Status)
}

func TestAPIErrors(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/runs/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"run not found"}`))
		case "/api/v1/threads/t1":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"thread busy"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))

	_, err := c.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "run not found", apiErr.Message)
	assert.Equal(t, "Not Found", apiErr.StatusText)

	err = c.DeleteThread(context.Background(), "t1")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "thread busy", apiErr.Message)
	assert.NotErrorIs(t, err, ErrNotFound)

	_, err = c.ListAssistants(context.Background())
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "HTTP 502", apiErr.Message)
}

func TestEmptyBodies(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	require.NoError(t, c.DeleteAssistant(context.Background(), "a1"))
	_, err := c.CancelRun(context.Background(), "r1")
	require.NoError(t, err)
}

func TestPathSegmentsAreEscaped(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/threads/a%2Fb/messages", r.URL.EscapedPath())
		_ = json.NewEncoder(w).Encode(Message{MessageID: "m1", ThreadID: "a/b", Role: "user", Content: "x"})
	}))
	msg, err := c.AddMessage(context.Background(), "a/b", AddMessageRequest{Role: "user", Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.MessageID)
}

func TestListMessages(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/threads/t1/messages", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]Message{{MessageID: "m1", Role: "user", Content: "hi"}, {MessageID: "m2", Role: "assistant", Content: "Echo: hi"}})
	}))
	msgs, err := c.ListMessages(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "assistant", msgs[1].Role)
}

func TestGetRunSharesConcurrentRequests(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_ = json.NewEncoder(w).Encode(Run{RunID: "r1", Status: RunCompleted})
	}))

	const n = 5
	runs := make([]*Run, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := c.GetRun(context.Background(), "r1")
			assert.NoError(t, err)
			runs[i] = run
		}()
	}
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	runs[0].Status = RunFailed
	assert.Equal(t, RunCompleted, runs[1].Status, "callers get independent copies")
}
