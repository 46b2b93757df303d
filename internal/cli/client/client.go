package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultBaseURL = "http://localhost:8081"
	apiPrefix      = "/api/v1"
)

// ErrNotFound matches APIError values with status 404.
var ErrNotFound = errors.New("client: not found")

// APIError is a non-2xx API response.
type APIError struct {
	Status     int
	StatusText string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: http %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Client wraps REST access to the run API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	runs       singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every REST request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New creates a client with the provided base URL (e.g. http://localhost:8081).
func New(rawURL string, opts ...Option) (*Client, error) {
	if rawURL == "" {
		rawURL = defaultBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", parsed.Scheme)
	}
	c := &Client{
		baseURL: parsed,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string { return c.baseURL.String() }

// StreamURL is the SSE endpoint; the run id goes in the run_id parameter.
func (c *Client) StreamURL() string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + apiPrefix + "/stream"
	return u.String()
}

// StreamWebSocketURL is the WebSocket flavour of StreamURL.
func (c *Client) StreamWebSocketURL() string {
	u := *c.baseURL
	u.Scheme = "ws"
	if c.baseURL.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + apiPrefix + "/stream/ws"
	return u.String()
}

// ListRuns returns runs, newest first as ordered by the server. filters are
// sent as query parameters.
func (c *Client) ListRuns(ctx context.Context, filters url.Values) ([]Run, error) {
	var runs []Run
	if err := c.call(ctx, http.MethodGet, "/runs", filters, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetRun fetches a run. Concurrent calls for the same id share one request,
// which keeps bursts of stream invalidations cheap.
func (c *Client) GetRun(ctx context.Context, id string) (*Run, error) {
	v, err, _ := c.runs.Do(id, func() (any, error) {
		var run Run
		if err := c.call(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, nil, &run); err != nil {
			return nil, err
		}
		return &run, nil
	})
	if err != nil {
		return nil, err
	}
	run := *v.(*Run)
	return &run, nil
}

func (c *Client) CreateRun(ctx context.Context, payload CreateRunRequest) (*Run, error) {
	var run Run
	if err := c.call(ctx, http.MethodPost, "/runs", nil, payload, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) SubmitToolOutputs(ctx context.Context, runID string, outputs []ToolOutput) (*Run, error) {
	body := struct {
		ToolOutputs []ToolOutput `json:"tool_outputs"`
	}{ToolOutputs: outputs}
	var run Run
	if err := c.call(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/submit_tool_outputs", nil, body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) CancelRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := c.call(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/cancel", nil, struct{}{}, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) ListThreads(ctx context.Context) ([]Thread, error) {
	var threads []Thread
	if err := c.call(ctx, http.MethodGet, "/threads", nil, nil, &threads); err != nil {
		return nil, err
	}
	return threads, nil
}

func (c *Client) GetThread(ctx context.Context, id string) (*Thread, error) {
	var thread Thread
	if err := c.call(ctx, http.MethodGet, "/threads/"+url.PathEscape(id), nil, nil, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

func (c *Client) CreateThread(ctx context.Context, payload CreateThreadRequest) (*Thread, error) {
	var thread Thread
	if err := c.call(ctx, http.MethodPost, "/threads", nil, payload, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

func (c *Client) DeleteThread(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/threads/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) AddMessage(ctx context.Context, threadID string, payload AddMessageRequest) (*Message, error) {
	var msg Message
	if err := c.call(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", nil, payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	var msgs []Message
	if err := c.call(ctx, http.MethodGet, "/threads/"+url.PathEscape(threadID)+"/messages", nil, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) ListThreadRuns(ctx context.Context, threadID string) ([]Run, error) {
	var runs []Run
	if err := c.call(ctx, http.MethodGet, "/threads/"+url.PathEscape(threadID)+"/runs", nil, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (c *Client) ListAssistants(ctx context.Context) ([]Assistant, error) {
	var assistants []Assistant
	if err := c.call(ctx, http.MethodGet, "/assistants", nil, nil, &assistants); err != nil {
		return nil, err
	}
	return assistants, nil
}

func (c *Client) GetAssistant(ctx context.Context, id string) (*Assistant, error) {
	var a Assistant
	if err := c.call(ctx, http.MethodGet, "/assistants/"+url.PathEscape(id), nil, nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) CreateAssistant(ctx context.Context, payload AssistantRequest) (*Assistant, error) {
	var a Assistant
	if err := c.call(ctx, http.MethodPost, "/assistants", nil, payload, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) UpdateAssistant(ctx context.Context, id string, payload AssistantRequest) (*Assistant, error) {
	var a Assistant
	if err := c.call(ctx, http.MethodPatch, "/assistants/"+url.PathEscape(id), nil, payload, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) DeleteAssistant(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/assistants/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	// path segments arrive escaped.
	resolved := c.baseURL.JoinPath(apiPrefix + path)
	if len(query) > 0 {
		resolved.RawQuery = query.Encode()
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("client: encode body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, resolved.String(), &buf)
	if err != nil {
		return nil, fmt.Errorf("client: new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{
			Status:     resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
			Message:    fmt.Sprintf("HTTP %d", resp.StatusCode),
		}
		var payload struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
			switch {
			case payload.Message != "":
				apiErr.Message = payload.Message
			case payload.Error != "":
				apiErr.Message = payload.Error
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
