package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/duragraph/studio/internal/protocol/events"
	"github.com/duragraph/studio/internal/stream"
)

// SSE dials text/event-stream endpoints such as /api/v1/stream.
type SSE struct {
	endpoint   string
	httpClient *http.Client
}

var _ stream.Dialer = (*SSE)(nil)

// NewSSE returns a dialer for endpoint. The run id is passed as the run_id
// query parameter. httpClient must not set a Timeout, which would cut long
// lived streams; nil uses a fresh client.
func NewSSE(endpoint string, httpClient *http.Client) *SSE {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &SSE{endpoint: endpoint, httpClient: httpClient}
}

// Dial opens the stream of runID, resuming after lastEventID when set.
func (d *SSE) Dial(ctx context.Context, runID, lastEventID string) (stream.Conn, error) {
	target, err := withRunID(d.endpoint, runID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set(HeaderLastEventID, lastEventID)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: dial sse: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		cancel()
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return &sseConn{
		body:   resp.Body,
		reader: bufio.NewReaderSize(resp.Body, 64*1024),
		cancel: cancel,
	}, nil
}

type sseConn struct {
	body   io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc
	closed atomic.Bool
	once   sync.Once
}

// Next parses frames until one complete event is dispatched. Only data, id
// and comment lines matter here; the JSON frame carries the event type.
func (c *sseConn) Next() (events.RunEvent, error) {
	var (
		data []string
		id   string
	)
	for {
		if c.closed.Load() {
			return events.RunEvent{}, ErrClosed
		}
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if c.closed.Load() {
				return events.RunEvent{}, ErrClosed
			}
			// An event without its terminating blank line is discarded.
			if errors.Is(err, io.EOF) {
				return events.RunEvent{}, io.EOF
			}
			return events.RunEvent{}, fmt.Errorf("transport: read sse: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(data) == 0 {
				id = ""
				continue
			}
			ev, err := events.Decode([]byte(strings.Join(data, "\n")))
			if err != nil {
				return events.RunEvent{}, err
			}
			if ev.ID == "" {
				ev.ID = id
			}
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
		case "id":
			if !strings.ContainsRune(value, 0) {
				id = value
			}
		}
	}
}

func (c *sseConn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		c.cancel()
		err = c.body.Close()
	})
	return err
}
