// Package transport implements stream.Dialer over Server-Sent Events and
// WebSocket push channels.
package transport

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("transport: connection closed")

// StatusError reports a handshake rejected by the server. It is treated as
// a transient transport error by subscriptions.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: unexpected status %s", e.Status)
}

// HeaderLastEventID carries the resume token on reconnect.
const HeaderLastEventID = "Last-Event-ID"

func withRunID(endpoint, runID string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("transport: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("run_id", runID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
