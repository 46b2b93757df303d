package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duragraph/studio/internal/protocol/events"
	"github.com/duragraph/studio/internal/stream"
)

// WebSocket dials JSON-frame WebSocket endpoints such as /api/v1/stream/ws.
type WebSocket struct {
	endpoint string
	dialer   *websocket.Dialer
}

var _ stream.Dialer = (*WebSocket)(nil)

// NewWebSocket returns a dialer for a ws:// or wss:// endpoint.
func NewWebSocket(endpoint string) *WebSocket {
	return &WebSocket{
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Dial opens the stream of runID. The resume token travels in the
// Last-Event-ID handshake header.
func (d *WebSocket) Dial(ctx context.Context, runID, lastEventID string) (stream.Conn, error) {
	target, err := withRunID(d.endpoint, runID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if lastEventID != "" {
		header.Set(HeaderLastEventID, lastEventID)
	}

	conn, resp, err := d.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
		}
		return nil, fmt.Errorf("transport: dial websocket: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn   *websocket.Conn
	closed atomic.Bool
	once   sync.Once
}

func (c *wsConn) Next() (events.RunEvent, error) {
	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return events.RunEvent{}, ErrClosed
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return events.RunEvent{}, io.EOF
			}
			return events.RunEvent{}, fmt.Errorf("transport: read websocket: %w", err)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		return events.Decode(payload)
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
