// Package natsbus forwards bus topics to NATS subjects so that processes
// other than the dashboard can react to stream notifications.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/duragraph/studio/internal/eventbus"
)

// DefaultPrefix is prepended to every topic to form the NATS subject.
const DefaultPrefix = "studio."

// Bus publishes JSON-encoded payloads to NATS. Subscribers receive the raw
// JSON payload as json.RawMessage.
type Bus struct {
	conn   *nats.Conn
	prefix string
}

var _ eventbus.Bus = (*Bus)(nil)

// Connect dials NATS with automatic reconnection. Extra options (for example
// disconnect/reconnect handlers) are appended to the defaults.
func Connect(url string, opts ...nats.Option) (*Bus, error) {
	defaults := []nats.Option{
		nats.Name("duragraph-studio"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect %s: %w", url, err)
	}
	return &Bus{conn: nc, prefix: DefaultPrefix}, nil
}

// Subject returns the NATS subject used for topic.
func (b *Bus) Subject(topic string) string { return b.prefix + topic }

// Publish marshals payload and publishes it on the topic subject.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("natsbus: marshal %s: %w", topic, err)
	}
	if err := b.conn.Publish(b.Subject(topic), data); err != nil {
		return fmt.Errorf("natsbus: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe delivers raw payloads for topic to ch. Messages are dropped when
// ch is full so the NATS client is never blocked.
func (b *Bus) Subscribe(topic string, ch chan<- any) (func(), error) {
	if ch == nil {
		return nil, errors.New("natsbus: channel must not be nil")
	}
	var (
		mu     sync.Mutex
		closed bool
		once   sync.Once
	)
	sub, err := b.conn.Subscribe(b.Subject(topic), func(msg *nats.Msg) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- json.RawMessage(msg.Data):
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("natsbus: subscribe %s: %w", topic, err)
	}
	// The subscription must reach the server before messages published on
	// other connections are routed to it.
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("natsbus: flush subscription: %w", err)
	}
	return func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			mu.Unlock()
		})
	}, nil
}

// Flush waits until published messages have been processed by the server.
func (b *Bus) Flush() error { return b.conn.Flush() }

// Close closes the NATS connection.
func (b *Bus) Close() error {
	b.conn.Close()
	return nil
}
