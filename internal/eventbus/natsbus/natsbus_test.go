package natsbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Shutdown)
	require.True(t, srv.ReadyForConnections(5*time.Second), "embedded NATS not ready")
	return srv.ClientURL()
}

func TestPublishSubscribe(t *testing.T) {
	url := startTestNATS(t)

	pub, err := Connect(url)
	require.NoError(t, err)
	defer pub.Close()
	sub, err := Connect(url)
	require.NoError(t, err)
	defer sub.Close()

	ch := make(chan any, 1)
	cancel, err := sub.Subscribe("runs.invalidate", ch)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, pub.Publish(context.Background(), "runs.invalidate", map[string]string{"run_id": "r1"}))
	require.NoError(t, pub.Flush())

	select {
	case msg := <-ch:
		raw, ok := msg.(json.RawMessage)
		require.True(t, ok)
		assert.JSONEq(t, `{"run_id":"r1"}`, string(raw))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	url := startTestNATS(t)

	bus, err := Connect(url)
	require.NoError(t, err)
	defer bus.Close()

	ch := make(chan any, 1)
	cancel, err := bus.Subscribe("t", ch)
	require.NoError(t, err)
	cancel()
	cancel()

	require.NoError(t, bus.Publish(context.Background(), "t", 1))
	require.NoError(t, bus.Flush())
	select {
	case <-ch:
		t.Fatal("message delivered after cancel")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubject(t *testing.T) {
	b := &Bus{prefix: DefaultPrefix}
	assert.Equal(t, "studio.runs.invalidate", b.Subject("runs.invalidate"))
}
