package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanOut(t *testing.T) {
	bus := New()
	a := make(chan any, 1)
	b := make(chan any, 1)
	unsubA, err := bus.Subscribe("runs.invalidate", a)
	require.NoError(t, err)
	defer unsubA()
	unsubB, err := bus.Subscribe("runs.invalidate", b)
	require.NoError(t, err)
	defer unsubB()

	require.NoError(t, bus.Publish(context.Background(), "runs.invalidate", "r1"))
	assert.Equal(t, "r1", <-a)
	assert.Equal(t, "r1", <-b)
}

func TestPublishSkipsFullChannel(t *testing.T) {
	bus := New()
	ch := make(chan any, 1)
	unsub, err := bus.Subscribe("t", ch)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, bus.Publish(context.Background(), "t", 1))
	require.NoError(t, bus.Publish(context.Background(), "t", 2))
	assert.Equal(t, 1, <-ch)
	assert.Len(t, ch, 0)
}

func TestUnsubscribe(t *testing.T) {
	bus := New()
	ch := make(chan any, 1)
	unsub, err := bus.Subscribe("t", ch)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers("t"))

	unsub()
	unsub()
	assert.Equal(t, 0, bus.Subscribers("t"))

	require.NoError(t, bus.Publish(context.Background(), "t", 1))
	assert.Len(t, ch, 0)
}

func TestSubscribeNilChannel(t *testing.T) {
	_, err := New().Subscribe("t", nil)
	assert.Error(t, err)
}
