package eventbus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duragraph/studio/internal/eventbus"
	"github.com/duragraph/studio/internal/eventbus/memory"
)

type failingBus struct{ err error }

func (b failingBus) Publish(context.Context, string, any) error { return b.err }

func (b failingBus) Subscribe(string, chan<- any) (func(), error) { return nil, b.err }

func TestTeePublishesToEveryBus(t *testing.T) {
	first, second := memory.New(), memory.New()
	tee := eventbus.Tee{first, second}

	a := make(chan any, 1)
	b := make(chan any, 1)
	_, err := first.Subscribe("topic", a)
	require.NoError(t, err)
	_, err = second.Subscribe("topic", b)
	require.NoError(t, err)

	require.NoError(t, tee.Publish(context.Background(), "topic", "x"))
	assert.Equal(t, "x", <-a)
	assert.Equal(t, "x", <-b)

	c := make(chan any, 1)
	unsubscribe, err := tee.Subscribe("topic", c)
	require.NoError(t, err)
	defer unsubscribe()
	assert.Equal(t, 2, first.Subscribers("topic"))
	assert.Equal(t, 1, second.Subscribers("topic"))
}

func TestTeeJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	local := memory.New()
	ch := make(chan any, 1)
	_, err := local.Subscribe("topic", ch)
	require.NoError(t, err)

	err = eventbus.Tee{local, failingBus{err: boom}}.Publish(context.Background(), "topic", 1)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, <-ch, "healthy buses still receive the payload")

	_, err = eventbus.Tee{}.Subscribe("topic", ch)
	assert.Error(t, err)
}
