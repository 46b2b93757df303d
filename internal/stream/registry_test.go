package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duragraph/studio/internal/eventbus/memory"
	"github.com/duragraph/studio/internal/protocol/events"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func waitStatus(t *testing.T, h *Handle, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Status() == want }, waitFor, tick, "status never became %s (is %s)", want, h.Status())
}

func TestOrderedDeliveryAcrossReconnect(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(first, second)
	timers := &fakeTimers{}
	reg := newTestRegistry(t, dialer, timers)

	rec := &recorder{}
	h, err := reg.Subscribe("run-1", rec)
	require.NoError(t, err)

	first.send(ev("1", events.TypeRunQueued))
	first.send(ev("2", events.TypeNodeStarted))
	first.fail(io.ErrUnexpectedEOF)
	second.send(ev("3", events.TypeNodeCompleted))

	require.Eventually(t, func() bool { return len(rec.seen()) == 3 }, waitFor, tick)
	got := rec.seen()
	assert.Equal(t, []uint64{0, 1, 2}, seqs(got))
	assert.Equal(t, []string{events.TypeRunQueued, events.TypeNodeStarted, events.TypeNodeCompleted}, types(got))
	assert.Equal(t, seqs(got), seqs(h.Log()))

	calls := dialer.dialCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, dialCall{runID: "run-1"}, calls[0])
	assert.Equal(t, dialCall{runID: "run-1", lastEventID: "2"}, calls[1])
	assert.True(t, first.isClosed())

	require.Eventually(t, func() bool { return len(rec.seenStatuses()) == 5 }, waitFor, tick)
	assert.Equal(t, []Status{
		StatusConnecting, StatusOpen, StatusReconnecting, StatusConnecting, StatusOpen,
	}, rec.seenStatuses())
}

func TestBackoffGrowsThenFails(t *testing.T) {
	dialer := &fakeDialer{failErr: errRefused}
	timers := &fakeTimers{}
	reg := newTestRegistry(t, dialer, timers, WithPolicy(Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     300 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  3,
	}))

	rec := &recorder{}
	h, err := reg.Subscribe("run-1", rec)
	require.NoError(t, err)
	waitStatus(t, h, StatusFailed)

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
	}, timers.recorded())
	assert.Len(t, dialer.dialCalls(), 4)

	require.Eventually(t, func() bool { return len(rec.terminalErrors()) == 1 }, waitFor, tick)
	terr := rec.terminalErrors()[0]
	assert.ErrorIs(t, terr, ErrTerminalConnectivity)
	assert.ErrorIs(t, terr, errRefused)
	var te *TerminalError
	require.True(t, errors.As(terr, &te))
	assert.Equal(t, 4, te.Attempts)
	assert.Equal(t, "run-1", te.RunID)

	statuses := rec.seenStatuses()
	assert.Equal(t, StatusFailed, statuses[len(statuses)-1])

	// No dial happens once failed.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, dialer.dialCalls(), 4)
}

func TestReleaseCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{failErr: errRefused}
	timers := &fakeTimers{hold: true}
	reg := newTestRegistry(t, dialer, timers)

	h, err := reg.Subscribe("run-1", nil)
	require.NoError(t, err)
	waitStatus(t, h, StatusReconnecting)
	sub, ok := reg.Lookup("run-1")
	require.True(t, ok)

	h.Close()
	h.Close()
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, StatusClosed, sub.Status())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, reg.Close(ctx))
	assert.Len(t, dialer.dialCalls(), 1)
	assert.Equal(t, int32(1), timers.stops.Load())

	_, err = h.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReleaseClosesLiveConnection(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(conn)
	reg := newTestRegistry(t, dialer, &fakeTimers{})

	h, err := reg.Subscribe("run-1", nil)
	require.NoError(t, err)
	waitStatus(t, h, StatusOpen)

	h.Close()
	assert.True(t, conn.isClosed())
	_, ok := reg.Lookup("run-1")
	assert.False(t, ok)
}

func TestSubscribeIsSingleFlight(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(conn)
	reg := newTestRegistry(t, dialer, &fakeTimers{})

	const n = 32
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := reg.Subscribe("run-1", nil)
			assert.NoError(t, err)
			handles[i] = h
		}()
	}
	wg.Wait()

	waitStatus(t, handles[0], StatusOpen)
	assert.Equal(t, 1, reg.Len())
	assert.Len(t, dialer.dialCalls(), 1)
	for _, h := range handles[1:] {
		assert.Same(t, handles[0].sub, h.sub)
	}

	for _, h := range handles[:n-1] {
		h.Close()
	}
	assert.Equal(t, 1, reg.Len())
	assert.False(t, conn.isClosed())
	handles[n-1].Close()
	assert.Equal(t, 0, reg.Len())
	assert.True(t, conn.isClosed())
}

func TestLateObserverGetsSnapshotThenLiveEvents(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(conn)
	reg := newTestRegistry(t, dialer, &fakeTimers{})

	early := &recorder{}
	_, err := reg.Subscribe("run-1", early)
	require.NoError(t, err)
	conn.send(ev("1", events.TypeRunInProgress))
	conn.send(ev("2", events.TypeNodeStarted))
	require.Eventually(t, func() bool { return len(early.seen()) == 2 }, waitFor, tick)

	late := &recorder{}
	h, err := reg.Subscribe("run-1", late)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1}, seqs(h.Snapshot()))
	assert.Equal(t, StatusOpen, h.InitialStatus())

	conn.send(ev("3", events.TypeNodeCompleted))
	require.Eventually(t, func() bool { return len(late.seen()) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(early.seen()) == 3 }, waitFor, tick)
	assert.Equal(t, uint64(2), late.seen()[0].Seq)
	assert.Len(t, dialer.dialCalls(), 1)
}

func TestObserversCannotMutateLog(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(conn)
	reg := newTestRegistry(t, dialer, &fakeTimers{})

	rec := &recorder{}
	h, err := reg.Subscribe("run-1", rec)
	require.NoError(t, err)
	conn.send(events.RunEvent{Type: events.TypeNodeStarted, Data: []byte(`{"node_id":"a"}`)})
	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, waitFor, tick)

	rec.seen()[0].Event.Data[2] = 'X'
	assert.Equal(t, `{"node_id":"a"}`, string(h.Log()[0].Event.Data))
}

func TestDuplicateIDsAreSkippedAfterResume(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(first, second)
	reg := newTestRegistry(t, dialer, &fakeTimers{})

	rec := &recorder{}
	_, err := reg.Subscribe("run-1", rec)
	require.NoError(t, err)

	first.send(ev("1", events.TypeRunQueued))
	first.send(ev("2", events.TypeRunInProgress))
	first.fail(errors.New("reset by peer"))
	second.send(ev("2", events.TypeRunInProgress))
	second.send(ev("3", events.TypeNodeStarted))
	second.send(ev("", "heartbeat"))
	second.send(ev("", "heartbeat"))

	require.Eventually(t, func() bool { return len(rec.seen()) == 5 }, waitFor, tick)
	assert.Equal(t, []string{
		events.TypeRunQueued, events.TypeRunInProgress, events.TypeNodeStarted, "heartbeat", "heartbeat",
	}, types(rec.seen()))
}

func TestLogCapEvictsOldest(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(conn)
	reg := newTestRegistry(t, dialer, &fakeTimers{}, WithPolicy(Policy{MaxEvents: 3}))

	rec := &recorder{}
	h, err := reg.Subscribe("run-1", rec)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		conn.send(ev(id, events.TypeOutputChunk))
	}
	require.Eventually(t, func() bool { return len(rec.seen()) == 5 }, waitFor, tick)
	assert.Equal(t, []uint64{2, 3, 4}, seqs(h.Log()))

	// An evicted id is no longer known, so it is appended again.
	conn.send(ev("a", events.TypeOutputChunk))
	require.Eventually(t, func() bool { return len(rec.seen()) == 6 }, waitFor, tick)
	assert.Equal(t, []uint64{3, 4, 5}, seqs(h.Log()))
}

func TestTerminalEventEndsWithoutReconnect(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(conn)
	reg := newTestRegistry(t, dialer, &fakeTimers{})

	rec := &recorder{}
	h, err := reg.Subscribe("run-1", rec)
	require.NoError(t, err)
	conn.send(ev("1", events.TypeRunCompleted))
	conn.fail(io.EOF)

	waitStatus(t, h, StatusClosed)
	assert.Len(t, dialer.dialCalls(), 1)
	assert.Equal(t, 1, reg.Len())
	assert.Empty(t, rec.terminalErrors())
	assert.Len(t, h.Log(), 1)
}

func TestEOFBeforeTerminalEventReconnects(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(first, second)
	reg := newTestRegistry(t, dialer, &fakeTimers{})

	h, err := reg.Subscribe("run-1", nil)
	require.NoError(t, err)
	first.send(ev("1", events.TypeNodeStarted))
	first.fail(io.EOF)

	require.Eventually(t, func() bool { return len(dialer.dialCalls()) == 2 }, waitFor, tick)
	waitStatus(t, h, StatusOpen)
}

func TestMalformedFrameIsDropped(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(conn)
	reg := newTestRegistry(t, dialer, &fakeTimers{})

	h, err := reg.Subscribe("run-1", nil)
	require.NoError(t, err)
	_, decodeErr := events.Decode([]byte("{bad json"))
	require.Error(t, decodeErr)
	conn.fail(decodeErr)
	conn.send(events.RunEvent{Type: events.TypeRunCompleted, Data: []byte(`{}`), Timestamp: "t1"})

	require.Eventually(t, func() bool { return len(h.Log()) == 1 }, waitFor, tick)
	assert.Equal(t, StatusOpen, h.Status())
	assert.Len(t, dialer.dialCalls(), 1)
}

func TestRetryAfterTerminalFailure(t *testing.T) {
	dialer := &fakeDialer{failErr: errRefused}
	reg := newTestRegistry(t, dialer, &fakeTimers{}, WithPolicy(Policy{MaxAttempts: 1}))

	h, err := reg.Subscribe("run-1", nil)
	require.NoError(t, err)
	waitStatus(t, h, StatusFailed)
	assert.ErrorIs(t, h.Err(), ErrTerminalConnectivity)

	dialer.queue(newFakeConn())
	require.NoError(t, h.Retry())
	waitStatus(t, h, StatusOpen)
	assert.ErrorIs(t, h.Retry(), ErrNotFailed)
	assert.Equal(t, 0, h.sub.Attempts())
}

func TestSubscribeRestartsFailedSubscription(t *testing.T) {
	dialer := &fakeDialer{failErr: errRefused}
	reg := newTestRegistry(t, dialer, &fakeTimers{}, WithPolicy(Policy{MaxAttempts: 1}))

	first, err := reg.Subscribe("run-1", nil)
	require.NoError(t, err)
	waitStatus(t, first, StatusFailed)

	dialer.queue(newFakeConn())
	second, err := reg.Subscribe("run-1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, second.InitialStatus())
	waitStatus(t, second, StatusOpen)
}

func TestRetryFromTerminalCallback(t *testing.T) {
	dialer := &fakeDialer{failErr: errRefused}
	reg := newTestRegistry(t, dialer, &fakeTimers{}, WithPolicy(Policy{MaxAttempts: 1}))

	var (
		h        *Handle
		retryErr = make(chan error, 1)
	)
	ready := make(chan struct{})
	obs := ObserverFuncs{TerminalFailure: func(error) {
		<-ready
		dialer.queue(newFakeConn())
		retryErr <- h.Retry()
	}}
	h, err := reg.Subscribe("run-1", obs)
	require.NoError(t, err)
	close(ready)

	require.NoError(t, <-retryErr)
	waitStatus(t, h, StatusOpen)
}

func TestHandleNextDeliversUpdatesInOrder(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(conn)
	reg := newTestRegistry(t, dialer, &fakeTimers{})

	h, err := reg.Subscribe("run-1", nil)
	require.NoError(t, err)
	conn.send(ev("1", events.TypeRunQueued))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	var kinds []string
	for len(kinds) < 3 {
		u, err := h.Next(ctx)
		require.NoError(t, err)
		switch u.Kind {
		case UpdateConnectivity:
			kinds = append(kinds, string(u.Connectivity.Status))
		case UpdateEvent:
			kinds = append(kinds, u.Entry.Event.Type)
		}
	}
	assert.Equal(t, []string{"connecting", "open", events.TypeRunQueued}, kinds)

	short, stop := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer stop()
	_, err = h.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandleQueueDropsOldestEvents(t *testing.T) {
	h := newHandle(nil, nil, nil, 3)
	h.push(Update{Kind: UpdateConnectivity, Connectivity: Connectivity{Status: StatusOpen}})
	for seq := range uint64(4) {
		h.push(Update{Kind: UpdateEvent, Entry: Entry{Seq: seq}})
	}
	assert.Equal(t, 2, h.Dropped())

	ctx := context.Background()
	u, err := h.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, UpdateConnectivity, u.Kind)
	u, err = h.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), u.Entry.Seq)
	u, err = h.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), u.Entry.Seq)
}

func TestRunEventsPublishInvalidations(t *testing.T) {
	bus := memory.New()
	notices := make(chan any, 8)
	unsubscribe, err := bus.Subscribe(TopicInvalidate, notices)
	require.NoError(t, err)
	defer unsubscribe()

	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(conn)
	reg := newTestRegistry(t, dialer, &fakeTimers{}, WithBus(bus))

	_, err = reg.Subscribe("run-1", nil)
	require.NoError(t, err)
	conn.send(ev("1", events.TypeRunInProgress))
	conn.send(ev("2", events.TypeNodeStarted))
	conn.send(ev("3", events.TypeRunRequiresAction))

	var got []Invalidation
	for len(got) < 2 {
		select {
		case n := <-notices:
			got = append(got, n.(Invalidation))
		case <-time.After(waitFor):
			t.Fatal("timed out waiting for invalidation")
		}
	}
	assert.Equal(t, []Invalidation{
		{RunID: "run-1", EventType: events.TypeRunInProgress, Seq: 0},
		{RunID: "run-1", EventType: events.TypeRunRequiresAction, Seq: 2},
	}, got)
}

func TestSubscribeValidation(t *testing.T) {
	reg := NewRegistry(&fakeDialer{})
	_, err := reg.Subscribe("", nil)
	assert.ErrorIs(t, err, ErrEmptyRunID)

	require.NoError(t, reg.Close(context.Background()))
	_, err = reg.Subscribe("run-1", nil)
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestCloseTearsDownEverything(t *testing.T) {
	c1, c2 := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(c1, c2)
	reg := newTestRegistry(t, dialer, &fakeTimers{})

	h1, err := reg.Subscribe("run-1", nil)
	require.NoError(t, err)
	waitStatus(t, h1, StatusOpen)
	h2, err := reg.Subscribe("run-2", nil)
	require.NoError(t, err)
	waitStatus(t, h2, StatusOpen)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, reg.Close(ctx))
	assert.True(t, c1.isClosed())
	assert.True(t, c2.isClosed())
	assert.Equal(t, 0, reg.Len())

	_, err = h1.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	h1.Close()
}
