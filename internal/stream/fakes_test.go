package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duragraph/studio/internal/protocol/events"
	"github.com/duragraph/studio/internal/shared/logging"
)

var errRefused = errors.New("connection refused")

type frame struct {
	ev  events.RunEvent
	err error
}

type fakeConn struct {
	frames chan frame
	closed chan struct{}
	once   sync.Once
}

var _ Conn = (*fakeConn)(nil)

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan frame, 64), closed: make(chan struct{})}
}

func (c *fakeConn) send(ev events.RunEvent) { c.frames <- frame{ev: ev} }

func (c *fakeConn) fail(err error) { c.frames <- frame{err: err} }

func (c *fakeConn) Next() (events.RunEvent, error) {
	select {
	case <-c.closed:
		return events.RunEvent{}, ErrClosed
	default:
	}
	select {
	case f := <-c.frames:
		return f.ev, f.err
	case <-c.closed:
		return events.RunEvent{}, ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type dialCall struct {
	runID       string
	lastEventID string
}

// fakeDialer hands out queued connections in order. Once the queue is empty
// it fails with failErr, or blocks until ctx is done when failErr is nil.
type fakeDialer struct {
	mu      sync.Mutex
	calls   []dialCall
	conns   []*fakeConn
	failErr error
}

var _ Dialer = (*fakeDialer)(nil)

func (d *fakeDialer) queue(conns ...*fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, conns...)
}

func (d *fakeDialer) setFailure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failErr = err
}

func (d *fakeDialer) Dial(ctx context.Context, runID, lastEventID string) (Conn, error) {
	d.mu.Lock()
	d.calls = append(d.calls, dialCall{runID: runID, lastEventID: lastEventID})
	if len(d.conns) > 0 {
		c := d.conns[0]
		d.conns = d.conns[1:]
		d.mu.Unlock()
		return c, nil
	}
	failErr := d.failErr
	d.mu.Unlock()

	if failErr != nil {
		return nil, failErr
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (d *fakeDialer) dialCalls() []dialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dialCall(nil), d.calls...)
}

// fakeTimers records requested delays. Timers fire at once unless hold is
// set, in which case they never fire.
type fakeTimers struct {
	mu     sync.Mutex
	delays []time.Duration
	hold   bool
	stops  atomic.Int32
}

func (f *fakeTimers) timer(d time.Duration) (<-chan time.Time, func() bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	c := make(chan time.Time, 1)
	if !f.hold {
		c <- time.Now()
	}
	return c, func() bool {
		f.stops.Add(1)
		return true
	}
}

func (f *fakeTimers) recorded() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

type recorder struct {
	mu       sync.Mutex
	entries  []Entry
	statuses []Status
	failures []error
}

var _ Observer = (*recorder)(nil)

func (r *recorder) OnEvent(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recorder) OnConnectivityChange(c Connectivity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, c.Status)
}

func (r *recorder) OnTerminalFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *recorder) seen() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

func (r *recorder) seenStatuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *recorder) terminalErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.failures...)
}

func newTestRegistry(t *testing.T, d Dialer, timers *fakeTimers, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{
		WithLogger(logging.Discard()),
		withTimer(timers.timer),
	}, opts...)
	reg := NewRegistry(d, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, reg.Close(ctx))
	})
	return reg
}

func ev(id, typ string) events.RunEvent {
	return events.RunEvent{ID: id, Type: typ, Data: []byte(`{}`), Timestamp: "2025-01-01T00:00:00Z"}
}

func types(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Event.Type
	}
	return out
}

func seqs(entries []Entry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.Seq
	}
	return out
}
