package stream

import (
	"context"
	"sync"
)

// UpdateKind discriminates Update.
type UpdateKind int

const (
	UpdateEvent UpdateKind = iota + 1
	UpdateConnectivity
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateEvent:
		return "event"
	case UpdateConnectivity:
		return "connectivity"
	default:
		return "unknown"
	}
}

// Update is one item delivered through Handle.Next.
type Update struct {
	Kind         UpdateKind
	Entry        Entry
	Connectivity Connectivity
}

// Handle is one observer registration. Updates that arrive after the
// registration are queued in order and drained with Next; when a slow reader
// lets the queue fill up, the oldest events are dropped and the reader sees
// a gap in Seq, at which point it should rebuild from Log.
type Handle struct {
	reg      *Registry
	sub      *Subscription
	ref      *observerRef
	snapshot []Entry
	status   Status
	limit    int

	mu      sync.Mutex
	queue   []Update
	dropped int
	closed  bool
	wake    chan struct{}
	once    sync.Once
}

func newHandle(reg *Registry, sub *Subscription, obs Observer, limit int) *Handle {
	h := &Handle{
		reg:   reg,
		sub:   sub,
		limit: limit,
		wake:  make(chan struct{}, 1),
	}
	h.ref = &observerRef{obs: obs, handle: h}
	return h
}

// RunID returns the observed run.
func (h *Handle) RunID() string { return h.sub.runID }

// Snapshot returns the log as it was when the handle was registered. Every
// later event is delivered through Next and to the observer.
func (h *Handle) Snapshot() []Entry {
	out := make([]Entry, len(h.snapshot))
	for i, e := range h.snapshot {
		out[i] = e.clone()
	}
	return out
}

// InitialStatus is the subscription status at registration time.
func (h *Handle) InitialStatus() Status { return h.status }

// Status returns the current subscription status.
func (h *Handle) Status() Status { return h.sub.Status() }

// Log returns the currently retained log.
func (h *Handle) Log() []Entry { return h.sub.Log() }

// Err returns the last transport or terminal error of the subscription.
func (h *Handle) Err() error { return h.sub.Err() }

// Retry restarts the subscription after a terminal failure.
func (h *Handle) Retry() error { return h.sub.Restart() }

// Dropped reports how many queued events were discarded because the reader
// fell behind.
func (h *Handle) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Next blocks until the next update, the handle is closed (ErrClosed) or ctx
// is done.
func (h *Handle) Next(ctx context.Context) (Update, error) {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return Update{}, ErrClosed
		}
		if len(h.queue) > 0 {
			u := h.queue[0]
			h.queue[0] = Update{}
			h.queue = h.queue[1:]
			h.mu.Unlock()
			return u, nil
		}
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return Update{}, ctx.Err()
		case <-h.wake:
		}
	}
}

// Close releases the handle. The subscription is torn down when its last
// handle is closed. Close is idempotent.
func (h *Handle) Close() { h.reg.Release(h) }

func (h *Handle) push(u Update) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if len(h.queue) >= h.limit {
		h.dropOldestEvent()
	}
	h.queue = append(h.queue, u)
	h.mu.Unlock()
	h.signal()
}

// dropOldestEvent makes room in a full queue; callers hold h.mu.
func (h *Handle) dropOldestEvent() {
	idx := 0
	for i, u := range h.queue {
		if u.Kind == UpdateEvent {
			idx = i
			break
		}
	}
	if h.queue[idx].Kind == UpdateEvent {
		h.dropped++
	}
	h.queue = append(h.queue[:idx:idx], h.queue[idx+1:]...)
}

func (h *Handle) closeQueue() {
	h.mu.Lock()
	h.closed = true
	h.queue = nil
	h.mu.Unlock()
	h.signal()
}

func (h *Handle) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}
