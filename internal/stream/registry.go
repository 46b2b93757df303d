package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/duragraph/studio/internal/eventbus"
	"github.com/duragraph/studio/internal/shared/logging"
)

// ErrEmptyRunID is returned when subscribing without a run id.
var ErrEmptyRunID = errors.New("stream: empty run id")

// Registry shares one Subscription per run id between all observers of that
// run. Creation is single-flight: concurrent Subscribe calls for the same run
// never open two transports.
type Registry struct {
	dialer  Dialer
	policy  Policy
	logger  *slog.Logger
	metrics *Metrics
	bus     eventbus.Bus
	timer   timerFunc

	mu   sync.Mutex
	subs map[string]*registryEntry
	// retiring tracks subscriptions that were released but whose loop may
	// still be running; a new subscription for the same run waits for it.
	retiring map[string]<-chan struct{}
	closed   bool
}

type registryEntry struct {
	sub     *Subscription
	handles map[*Handle]struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithPolicy sets the reconnect and retention policy.
func WithPolicy(p Policy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records subscription activity on m.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithBus publishes an Invalidation on TopicInvalidate for every run.* event.
func WithBus(b eventbus.Bus) Option {
	return func(r *Registry) { r.bus = b }
}

func withTimer(t timerFunc) Option {
	return func(r *Registry) { r.timer = t }
}

// NewRegistry returns an empty registry dialing through d.
func NewRegistry(d Dialer, opts ...Option) *Registry {
	r := &Registry{
		dialer:   d,
		policy:   DefaultPolicy(),
		timer:    realTimer,
		subs:     make(map[string]*registryEntry),
		retiring: make(map[string]<-chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.New("stream")
	}
	r.policy = r.policy.normalized()
	return r
}

// Subscribe registers obs for runID, creating and starting the subscription
// if the run has none. obs may be nil when the caller only reads the handle.
// The handle's Snapshot holds every event recorded before registration and
// obs receives every event after it, without overlap. Subscribing to a failed
// subscription restarts it.
func (r *Registry) Subscribe(runID string, obs Observer) (*Handle, error) {
	if runID == "" {
		return nil, ErrEmptyRunID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}

	e, ok := r.subs[runID]
	if !ok {
		e = &registryEntry{sub: newSubscription(r, runID), handles: make(map[*Handle]struct{})}
		r.subs[runID] = e
	}
	h := newHandle(r, e.sub, obs, r.policy.MaxEvents)
	h.snapshot, h.status = e.sub.register(h.ref)
	e.handles[h] = struct{}{}

	switch {
	case !ok:
		after := r.retiring[runID]
		delete(r.retiring, runID)
		e.sub.start(after)
		r.metrics.subscriptionDelta(1)
		r.logger.Debug("subscription created", "run_id", runID)
	case h.status == StatusFailed:
		if err := e.sub.Restart(); err != nil && !errors.Is(err, ErrNotFailed) {
			r.logger.Warn("restart subscription", "run_id", runID, "error", err)
		}
	}
	return h, nil
}

// Release unregisters h; the subscription is torn down once its last handle
// is released. It does not wait for the subscription loop to exit.
func (r *Registry) Release(h *Handle) {
	h.once.Do(func() {
		runID := h.sub.runID

		r.mu.Lock()
		defer r.mu.Unlock()

		h.sub.unregister(h.ref)
		h.closeQueue()

		e, ok := r.subs[runID]
		if !ok || e.sub != h.sub {
			return
		}
		delete(e.handles, h)
		if len(e.handles) > 0 {
			return
		}
		delete(r.subs, runID)
		done := e.sub.teardown()
		r.retiring[runID] = done
		r.metrics.subscriptionDelta(-1)
		r.logger.Debug("subscription released", "run_id", runID)
		go r.forget(runID, done)
	})
}

func (r *Registry) forget(runID string, done <-chan struct{}) {
	<-done
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retiring[runID] == done {
		delete(r.retiring, runID)
	}
}

// Lookup returns the live subscription for runID without creating one.
func (r *Registry) Lookup(runID string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.subs[runID]
	if !ok {
		return nil, false
	}
	return e.sub, true
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close tears down every subscription and waits for their loops to exit or
// ctx to be done. Open handles report ErrClosed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.subs
	r.subs = make(map[string]*registryEntry)
	retiring := r.retiring
	r.retiring = make(map[string]<-chan struct{})
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		sub := e.sub
		r.metrics.subscriptionDelta(-1)
		g.Go(func() error { return awaitDone(gctx, sub.teardown()) })
	}
	for _, done := range retiring {
		g.Go(func() error { return awaitDone(gctx, done) })
	}
	return g.Wait()
}

func awaitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
