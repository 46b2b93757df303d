package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/duragraph/studio/internal/eventbus"
	"github.com/duragraph/studio/internal/protocol/events"
)

// observerRef is one registration. Once inactive it receives nothing more.
type observerRef struct {
	obs    Observer
	handle *Handle
	active atomic.Bool
}

func (r *observerRef) event(e Entry) {
	if !r.active.Load() {
		return
	}
	if r.obs != nil {
		r.obs.OnEvent(e.clone())
	}
	if r.handle != nil {
		r.handle.push(Update{Kind: UpdateEvent, Entry: e.clone()})
	}
}

func (r *observerRef) connectivity(c Connectivity) {
	if !r.active.Load() {
		return
	}
	if r.obs != nil {
		r.obs.OnConnectivityChange(c)
	}
	if r.handle != nil {
		r.handle.push(Update{Kind: UpdateConnectivity, Connectivity: c})
	}
}

func (r *observerRef) terminal(err error) {
	if r.active.Load() && r.obs != nil {
		r.obs.OnTerminalFailure(err)
	}
}

// Subscription is the single live stream of one run. It is created and
// owned by a Registry.
type Subscription struct {
	runID   string
	dialer  Dialer
	policy  Policy
	logger  *slog.Logger
	metrics *Metrics
	bus     eventbus.Bus
	timer   timerFunc

	mu          sync.Mutex
	status      Status
	log         *eventLog
	attempts    int
	lastErr     error
	lastEventID string
	finished    bool // a terminal run event was appended
	tornDown    bool
	conn        Conn
	refs        []*observerRef
	cancel      context.CancelFunc
	done        chan struct{}
}

func newSubscription(r *Registry, runID string) *Subscription {
	done := make(chan struct{})
	close(done)
	return &Subscription{
		runID:   runID,
		dialer:  r.dialer,
		policy:  r.policy,
		logger:  r.logger.With("run_id", runID),
		metrics: r.metrics,
		bus:     r.bus,
		timer:   r.timer,
		status:  StatusIdle,
		log:     newEventLog(r.policy.MaxEvents),
		cancel:  func() {},
		done:    done,
	}
}

// RunID returns the run this subscription streams.
func (s *Subscription) RunID() string { return s.runID }

// Status returns the current connectivity state.
func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Attempts returns the number of consecutive failed connection attempts.
func (s *Subscription) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Err returns the last transport error, or nil while the stream is healthy.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Log returns a copy of the retained log, oldest first.
func (s *Subscription) Log() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.snapshot()
}

// Restart resumes a failed subscription with a fresh attempt budget. The log
// is kept and the next dial resumes after the last seen event id.
func (s *Subscription) Restart() error {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.status != StatusFailed {
		s.mu.Unlock()
		return ErrNotFailed
	}
	s.status = StatusIdle
	s.attempts = 0
	s.lastErr = nil
	prevCancel, prevDone := s.cancel, s.done
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	prevCancel()
	s.logger.Info("restarting stream")
	// Restart may be called from a callback on the previous loop, so the new
	// loop waits for it to exit instead of the caller.
	go s.run(ctx, prevDone, done)
	return nil
}

func (s *Subscription) start(after <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.mu.Unlock()
	go s.run(ctx, after, done)
}

func (s *Subscription) register(ref *observerRef) ([]Entry, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref.active.Store(true)
	s.refs = append(s.refs, ref)
	return s.log.snapshot(), s.status
}

func (s *Subscription) unregister(ref *observerRef) int {
	ref.active.Store(false)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.refs {
		if r == ref {
			s.refs = append(s.refs[:i:i], s.refs[i+1:]...)
			break
		}
	}
	return len(s.refs)
}

// teardown stops the subscription for good: the loop context is cancelled,
// which also abandons a pending backoff wait, and the live connection is
// closed. The returned channel is closed once the loop has exited.
func (s *Subscription) teardown() <-chan struct{} {
	s.mu.Lock()
	if s.tornDown {
		done := s.done
		s.mu.Unlock()
		return done
	}
	s.tornDown = true
	s.status = StatusClosed
	refs := s.refs
	s.refs = nil
	cancel, conn, done := s.cancel, s.conn, s.done
	s.conn = nil
	s.mu.Unlock()

	for _, ref := range refs {
		ref.active.Store(false)
		if ref.handle != nil {
			ref.handle.closeQueue()
		}
	}
	cancel()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("close stream connection", "error", err)
		}
	}
	s.logger.Debug("subscription torn down")
	return done
}

func (s *Subscription) run(ctx context.Context, after <-chan struct{}, done chan struct{}) {
	defer close(done)
	if after != nil {
		select {
		case <-after:
		case <-ctx.Done():
			return
		}
	}

	bo := s.policy.newBackOff()
	for {
		if !s.transition(StatusConnecting) {
			return
		}
		conn, err := s.dialer.Dial(ctx, s.runID, s.resumeID())
		if err == nil {
			if !s.attach(conn) {
				_ = conn.Close()
				return
			}
			bo.Reset()
			err = s.pump(conn)
			s.detach(conn)
			if errors.Is(err, io.EOF) && s.finish() {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		delay, ok := s.retryAfter(err, bo)
		if !ok {
			return
		}
		if !s.wait(ctx, delay) {
			return
		}
	}
}

func (s *Subscription) resumeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

func (s *Subscription) pump(conn Conn) error {
	for {
		ev, err := conn.Next()
		if err != nil {
			var malformed *events.MalformedFrameError
			if errors.As(err, &malformed) {
				s.metrics.malformedFrame()
				s.logger.Warn("dropping malformed frame",
					"error", malformed.Err,
					"frame", events.Preview(malformed.Frame, 120))
				continue
			}
			return err
		}
		if !s.deliver(ev) {
			return ErrClosed
		}
	}
}

// deliver appends ev and notifies every observer before returning, which
// keeps observers in lockstep with the log.
func (s *Subscription) deliver(ev events.RunEvent) bool {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return false
	}
	entry, dup := s.log.append(ev)
	if dup {
		s.mu.Unlock()
		s.logger.Debug("skipping duplicate event", "event_id", ev.ID, "type", ev.Type)
		return true
	}
	if ev.ID != "" {
		s.lastEventID = ev.ID
	}
	if ev.IsTerminal() {
		s.finished = true
	}
	refs := s.activeRefs()
	s.mu.Unlock()

	s.metrics.event(ev.Namespace())
	for _, ref := range refs {
		ref.event(entry)
	}
	if ev.IsRun() {
		s.invalidate(entry)
	}
	return true
}

func (s *Subscription) invalidate(e Entry) {
	if s.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	notice := Invalidation{RunID: s.runID, EventType: e.Event.Type, Seq: e.Seq}
	if err := s.bus.Publish(ctx, TopicInvalidate, notice); err != nil {
		s.logger.Warn("publish invalidation", "error", err)
	}
}

func (s *Subscription) transition(to Status) bool {
	s.mu.Lock()
	if s.tornDown || s.status == StatusFailed {
		s.mu.Unlock()
		return false
	}
	s.status = to
	c := Connectivity{RunID: s.runID, Status: to, Attempt: s.attempts, Err: s.lastErr}
	refs := s.activeRefs()
	s.mu.Unlock()

	notifyConnectivity(refs, c)
	return true
}

func (s *Subscription) attach(conn Conn) bool {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	s.status = StatusOpen
	s.attempts = 0
	s.lastErr = nil
	refs := s.activeRefs()
	s.mu.Unlock()

	s.logger.Info("stream open")
	notifyConnectivity(refs, Connectivity{RunID: s.runID, Status: StatusOpen})
	return true
}

func (s *Subscription) detach(conn Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	if err := conn.Close(); err != nil {
		s.logger.Debug("close stream connection", "error", err)
	}
}

// finish closes the subscription when the producer ended the stream after
// a terminal run event. Otherwise the end of stream is a transport error.
func (s *Subscription) finish() bool {
	s.mu.Lock()
	if s.tornDown || !s.finished {
		s.mu.Unlock()
		return false
	}
	s.status = StatusClosed
	refs := s.activeRefs()
	s.mu.Unlock()

	s.logger.Info("stream finished")
	notifyConnectivity(refs, Connectivity{RunID: s.runID, Status: StatusClosed})
	return true
}

func (s *Subscription) retryAfter(cause error, bo backoff.BackOff) (time.Duration, bool) {
	if cause == nil || errors.Is(cause, io.EOF) {
		cause = io.ErrUnexpectedEOF
	}

	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return 0, false
	}
	s.attempts++
	s.lastErr = cause
	attempt := s.attempts
	refs := s.activeRefs()

	if attempt > s.policy.MaxAttempts {
		s.status = StatusFailed
		terr := &TerminalError{RunID: s.runID, Attempts: attempt, Last: cause}
		s.lastErr = terr
		s.mu.Unlock()

		s.metrics.terminalFailure()
		s.logger.Error("giving up on stream", "attempts", attempt, "error", cause)
		notifyConnectivity(refs, Connectivity{RunID: s.runID, Status: StatusFailed, Attempt: attempt, Err: terr})
		for _, ref := range refs {
			ref.terminal(terr)
		}
		return 0, false
	}

	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		delay = s.policy.MaxDelay
	}
	s.status = StatusReconnecting
	s.mu.Unlock()

	s.metrics.reconnect()
	s.logger.Warn("stream interrupted", "attempt", attempt, "retry_in", delay, "error", cause)
	notifyConnectivity(refs, Connectivity{
		RunID:   s.runID,
		Status:  StatusReconnecting,
		Attempt: attempt,
		RetryIn: delay,
		Err:     cause,
	})
	return delay, true
}

func (s *Subscription) wait(ctx context.Context, d time.Duration) bool {
	fired, stop := s.timer(d)
	select {
	case <-ctx.Done():
		stop()
		return false
	case <-fired:
		return true
	}
}

// activeRefs copies the registrations; callers hold s.mu.
func (s *Subscription) activeRefs() []*observerRef {
	return append([]*observerRef(nil), s.refs...)
}

func notifyConnectivity(refs []*observerRef, c Connectivity) {
	for _, ref := range refs {
		ref.connectivity(c)
	}
}
