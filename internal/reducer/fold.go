// Package reducer folds a run's ordered event log into view state. Every
// reducer is a pure function of the log prefix it is given.
package reducer

import (
	"errors"

	"github.com/duragraph/studio/internal/stream"
)

// ErrGap is returned by Fold.Apply when an entry does not directly follow
// the last folded one, because the reader fell behind or the log prefix was
// evicted.
var ErrGap = errors.New("reducer: gap in event sequence")

// Reducer derives the next state from the previous one and an entry. It
// must not mutate its inputs.
type Reducer[S any] func(S, stream.Entry) S

// Replay folds log from initial.
func Replay[S any](initial S, log []stream.Entry, reduce Reducer[S]) S {
	state := initial
	for _, e := range log {
		state = reduce(state, e)
	}
	return state
}

// Fold keeps a reducer state in step with a subscription log.
type Fold[S any] struct {
	initial S
	reduce  Reducer[S]
	state   S
	next    uint64
}

// NewFold starts a fold at initial, expecting Seq 0 next.
func NewFold[S any](initial S, reduce Reducer[S]) *Fold[S] {
	return &Fold[S]{initial: initial, reduce: reduce, state: initial}
}

// State returns the current derived state.
func (f *Fold[S]) State() S { return f.state }

// Expected returns the Seq the fold will accept next.
func (f *Fold[S]) Expected() uint64 { return f.next }

// Apply folds e. Entries that were already folded are skipped and report
// false. An entry past the expected one leaves the state untouched and
// returns ErrGap; the caller then rebuilds from the current log.
func (f *Fold[S]) Apply(e stream.Entry) (bool, error) {
	switch {
	case e.Seq < f.next:
		return false, nil
	case e.Seq > f.next:
		return false, ErrGap
	}
	f.state = f.reduce(f.state, e)
	f.next = e.Seq + 1
	return true, nil
}

// Rebuild recomputes the state from the initial state over log. A log whose
// oldest entries were evicted is folded as it is.
func (f *Fold[S]) Rebuild(log []stream.Entry) {
	f.state = Replay(f.initial, log, f.reduce)
	f.next = 0
	if n := len(log); n > 0 {
		f.next = log[n-1].Seq + 1
	}
}

// Sync applies e, rebuilding from log() when e does not follow the folded
// prefix.
func (f *Fold[S]) Sync(e stream.Entry, log func() []stream.Entry) {
	if _, err := f.Apply(e); errors.Is(err, ErrGap) {
		f.Rebuild(log())
	}
}
