// Package stream keeps one live, reconnecting event stream per run and
// fans its ordered event log out to any number of observers.
//
// A Registry owns at most one Subscription per run id. Each Subscription
// drives a single Conn at a time from its own goroutine: frames are read,
// appended to an append-only log and delivered to every observer before the
// next frame is read, so observers see a strictly serialized view of the log.
// Transport errors move the subscription to reconnecting and schedule a new
// dial with exponential backoff; once the attempt budget is spent it fails
// and observers are told so explicitly.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duragraph/studio/internal/protocol/events"
)

// Status is the connectivity state of a Subscription.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusOpen         Status = "open"
	StatusReconnecting Status = "reconnecting"
	StatusClosed       Status = "closed"
	StatusFailed       Status = "failed"
)

// Live reports whether events are currently flowing.
func (s Status) Live() bool { return s == StatusOpen }

// Done reports whether the subscription will not dial again on its own.
func (s Status) Done() bool { return s == StatusClosed || s == StatusFailed }

// Connectivity describes a status change.
type Connectivity struct {
	RunID  string
	Status Status
	// Attempt is the number of consecutive failed connection attempts.
	Attempt int
	// RetryIn is the backoff delay before the next dial (reconnecting only).
	RetryIn time.Duration
	// Err is the transport error that caused the change, or the
	// *TerminalError once the subscription has failed.
	Err error
}

// Entry is an event as recorded in a subscription log. Seq starts at zero
// and increases by one per appended event, across reconnects.
type Entry struct {
	Seq   uint64
	Event events.RunEvent
}

func (e Entry) clone() Entry {
	e.Event = e.Event.Clone()
	return e
}

// Dialer opens transport connections for a run.
type Dialer interface {
	// Dial blocks until the push connection is established. lastEventID is
	// the last producer-assigned event id seen by the subscription, or "".
	Dial(ctx context.Context, runID, lastEventID string) (Conn, error)
}

// Conn is one physical push connection.
type Conn interface {
	// Next blocks until the next event arrives. It returns io.EOF when the
	// producer ends the stream. A *events.MalformedFrameError is not fatal:
	// the frame is dropped and the connection remains usable.
	Next() (events.RunEvent, error)
	// Close releases the connection. It is idempotent and no event is
	// returned by Next once Close has returned.
	Close() error
}

// Observer receives subscription updates. Callbacks run on the
// subscription goroutine, one at a time and in log order; they must not
// block for long.
type Observer interface {
	OnEvent(Entry)
	OnConnectivityChange(Connectivity)
	OnTerminalFailure(error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Event           func(Entry)
	Connectivity    func(Connectivity)
	TerminalFailure func(error)
}

func (f ObserverFuncs) OnEvent(e Entry) {
	if f.Event != nil {
		f.Event(e)
	}
}

func (f ObserverFuncs) OnConnectivityChange(c Connectivity) {
	if f.Connectivity != nil {
		f.Connectivity(c)
	}
}

func (f ObserverFuncs) OnTerminalFailure(err error) {
	if f.TerminalFailure != nil {
		f.TerminalFailure(err)
	}
}

var (
	// ErrClosed is returned by handles and subscriptions after teardown.
	ErrClosed = errors.New("stream: subscription closed")
	// ErrRegistryClosed is returned by Subscribe after Registry.Close.
	ErrRegistryClosed = errors.New("stream: registry closed")
	// ErrNotFailed is returned when restarting a subscription that has not failed.
	ErrNotFailed = errors.New("stream: subscription has not failed")
	// ErrTerminalConnectivity matches every *TerminalError.
	ErrTerminalConnectivity = errors.New("stream: reconnect attempts exhausted")
)

// TerminalError is reported once a subscription gives up reconnecting.
type TerminalError struct {
	RunID    string
	Attempts int
	Last     error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("stream: run %s: gave up after %d attempts: %v", e.RunID, e.Attempts, e.Last)
}

func (e *TerminalError) Unwrap() []error { return []error{ErrTerminalConnectivity, e.Last} }
