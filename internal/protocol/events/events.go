// Package events defines the run event wire format consumed from the
// DuraGraph stream endpoint and typed views over its payloads.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event type namespaces.
const (
	NamespaceRun  = "run"
	NamespaceNode = "node"
)

// Known event types. Producers may emit others; consumers ignore what they
// do not understand.
const (
	TypeRunQueued         = "run.queued"
	TypeRunInProgress     = "run.in_progress"
	TypeRunRequiresAction = "run.requires_action"
	TypeRunCompleted      = "run.completed"
	TypeRunFailed         = "run.failed"
	TypeRunCancelled      = "run.cancelled"
	TypeNodeStarted       = "node.started"
	TypeNodeCompleted     = "node.completed"
	TypeNodeFailed        = "node.failed"
	TypeOutputChunk       = "output.chunk"
)

// RunEvent is a single notification about run or node progress.
type RunEvent struct {
	// ID is the producer-assigned ordering token, when the transport carries one.
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Namespace returns the first dot segment of the event type.
func (e RunEvent) Namespace() string {
	ns, _, _ := strings.Cut(e.Type, ".")
	return ns
}

// Action returns the second dot segment of the event type ("completed" for
// "run.completed"), or "" when the type has no dot.
func (e RunEvent) Action() string {
	_, rest, ok := strings.Cut(e.Type, ".")
	if !ok {
		return ""
	}
	action, _, _ := strings.Cut(rest, ".")
	return action
}

// IsRun reports whether the event belongs to the run namespace.
func (e RunEvent) IsRun() bool { return strings.HasPrefix(e.Type, NamespaceRun+".") }

// IsNode reports whether the event belongs to the node namespace.
func (e RunEvent) IsNode() bool { return strings.HasPrefix(e.Type, NamespaceNode+".") }

// IsTerminal reports whether the event ends the run.
func (e RunEvent) IsTerminal() bool {
	switch e.Type {
	case TypeRunCompleted, TypeRunFailed, TypeRunCancelled:
		return true
	}
	return false
}

// Clone returns a copy that shares no memory with e.
func (e RunEvent) Clone() RunEvent {
	if e.Data != nil {
		e.Data = bytes.Clone(e.Data)
	}
	return e
}

// MalformedFrameError reports a frame that could not be decoded into a RunEvent.
type MalformedFrameError struct {
	Frame []byte
	Err   error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("events: malformed frame %q: %v", Preview(e.Frame, 64), e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

var errMissingType = errors.New("missing type")

// Decode parses one frame body into a RunEvent. Frames that are not a JSON
// object with a non-empty string type yield a *MalformedFrameError.
func Decode(frame []byte) (RunEvent, error) {
	var ev RunEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return RunEvent{}, &MalformedFrameError{Frame: bytes.Clone(frame), Err: err}
	}
	if strings.TrimSpace(ev.Type) == "" {
		return RunEvent{}, &MalformedFrameError{Frame: bytes.Clone(frame), Err: errMissingType}
	}
	if string(ev.Data) == "null" {
		ev.Data = nil
	}
	return ev, nil
}

// Preview truncates a frame for logging.
func Preview(frame []byte, max int) string {
	if len(frame) <= max {
		return string(frame)
	}
	return string(frame[:max]) + "..."
}
