package reducer

import (
	"encoding/json"
	"fmt"

	"github.com/duragraph/studio/internal/protocol/events"
	"github.com/duragraph/studio/internal/stream"
)

// StepKind tells run and node steps apart.
type StepKind string

const (
	StepRun  StepKind = "run"
	StepNode StepKind = "node"
)

// Step is one entry of an execution timeline.
type Step struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	Kind      StepKind        `json:"kind"`
	NodeID    string          `json:"node_id,omitempty"`
	Status    string          `json:"status"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// TraceState is the timeline in arrival order.
type TraceState struct {
	Steps []Step
}

// ReduceTrace adds one step per run.* and node.* event. Node events without
// a usable payload and events of other namespaces are skipped.
func ReduceTrace(s TraceState, e stream.Entry) TraceState {
	ev := e.Event
	var step Step
	switch {
	case ev.IsNode():
		n, err := events.NodeExecutionOf(ev)
		if err != nil {
			return s
		}
		status := n.Status
		if status == "" {
			status = ev.Action()
		}
		step = Step{
			ID:     fmt.Sprintf("%d-node-%s", e.Seq, n.NodeID),
			Kind:   StepNode,
			NodeID: n.NodeID,
			Status: status,
			Input:  cloneRaw(n.Input),
			Output: cloneRaw(n.Output),
			Error:  n.Error,
		}
	case ev.IsRun():
		step = Step{
			ID:     fmt.Sprintf("%d-run", e.Seq),
			Kind:   StepRun,
			Status: ev.Action(),
		}
		if p, err := events.RunPayloadOf(ev); err == nil {
			step.Output = cloneRaw(p.Output)
			step.Error = p.Error
		}
	default:
		return s
	}
	step.Seq = e.Seq
	step.Timestamp = ev.Timestamp

	steps := make([]Step, len(s.Steps), len(s.Steps)+1)
	copy(steps, s.Steps)
	s.Steps = append(steps, step)
	return s
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
