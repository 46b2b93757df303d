package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnexpectedPayload is wrapped by the payload decoders when the data
// member does not have the shape its event type implies.
var ErrUnexpectedPayload = errors.New("events: unexpected payload")

// NodeExecution is the payload of node.* events.
type NodeExecution struct {
	NodeID    string          `json:"node_id"`
	Status    string          `json:"status,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// RunOutput is the output member carried by run.completed.
type RunOutput struct {
	Content string `json:"content"`
}

// RunPayload is the payload shape shared by run.* events.
type RunPayload struct {
	RunID  string          `json:"run_id,omitempty"`
	Status string          `json:"status,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NodeExecutionOf decodes the payload of a node.* event.
func NodeExecutionOf(e RunEvent) (NodeExecution, error) {
	var n NodeExecution
	if err := decodeObject(e.Data, &n); err != nil {
		return NodeExecution{}, err
	}
	if n.NodeID == "" {
		return NodeExecution{}, fmt.Errorf("%w: %s without node_id", ErrUnexpectedPayload, e.Type)
	}
	return n, nil
}

// RunPayloadOf decodes the payload of a run.* event. Events with no data
// decode to the zero payload.
func RunPayloadOf(e RunEvent) (RunPayload, error) {
	var p RunPayload
	if len(e.Data) == 0 {
		return p, nil
	}
	if err := decodeObject(e.Data, &p); err != nil {
		return RunPayload{}, err
	}
	return p, nil
}

// OutputContent extracts output.content from a run.completed payload. ok is
// false when the output is absent or not structured.
func OutputContent(e RunEvent) (content string, ok bool) {
	p, err := RunPayloadOf(e)
	if err != nil || len(p.Output) == 0 {
		return "", false
	}
	var out RunOutput
	if err := decodeObject(p.Output, &out); err != nil {
		return "", false
	}
	return out.Content, out.Content != ""
}

func decodeObject(raw json.RawMessage, v any) error {
	if len(raw) == 0 || raw[0] != '{' {
		return fmt.Errorf("%w: not an object", ErrUnexpectedPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedPayload, err)
	}
	return nil
}
