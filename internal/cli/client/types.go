package client

import "encoding/json"

// RunStatus mirrors the run lifecycle reported by the API.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunRequiresAction RunStatus = "requires_action"
)

// Terminal reports whether the run can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Run represents the API response for a run.
type Run struct {
	RunID          string          `json:"run_id"`
	ThreadID       string          `json:"thread_id"`
	AssistantID    string          `json:"assistant_id"`
	Status         RunStatus       `json:"status"`
	Input          map[string]any  `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	RequiredAction *RequiredAction `json:"required_action,omitempty"`
	CreatedAt      string          `json:"created_at"`
	StartedAt      string          `json:"started_at,omitempty"`
	CompletedAt    string          `json:"completed_at,omitempty"`
}

// RequiredAction is set while a run waits for tool outputs.
type RequiredAction struct {
	Type              string            `json:"type"`
	SubmitToolOutputs SubmitToolOutputs `json:"submit_tool_outputs"`
}

// SubmitToolOutputs lists the tool calls a run is waiting on.
type SubmitToolOutputs struct {
	ToolCalls []ToolCall `json:"tool_calls"`
}

// ToolCall is one function call requested by a run.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and its JSON encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolOutput answers one ToolCall.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// CreateRunRequest contains run creation parameters.
type CreateRunRequest struct {
	ThreadID    string         `json:"thread_id"`
	AssistantID string         `json:"assistant_id"`
	Input       map[string]any `json:"input,omitempty"`
}

// Thread represents a conversation.
type Thread struct {
	ThreadID  string         `json:"thread_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

// CreateThreadRequest contains thread creation parameters.
type CreateThreadRequest struct {
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Message is a thread message.
type Message struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// AddMessageRequest appends a message to a thread.
type AddMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Assistant is a deployed graph.
type Assistant struct {
	AssistantID string         `json:"assistant_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	GraphID     string         `json:"graph_id,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// AssistantRequest creates or patches an assistant. Empty fields are left
// out of patches.
type AssistantRequest struct {
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	GraphID     string         `json:"graph_id,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
