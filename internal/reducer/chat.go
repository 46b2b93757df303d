package reducer

import (
	"fmt"

	"github.com/duragraph/studio/internal/protocol/events"
	"github.com/duragraph/studio/internal/stream"
)

// Role of a chat message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// FailedRunText is shown in place of an answer when a run fails.
const FailedRunText = "Sorry, there was an error processing your request."

// ChatMessage is one transcript line.
type ChatMessage struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// ChatState is a transcript plus the run currently answering it. The
// assistant reply to RunID is the message whose ID is RunID.
type ChatState struct {
	RunID     string
	Messages  []ChatMessage
	Streaming bool
}

// WithMessage returns s with m appended.
func (s ChatState) WithMessage(m ChatMessage) ChatState {
	s.Messages = appendMessage(s.Messages, m)
	return s
}

// StartRun returns s awaiting runID, with an empty assistant placeholder
// keyed by the run id.
func (s ChatState) StartRun(runID, timestamp string) ChatState {
	s.RunID = runID
	s.Streaming = true
	s.Messages = appendMessage(s.Messages, ChatMessage{
		ID:        runID,
		Role:      RoleAssistant,
		Timestamp: timestamp,
	})
	return s
}

// ReduceChat folds run.completed and run.failed into the transcript. Other
// event types leave the state as it is.
func ReduceChat(s ChatState, e stream.Entry) ChatState {
	switch e.Event.Type {
	case events.TypeRunCompleted:
		s.Streaming = false
		content, ok := events.OutputContent(e.Event)
		if !ok {
			return s
		}
		for i, m := range s.Messages {
			if m.ID == s.RunID && m.Role == RoleAssistant {
				msgs := append([]ChatMessage(nil), s.Messages...)
				msgs[i].Content = content
				s.Messages = msgs
				return s
			}
		}
		s.Messages = appendMessage(s.Messages, ChatMessage{
			ID:        s.RunID,
			Role:      RoleAssistant,
			Content:   content,
			Timestamp: e.Event.Timestamp,
		})
	case events.TypeRunFailed:
		s.Streaming = false
		s.Messages = appendMessage(s.Messages, ChatMessage{
			ID:        fmt.Sprintf("%s:error:%d", s.RunID, e.Seq),
			Role:      RoleAssistant,
			Content:   FailedRunText,
			Timestamp: e.Event.Timestamp,
		})
	}
	return s
}

// appendMessage never writes into the backing array of msgs.
func appendMessage(msgs []ChatMessage, m ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return append(out, m)
}
