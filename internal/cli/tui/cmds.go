package tui

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/duragraph/studio/internal/cli/client"
	"github.com/duragraph/studio/internal/reducer"
	"github.com/duragraph/studio/internal/stream"
)

const (
	refreshInterval = 5 * time.Second
	requestTimeout  = 10 * time.Second
	recentRuns      = 20
	defaultAgent    = "studio"
)

type setupMsg struct {
	threadID    string
	assistantID string
	history     []reducer.ChatMessage
	err         error
}

type sentMsg struct {
	user reducer.ChatMessage
	run  *client.Run
	err  error
}

type runsMsg struct {
	runs []client.Run
	err  error
}

type runMsg struct {
	run *client.Run
	err error
}

type updateMsg struct {
	handle *stream.Handle
	update stream.Update
	err    error
}

type invalidationMsg struct {
	notice stream.Invalidation
}

type tickMsg struct{}

// setupCmd resolves the thread and assistant the chat talks to, creating
// them when none are configured, and loads the thread history.
func setupCmd(parent context.Context, api *client.Client, threadID, assistantID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, requestTimeout)
		defer cancel()

		if assistantID == "" {
			assistants, err := api.ListAssistants(ctx)
			if err != nil {
				return setupMsg{err: err}
			}
			if len(assistants) > 0 {
				assistantID = assistants[0].AssistantID
			} else {
				a, err := api.CreateAssistant(ctx, client.AssistantRequest{Name: defaultAgent})
				if err != nil {
					return setupMsg{err: err}
				}
				assistantID = a.AssistantID
			}
		}

		var history []reducer.ChatMessage
		if threadID == "" {
			t, err := api.CreateThread(ctx, client.CreateThreadRequest{Metadata: map[string]any{"source": defaultAgent}})
			if err != nil {
				return setupMsg{err: err}
			}
			threadID = t.ThreadID
		} else {
			msgs, err := api.ListMessages(ctx, threadID)
			if err != nil {
				return setupMsg{err: err}
			}
			for _, msg := range msgs {
				history = append(history, reducer.ChatMessage{
					ID:        msg.MessageID,
					Role:      reducer.Role(msg.Role),
					Content:   msg.Content,
					Timestamp: msg.CreatedAt,
				})
			}
		}
		return setupMsg{threadID: threadID, assistantID: assistantID, history: history}
	}
}

// sendCmd posts a user message and starts a run answering it.
func sendCmd(parent context.Context, api *client.Client, threadID, assistantID, text string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, requestTimeout)
		defer cancel()

		user := reducer.ChatMessage{
			ID:        uuid.NewString(),
			Role:      reducer.RoleUser,
			Content:   text,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}
		if _, err := api.AddMessage(ctx, threadID, client.AddMessageRequest{Role: string(reducer.RoleUser), Content: text}); err != nil {
			return sentMsg{err: err}
		}
		run, err := api.CreateRun(ctx, client.CreateRunRequest{
			ThreadID:    threadID,
			AssistantID: assistantID,
			Input:       map[string]any{"message": text},
		})
		if err != nil {
			return sentMsg{err: err}
		}
		return sentMsg{user: user, run: run}
	}
}

// submitToolsCmd answers every pending tool call of run with output.
func submitToolsCmd(parent context.Context, api *client.Client, run client.Run, output string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, requestTimeout)
		defer cancel()
		var outputs []client.ToolOutput
		if run.RequiredAction != nil {
			for _, call := range run.RequiredAction.SubmitToolOutputs.ToolCalls {
				outputs = append(outputs, client.ToolOutput{ToolCallID: call.ID, Output: output})
			}
		}
		updated, err := api.SubmitToolOutputs(ctx, run.RunID, outputs)
		return runMsg{run: updated, err: err}
	}
}

func fetchRunsCmd(parent context.Context, api *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, requestTimeout)
		defer cancel()
		runs, err := api.ListRuns(ctx, url.Values{"limit": {"20"}})
		if len(runs) > recentRuns {
			runs = runs[:recentRuns]
		}
		return runsMsg{runs: runs, err: err}
	}
}

// fetchRunCmd refetches one run after an invalidation. Bursts are spread out
// by limiter and collapsed by the client.
func fetchRunCmd(parent context.Context, api *client.Client, limiter *rate.Limiter, runID string) tea.Cmd {
	return func() tea.Msg {
		if err := limiter.Wait(parent); err != nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(parent, requestTimeout)
		defer cancel()
		run, err := api.GetRun(ctx, runID)
		return runMsg{run: run, err: err}
	}
}

func waitInvalidationCmd(ctx context.Context, ch <-chan any) tea.Cmd {
	return func() tea.Msg {
		for {
			select {
			case <-ctx.Done():
				return nil
			case payload := <-ch:
				if notice, ok := invalidationOf(payload); ok {
					return invalidationMsg{notice: notice}
				}
			}
		}
	}
}

// invalidationOf accepts notices from the in-process bus and JSON payloads
// from the NATS adapter.
func invalidationOf(payload any) (stream.Invalidation, bool) {
	switch p := payload.(type) {
	case stream.Invalidation:
		return p, p.RunID != ""
	case *stream.Invalidation:
		if p == nil {
			return stream.Invalidation{}, false
		}
		return *p, p.RunID != ""
	case json.RawMessage:
		var notice stream.Invalidation
		if err := json.Unmarshal(p, &notice); err != nil {
			return stream.Invalidation{}, false
		}
		return notice, notice.RunID != ""
	}
	return stream.Invalidation{}, false
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}
