package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/duragraph/studio/internal/cli/client"
	"github.com/duragraph/studio/internal/protocol/events"
)

// Messages starting with these prefixes steer the script.
const (
	CommandTool = "/tool"
	CommandFail = "/fail"
)

const (
	nodeLLM  = "llm"
	nodeTool = "tool"

	scriptedFailure = "scripted failure"
)

func eventsTopic(runID string) string { return "runs." + runID + ".events" }

// emit records an event and wakes the run's stream handlers.
func (s *Server) emit(runID, typ string, data any, apply func(*client.Run)) (events.RunEvent, error) {
	ev, err := s.store.appendEvent(runID, typ, data, apply)
	if err != nil {
		return events.RunEvent{}, err
	}
	ctx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, eventsTopic(runID), ev.ID); err != nil {
		s.logger.Warn("publish wakeup", "run_id", runID, "error", err)
	}
	return ev, nil
}

// startRun registers a run, emits run.queued and starts its script.
func (s *Server) startRun(req client.CreateRunRequest) (client.Run, error) {
	ctx, cancel := context.WithCancel(s.ctx)
	run, tools, err := s.store.createRun(req, cancel)
	if err != nil {
		cancel()
		return client.Run{}, err
	}
	if _, err := s.emit(run.RunID, events.TypeRunQueued, events.RunPayload{RunID: run.RunID, Status: string(client.RunQueued)}, nil); err != nil {
		cancel()
		return client.Run{}, err
	}
	s.logger.Info("run created", "run_id", run.RunID, "thread_id", run.ThreadID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		p := &player{s: s, ctx: ctx, run: run}
		p.play(tools)
	}()
	return s.store.GetRun(run.RunID)
}

// resumeRun hands tool outputs to a run waiting in requires_action.
func (s *Server) resumeRun(runID string, outputs []client.ToolOutput) (client.Run, error) {
	tools, err := s.store.runControl(runID)
	if err != nil {
		return client.Run{}, err
	}
	waiting := false
	run, err := s.store.updateRun(runID, func(r *client.Run) {
		if r.Status != client.RunRequiresAction {
			return
		}
		waiting = true
		r.Status = client.RunInProgress
		r.RequiredAction = nil
	})
	if err != nil {
		return client.Run{}, err
	}
	if !waiting {
		return client.Run{}, fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrConflict)
	}
	select {
	case tools <- outputs:
	default:
	}
	return run, nil
}

// player walks one run through its script.
type player struct {
	s   *Server
	ctx context.Context
	run client.Run
}

func (p *player) play(tools <-chan []client.ToolOutput) {
	runID := p.run.RunID
	message, _ := p.run.Input["message"].(string)

	if !p.step(events.TypeRunInProgress, events.RunPayload{RunID: runID, Status: string(client.RunInProgress)}, withStatus(client.RunInProgress)) {
		return
	}
	if !p.step(events.TypeNodeStarted, events.NodeExecution{NodeID: nodeLLM, Status: "started", Input: mustJSON(map[string]string{"message": message})}, nil) {
		return
	}

	reply := "Echo: " + message
	switch {
	case strings.HasPrefix(message, CommandFail):
		if !p.step(events.TypeNodeFailed, events.NodeExecution{NodeID: nodeLLM, Status: "failed", Error: scriptedFailure}, nil) {
			return
		}
		p.step(events.TypeRunFailed, events.RunPayload{RunID: runID, Status: string(client.RunFailed), Error: scriptedFailure}, func(r *client.Run) {
			r.Status = client.RunFailed
			r.Error = scriptedFailure
		})
		return

	case strings.HasPrefix(message, CommandTool):
		call := client.ToolCall{
			ID:   "call_" + uuid.NewString()[:8],
			Type: "function",
			Function: client.FunctionCall{
				Name:      "lookup",
				Arguments: string(mustJSON(map[string]string{"query": strings.TrimSpace(strings.TrimPrefix(message, CommandTool))})),
			},
		}
		if !p.step(events.TypeNodeCompleted, events.NodeExecution{NodeID: nodeLLM, Status: "completed", Output: mustJSON(map[string]any{"tool_calls": []client.ToolCall{call}})}, nil) {
			return
		}
		action := &client.RequiredAction{Type: "submit_tool_outputs", SubmitToolOutputs: client.SubmitToolOutputs{ToolCalls: []client.ToolCall{call}}}
		if !p.step(events.TypeRunRequiresAction, map[string]any{"run_id": runID, "status": client.RunRequiresAction, "required_action": action}, func(r *client.Run) {
			r.Status = client.RunRequiresAction
			r.RequiredAction = action
		}) {
			return
		}

		var outputs []client.ToolOutput
		select {
		case <-p.ctx.Done():
			return
		case outputs = <-tools:
		}
		if !p.step(events.TypeNodeStarted, events.NodeExecution{NodeID: nodeTool, Status: "started", Input: mustJSON(call.Function)}, nil) {
			return
		}
		if !p.step(events.TypeNodeCompleted, events.NodeExecution{NodeID: nodeTool, Status: "completed", Output: mustJSON(outputs)}, nil) {
			return
		}
		if !p.step(events.TypeRunInProgress, events.RunPayload{RunID: runID, Status: string(client.RunInProgress)}, withStatus(client.RunInProgress)) {
			return
		}
		if !p.step(events.TypeNodeStarted, events.NodeExecution{NodeID: nodeLLM, Status: "started", Input: mustJSON(outputs)}, nil) {
			return
		}
		parts := make([]string, 0, len(outputs))
		for _, o := range outputs {
			parts = append(parts, o.Output)
		}
		reply = "Tool said: " + strings.Join(parts, ", ")
	}

	for _, word := range strings.Fields(reply) {
		if !p.step(events.TypeOutputChunk, map[string]string{"content": word + " "}, nil) {
			return
		}
	}
	output := mustJSON(events.RunOutput{Content: reply})
	if !p.step(events.TypeNodeCompleted, events.NodeExecution{NodeID: nodeLLM, Status: "completed", Output: output}, nil) {
		return
	}
	if !p.step(events.TypeRunCompleted, events.RunPayload{RunID: runID, Status: string(client.RunCompleted), Output: output}, func(r *client.Run) {
		r.Status = client.RunCompleted
		r.Output = output
	}) {
		return
	}
	if _, err := p.s.store.AddMessage(p.run.ThreadID, client.AddMessageRequest{Role: "assistant", Content: reply}); err != nil {
		p.s.logger.Warn("record reply", "run_id", runID, "error", err)
	}
}

// step pauses and emits one event. It returns false once the run has ended
// or the server is shutting down.
func (p *player) step(typ string, data any, apply func(*client.Run)) bool {
	if p.s.stepDelay > 0 {
		timer := time.NewTimer(p.s.stepDelay)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	} else if p.ctx.Err() != nil {
		return false
	}
	if _, err := p.s.emit(p.run.RunID, typ, data, apply); err != nil {
		if !errors.Is(err, ErrConflict) {
			p.s.logger.Error("emit", "run_id", p.run.RunID, "type", typ, "error", err)
		}
		return false
	}
	return true
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("devserver: encode %T: %v", v, err))
	}
	return raw
}
