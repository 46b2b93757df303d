package standard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/duragraph/studio/internal/cli/client"
	"github.com/duragraph/studio/internal/config"
	"github.com/duragraph/studio/internal/protocol/events"
	"github.com/duragraph/studio/internal/reducer"
	"github.com/duragraph/studio/internal/stream"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and follow runs",
	}

	cmd.AddCommand(newRunsListCmd())
	cmd.AddCommand(newRunsGetCmd())
	cmd.AddCommand(newRunsCreateCmd())
	cmd.AddCommand(newRunsCancelCmd())
	cmd.AddCommand(newRunsSubmitCmd())
	cmd.AddCommand(newRunsWatchCmd())
	cmd.AddCommand(newRunsTraceCmd())
	return cmd
}

func newRunsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			filters := url.Values{}
			if status, _ := cmd.Flags().GetString("status"); status != "" {
				filters.Set("status", status)
			}
			if thread, _ := cmd.Flags().GetString("thread"); thread != "" {
				filters.Set("thread_id", thread)
			}
			limit, _ := cmd.Flags().GetInt("limit")
			if limit > 0 {
				filters.Set("limit", fmt.Sprint(limit))
			}

			runs, err := api.ListRuns(cmd.Context(), filters)
			if err != nil {
				return err
			}
			if limit > 0 && len(runs) > limit {
				runs = runs[:limit]
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return encodeAsJSON(cmd.OutOrStdout(), runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs found")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN ID\tSTATUS\tTHREAD\tASSISTANT\tCREATED")
			for _, run := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", run.RunID, run.Status, run.ThreadID, run.AssistantID, run.CreatedAt)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("status", "", "Only runs with this status")
	cmd.Flags().String("thread", "", "Only runs of this thread")
	cmd.Flags().Int("limit", 20, "Maximum number of runs (0 for all)")
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func newRunsGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			run, err := api.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return encodeAsJSON(cmd.OutOrStdout(), run)
			}
			printRun(cmd.OutOrStdout(), run)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func printRun(out io.Writer, run *client.Run) {
	fmt.Fprintf(out, "Run: %s\nStatus: %s\nThread: %s\nAssistant: %s\nCreated: %s\n", run.RunID, run.Status, run.ThreadID, run.AssistantID, run.CreatedAt)
	if run.StartedAt != "" {
		fmt.Fprintf(out, "Started: %s\n", run.StartedAt)
	}
	if run.CompletedAt != "" {
		fmt.Fprintf(out, "Completed: %s\n", run.CompletedAt)
	}
	if len(run.Output) > 0 {
		fmt.Fprintf(out, "Output: %s\n", run.Output)
	}
	if run.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", run.Error)
	}
	if run.RequiredAction != nil {
		for _, call := range run.RequiredAction.SubmitToolOutputs.ToolCalls {
			fmt.Fprintf(out, "Tool call: %s %s(%s)\n", call.ID, call.Function.Name, call.Function.Arguments)
		}
	}
}

func newRunsCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a run on a thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			thread, _ := cmd.Flags().GetString("thread")
			assistant, _ := cmd.Flags().GetString("assistant")
			message, _ := cmd.Flags().GetString("message")
			watch, _ := cmd.Flags().GetBool("watch")

			api, cfg, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			req := client.CreateRunRequest{ThreadID: thread, AssistantID: assistant}
			if message != "" {
				if _, err := api.AddMessage(cmd.Context(), thread, client.AddMessageRequest{Role: "user", Content: message}); err != nil {
					return err
				}
				req.Input = map[string]any{"message": message}
			}
			run, err := api.CreateRun(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Run %s %s\n", run.RunID, run.Status)
			if !watch {
				fmt.Fprintln(cmd.OutOrStdout(), run.RunID)
				return nil
			}
			return watchRun(cmd, api, cfg, run.RunID, false)
		},
	}
	cmd.Flags().String("thread", "", "Thread ID")
	cmd.Flags().String("assistant", "", "Assistant ID")
	cmd.Flags().StringP("message", "m", "", "User message to post and answer")
	cmd.Flags().Bool("watch", false, "Follow the run's events")
	_ = cmd.MarkFlagRequired("thread")
	_ = cmd.MarkFlagRequired("assistant")
	return cmd
}

func newRunsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			run, err := api.CancelRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s %s\n", run.RunID, run.Status)
			return nil
		},
	}
}

func newRunsSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit-tool-outputs <run-id>",
		Short: "Answer the tool calls of a run waiting for them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetStringArray("output")
			if len(raw) == 0 {
				return errors.New("at least one --output call_id=value is required")
			}
			outputs := make([]client.ToolOutput, 0, len(raw))
			for _, kv := range raw {
				id, value, ok := strings.Cut(kv, "=")
				if !ok || id == "" {
					return fmt.Errorf("invalid --output %q (want call_id=value)", kv)
				}
				outputs = append(outputs, client.ToolOutput{ToolCallID: id, Output: value})
			}

			api, _, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			run, err := api.SubmitToolOutputs(cmd.Context(), args[0], outputs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s %s\n", run.RunID, run.Status)
			return nil
		},
	}
	cmd.Flags().StringArray("output", nil, "Tool output as call_id=value (repeatable)")
	return cmd
}

func newRunsWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Print a run's events as they arrive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, cfg, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			return watchRun(cmd, api, cfg, args[0], asJSON)
		},
	}
	cmd.Flags().Bool("json", false, "Print raw events as JSON lines")
	return cmd
}

func newRunsTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace <run-id>",
		Short: "Print a run's execution timeline as it grows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, cfg, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			return traceRun(cmd, api, cfg, args[0], asJSON)
		},
	}
	cmd.Flags().Bool("json", false, "Print steps as JSON lines")
	return cmd
}

func watchRun(cmd *cobra.Command, api *client.Client, cfg config.Config, runID string, asJSON bool) error {
	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	return followRun(cmd, api, cfg, runID, func(e stream.Entry) error {
		if asJSON {
			return enc.Encode(e.Event)
		}
		_, err := fmt.Fprintf(out, "%4d %s %-20s %s\n", e.Seq, clock(e.Event.Timestamp), e.Event.Type, events.Preview(e.Event.Data, 120))
		return err
	})
}

func traceRun(cmd *cobra.Command, api *client.Client, cfg config.Config, runID string, asJSON bool) error {
	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	var (
		fold    *reducer.Fold[reducer.TraceState]
		printed int
		h       *stream.Handle
	)
	fold = reducer.NewFold(reducer.TraceState{}, reducer.ReduceTrace)
	return followRunHandle(cmd, api, cfg, runID, func(handle *stream.Handle) { h = handle }, func(e stream.Entry) error {
		fold.Sync(e, h.Log)
		steps := fold.State().Steps
		if len(steps) < printed {
			// Rebuilt from a shorter log.
			printed = 0
		}
		for _, step := range steps[printed:] {
			if asJSON {
				if err := enc.Encode(step); err != nil {
					return err
				}
				continue
			}
			name := "run"
			if step.Kind == reducer.StepNode {
				name = "node " + step.NodeID
			}
			detail := step.Error
			if detail == "" && len(step.Output) > 0 {
				detail = events.Preview(step.Output, 100)
			}
			if _, err := fmt.Fprintf(out, "%4d %s %-16s %-16s %s\n", step.Seq, clock(step.Timestamp), name, step.Status, detail); err != nil {
				return err
			}
		}
		printed = len(steps)
		return nil
	})
}

func followRun(cmd *cobra.Command, api *client.Client, cfg config.Config, runID string, onEntry func(stream.Entry) error) error {
	return followRunHandle(cmd, api, cfg, runID, nil, onEntry)
}

// followRunHandle subscribes to runID and hands every event to onEntry until
// the run's stream ends. Connectivity changes are reported on stderr. It
// returns the terminal error when the subscription gives up.
func followRunHandle(cmd *cobra.Command, api *client.Client, cfg config.Config, runID string, onHandle func(*stream.Handle), onEntry func(stream.Entry) error) error {
	logger := commandLogger(cmd, cfg, "stream")
	s, err := newStreams(cmd, cfg, api, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	h, err := s.registry.Subscribe(runID, nil)
	if err != nil {
		return err
	}
	defer h.Close()
	if onHandle != nil {
		onHandle(h)
	}

	for _, e := range h.Snapshot() {
		if err := onEntry(e); err != nil {
			return err
		}
	}
	if h.InitialStatus() == stream.StatusClosed {
		return nil
	}

	ctx := cmd.Context()
	for {
		u, err := h.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		switch u.Kind {
		case stream.UpdateEvent:
			if err := onEntry(u.Entry); err != nil {
				return err
			}
		case stream.UpdateConnectivity:
			c := u.Connectivity
			switch c.Status {
			case stream.StatusReconnecting:
				fmt.Fprintf(cmd.ErrOrStderr(), "stream reconnecting (attempt %d, retry in %s): %v\n", c.Attempt, c.RetryIn, c.Err)
			case stream.StatusOpen:
				if c.Attempt > 0 {
					fmt.Fprintln(cmd.ErrOrStderr(), "stream reconnected")
				}
			case stream.StatusClosed:
				return nil
			case stream.StatusFailed:
				return c.Err
			}
		}
	}
}

func clock(ts string) string {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.Local().Format("15:04:05.000")
		}
	}
	if ts == "" {
		return "--:--:--.---"
	}
	return ts
}
