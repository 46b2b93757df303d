package standard

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/duragraph/studio/internal/cli/client"
	"github.com/duragraph/studio/internal/config"
	"github.com/duragraph/studio/internal/protocol/events"
	"github.com/duragraph/studio/internal/reducer"
	"github.com/duragraph/studio/internal/stream"
)

func newThreadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Manage conversation threads",
	}

	cmd.AddCommand(newThreadsListCmd())
	cmd.AddCommand(newThreadsCreateCmd())
	cmd.AddCommand(newThreadsGetCmd())
	cmd.AddCommand(newThreadsDeleteCmd())
	cmd.AddCommand(newThreadsMessagesCmd())
	cmd.AddCommand(newThreadsSayCmd())
	return cmd
}

func newThreadsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			threads, err := api.ListThreads(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return encodeAsJSON(cmd.OutOrStdout(), threads)
			}
			if len(threads) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No threads found")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "THREAD ID\tCREATED\tUPDATED")
			for _, th := range threads {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", th.ThreadID, th.CreatedAt, th.UpdatedAt)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func newThreadsCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create an empty thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			th, err := api.CreateThread(cmd.Context(), client.CreateThreadRequest{})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), th.ThreadID)
			return nil
		},
	}
}

func newThreadsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <thread-id>",
		Short: "Show a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			th, err := api.GetThread(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return encodeAsJSON(cmd.OutOrStdout(), th)
		},
	}
}

func newThreadsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <thread-id>",
		Short: "Delete a thread and cancel its active runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			if err := api.DeleteThread(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Thread %s deleted\n", args[0])
			return nil
		},
	}
}

func newThreadsMessagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages <thread-id>",
		Short: "Print a thread's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			msgs, err := api.ListMessages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return encodeAsJSON(cmd.OutOrStdout(), msgs)
			}
			for _, m := range msgs {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", clock(m.CreatedAt), m.Role, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func newThreadsSayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "say <thread-id> <message>",
		Short: "Post a user message, run the assistant and print the reply as it streams",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			assistant, _ := cmd.Flags().GetString("assistant")
			api, cfg, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			if assistant == "" {
				list, err := api.ListAssistants(cmd.Context())
				if err != nil {
					return err
				}
				if len(list) == 0 {
					return errors.New("no assistants deployed; pass --assistant")
				}
				assistant = list[0].AssistantID
			}

			threadID, text := args[0], args[1]
			if _, err := api.AddMessage(cmd.Context(), threadID, client.AddMessageRequest{Role: "user", Content: text}); err != nil {
				return err
			}
			run, err := api.CreateRun(cmd.Context(), client.CreateRunRequest{
				ThreadID:    threadID,
				AssistantID: assistant,
				Input:       map[string]any{"message": text},
			})
			if err != nil {
				return err
			}
			return replyRun(cmd, api, cfg, run.RunID)
		},
	}
	cmd.Flags().String("assistant", "", "Assistant ID (default: first deployed assistant)")
	return cmd
}

// replyRun streams output chunks of runID to stdout and finishes with the
// transcript line the run produced.
func replyRun(cmd *cobra.Command, api *client.Client, cfg config.Config, runID string) error {
	out := cmd.OutOrStdout()
	fold := reducer.NewFold(reducer.ChatState{}.StartRun(runID, ""), reducer.ReduceChat)
	var (
		h       *stream.Handle
		chunked bool
	)
	err := followRunHandle(cmd, api, cfg, runID, func(handle *stream.Handle) { h = handle }, func(e stream.Entry) error {
		fold.Sync(e, h.Log)
		switch e.Event.Type {
		case events.TypeOutputChunk:
			var chunk struct {
				Content string `json:"content"`
			}
			if json.Unmarshal(e.Event.Data, &chunk) == nil {
				chunked = true
				fmt.Fprint(out, chunk.Content)
			}
		case events.TypeRunRequiresAction:
			fmt.Fprintf(cmd.ErrOrStderr(), "\nrun %s is waiting for tool outputs (studio runs submit-tool-outputs %s --output <call_id>=<value>)\n", runID, runID)
		}
		return nil
	})
	if chunked {
		fmt.Fprintln(out)
	}
	if err != nil {
		return err
	}
	state := fold.State()
	if n := len(state.Messages); n > 0 {
		last := state.Messages[n-1]
		if last.Role == reducer.RoleAssistant && last.Content != "" && (!chunked || last.Content == reducer.FailedRunText) {
			fmt.Fprintln(out, last.Content)
		}
	}
	return nil
}
