package standard

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/duragraph/studio/internal/cli/client"
)

func newAssistantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assistants",
		Short: "Manage deployed assistants",
	}

	cmd.AddCommand(newAssistantsListCmd())
	cmd.AddCommand(newAssistantsGetCmd())
	cmd.AddCommand(newAssistantsCreateCmd())
	cmd.AddCommand(newAssistantsUpdateCmd())
	cmd.AddCommand(newAssistantsDeleteCmd())
	return cmd
}

func newAssistantsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assistants",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			list, err := api.ListAssistants(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return encodeAsJSON(cmd.OutOrStdout(), list)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No assistants found")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-38s %-20s %-16s %s\n", "ASSISTANT ID", "NAME", "GRAPH", "DESCRIPTION")
			for _, a := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%-38s %-20s %-16s %s\n", a.AssistantID, a.Name, a.GraphID, a.Description)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func newAssistantsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <assistant-id>",
		Short: "Show an assistant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			a, err := api.GetAssistant(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return encodeAsJSON(cmd.OutOrStdout(), a)
		},
	}
}

func newAssistantsCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an assistant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := assistantRequestFromFlags(cmd)
			if err != nil {
				return err
			}
			req.Name = args[0]

			api, _, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			a, err := api.CreateAssistant(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Assistant %s created (%s)\n", a.Name, a.AssistantID)
			return nil
		},
	}
	addAssistantFlags(cmd)
	return cmd
}

func newAssistantsUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <assistant-id>",
		Short: "Patch an assistant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := assistantRequestFromFlags(cmd)
			if err != nil {
				return err
			}
			req.Name, _ = cmd.Flags().GetString("name")

			api, _, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			a, err := api.UpdateAssistant(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return encodeAsJSON(cmd.OutOrStdout(), a)
		},
	}
	addAssistantFlags(cmd)
	cmd.Flags().String("name", "", "New name")
	return cmd
}

func newAssistantsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <assistant-id>",
		Short: "Delete an assistant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			if err := api.DeleteAssistant(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Assistant %s deleted\n", args[0])
			return nil
		},
	}
}

func addAssistantFlags(cmd *cobra.Command) {
	cmd.Flags().String("description", "", "Description")
	cmd.Flags().String("graph", "", "Graph ID")
	cmd.Flags().String("config", "", "Config as a JSON object")
}

func assistantRequestFromFlags(cmd *cobra.Command) (client.AssistantRequest, error) {
	var req client.AssistantRequest
	req.Description, _ = cmd.Flags().GetString("description")
	req.GraphID, _ = cmd.Flags().GetString("graph")
	if raw, _ := cmd.Flags().GetString("config"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Config); err != nil {
			return req, fmt.Errorf("invalid --config: %w", err)
		}
	}
	return req, nil
}
