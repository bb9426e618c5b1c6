package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/kbus/internal/client"
	"github.com/alfredjeanlab/kbus/internal/model"
)

var topicCmd = &cobra.Command{
	Use:     "topic",
	Short:   "Manage topics",
	GroupID: "bus",
	PersistentPreRunE: connectTenant,
}

var topicRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register a new topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		desc, _ := cmd.Flags().GetString("description")

		t, err := busClient.RegisterTopic(cmd.Context(), &client.RegisterTopicRequest{
			Name:        args[0],
			Owner:       owner,
			Description: desc,
		})
		if err != nil {
			return fmt.Errorf("registering topic: %w", err)
		}
		return showTopic(cmd, t)
	},
}

var topicListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tenant's topics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		topics, err := busClient.ListTopics(cmd.Context())
		if err != nil {
			return fmt.Errorf("listing topics: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), topics)
		}
		printTopicList(cmd.OutOrStdout(), topics)
		return nil
	},
}

var topicShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := busClient.GetTopic(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("getting topic %s: %w", args[0], err)
		}
		return showTopic(cmd, t)
	},
}

var topicActivateCmd = &cobra.Command{
	Use:   "activate <name>",
	Short: "Accept events on a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := busClient.ActivateTopic(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("activating topic %s: %w", args[0], err)
		}
		return showTopic(cmd, t)
	},
}

var topicDeactivateCmd = &cobra.Command{
	Use:   "deactivate <name>",
	Short: "Stop accepting events on a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := busClient.DeactivateTopic(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("deactivating topic %s: %w", args[0], err)
		}
		return showTopic(cmd, t)
	},
}

var topicDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := busClient.DeleteTopic(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("deleting topic %s: %w", args[0], err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]string{"deleted": args[0]})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted topic %s\n", args[0])
		return nil
	},
}

func showTopic(cmd *cobra.Command, t *model.Topic) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), t)
	}
	printTopic(cmd.OutOrStdout(), t)
	return nil
}

func init() {
	topicRegisterCmd.Flags().String("owner", "", "owning service or team")
	topicRegisterCmd.Flags().StringP("description", "d", "", "topic description")

	topicCmd.AddCommand(topicRegisterCmd)
	topicCmd.AddCommand(topicListCmd)
	topicCmd.AddCommand(topicShowCmd)
	topicCmd.AddCommand(topicActivateCmd)
	topicCmd.AddCommand(topicDeactivateCmd)
	topicCmd.AddCommand(topicDeleteCmd)
}
