package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/kbus/internal/client"
)

var publishCmd = &cobra.Command{
	Use:   "publish <topic> <event-type>",
	Short: "Publish an event to a topic",
	Long: `Publish an event to a topic and fan it out to matching subscriptions.

The payload is a JSON document given with --data, or built from key=value
pairs with --field (dots nest: --field customer.region=eu).`,
	Args:              cobra.ExactArgs(2),
	GroupID:           "bus",
	PersistentPreRunE: connectTenant,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, _ := cmd.Flags().GetString("data")
		fields, _ := cmd.Flags().GetStringArray("field")
		payload, err := jsonInput(data, fields)
		if err != nil {
			return fmt.Errorf("payload: %w", err)
		}

		req := &client.PublishRequest{Type: args[1], Payload: payload}
		req.ID, _ = cmd.Flags().GetString("id")
		req.Source, _ = cmd.Flags().GetString("source")
		req.CorrelationID, _ = cmd.Flags().GetString("correlation-id")

		resp, err := busClient.Publish(cmd.Context(), args[0], req)
		if err != nil {
			return fmt.Errorf("publishing to %s: %w", args[0], err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		printPublishResult(cmd.OutOrStdout(), resp)
		return nil
	},
}

func init() {
	publishCmd.Flags().String("data", "", "event payload as JSON")
	publishCmd.Flags().StringArrayP("field", "f", nil, "payload field as key=value (repeatable)")
	publishCmd.Flags().String("id", "", "event ID (generated when empty; reuse to publish idempotently)")
	publishCmd.Flags().String("source", "", "producing service")
	publishCmd.Flags().String("correlation-id", "", "correlation ID shared by related events")
}
