package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/kbus/internal/client"
)

var deliveryCmd = &cobra.Command{
	Use:               "delivery",
	Aliases:           []string{"deliveries"},
	Short:             "Inspect delivery records",
	GroupID:           "bus",
	PersistentPreRunE: connectTenant,
}

var deliveryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List delivery records by event or subscription",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &client.ListDeliveriesRequest{}
		req.EventID, _ = cmd.Flags().GetString("event")
		req.SubscriptionID, _ = cmd.Flags().GetString("subscription")
		req.Status, _ = cmd.Flags().GetStringSlice("status")
		req.Limit, _ = cmd.Flags().GetInt("limit")
		req.Offset, _ = cmd.Flags().GetInt("offset")

		recs, err := busClient.ListDeliveries(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("listing deliveries: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), recs)
		}
		printDeliveryList(cmd.OutOrStdout(), recs)
		return nil
	},
}

func init() {
	deliveryListCmd.Flags().String("event", "", "only records for this event ID")
	deliveryListCmd.Flags().String("subscription", "", "only records for this subscription ID")
	deliveryListCmd.Flags().StringSlice("status", nil, "only records in these statuses (pending, retrying, delivered, dead)")
	deliveryListCmd.Flags().Int("limit", 0, "maximum number of records (server default 100)")
	deliveryListCmd.Flags().Int("offset", 0, "records to skip")

	deliveryCmd.AddCommand(deliveryListCmd)
}
