package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/kbus/internal/client"
	"github.com/alfredjeanlab/kbus/internal/model"
)

var subscriptionCmd = &cobra.Command{
	Use:               "sub",
	Aliases:           []string{"subscription"},
	Short:             "Manage subscriptions",
	GroupID:           "bus",
	PersistentPreRunE: connectTenant,
}

var subCreateCmd = &cobra.Command{
	Use:   "create <event-type> <endpoint>",
	Short: "Subscribe an endpoint to an event type",
	Long: `Subscribe an HTTP endpoint to an event type.

Filters are JSON objects matched against the event payload, given either
whole with --filter-json or as key=value pairs with --filter:

  kbus sub create order.created https://hooks.example/orders \
    --service billing --filter customer.region=eu --filter total='{"gte":100}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		service, _ := cmd.Flags().GetString("service")
		filterJSON, _ := cmd.Flags().GetString("filter-json")
		filterPairs, _ := cmd.Flags().GetStringArray("filter")

		filter, err := jsonInput(filterJSON, filterPairs)
		if err != nil {
			return fmt.Errorf("filter: %w", err)
		}
		policy, err := retryPolicyFromFlags(cmd)
		if err != nil {
			return err
		}

		sub, err := busClient.CreateSubscription(cmd.Context(), &client.CreateSubscriptionRequest{
			EventType:          args[0],
			SubscriberService:  service,
			SubscriberEndpoint: args[1],
			FilterExpression:   filter,
			RetryPolicy:        policy,
		})
		if err != nil {
			return fmt.Errorf("creating subscription: %w", err)
		}
		return showSubscription(cmd, sub)
	},
}

var subListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tenant's subscriptions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType, _ := cmd.Flags().GetString("event-type")
		subs, err := busClient.ListSubscriptions(cmd.Context(), eventType)
		if err != nil {
			return fmt.Errorf("listing subscriptions: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), subs)
		}
		printSubscriptionList(cmd.OutOrStdout(), subs)
		return nil
	},
}

var subShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sub, err := busClient.GetSubscription(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("getting subscription %s: %w", args[0], err)
		}
		return showSubscription(cmd, sub)
	},
}

var subUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change a subscription's endpoint, filter or retry policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var req client.UpdateSubscriptionRequest

		if cmd.Flags().Changed("endpoint") {
			endpoint, _ := cmd.Flags().GetString("endpoint")
			req.SubscriberEndpoint = &endpoint
		}

		clearFilter, _ := cmd.Flags().GetBool("clear-filter")
		filterJSON, _ := cmd.Flags().GetString("filter-json")
		filterPairs, _ := cmd.Flags().GetStringArray("filter")
		filter, err := jsonInput(filterJSON, filterPairs)
		if err != nil {
			return fmt.Errorf("filter: %w", err)
		}
		if clearFilter && filter != nil {
			return fmt.Errorf("--clear-filter cannot be combined with a new filter")
		}
		req.ClearFilter = clearFilter
		req.FilterExpression = filter

		if req.RetryPolicy, err = retryPolicyFromFlags(cmd); err != nil {
			return err
		}

		if req.SubscriberEndpoint == nil && !req.ClearFilter && req.FilterExpression == nil && req.RetryPolicy == nil {
			return fmt.Errorf("nothing to update")
		}

		sub, err := busClient.UpdateSubscription(cmd.Context(), args[0], &req)
		if err != nil {
			return fmt.Errorf("updating subscription %s: %w", args[0], err)
		}
		return showSubscription(cmd, sub)
	},
}

func subscriptionTransition(use, short string, call func(cmd *cobra.Command, id string) (*model.Subscription, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := call(cmd, args[0])
			if err != nil {
				return fmt.Errorf("%s subscription %s: %w", use, args[0], err)
			}
			return showSubscription(cmd, sub)
		},
	}
}

var (
	subActivateCmd = subscriptionTransition("activate", "Resume deliveries to a subscription",
		func(cmd *cobra.Command, id string) (*model.Subscription, error) {
			return busClient.ActivateSubscription(cmd.Context(), id)
		})
	subDeactivateCmd = subscriptionTransition("deactivate", "Pause deliveries to a subscription",
		func(cmd *cobra.Command, id string) (*model.Subscription, error) {
			return busClient.DeactivateSubscription(cmd.Context(), id)
		})
	subCancelCmd = subscriptionTransition("cancel", "Cancel a subscription permanently",
		func(cmd *cobra.Command, id string) (*model.Subscription, error) {
			return busClient.CancelSubscription(cmd.Context(), id)
		})
)

// retryPolicyFromFlags returns nil when no retry flag was given.
func retryPolicyFromFlags(cmd *cobra.Command) (*model.RetryPolicy, error) {
	f := cmd.Flags()
	if !f.Changed("max-retries") && !f.Changed("base-delay") && !f.Changed("max-delay") && !f.Changed("jitter") {
		return nil, nil
	}
	p := model.DefaultRetryPolicy
	if f.Changed("max-retries") {
		p.MaxRetries, _ = f.GetInt("max-retries")
	}
	if f.Changed("base-delay") {
		d, _ := f.GetDuration("base-delay")
		p.BaseDelay = model.Duration(d)
	}
	if f.Changed("max-delay") {
		d, _ := f.GetDuration("max-delay")
		p.MaxDelay = model.Duration(d)
	}
	if f.Changed("jitter") {
		p.Jitter, _ = f.GetFloat64("jitter")
	}
	if p.MaxRetries < 0 {
		return nil, fmt.Errorf("--max-retries must not be negative")
	}
	return &p, nil
}

func addRetryFlags(cmd *cobra.Command) {
	cmd.Flags().Int("max-retries", model.DefaultRetryPolicy.MaxRetries, "retries after the first attempt")
	cmd.Flags().Duration("base-delay", model.DefaultRetryPolicy.BaseDelay.Std(), "delay before the first retry")
	cmd.Flags().Duration("max-delay", model.DefaultRetryPolicy.MaxDelay.Std(), "upper bound on any retry delay")
	cmd.Flags().Float64("jitter", 0, "random spread applied to delays (0.0-1.0)")
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("filter-json", "", "filter expression as a JSON object")
	cmd.Flags().StringArray("filter", nil, "filter field as key=value (repeatable)")
}

func showSubscription(cmd *cobra.Command, sub *model.Subscription) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), sub)
	}
	printSubscription(cmd.OutOrStdout(), sub)
	return nil
}

func init() {
	subCreateCmd.Flags().String("service", "", "name of the subscribing service (required)")
	_ = subCreateCmd.MarkFlagRequired("service")
	addFilterFlags(subCreateCmd)
	addRetryFlags(subCreateCmd)

	subListCmd.Flags().String("event-type", "", "only subscriptions for this event type")

	subUpdateCmd.Flags().String("endpoint", "", "new subscriber endpoint")
	subUpdateCmd.Flags().Bool("clear-filter", false, "remove the filter")
	addFilterFlags(subUpdateCmd)
	addRetryFlags(subUpdateCmd)

	subscriptionCmd.AddCommand(subCreateCmd)
	subscriptionCmd.AddCommand(subListCmd)
	subscriptionCmd.AddCommand(subShowCmd)
	subscriptionCmd.AddCommand(subUpdateCmd)
	subscriptionCmd.AddCommand(subActivateCmd)
	subscriptionCmd.AddCommand(subDeactivateCmd)
	subscriptionCmd.AddCommand(subCancelCmd)
}

