package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/kbus/internal/client"
	"github.com/alfredjeanlab/kbus/internal/model"
	"github.com/alfredjeanlab/kbus/internal/ui"
)

const timeLayout = "2006-01-02 15:04:05"

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func printTopic(w io.Writer, t *model.Topic) {
	fmt.Fprintf(w, "Name:        %s\n", ui.RenderAccent(t.Name))
	fmt.Fprintf(w, "Tenant:      %s\n", t.TenantID)
	fmt.Fprintf(w, "Status:      %s\n", ui.RenderStatus(string(t.Status)))
	if t.Owner != "" {
		fmt.Fprintf(w, "Owner:       %s\n", t.Owner)
	}
	if t.Description != "" {
		fmt.Fprintf(w, "Description: %s\n", t.Description)
	}
	printTimes(w, t.CreatedAt, t.UpdatedAt)
}

func printTopicList(w io.Writer, topics []*model.Topic) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tOWNER\tDESCRIPTION")
	for _, t := range topics {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Name, t.Status, t.Owner, truncate(t.Description, 50))
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d topics\n", len(topics))
}

func printSubscription(w io.Writer, s *model.Subscription) {
	fmt.Fprintf(w, "ID:          %s\n", ui.RenderAccent(s.ID))
	fmt.Fprintf(w, "Tenant:      %s\n", s.TenantID)
	fmt.Fprintf(w, "Event Type:  %s\n", s.EventType)
	fmt.Fprintf(w, "Service:     %s\n", s.SubscriberService)
	fmt.Fprintf(w, "Endpoint:    %s\n", s.SubscriberEndpoint)
	fmt.Fprintf(w, "Status:      %s\n", ui.RenderStatus(string(s.Status)))
	if len(s.FilterExpression) > 0 {
		fmt.Fprintf(w, "Filter:      %s\n", s.FilterExpression)
	}
	p := s.RetryPolicy
	fmt.Fprintf(w, "Retries:     %d (base %s, max %s", p.MaxRetries, p.BaseDelay, p.MaxDelay)
	if p.Jitter > 0 {
		fmt.Fprintf(w, ", jitter %.2f", p.Jitter)
	}
	fmt.Fprintln(w, ")")
	printTimes(w, s.CreatedAt, s.UpdatedAt)
}

func printSubscriptionList(w io.Writer, subs []*model.Subscription) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tEVENT TYPE\tSERVICE\tENDPOINT")
	for _, s := range subs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Status, s.EventType, s.SubscriberService, truncate(s.SubscriberEndpoint, 60))
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d subscriptions\n", len(subs))
}

func printDeliveryList(w io.Writer, recs []*model.DeliveryRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tSUBSCRIPTION\tSTATUS\tATTEMPTS\tNEXT RETRY\tLAST ERROR")
	for _, r := range recs {
		next := "-"
		if r.NextRetryAt != nil {
			next = r.NextRetryAt.Format(timeLayout)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			r.EventID,
			r.SubscriptionID,
			r.Status,
			r.AttemptCount,
			r.MaxRetries+1,
			next,
			truncate(r.LastError, 40),
		)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d deliveries\n", len(recs))
}

func printPublishResult(w io.Writer, resp *client.PublishResponse) {
	fmt.Fprintf(w, "Published %s\n", ui.RenderAccent(resp.Result.EventID))
	fmt.Fprintf(w, "  matched %d, created %d, dispatched %d\n",
		resp.Result.Matched, resp.Result.Created, resp.Result.Dispatched)
}

func printTimes(w io.Writer, created, updated time.Time) {
	if !created.IsZero() {
		fmt.Fprintf(w, "Created At:  %s\n", ui.RenderMuted(created.Format(timeLayout)))
	}
	if !updated.IsZero() {
		fmt.Fprintf(w, "Updated At:  %s\n", ui.RenderMuted(updated.Format(timeLayout)))
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
