package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSubscriptionStatus_IsValid(t *testing.T) {
	for _, tc := range []struct {
		status SubscriptionStatus
		want   bool
	}{
		{SubscriptionActive, true},
		{SubscriptionInactive, true},
		{SubscriptionCancelled, true},
		{SubscriptionStatus(""), false},
		{SubscriptionStatus("paused"), false},
	} {
		if got := tc.status.IsValid(); got != tc.want {
			t.Errorf("SubscriptionStatus(%q).IsValid() = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestTopicStatus_IsValid(t *testing.T) {
	for _, tc := range []struct {
		status TopicStatus
		want   bool
	}{
		{TopicActive, true},
		{TopicInactive, true},
		{TopicStatus("archived"), false},
	} {
		if got := tc.status.IsValid(); got != tc.want {
			t.Errorf("TopicStatus(%q).IsValid() = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestDeliveryStatus_IsTerminal(t *testing.T) {
	for _, tc := range []struct {
		status DeliveryStatus
		want   bool
	}{
		{DeliveryPending, false},
		{DeliveryRetrying, false},
		{DeliveryFailed, false},
		{DeliveryDelivered, true},
		{DeliveryDead, true},
	} {
		if got := tc.status.IsTerminal(); got != tc.want {
			t.Errorf("DeliveryStatus(%q).IsTerminal() = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestDeliveryStatus_IsRecorded(t *testing.T) {
	for _, tc := range []struct {
		status DeliveryStatus
		want   bool
	}{
		{DeliveryPending, true},
		{DeliveryRetrying, true},
		{DeliveryDelivered, true},
		{DeliveryDead, true},
		{DeliveryFailed, false},
		{"bogus", false},
	} {
		if got := tc.status.IsRecorded(); got != tc.want {
			t.Errorf("DeliveryStatus(%q).IsRecorded() = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestDuration_JSON(t *testing.T) {
	var p RetryPolicy
	if err := json.Unmarshal([]byte(`{"max_retries":2,"base_delay":"1s","max_delay":1500}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.BaseDelay.Std() != time.Second {
		t.Errorf("base_delay = %v, want 1s", p.BaseDelay)
	}
	if p.MaxDelay.Std() != 1500*time.Millisecond {
		t.Errorf("max_delay = %v, want 1.5s", p.MaxDelay)
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(data), `{"max_retries":2,"base_delay":"1s","max_delay":"1.5s"}`; got != want {
		t.Errorf("marshal = %s, want %s", got, want)
	}

	if err := json.Unmarshal([]byte(`{"base_delay":"soon"}`), &p); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

func TestNewEnvelope(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := &Event{
		ID:            "evt-1",
		Topic:         "orders",
		Type:          "order.created",
		Source:        "checkout",
		TenantID:      "T1",
		CorrelationID: "corr-1",
		Payload:       json.RawMessage(`{"region":"us"}`),
		CreatedAt:     created,
	}

	data, err := json.Marshal(NewEnvelope(e))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"eventId", "eventType", "eventSource", "payload", "tenantId", "correlationId", "createdAt"} {
		if _, ok := got[key]; !ok {
			t.Errorf("envelope missing key %q: %s", key, data)
		}
	}
	if _, ok := got["topic"]; ok {
		t.Error("envelope must not carry the topic")
	}
	if got["eventId"] != "evt-1" || got["tenantId"] != "T1" {
		t.Errorf("unexpected envelope: %s", data)
	}

	e.Payload = nil
	env := NewEnvelope(e)
	if string(env.Payload) != "null" {
		t.Errorf("empty payload = %s, want null", env.Payload)
	}
}

func TestDeliveryKey_String(t *testing.T) {
	r := &DeliveryRecord{EventID: "evt-1", SubscriptionID: "sub-1"}
	if got := r.Key().String(); got != "evt-1/sub-1" {
		t.Errorf("Key().String() = %q", got)
	}
}
