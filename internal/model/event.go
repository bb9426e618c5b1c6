package model

import (
	"encoding/json"
	"time"
)

// Event is an immutable fact admitted to the bus. The bus never mutates it
// after admission.
type Event struct {
	ID            string          `json:"id"`
	Topic         string          `json:"topic"`
	Type          string          `json:"type"`
	Source        string          `json:"source,omitempty"`
	TenantID      string          `json:"tenant_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Envelope is the JSON body POSTed to a subscriber endpoint. Field names are
// part of the outbound wire contract.
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	EventSource   string          `json:"eventSource"`
	Payload       json.RawMessage `json:"payload"`
	TenantID      string          `json:"tenantId"`
	CorrelationID string          `json:"correlationId"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// NewEnvelope builds the outbound envelope from the event's public fields.
// A missing payload is sent as JSON null.
func NewEnvelope(e *Event) Envelope {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Envelope{
		EventID:       e.ID,
		EventType:     e.Type,
		EventSource:   e.Source,
		Payload:       payload,
		TenantID:      e.TenantID,
		CorrelationID: e.CorrelationID,
		CreatedAt:     e.CreatedAt,
	}
}
