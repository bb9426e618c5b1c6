package model

import "time"

// TopicStatus is the activation state of a topic.
type TopicStatus string

const (
	TopicActive   TopicStatus = "active"
	TopicInactive TopicStatus = "inactive"
)

// String returns the string representation of the topic status.
func (s TopicStatus) String() string {
	return string(s)
}

// IsValid checks whether the topic status is a known value.
func (s TopicStatus) IsValid() bool {
	switch s {
	case TopicActive, TopicInactive:
		return true
	}
	return false
}

// Topic is a named channel producers publish into. Names are unique per tenant.
type Topic struct {
	Name        string      `json:"name"`
	TenantID    string      `json:"tenant_id"`
	Owner       string      `json:"owner,omitempty"`
	Description string      `json:"description,omitempty"`
	Status      TopicStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
