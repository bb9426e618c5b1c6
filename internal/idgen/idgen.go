// Package idgen generates prefixed identifiers for bus resources.
// Subscription IDs are short nanoids; event and correlation IDs are UUIDs so
// producers outside the bus can mint compatible values.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
	nanoid "github.com/matoous/go-nanoid/v2"
)

const (
	SubscriptionPrefix = "sub-"
	EventPrefix        = "evt-"
)

// Alphabet defines the character set used for nanoid-based IDs.
const Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters in a nanoid-based ID.
const Length = 12

// SubscriptionID returns a new subscription identifier.
func SubscriptionID() (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return SubscriptionPrefix + id, nil
}

// EventID returns a new event identifier.
func EventID() string {
	return EventPrefix + uuid.NewString()
}

// CorrelationID returns a bare UUID for tracing a chain of related events.
func CorrelationID() string {
	return uuid.NewString()
}
