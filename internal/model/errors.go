package model

import "errors"

// Error taxonomy shared by the registries, the router and the delivery path.
// Callers match with errors.Is; wrapping adds context.
var (
	ErrNotFound              = errors.New("not found")
	ErrDuplicateTopic        = errors.New("topic already exists")
	ErrForbidden             = errors.New("forbidden")
	ErrInvalidFilter         = errors.New("invalid filter expression")
	ErrSubscriptionCancelled = errors.New("subscription is cancelled")
	ErrSubscriptionInactive  = errors.New("subscription inactive")
	ErrDeliveryFailure       = errors.New("delivery failed")
	ErrEventConflict         = errors.New("event id already used for a different event")
)
