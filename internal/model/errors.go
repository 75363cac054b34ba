package model

import "errors"

// Registry validation errors, surfaced as 400s by the subscription handler.
var (
	ErrInvalidEndpoint            = errors.New("endpoint must be an https URL")
	ErrMissingKeys                = errors.New("p256dh and auth keys are required for non-WNS endpoints")
	ErrAnonymousMissingIdentifier = errors.New("anonymous subscription requires a phone or device id")
)

// Lookup errors.
var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrSubscriptionNotFound = errors.New("push subscription not found")
	ErrTokenNotFound        = errors.New("unsubscribe token not found")
	ErrRecipientNotFound    = errors.New("recipient not found")
)

// Planner boundary error: the only error kind an event source ever sees.
var ErrInvalidEvent = errors.New("invalid event")

// Scheduler errors.
var (
	ErrQueueFull         = errors.New("adapter queue full")
	ErrSchedulerShutdown = errors.New("scheduler shutting down")
)

// Error response codes used by the HTTP layer.
const (
	CodeTokenExpired = "TOKEN_EXPIRED"
	CodeTokenInvalid = "TOKEN_INVALID"
)
