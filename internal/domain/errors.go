package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrEmptyRecipient is returned when a notification has no recipient.
	ErrEmptyRecipient = errors.New("recipient cannot be empty")

	// ErrEmptyTitle is returned when a notification has no title.
	ErrEmptyTitle = errors.New("title cannot be empty")

	// ErrEmptyType is returned when a notification has no event type.
	ErrEmptyType = errors.New("notification type cannot be empty")

	// ErrInvalidStatus is returned when a notification status is not valid.
	ErrInvalidStatus = errors.New("invalid notification status")

	// ErrInvalidTransition is returned when a status change is not permitted
	// from the notification's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotificationExpired is returned when acting on an invitation whose
	// expiry has passed.
	ErrNotificationExpired = errors.New("notification expired")

	// ErrNotActionable is returned when accept or decline is attempted on a
	// notification type that carries no invitation semantics.
	ErrNotActionable = errors.New("notification is not actionable")

	// ErrUnauthorized is returned when an operation is not permitted.
	ErrUnauthorized = errors.New("unauthorized operation")
)
