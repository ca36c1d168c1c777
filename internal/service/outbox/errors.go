package outbox

import "errors"

// Sentinel errors for the outbox service layer.
var (
	ErrUnauthorized      = errors.New("unauthorized: invalid worker secret")
	ErrClaim             = errors.New("claim pending emails")
	ErrNotFound          = errors.New("outbox message not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidRecipient  = errors.New("invalid recipient address")
)
