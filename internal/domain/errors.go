package domain

import "errors"

// Relay error taxonomy. Callers match these with errors.Is; implementations
// wrap the underlying cause with fmt.Errorf("...: %w", ErrX).
var (
	// ErrUnauthenticated means a credential was missing, malformed or rejected.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInvalidState means an operation was attempted on a connection that is
	// not in the lifecycle state the operation requires.
	ErrInvalidState = errors.New("invalid connection state")

	// ErrMalformedInput means an inbound payload could not be parsed or was
	// missing a required field.
	ErrMalformedInput = errors.New("malformed input")

	// ErrStoreUnavailable means the durable message store could not complete
	// an append or a query.
	ErrStoreUnavailable = errors.New("message store unavailable")

	// ErrDeliveryFailure means a specific connection could not be written to.
	ErrDeliveryFailure = errors.New("delivery failure")
)

// Sentinel errors for the account and directory layer.
var (
	ErrUserAlreadyExists  = errors.New("user with this username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials provided")
	ErrNotFound           = errors.New("requested resource not found")
)
