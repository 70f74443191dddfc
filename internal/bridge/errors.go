package bridge

import "errors"

// Domain errors for the bridge package.
var (
	// ErrMalformedCommand is returned when a set payload is not a JSON object.
	ErrMalformedCommand = errors.New("bridge: malformed command")

	// ErrUnresolvedAddress is returned when a lamp's address cannot be
	// used as a mesh destination.
	ErrUnresolvedAddress = errors.New("bridge: unresolved address")
)
