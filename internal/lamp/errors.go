package lamp

import "errors"

// Domain errors for the lamp package.
//
//	if errors.Is(err, lamp.ErrDuplicateName) {
//	    // tell the user to pick another name
//	}
var (
	// ErrNotFound is returned when no lamp matches a name or address.
	ErrNotFound = errors.New("lamp: not found")

	// ErrDuplicateName is returned when a name is already registered.
	ErrDuplicateName = errors.New("lamp: duplicate name")

	// ErrStorageFull is returned when the registry is at capacity.
	ErrStorageFull = errors.New("lamp: storage full")

	// ErrPersist is returned when the durable write fails. The in-memory
	// change has already been applied.
	ErrPersist = errors.New("lamp: persist failed")

	// ErrInvalidName is returned when a name fails validation.
	ErrInvalidName = errors.New("lamp: invalid name")

	// ErrInvalidAddress is returned when an address fails validation.
	ErrInvalidAddress = errors.New("lamp: invalid address")
)
