// Package lamp owns the registry of mesh lamps exposed to the
// automation hub.
//
// A lamp is a name (the MQTT topic segment and the hub's friendly name)
// paired with the 16-bit unicast address of its mesh node. The Registry
// keeps the ordered, capacity-bounded collection in memory and writes the
// whole collection as one blob on every successful mutation.
//
// # Concurrency
//
// Mutations hold the registry's write lock across both the in-memory
// change and the durable write, so two concurrent Add calls can never both
// pass the uniqueness check. Readers receive copies.
//
// # Persistence failures
//
// When the durable write fails the in-memory change is kept and the call
// returns an error wrapping ErrPersist. Memory and storage stay out of step
// until the next successful mutation rewrites the blob.
//
// # Addresses
//
// Addresses are stored as the string the user entered ("0x0013", "19")
// and compared by numeric value. AddressToUint16 is the lenient parse used
// on the command path (unparsable input yields 0); ParseAddress is the
// strict form.
package lamp
