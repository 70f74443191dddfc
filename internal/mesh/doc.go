// Package mesh models the BLE mesh side of the bridge: the provisioning
// session, the set/status messages the bridge exchanges with lamp nodes,
// and the connector to the mesh gateway daemon that owns the radio.
//
// # Session
//
// SessionState holds the NetKey and AppKey indices learned during
// provisioning and the 8-bit transaction id stamped on every set message.
// It is persisted as a CBOR tuple once an AppKey is bound to one of the
// client models; the transaction id is only saved alongside it.
//
// # Sending
//
// Sets are unacknowledged: the bridge never waits for, retries or
// correlates a status. Transmitter checks the session first and fails
// with ErrCredentialsNotReady until an AppKey is bound. The Sender
// interface is the seam where acknowledged delivery could be added.
//
// # Gateway protocol
//
// GatewayClient speaks a length-prefixed protocol over a unix or TCP
// socket. Each frame is
//
//	size u16 (type + payload) | type u16 | payload
//
// all big-endian. The client opens the session with the node's device
// UUID, then sends model_send frames and receives status and
// configuration events. Inbound events are handed to a bounded worker
// pool; when the queue is full the event is dropped and counted.
package mesh
