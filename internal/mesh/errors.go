package mesh

import "errors"

// Domain errors for the mesh package.
var (
	// ErrCredentialsNotReady is returned when a set is attempted before an
	// AppKey has been bound.
	ErrCredentialsNotReady = errors.New("mesh: credentials not ready")

	// ErrNotConnected is returned when the gateway connection is down.
	ErrNotConnected = errors.New("mesh: not connected to gateway")

	// ErrConnectionFailed is returned when connecting to the gateway fails.
	ErrConnectionFailed = errors.New("mesh: connection to gateway failed")

	// ErrSendFailed is returned when a frame cannot be written.
	ErrSendFailed = errors.New("mesh: send failed")

	// ErrInvalidFrame is returned when a received frame is malformed.
	ErrInvalidFrame = errors.New("mesh: invalid frame")

	// ErrProtocolDesync is returned when the stream framing can no longer
	// be trusted. The connection is dropped and re-established.
	ErrProtocolDesync = errors.New("mesh: protocol desync")
)
