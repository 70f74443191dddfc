package mesh

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Model opcodes used by the bridge.
const (
	OpGenericOnOffSetUnack   uint32 = 0x8203
	OpGenericOnOffStatus     uint32 = 0x8204
	OpLightLightnessSetUnack uint32 = 0x824D
	OpLightLightnessStatus   uint32 = 0x824E
)

// SIG model identifiers of the client models the bridge binds.
const (
	ModelGenericOnOffClient   uint16 = 0x1001
	ModelLightLightnessClient uint16 = 0x1302
)

// KeyUnused marks a key index that has not been assigned.
const KeyUnused uint16 = 0xFFFF

// DefaultTTL is the hop limit for set messages.
const DefaultTTL uint8 = 7

// SetMessage is one outbound unacknowledged set.
type SetMessage struct {
	Opcode  uint32
	Address uint16
	NetIdx  uint16
	AppIdx  uint16
	TTL     uint8
	TID     uint8

	// Payload is the model message parameters, TID included.
	Payload []byte
}

// StatusKind identifies the model a status came from.
type StatusKind int

const (
	StatusOnOff StatusKind = iota + 1
	StatusLightness
)

// String returns "onoff" or "lightness".
func (k StatusKind) String() string {
	switch k {
	case StatusOnOff:
		return "onoff"
	case StatusLightness:
		return "lightness"
	default:
		return fmt.Sprintf("StatusKind(%d)", int(k))
	}
}

// StatusEvent is a status reported by a lamp node, solicited or not.
type StatusEvent struct {
	Source uint16
	Kind   StatusKind

	// Value is 0/1 for on/off and the present lightness otherwise.
	Value uint16
}

// EventKind identifies what a gateway Event carries.
type EventKind int

const (
	EventStatus EventKind = iota + 1
	EventProvisioned
	EventAppKeyAdded
	EventModelAppBound
)

// String returns the gateway message name for the kind.
func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventProvisioned:
		return "prov_complete"
	case EventAppKeyAdded:
		return "appkey_add"
	case EventModelAppBound:
		return "model_app_bind"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one inbound notification from the gateway. Which fields are
// meaningful depends on Kind:
//
//	EventStatus        Status
//	EventProvisioned   NetIdx, Address (the bridge node's own address)
//	EventAppKeyAdded   NetIdx, AppIdx
//	EventModelAppBound Address (element), AppIdx, ModelID, CompanyID
type Event struct {
	Kind      EventKind
	Status    StatusEvent
	NetIdx    uint16
	AppIdx    uint16
	Address   uint16
	ModelID   uint16
	CompanyID uint16
	Timestamp time.Time
}

// OnOffParams builds Generic OnOff Set parameters: onoff, tid.
func OnOffParams(on bool, tid uint8) []byte {
	var v byte
	if on {
		v = 1
	}
	return []byte{v, tid}
}

// LightnessParams builds Light Lightness Set parameters: lightness
// (little-endian u16), tid.
func LightnessParams(level uint16, tid uint8) []byte {
	b := make([]byte, 3)
	binary.LittleEndian.PutUint16(b, level)
	b[2] = tid
	return b
}

// DecodeStatus interprets status parameters for a status opcode.
// Optional target/remaining-time fields are ignored.
func DecodeStatus(source uint16, opcode uint32, params []byte) (StatusEvent, error) {
	switch opcode {
	case OpGenericOnOffStatus:
		if len(params) < 1 {
			return StatusEvent{}, fmt.Errorf("%w: onoff status needs 1 byte", ErrInvalidFrame)
		}
		return StatusEvent{Source: source, Kind: StatusOnOff, Value: uint16(params[0])}, nil
	case OpLightLightnessStatus:
		if len(params) < 2 {
			return StatusEvent{}, fmt.Errorf("%w: lightness status needs 2 bytes", ErrInvalidFrame)
		}
		return StatusEvent{Source: source, Kind: StatusLightness, Value: binary.LittleEndian.Uint16(params)}, nil
	default:
		return StatusEvent{}, fmt.Errorf("%w: unsupported status opcode 0x%04X", ErrInvalidFrame, opcode)
	}
}
