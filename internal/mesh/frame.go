package mesh

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Gateway message types.
const (
	// MsgOpen starts a session. The request carries the 16-byte device
	// UUID; the gateway answers with an empty MsgOpen.
	MsgOpen uint16 = 0x0001

	// MsgClose ends the session. The gateway also sends it to refuse an open.
	MsgClose uint16 = 0x0002

	// MsgModelSend asks the gateway to send a model message.
	// Payload: opcode u32 | dst u16 | net_idx u16 | app_idx u16 | ttl u8 | params
	MsgModelSend uint16 = 0x0010

	// MsgStatus carries a model status received from a node.
	// Payload: src u16 | opcode u32 | params
	MsgStatus uint16 = 0x0011

	// MsgProvComplete reports that the bridge node was provisioned.
	// Payload: net_idx u16 | addr u16 | flags u8 | iv_index u32
	MsgProvComplete uint16 = 0x0020

	// MsgAppKeyAdd reports an AppKey added by the provisioner.
	// Payload: net_idx u16 | app_idx u16
	MsgAppKeyAdd uint16 = 0x0021

	// MsgModelAppBind reports an AppKey bound to one of the node's models.
	// Payload: elem_addr u16 | app_idx u16 | model_id u16 | company_id u16
	MsgModelAppBind uint16 = 0x0022
)

const (
	frameHeaderSize     = 4
	modelSendHeaderSize = 11
	statusHeaderSize    = 6
	provCompleteSize    = 9
	appKeyAddSize       = 4
	modelAppBindSize    = 8
)

// EncodeFrame prefixes payload with the size and type header.
func EncodeFrame(msgType uint16, payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(2+len(payload))) //nolint:gosec // frames are far below 64 KiB
	binary.BigEndian.PutUint16(buf[2:4], msgType)
	copy(buf[frameHeaderSize:], payload)
	return buf
}

// ParseFrame splits a complete frame into type and payload.
func ParseFrame(data []byte) (msgType uint16, payload []byte, err error) {
	if len(data) < frameHeaderSize {
		return 0, nil, fmt.Errorf("%w: frame too short (%d bytes)", ErrInvalidFrame, len(data))
	}

	declared := binary.BigEndian.Uint16(data[0:2])
	if int(declared) != len(data)-2 {
		return 0, nil, fmt.Errorf("%w: size mismatch (declared %d, actual %d)",
			ErrInvalidFrame, declared, len(data)-2)
	}

	msgType = binary.BigEndian.Uint16(data[2:4])
	if len(data) > frameHeaderSize {
		payload = data[frameHeaderSize:]
	}
	return msgType, payload, nil
}

func encodeOpen(deviceUUID uuid.UUID) []byte {
	return EncodeFrame(MsgOpen, deviceUUID[:])
}

// EncodeModelSend builds the MsgModelSend frame for msg.
func EncodeModelSend(msg SetMessage) []byte {
	payload := make([]byte, modelSendHeaderSize+len(msg.Payload))
	binary.BigEndian.PutUint32(payload[0:4], msg.Opcode)
	binary.BigEndian.PutUint16(payload[4:6], msg.Address)
	binary.BigEndian.PutUint16(payload[6:8], msg.NetIdx)
	binary.BigEndian.PutUint16(payload[8:10], msg.AppIdx)
	payload[10] = msg.TTL
	copy(payload[modelSendHeaderSize:], msg.Payload)
	return EncodeFrame(MsgModelSend, payload)
}

// DecodeModelSend parses a MsgModelSend payload. TID is not part of the
// header; it is read from the last parameter byte.
func DecodeModelSend(payload []byte) (SetMessage, error) {
	if len(payload) < modelSendHeaderSize {
		return SetMessage{}, fmt.Errorf("%w: model_send too short (%d bytes)", ErrInvalidFrame, len(payload))
	}
	msg := SetMessage{
		Opcode:  binary.BigEndian.Uint32(payload[0:4]),
		Address: binary.BigEndian.Uint16(payload[4:6]),
		NetIdx:  binary.BigEndian.Uint16(payload[6:8]),
		AppIdx:  binary.BigEndian.Uint16(payload[8:10]),
		TTL:     payload[10],
	}
	if params := payload[modelSendHeaderSize:]; len(params) > 0 {
		msg.Payload = append([]byte(nil), params...)
		msg.TID = params[len(params)-1]
	}
	return msg, nil
}

// decodeEvent turns an inbound frame into an Event. ok is false for
// frame types that are not events.
func decodeEvent(msgType uint16, payload []byte) (ev Event, ok bool, err error) {
	ev.Timestamp = time.Now()

	switch msgType {
	case MsgStatus:
		if len(payload) < statusHeaderSize {
			return ev, true, fmt.Errorf("%w: status too short (%d bytes)", ErrInvalidFrame, len(payload))
		}
		src := binary.BigEndian.Uint16(payload[0:2])
		opcode := binary.BigEndian.Uint32(payload[2:6])
		status, err := DecodeStatus(src, opcode, payload[statusHeaderSize:])
		if err != nil {
			return ev, true, err
		}
		ev.Kind = EventStatus
		ev.Status = status

	case MsgProvComplete:
		if len(payload) < provCompleteSize {
			return ev, true, fmt.Errorf("%w: prov_complete too short (%d bytes)", ErrInvalidFrame, len(payload))
		}
		ev.Kind = EventProvisioned
		ev.NetIdx = binary.BigEndian.Uint16(payload[0:2])
		ev.Address = binary.BigEndian.Uint16(payload[2:4])

	case MsgAppKeyAdd:
		if len(payload) < appKeyAddSize {
			return ev, true, fmt.Errorf("%w: appkey_add too short (%d bytes)", ErrInvalidFrame, len(payload))
		}
		ev.Kind = EventAppKeyAdded
		ev.NetIdx = binary.BigEndian.Uint16(payload[0:2])
		ev.AppIdx = binary.BigEndian.Uint16(payload[2:4])

	case MsgModelAppBind:
		if len(payload) < modelAppBindSize {
			return ev, true, fmt.Errorf("%w: model_app_bind too short (%d bytes)", ErrInvalidFrame, len(payload))
		}
		ev.Kind = EventModelAppBound
		ev.Address = binary.BigEndian.Uint16(payload[0:2])
		ev.AppIdx = binary.BigEndian.Uint16(payload[2:4])
		ev.ModelID = binary.BigEndian.Uint16(payload[4:6])
		ev.CompanyID = binary.BigEndian.Uint16(payload[6:8])

	default:
		return ev, false, nil
	}
	return ev, true, nil
}
