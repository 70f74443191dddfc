package mesh

import (
	"context"
	"fmt"
)

// Sender delivers a set message to the mesh. Implementations are
// fire-and-forget: a nil error means the message was handed to the
// gateway, not that the node applied it.
type Sender interface {
	SendSet(ctx context.Context, msg SetMessage) error
}

// Transmitter builds set messages from the session and hands them to a
// Sender.
type Transmitter struct {
	session *SessionState
	sender  Sender
	ttl     uint8
	logger  Logger
}

// NewTransmitter returns a transmitter. A zero ttl means DefaultTTL.
func NewTransmitter(session *SessionState, sender Sender, ttl uint8) *Transmitter {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Transmitter{
		session: session,
		sender:  sender,
		ttl:     ttl,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the transmitter.
func (t *Transmitter) SetLogger(logger Logger) {
	t.logger = logger
}

// Session returns the session the transmitter draws credentials from.
func (t *Transmitter) Session() *SessionState {
	return t.session
}

// SendOnOff sends Generic OnOff Set Unacknowledged to addr.
func (t *Transmitter) SendOnOff(ctx context.Context, addr uint16, on bool) (SetMessage, error) {
	return t.send(ctx, OpGenericOnOffSetUnack, addr, func(tid uint8) []byte {
		return OnOffParams(on, tid)
	})
}

// SendLightness sends Light Lightness Set Unacknowledged to addr.
func (t *Transmitter) SendLightness(ctx context.Context, addr uint16, level uint16) (SetMessage, error) {
	return t.send(ctx, OpLightLightnessSetUnack, addr, func(tid uint8) []byte {
		return LightnessParams(level, tid)
	})
}

func (t *Transmitter) send(ctx context.Context, opcode uint32, addr uint16, params func(tid uint8) []byte) (SetMessage, error) {
	if !t.session.IsReady() {
		return SetMessage{}, fmt.Errorf("%w: appkey has not been bound", ErrCredentialsNotReady)
	}

	creds := t.session.Credentials()
	tid := t.session.NextTransactionID()
	msg := SetMessage{
		Opcode:  opcode,
		Address: addr,
		NetIdx:  creds.NetIdx,
		AppIdx:  creds.AppIdx,
		TTL:     t.ttl,
		TID:     tid,
		Payload: params(tid),
	}

	t.logger.Debug("sending mesh set",
		"opcode", fmt.Sprintf("0x%04X", opcode), "addr", hex16(addr),
		"net_idx", hex16(msg.NetIdx), "app_idx", hex16(msg.AppIdx), "tid", tid)

	if err := t.sender.SendSet(ctx, msg); err != nil {
		return msg, err
	}
	return msg, nil
}
