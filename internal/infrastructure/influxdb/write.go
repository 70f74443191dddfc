package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementLampState   = "lamp_state"
	measurementMeshCommand = "mesh_command"
)

// LampState is one observed or commanded lamp state.
type LampState struct {
	Name    string
	Address string
	On      bool

	// Brightness is nil when the state carried no level.
	Brightness *int

	// Source is "command" for optimistic states and "mesh" for
	// device-reported status.
	Source string
}

// WriteLampState records a lamp state change. Non-blocking.
func (c *Client) WriteLampState(s LampState) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(lampStatePoint(s, time.Now()))
}

// WriteMeshCommand records an outbound mesh set message. Non-blocking.
func (c *Client) WriteMeshCommand(name string, address uint16, opcode uint32, tid uint8) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(meshCommandPoint(name, address, opcode, tid, time.Now()))
}

func lampStatePoint(s LampState, ts time.Time) *write.Point {
	fields := map[string]interface{}{
		"on": s.On,
	}
	if s.Brightness != nil {
		fields["brightness"] = *s.Brightness
	}
	return write.NewPoint(
		measurementLampState,
		map[string]string{
			"lamp":    s.Name,
			"address": s.Address,
			"source":  s.Source,
		},
		fields,
		ts,
	)
}

func meshCommandPoint(name string, address uint16, opcode uint32, tid uint8, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementMeshCommand,
		map[string]string{
			"lamp": name,
		},
		map[string]interface{}{
			"address": int64(address),
			"opcode":  int64(opcode),
			"tid":     int64(tid),
		},
		ts,
	)
}
