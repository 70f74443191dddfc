// Package influxdb records lamp state history.
//
// It is optional: when influxdb.enabled is false, Connect returns
// ErrDisabled and the bridge runs without a history sink.
//
// Two measurements are written:
//
//	lamp_state   tags: lamp, address, source   fields: on, brightness
//	mesh_command tags: lamp                    fields: address, opcode, tid
package influxdb
