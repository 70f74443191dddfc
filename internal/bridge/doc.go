// Package bridge routes lamp traffic between MQTT and the BLE mesh.
//
// Inbound Home Assistant commands on homeassistant/light/<name>/set are
// resolved against the lamp registry and turned into unacknowledged mesh
// sets. The resulting state is published optimistically; status reported
// by a node is published as it arrives, so the last publish wins.
//
// The bridge also owns Home Assistant discovery. Every lamp gets one
// retained config message, re-sent when the hub announces "online", after
// every MQTT reconnect and after each registry change (Resync).
//
// Ambient pieces live here too:
//
//	HealthReporter  periodic retained health JSON
//	Metrics         Prometheus counters for commands, sends and status
package bridge
