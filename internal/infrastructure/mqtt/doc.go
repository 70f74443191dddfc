// Package mqtt connects the lamp bridge to an MQTT broker and defines the
// Home Assistant topic grammar the bridge speaks.
//
// The Client wraps paho.mqtt.golang:
//   - auto-reconnect with subscriptions restored after every reconnect
//   - a retained availability topic ("online"/"offline") with a last will
//   - panic recovery around message handlers
//
// Topics builds and parses the lamp topic family:
//
//	homeassistant/light/<name>/set     inbound command
//	homeassistant/light/<name>/state   outbound state (not retained)
//	homeassistant/light/<name>/config  outbound discovery (retained)
//	homeassistant/status               hub availability
package mqtt
