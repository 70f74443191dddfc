package bridge

import (
	"encoding/json"
	"fmt"
	"math"
)

// Lamp states as carried in Home Assistant JSON schema payloads.
const (
	StateOn  = "ON"
	StateOff = "OFF"
)

// maxLightness is the largest Light Lightness value.
const maxLightness = math.MaxUint16

// command is a decoded set payload. Brightness wins when both fields are
// present; neither means the message has no effect.
type command struct {
	hasBrightness bool
	brightness    uint16

	hasState bool
	on       bool
}

// parseCommand decodes a Home Assistant set payload.
//
// "brightness" must be a JSON number; it is passed through unscaled,
// truncated toward zero and clamped to 0..65535. "state" must be exactly
// "ON" or "OFF". Fields of the wrong type are ignored.
func parseCommand(payload []byte) (command, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return command{}, fmt.Errorf("%w: %q", ErrMalformedCommand, truncate(payload, 64))
	}

	var cmd command

	if raw, ok := fields["brightness"]; ok {
		// null decodes without error, so only a non-nil result is a number.
		var v *float64
		if err := json.Unmarshal(raw, &v); err == nil && v != nil {
			cmd.hasBrightness = true
			cmd.brightness = clampLightness(*v)
		}
	}

	if raw, ok := fields["state"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && (s == StateOn || s == StateOff) {
			cmd.hasState = true
			cmd.on = s == StateOn
		}
	}

	return cmd, nil
}

func clampLightness(v float64) uint16 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= maxLightness:
		return maxLightness
	default:
		return uint16(v)
	}
}

// statePayload is what the bridge publishes on a lamp's state topic.
type statePayload struct {
	State      string `json:"state"`
	Brightness *int   `json:"brightness,omitempty"`
}

func onOffState(on bool) statePayload {
	if on {
		return statePayload{State: StateOn}
	}
	return statePayload{State: StateOff}
}

// lightnessState maps a level to ON with brightness, or OFF with
// brightness 0 when the level is zero.
func lightnessState(level uint16) statePayload {
	b := int(level)
	if level == 0 {
		return statePayload{State: StateOff, Brightness: &b}
	}
	return statePayload{State: StateOn, Brightness: &b}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
