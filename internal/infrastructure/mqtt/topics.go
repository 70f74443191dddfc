package mqtt

import (
	"fmt"
	"strings"
)

// DefaultDiscoveryPrefix is Home Assistant's default discovery prefix.
const DefaultDiscoveryPrefix = "homeassistant"

// maxLampNameLen mirrors the registry's name limit; longer segments can
// never name a lamp.
const maxLampNameLen = 31

// Topic suffixes under a lamp's base topic.
const (
	suffixSet    = "set"
	suffixState  = "state"
	suffixConfig = "config"
)

// Topics builds the Home Assistant topic family for lamps.
//
// No escaping is applied: a name containing '/' yields a topic with extra
// levels, which the registry prevents by rejecting such names.
//
//	topics := mqtt.NewTopics("homeassistant")
//	topics.LampState("kitchen") // "homeassistant/light/kitchen/state"
type Topics struct {
	prefix string
}

// NewTopics returns a builder rooted at prefix ("" means the default).
func NewTopics(prefix string) Topics {
	return Topics{prefix: strings.TrimSuffix(prefix, "/")}
}

func (t Topics) root() string {
	if t.prefix == "" {
		return DefaultDiscoveryPrefix
	}
	return t.prefix
}

// LampBase returns the base topic ("~" in discovery payloads).
//
// Example: homeassistant/light/kitchen
func (t Topics) LampBase(name string) string {
	return fmt.Sprintf("%s/light/%s", t.root(), name)
}

// LampSet returns the inbound command topic.
//
// Example: homeassistant/light/kitchen/set
func (t Topics) LampSet(name string) string {
	return t.LampBase(name) + "/" + suffixSet
}

// LampState returns the outbound state topic.
//
// Example: homeassistant/light/kitchen/state
func (t Topics) LampState(name string) string {
	return t.LampBase(name) + "/" + suffixState
}

// LampConfig returns the retained discovery topic.
//
// Example: homeassistant/light/kitchen/config
func (t Topics) LampConfig(name string) string {
	return t.LampBase(name) + "/" + suffixConfig
}

// LampSetFilter matches the command topic of every lamp.
//
// Example: homeassistant/light/+/set
func (t Topics) LampSetFilter() string {
	return t.LampSet("+")
}

// HubStatus is where the automation hub announces "online"/"offline".
//
// Example: homeassistant/status
func (t Topics) HubStatus() string {
	return t.root() + "/status"
}

// ParseLampNameFromSetTopic extracts the lamp name from a command topic.
//
// The topic must be exactly <prefix>/light/<name>/set with a name of
// 1..31 bytes containing no '/'. Anything else returns ErrTopicNotMatched.
func (t Topics) ParseLampNameFromSetTopic(topic string) (string, error) {
	rest, ok := strings.CutPrefix(topic, t.root()+"/light/")
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrTopicNotMatched, topic)
	}
	name, ok := strings.CutSuffix(rest, "/"+suffixSet)
	if !ok || name == "" || len(name) > maxLampNameLen || strings.Contains(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrTopicNotMatched, topic)
	}
	return name, nil
}

var defaultTopics = NewTopics(DefaultDiscoveryPrefix)

// StateTopic returns homeassistant/light/<name>/state.
func StateTopic(name string) string { return defaultTopics.LampState(name) }

// SetTopic returns homeassistant/light/<name>/set.
func SetTopic(name string) string { return defaultTopics.LampSet(name) }

// ConfigTopic returns homeassistant/light/<name>/config.
func ConfigTopic(name string) string { return defaultTopics.LampConfig(name) }

// HubStatusTopic is homeassistant/status.
func HubStatusTopic() string { return defaultTopics.HubStatus() }

// ParseLampNameFromSetTopic parses a command topic under the default prefix.
func ParseLampNameFromSetTopic(topic string) (string, error) {
	return defaultTopics.ParseLampNameFromSetTopic(topic)
}
