package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/meshlamp-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/meshlamp-bridge/internal/lamp"
)

// Discovery defaults matching the lamp firmware.
const (
	DefaultBrightnessScale = 50
	DefaultManufacturer    = "Espressif"
	DefaultModel           = "BLE Mesh Lamp"

	discoveryQoS = 1
)

// Publisher sends one MQTT message.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// DiscoveryConfig holds the fixed parts of every descriptor.
type DiscoveryConfig struct {
	BrightnessScale int
	Manufacturer    string
	Model           string
}

// Discovery builds and publishes Home Assistant MQTT light descriptors.
type Discovery struct {
	publisher Publisher
	topics    mqtt.Topics
	cfg       DiscoveryConfig
}

// NewDiscovery returns a publisher. Zero config fields take the defaults.
func NewDiscovery(publisher Publisher, topics mqtt.Topics, cfg DiscoveryConfig) *Discovery {
	if cfg.BrightnessScale <= 0 {
		cfg.BrightnessScale = DefaultBrightnessScale
	}
	if cfg.Manufacturer == "" {
		cfg.Manufacturer = DefaultManufacturer
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Discovery{publisher: publisher, topics: topics, cfg: cfg}
}

// descriptor uses the abbreviated keys Home Assistant accepts. Name is
// always null so the entity takes the device name.
type descriptor struct {
	Name            *string          `json:"name"`
	Base            string           `json:"~"`
	CommandTopic    string           `json:"cmd_t"`
	StateTopic      string           `json:"stat_t"`
	Schema          string           `json:"schema"`
	Brightness      bool             `json:"brightness"`
	BrightnessScale int              `json:"bri_scl"`
	UniqueID        string           `json:"uniq_id"`
	Device          descriptorDevice `json:"dev"`
}

type descriptorDevice struct {
	Name         string `json:"name"`
	Identifiers  string `json:"identifiers"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
}

// Descriptor returns the config payload for rec. The unique id is the
// address string as stored, so readdressing a lamp gives it a new
// identity in Home Assistant.
func (d *Discovery) Descriptor(rec lamp.Record) ([]byte, error) {
	payload, err := json.Marshal(descriptor{
		Base:            d.topics.LampBase(rec.Name),
		CommandTopic:    "~/set",
		StateTopic:      "~/state",
		Schema:          "json",
		Brightness:      true,
		BrightnessScale: d.cfg.BrightnessScale,
		UniqueID:        rec.Address,
		Device: descriptorDevice{
			Name:         rec.Name,
			Identifiers:  rec.Address,
			Manufacturer: d.cfg.Manufacturer,
			Model:        d.cfg.Model,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding discovery for %q: %w", rec.Name, err)
	}
	return payload, nil
}

// PublishAll sends one retained descriptor per record. It keeps going
// after a failed publish and returns how many succeeded together with the
// joined errors.
func (d *Discovery) PublishAll(records []lamp.Record) (int, error) {
	var (
		published int
		errs      []error
	)
	for _, rec := range records {
		payload, err := d.Descriptor(rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := d.publisher.Publish(d.topics.LampConfig(rec.Name), payload, discoveryQoS, true); err != nil {
			errs = append(errs, fmt.Errorf("publishing discovery for %q: %w", rec.Name, err))
			continue
		}
		published++
	}
	return published, errors.Join(errs...)
}

// Remove clears the retained descriptor for name, which makes Home
// Assistant delete the entity.
func (d *Discovery) Remove(name string) error {
	if err := d.publisher.Publish(d.topics.LampConfig(name), []byte{}, discoveryQoS, true); err != nil {
		return fmt.Errorf("removing discovery for %q: %w", name, err)
	}
	return nil
}
