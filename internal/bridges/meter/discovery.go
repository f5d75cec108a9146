package meter

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/nerrad567/meter2mqtt/internal/infrastructure/mqtt"
)

// Unknown is the value of identity fields the meter did not report.
const Unknown = "Unknown"

// Identity is the meter's hardware identity, read once at bootstrap.
type Identity struct {
	SFDI            string `json:"sfdi"`
	SoftwareVersion string `json:"sw_version"`
	ManufacturerID  string `json:"manufacturer_id"`
	Name            string `json:"name"`
}

// deviceBlock returns the Home Assistant device object shared by every
// discovery payload of this meter.
func (id *Identity) deviceBlock() map[string]any {
	return map[string]any{
		"identifiers": []string{id.SFDI},
		"name":        id.Name,
		"model":       id.ManufacturerID,
		"sw_version":  id.SoftwareVersion,
	}
}

// DiscoveryConfig is one Home Assistant discovery message.
type DiscoveryConfig struct {
	// Key is the sensor key the config describes, empty for the device.
	Key        string
	Topic      string
	StateTopic string
	Payload    []byte
	Retained   bool
}

// DiscoveryBuilder derives discovery topics and payloads for one meter.
type DiscoveryBuilder struct {
	prefix   string
	identity *Identity
}

// NewDiscoveryBuilder creates a builder for topics under prefix
// (e.g. "homeassistant"). identity is shared, not copied.
func NewDiscoveryBuilder(prefix string, identity *Identity) *DiscoveryBuilder {
	return &DiscoveryBuilder{
		prefix:   mqtt.TrimTopic(prefix),
		identity: identity,
	}
}

// TopicName replaces spaces so a display name can be used as a topic level.
func TopicName(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}

// UniqueID returns lower(device_endpoint_sensor) with spaces replaced by
// underscores. Case and spacing differences produce the same id.
func UniqueID(device, endpoint, sensor string) string {
	return strings.ToLower(TopicName(device + "_" + endpoint + "_" + sensor))
}

// StateTopic returns {prefix}/{entity_type}/{endpoint}/{sensor}/state.
//
// Example: homeassistant/sensor/Instantaneous_Demand/value/state
func (b *DiscoveryBuilder) StateTopic(entityType, endpoint, sensor string) string {
	return b.sensorTopic(entityType, endpoint, sensor, "state")
}

// ConfigTopic returns {prefix}/{entity_type}/{endpoint}/{sensor}/config.
func (b *DiscoveryBuilder) ConfigTopic(entityType, endpoint, sensor string) string {
	return b.sensorTopic(entityType, endpoint, sensor, "config")
}

func (b *DiscoveryBuilder) sensorTopic(entityType, endpoint, sensor, leaf string) string {
	return strings.Join([]string{b.prefix, entityType, TopicName(endpoint), sensor, leaf}, mqtt.TopicSeparator)
}

// Sensor builds the discovery config for one sensor of an endpoint.
//
// The payload is meta without entity_type, plus name, unique_id,
// state_topic and the device block. Keys are encoded in sorted order so
// the same inputs always produce the same bytes.
func (b *DiscoveryBuilder) Sensor(endpoint, sensor string, meta Meta, retained bool) (DiscoveryConfig, error) {
	entityType := meta.EntityType()
	if entityType == "" {
		return DiscoveryConfig{}, fmt.Errorf("%w: sensor %q has no %s", ErrInvalidSchema, sensor, EntityTypeKey)
	}

	stateTopic := b.StateTopic(entityType, endpoint, sensor)

	payload := make(map[string]any, len(meta)+4)
	maps.Copy(payload, meta)
	delete(payload, EntityTypeKey)
	payload["name"] = endpoint + " " + sensor
	payload["unique_id"] = UniqueID(b.identity.Name, endpoint, sensor)
	payload["state_topic"] = stateTopic
	payload["device"] = b.identity.deviceBlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return DiscoveryConfig{}, fmt.Errorf("encoding discovery for %q: %w", sensor, err)
	}

	return DiscoveryConfig{
		Key:        sensor,
		Topic:      b.ConfigTopic(entityType, endpoint, sensor),
		StateTopic: stateTopic,
		Payload:    data,
		Retained:   retained,
	}, nil
}

// Device builds the top-level device discovery message, published to
// {prefix}/device/energy/{lower(name)} with the SFDI as unique id.
func (b *DiscoveryBuilder) Device() (DiscoveryConfig, error) {
	topic := strings.Join([]string{b.prefix, "device", "energy", strings.ToLower(TopicName(b.identity.Name))}, mqtt.TopicSeparator)

	data, err := json.Marshal(map[string]any{
		"name":         b.identity.Name,
		"device_class": "energy",
		"state_topic":  topic,
		"unique_id":    b.identity.SFDI,
		"device":       b.identity.deviceBlock(),
	})
	if err != nil {
		return DiscoveryConfig{}, fmt.Errorf("encoding device discovery: %w", err)
	}

	return DiscoveryConfig{
		Topic:      topic,
		StateTopic: topic,
		Payload:    data,
	}, nil
}
