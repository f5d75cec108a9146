package mqtt

import "strings"

// TopicSeparator separates topic levels.
const TopicSeparator = "/"

// DefaultStatusPrefix is the base for the bridge's own topics.
const DefaultStatusPrefix = "meter2mqtt"

// Topics builds the bridge's own (non-discovery) topics.
//
//	topics := mqtt.Topics{Prefix: "meter2mqtt", MeterID: "meter_001"}
//	topics.Status() // "meter2mqtt/meter_001/status"
type Topics struct {
	Prefix  string
	MeterID string
}

// Status returns the retained availability topic for this bridge instance.
//
// Example: meter2mqtt/meter_001/status
func (t Topics) Status() string {
	return JoinTopic(t.prefix(), t.MeterID, "status")
}

// Health returns the retained health report topic.
//
// Example: meter2mqtt/meter_001/health
func (t Topics) Health() string {
	return JoinTopic(t.prefix(), t.MeterID, "health")
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultStatusPrefix
	}
	return t.Prefix
}

// HomeAssistantStatus returns the topic Home Assistant publishes its birth
// and last-will messages on.
//
// Example: homeassistant/status
func HomeAssistantStatus(discoveryPrefix string) string {
	return JoinTopic(discoveryPrefix, "status")
}

// TrimTopic trims TopicSeparator from both ends of topic.
func TrimTopic(topic string) string {
	return strings.Trim(topic, TopicSeparator)
}

// JoinTopic joins the non-empty parts with TopicSeparator, trimming
// separators from each part first.
func JoinTopic(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := TrimTopic(part); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, TopicSeparator)
}
