// Package mqtt provides MQTT client connectivity for meter2mqtt.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS and retain control
//   - The subscription to Home Assistant's birth topic
//   - Last Will and Testament (LWT) for offline detection
//   - Link state and health checks
//
// # Architecture
//
// The bridge polls the meter over HTTP and hands every discovery config
// and reading to this client. Home Assistant consumes them from the broker.
//
//	Meter (2030.5 over HTTPS) → meter2mqtt → MQTT Broker → Home Assistant
//
// # Bridge Topics
//
// Besides the discovery and state topics built by the meter package, the
// client owns two retained topics of its own:
//
//	{status_prefix}/{meter_id}/status   online/offline (also the LWT)
//	{status_prefix}/{meter_id}/health   periodic health report
//
// # Security Considerations
//
//   - Set broker.tls for brokers outside the local host
//   - Credentials are only sent when both username and password are set
//   - The password is redacted from logs by config.MQTTAuthConfig
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, cfg.Meter.ID, mqtt.Hooks{Logger: log})
//	if err != nil {
//	    return fmt.Errorf("connecting to MQTT: %w", err)
//	}
//	defer client.Close()
//
//	err = client.Publish("homeassistant/sensor/Instantaneous_Demand/value/state",
//	    []byte("1520"), 1, false)
package mqtt
