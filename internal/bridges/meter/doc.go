// Package meter implements the smart meter bridge for meter2mqtt.
//
// It reads IEEE 2030.5 resources from the meter over HTTP(S) and
// publishes them as Home Assistant MQTT discovery entities.
//
// # Architecture
//
//	┌─────────────┐  GET /sdev, /upt/…  ┌─────────────┐   MQTT   ┌────────────────┐
//	│    Meter    │◄────────────────────│   Device    │─────────►│ Home Assistant │
//	│  (2030.5)   │                     │  Endpoints  │          │                │
//	└─────────────┘                     └─────────────┘          └────────────────┘
//
// Bootstrap reads the hardware identity from /sdev, publishes the device
// discovery message, picks the endpoint schema for the firmware version
// and builds one Endpoint per schema entry. Run then polls the endpoints
// in order, once per interval, on a single goroutine.
//
// # Schema
//
// Schemas are YAML lists embedded in the binary (schemas/*.yaml), one per
// firmware variant. A tag is either a sensor or a group whose elements
// each become a sensor named group+element:
//
//	tags:
//	  value: {entity_type: sensor, device_class: power}
//	  CurrentSummationDelivered:
//	    - value: {entity_type: sensor}
//	    - touTier: {entity_type: sensor}
//
// produces the sensors "value", "CurrentSummationDeliveredvalue" and
// "CurrentSummationDeliveredtouTier".
//
// # Topics
//
//	{prefix}/{entity_type}/{Endpoint_Name}/{sensor}/config   discovery
//	{prefix}/{entity_type}/{Endpoint_Name}/{sensor}/state    raw reading
//	{prefix}/device/energy/{device_name}                     device discovery
//
// Discovery for plain sensors is retained; discovery for group sensors,
// the device message and all state messages are not.
//
// # Errors
//
// Transient request failures are retried by RequestClient (15 attempts,
// 1s to 15s backoff). ErrBootstrapFailed is fatal. Poll errors stay
// local to the endpoint, except ErrSchemaConsistency which disables it.
package meter
