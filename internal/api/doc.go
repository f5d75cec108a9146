// Package api implements the optional read-only HTTP status API for meter2mqtt.
//
// This package provides:
//   - GET /api/v1/health for liveness checks
//   - GET /api/v1/status with the meter identity and per-endpoint counters
//   - GET /api/v1/metrics with Go runtime and MQTT connection state
//   - Middleware stack (request ID, logging, recovery)
//
// # Graceful Degradation
//
// The server operates without MQTT or before the meter is bootstrapped.
// Health then reports "degraded" with 503 so container health checks can act on it.
//
// The API is disabled by default and carries no authentication; bind it to
// a trusted interface.
package api
