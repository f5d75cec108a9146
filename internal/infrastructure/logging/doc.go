// Package logging provides structured logging for meter2mqtt.
//
// It wraps log/slog so every component logs with the same handler,
// level and default fields (service, version).
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// LOGLEVEL in the environment overrides the level.
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	meterLog := logger.ForComponent("meter")
//	meterLog.Warn("retrying request", "attempt", 2, logging.Error(err))
//
// Never log the MQTT password or the meter's private key path contents.
package logging
