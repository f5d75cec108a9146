// Package config handles loading and validating meter2mqtt configuration.
//
// This package manages:
//   - Loading configuration from an optional YAML file
//   - Overriding with the container's environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - The MQTT password should be set via MQTT_PASSWORD, not the file
//   - MQTTAuthConfig redacts the password in String and JSON output
//   - The meter's client key pair is read from disk by the meter bridge, never logged
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MeterBaseURL())
//
// Passing an empty path skips the file and builds the configuration from
// defaults and the environment alone, which is how the container runs.
package config
