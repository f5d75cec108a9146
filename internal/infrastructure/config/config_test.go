package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable applyEnvOverrides reads so the host
// environment cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DOCKER_ENV", "METER_IP", "METER_PORT", "SIMULATOR_IP", "SIMULATOR_PORT",
		"CERT_PATH", "KEY_PATH", "METER_ID", "METER_NAME",
		"MQTT_SERVER", "MQTT_PORT", "MQTT_USER", "MQTT_PASSWORD", "MQTT_TOPIC_PREFIX",
		"LOGLEVEL",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
meter:
  id: "meter_042"
  name: "Garage Meter"
  host: "10.0.0.5"
  port: 8081
mqtt:
  broker:
    host: "broker.local"
    port: 1883
    client_id: "test-client"
  qos: 0
discovery:
  prefix: "homeassistant/"
polling:
  interval: 10s
  request_timeout: 20s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Meter.ID != "meter_042" {
		t.Errorf("Meter.ID = %q, want %q", cfg.Meter.ID, "meter_042")
	}
	if cfg.Meter.Host != "10.0.0.5" || cfg.Meter.Port != 8081 {
		t.Errorf("Meter address = %s:%d, want 10.0.0.5:8081", cfg.Meter.Host, cfg.Meter.Port)
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}
	if cfg.Polling.Interval != 10*time.Second {
		t.Errorf("Polling.Interval = %v, want 10s", cfg.Polling.Interval)
	}
	if cfg.Polling.RequestTimeout != 20*time.Second {
		t.Errorf("Polling.RequestTimeout = %v, want 20s", cfg.Polling.RequestTimeout)
	}
	// Unset values keep their defaults.
	if cfg.Polling.BootstrapTimeout != 4*time.Second {
		t.Errorf("Polling.BootstrapTimeout = %v, want 4s", cfg.Polling.BootstrapTimeout)
	}
	if cfg.DiscoveryPrefix() != "homeassistant" {
		t.Errorf("DiscoveryPrefix() = %q, want %q", cfg.DiscoveryPrefix(), "homeassistant")
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}

	if cfg.MQTT.Broker.ClientID != "meter2mqtt_client" {
		t.Errorf("ClientID = %q, want meter2mqtt_client", cfg.MQTT.Broker.ClientID)
	}
	if cfg.MQTT.CleanSession {
		t.Error("CleanSession = true, want false")
	}
	if cfg.MQTT.Reconnect.InitialDelay != 1 || cfg.MQTT.Reconnect.MaxDelay != 120 {
		t.Errorf("Reconnect = %+v, want 1..120", cfg.MQTT.Reconnect)
	}
	if cfg.Polling.Retry.MaxAttempts != 15 {
		t.Errorf("Retry.MaxAttempts = %d, want 15", cfg.Polling.Retry.MaxAttempts)
	}
	if cfg.Polling.Interval != 5*time.Second {
		t.Errorf("Polling.Interval = %v, want 5s", cfg.Polling.Interval)
	}
	if got := cfg.MeterBaseURL(); got != "http://localhost:8082" {
		t.Errorf("MeterBaseURL() = %q, want http://localhost:8082", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(path)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
meter:
  port: 0
`)

	_, err := Load(path)
	if err == nil {
		t.Error("Load() expected validation error for port 0, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("METER_IP", "192.168.1.50")
	t.Setenv("METER_PORT", "8081")
	t.Setenv("SIMULATOR_IP", "ignored")
	t.Setenv("MQTT_PORT", "8883")
	t.Setenv("MQTT_USER", "meter")
	t.Setenv("MQTT_PASSWORD", "s3cret")
	t.Setenv("MQTT_TOPIC_PREFIX", "ha/")
	t.Setenv("METER_ID", "meter_777")
	t.Setenv("LOGLEVEL", "DEBUG")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Meter.Host != "192.168.1.50" || cfg.Meter.Port != 8081 {
		t.Errorf("Meter address = %s:%d, want 192.168.1.50:8081", cfg.Meter.Host, cfg.Meter.Port)
	}
	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT.Broker.Port = %d, want 8883", cfg.MQTT.Broker.Port)
	}
	if cfg.MQTT.Auth.Username != "meter" || cfg.MQTT.Auth.Password != "s3cret" {
		t.Errorf("MQTT.Auth = %v, want meter/s3cret", cfg.MQTT.Auth)
	}
	if cfg.DiscoveryPrefix() != "ha" {
		t.Errorf("DiscoveryPrefix() = %q, want ha", cfg.DiscoveryPrefix())
	}
	if cfg.Meter.ID != "meter_777" {
		t.Errorf("Meter.ID = %q, want meter_777", cfg.Meter.ID)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_SimulatorEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("METER_IP", "192.168.1.50") // without METER_PORT the simulator is used
	t.Setenv("SIMULATOR_IP", "sim.local")
	t.Setenv("SIMULATOR_PORT", "9000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Meter.Host != "sim.local" || cfg.Meter.Port != 9000 {
		t.Errorf("Meter address = %s:%d, want sim.local:9000", cfg.Meter.Host, cfg.Meter.Port)
	}
}

func TestLoad_InvalidPortEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("MQTT_PORT", "not-a-port")

	if _, err := Load(""); err == nil {
		t.Error("Load() expected error for non-numeric MQTT_PORT, got nil")
	}
}

func TestLoad_CertPathRewrite(t *testing.T) {
	tests := []struct {
		name     string
		docker   string
		certPath string
		wantCert string
	}{
		{
			name:     "local run rewrites container path",
			certPath: "/opt/meter2mqtt/certs/cert.pem",
			wantCert: "./certs/cert.pem",
		},
		{
			name:     "docker keeps container path",
			docker:   "1",
			certPath: "/opt/meter2mqtt/certs/cert.pem",
			wantCert: "/opt/meter2mqtt/certs/cert.pem",
		},
		{
			name:     "other paths untouched",
			certPath: "/etc/ssl/meter.pem",
			wantCert: "/etc/ssl/meter.pem",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("DOCKER_ENV", tt.docker)
			t.Setenv("CERT_PATH", tt.certPath)
			t.Setenv("KEY_PATH", tt.certPath)

			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}

			if cfg.Meter.TLS.CertFile != tt.wantCert {
				t.Errorf("CertFile = %q, want %q", cfg.Meter.TLS.CertFile, tt.wantCert)
			}
			if cfg.Meter.TLS.KeyFile != tt.wantCert {
				t.Errorf("KeyFile = %q, want %q", cfg.Meter.TLS.KeyFile, tt.wantCert)
			}
			if cfg.MeterScheme() != "https" {
				t.Errorf("MeterScheme() = %q, want https", cfg.MeterScheme())
			}
		})
	}
}

func TestLoad_MQTTServerOutsideDocker(t *testing.T) {
	tests := []struct {
		name   string
		docker string
		server string
		want   string
	}{
		{name: "service name outside docker", server: "mqtt", want: "localhost"},
		{name: "service name inside docker", docker: "true", server: "mqtt", want: "mqtt"},
		{name: "explicit host", server: "10.0.0.2", want: "10.0.0.2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("DOCKER_ENV", tt.docker)
			t.Setenv("MQTT_SERVER", tt.server)

			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.MQTT.Broker.Host != tt.want {
				t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, tt.want)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing meter host",
			mutate:  func(c *Config) { c.Meter.Host = "" },
			wantErr: true,
		},
		{
			name:    "invalid meter scheme",
			mutate:  func(c *Config) { c.Meter.Scheme = "ftp" },
			wantErr: true,
		},
		{
			name:    "cert without key",
			mutate:  func(c *Config) { c.Meter.TLS.CertFile = "cert.pem" },
			wantErr: true,
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "empty discovery prefix",
			mutate:  func(c *Config) { c.Discovery.Prefix = "/" },
			wantErr: true,
		},
		{
			name:    "zero poll interval",
			mutate:  func(c *Config) { c.Polling.Interval = 0 },
			wantErr: true,
		},
		{
			name:    "zero retry attempts",
			mutate:  func(c *Config) { c.Polling.Retry.MaxAttempts = 0 },
			wantErr: true,
		},
		{
			name: "api port checked only when enabled",
			mutate: func(c *Config) {
				c.API.Enabled = false
				c.API.Port = 0
			},
			wantErr: false,
		},
		{
			name: "enabled api with bad port",
			mutate: func(c *Config) {
				c.API.Enabled = true
				c.API.Port = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateJoinsErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.Meter.Host = ""
	cfg.MQTT.QoS = 5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	if !strings.Contains(err.Error(), "meter.host") || !strings.Contains(err.Error(), "mqtt.qos") {
		t.Errorf("Validate() error = %q, want both problems reported", err)
	}
}

func TestMQTTAuthConfig_Redaction(t *testing.T) {
	auth := MQTTAuthConfig{Username: "meter", Password: "hunter2"}

	if strings.Contains(auth.String(), "hunter2") {
		t.Errorf("String() leaks password: %s", auth.String())
	}

	data, err := json.Marshal(auth)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Errorf("MarshalJSON() leaks password: %s", data)
	}
}

func TestConfig_TimeoutGetters(t *testing.T) {
	cfg := defaultConfig()

	if cfg.API.ReadTimeout() != 10*time.Second {
		t.Errorf("ReadTimeout() = %v, want 10s", cfg.API.ReadTimeout())
	}
	if cfg.API.WriteTimeout() != 10*time.Second {
		t.Errorf("WriteTimeout() = %v, want 10s", cfg.API.WriteTimeout())
	}
	if cfg.API.IdleTimeout() != 60*time.Second {
		t.Errorf("IdleTimeout() = %v, want 60s", cfg.API.IdleTimeout())
	}
}

func TestConfig_MeterBaseURL(t *testing.T) {
	tests := []struct {
		name   string
		host   string
		port   int
		scheme string
		cert   string
		want   string
	}{
		{name: "hostname", host: "localhost", port: 8082, want: "http://localhost:8082"},
		{name: "ipv4 with certificate", host: "10.0.0.5", port: 8081, cert: "certs/cert.pem", want: "https://10.0.0.5:8081"},
		{name: "ipv6", host: "fe80::1", port: 8082, want: "http://[fe80::1]:8082"},
		{name: "ipv6 explicit scheme", host: "2001:db8::5", port: 8081, scheme: "https", want: "https://[2001:db8::5]:8081"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Meter.Host = tt.host
			cfg.Meter.Port = tt.port
			cfg.Meter.Scheme = tt.scheme
			cfg.Meter.TLS.CertFile = tt.cert

			if got := cfg.MeterBaseURL(); got != tt.want {
				t.Errorf("MeterBaseURL() = %q, want %q", got, tt.want)
			}
		})
	}
}
