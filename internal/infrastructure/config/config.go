package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for meter2mqtt.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Meter     MeterConfig     `yaml:"meter"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Polling   PollingConfig   `yaml:"polling"`
	API       APIConfig       `yaml:"api"`
	Health    HealthConfig    `yaml:"health"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// MeterConfig describes how to reach the meter and how to present it.
type MeterConfig struct {
	// ID distinguishes this bridge instance in status and health topics.
	ID string `yaml:"id"`

	// Name is the friendly device name shown in Home Assistant.
	Name string `yaml:"name"`

	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Scheme is "http" or "https". Empty selects https when a client
	// certificate is configured and http otherwise.
	Scheme string `yaml:"scheme"`

	TLS MeterTLSConfig `yaml:"tls"`

	// SchemaDir optionally points at a directory holding
	// endpoints_<variant>.yaml files. Empty uses the embedded schemas.
	SchemaDir string `yaml:"schema_dir"`
}

// MeterTLSConfig contains the optional mutual-TLS key pair for the meter.
type MeterTLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// InsecureSkipVerify skips server certificate verification.
	// Meters ship self-signed certificates, so this defaults to true.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// CleanSession starts every connection without broker-side session state.
	CleanSession bool `yaml:"clean_session"`

	// StatusTopicPrefix is the base for the bridge's own availability and
	// health topics: {prefix}/{meter_id}/status.
	StatusTopicPrefix string `yaml:"status_topic_prefix"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`

	// Password is never logged. Use String() for safe output.
	Password string `yaml:"password"`
}

// String returns a representation with the password masked.
func (a MQTTAuthConfig) String() string {
	password := ""
	if a.Password != "" {
		password = "[REDACTED]"
	}
	return fmt.Sprintf("MQTTAuthConfig{Username:%q, Password:%s}", a.Username, password)
}

// MarshalJSON implements json.Marshaler to redact the password.
func (a MQTTAuthConfig) MarshalJSON() ([]byte, error) {
	type redacted MQTTAuthConfig
	safe := redacted(a)
	if safe.Password != "" {
		safe.Password = "[REDACTED]"
	}
	return json.Marshal(safe)
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// DiscoveryConfig contains Home Assistant discovery settings.
type DiscoveryConfig struct {
	// Prefix is the discovery topic prefix. A trailing slash is ignored.
	Prefix string `yaml:"prefix"`

	// RepublishOnBirth re-sends discovery configs when Home Assistant
	// announces itself on {prefix}/status.
	RepublishOnBirth bool `yaml:"republish_on_birth"`
}

// PollingConfig contains poll loop and request settings.
type PollingConfig struct {
	// Interval is the sleep between poll ticks.
	Interval time.Duration `yaml:"interval"`

	// BootstrapTimeout bounds each attempt of the identity query.
	BootstrapTimeout time.Duration `yaml:"bootstrap_timeout"`

	// RequestTimeout bounds each attempt of an endpoint query.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig contains the request retry schedule.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// APIConfig contains the optional HTTP status API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// HealthConfig contains health reporting settings.
type HealthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// containerCertDir is where the container image mounts meter certificates.
const containerCertDir = "/opt/meter2mqtt/"

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// The environment variables are the ones the container image has always
// used: METER_IP, METER_PORT, CERT_PATH, KEY_PATH, MQTT_SERVER, MQTT_PORT,
// MQTT_USER, MQTT_PASSWORD, MQTT_TOPIC_PREFIX, METER_ID, LOGLEVEL, ...
//
// Parameters:
//   - path: Path to the YAML configuration file, or "" for defaults + env
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Meter: MeterConfig{
			ID:   "meter_001",
			Name: "Xcel Itron 5",
			Host: "localhost",
			Port: 8082,
			TLS: MeterTLSConfig{
				InsecureSkipVerify: true,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "meter2mqtt_client",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     120,
			},
			CleanSession:      false,
			StatusTopicPrefix: "meter2mqtt",
		},
		Discovery: DiscoveryConfig{
			Prefix:           "homeassistant",
			RepublishOnBirth: true,
		},
		Polling: PollingConfig{
			Interval:         5 * time.Second,
			BootstrapTimeout: 4 * time.Second,
			RequestTimeout:   15 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:  15,
				InitialDelay: time.Second,
				MaxDelay:     15 * time.Second,
				Multiplier:   1,
			},
		},
		API: APIConfig{
			Enabled: false,
			Host:    "0.0.0.0",
			Port:    8099,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		Health: HealthConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) error {
	inDocker := os.Getenv("DOCKER_ENV") != ""

	// Meter address: a real meter when both METER_IP and METER_PORT are set,
	// otherwise the simulator.
	meterIP, meterPort := os.Getenv("METER_IP"), os.Getenv("METER_PORT")
	if meterIP != "" && meterPort != "" {
		port, err := strconv.Atoi(meterPort)
		if err != nil {
			return fmt.Errorf("METER_PORT: %w", err)
		}
		cfg.Meter.Host = meterIP
		cfg.Meter.Port = port
	} else {
		if v := os.Getenv("SIMULATOR_IP"); v != "" {
			cfg.Meter.Host = v
		}
		if v := os.Getenv("SIMULATOR_PORT"); v != "" {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("SIMULATOR_PORT: %w", err)
			}
			cfg.Meter.Port = port
		}
	}

	if v := os.Getenv("CERT_PATH"); v != "" {
		cfg.Meter.TLS.CertFile = v
	}
	if v := os.Getenv("KEY_PATH"); v != "" {
		cfg.Meter.TLS.KeyFile = v
	}
	if !inDocker {
		cfg.Meter.TLS.CertFile = localCertPath(cfg.Meter.TLS.CertFile)
		cfg.Meter.TLS.KeyFile = localCertPath(cfg.Meter.TLS.KeyFile)
	}

	if v := os.Getenv("METER_ID"); v != "" {
		cfg.Meter.ID = v
	}
	if v := os.Getenv("METER_NAME"); v != "" {
		cfg.Meter.Name = v
	}

	// MQTT
	if v := os.Getenv("MQTT_SERVER"); v != "" {
		// "mqtt" is the compose service name and only resolves inside Docker.
		if v == "mqtt" && !inDocker {
			v = "localhost"
		}
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MQTT_PORT: %w", err)
		}
		cfg.MQTT.Broker.Port = port
	}
	if v := os.Getenv("MQTT_USER"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("MQTT_TOPIC_PREFIX"); v != "" {
		cfg.Discovery.Prefix = v
	}

	// Logging
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}

	return nil
}

// localCertPath maps a container certificate path onto the working
// directory for runs outside Docker.
func localCertPath(path string) string {
	if strings.HasPrefix(path, containerCertDir) {
		return "./" + strings.TrimPrefix(path, containerCertDir)
	}
	return path
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Meter validation
	if c.Meter.Host == "" {
		errs = append(errs, "meter.host is required")
	}
	if c.Meter.Port < 1 || c.Meter.Port > 65535 {
		errs = append(errs, "meter.port must be between 1 and 65535")
	}
	if c.Meter.Name == "" {
		errs = append(errs, "meter.name is required")
	}
	switch c.Meter.Scheme {
	case "", "http", "https":
	default:
		errs = append(errs, "meter.scheme must be http or https")
	}
	if (c.Meter.TLS.CertFile == "") != (c.Meter.TLS.KeyFile == "") {
		errs = append(errs, "meter.tls.cert_file and meter.tls.key_file must be set together")
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.Broker.ClientID == "" {
		errs = append(errs, "mqtt.broker.client_id is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// Discovery validation
	if strings.Trim(c.Discovery.Prefix, "/") == "" {
		errs = append(errs, "discovery.prefix is required")
	}

	// Polling validation
	if c.Polling.Interval <= 0 {
		errs = append(errs, "polling.interval must be positive")
	}
	if c.Polling.BootstrapTimeout <= 0 || c.Polling.RequestTimeout <= 0 {
		errs = append(errs, "polling timeouts must be positive")
	}
	if c.Polling.Retry.MaxAttempts < 1 {
		errs = append(errs, "polling.retry.max_attempts must be at least 1")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// MeterScheme returns the URL scheme used to reach the meter.
func (c *Config) MeterScheme() string {
	if c.Meter.Scheme != "" {
		return c.Meter.Scheme
	}
	if c.Meter.TLS.CertFile != "" {
		return "https"
	}
	return "http"
}

// MeterBaseURL returns the base URL of the meter, e.g. "https://10.0.0.5:8081".
func (c *Config) MeterBaseURL() string {
	return c.MeterScheme() + "://" + net.JoinHostPort(c.Meter.Host, strconv.Itoa(c.Meter.Port))
}

// DiscoveryPrefix returns the discovery prefix without a trailing slash.
func (c *Config) DiscoveryPrefix() string {
	return strings.TrimRight(c.Discovery.Prefix, "/")
}

// ReadTimeout returns the API read timeout as a Duration.
func (a APIConfig) ReadTimeout() time.Duration {
	return time.Duration(a.Timeouts.Read) * time.Second
}

// WriteTimeout returns the API write timeout as a Duration.
func (a APIConfig) WriteTimeout() time.Duration {
	return time.Duration(a.Timeouts.Write) * time.Second
}

// IdleTimeout returns the API idle timeout as a Duration.
func (a APIConfig) IdleTimeout() time.Duration {
	return time.Duration(a.Timeouts.Idle) * time.Second
}
