package meter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Publisher sends MQTT messages. Implemented by the infrastructure MQTT
// client; tests use an in-memory recorder.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// EndpointOptions configures an Endpoint.
type EndpointOptions struct {
	Schema    EndpointSchema
	BaseURL   string
	Fetcher   Fetcher
	Discovery *DiscoveryBuilder
	Publisher Publisher

	// QoS is used for state and discovery messages.
	QoS byte

	// Timeout bounds each request attempt. Default: 15 seconds.
	Timeout time.Duration

	Logger Logger
}

// EndpointStats is a point-in-time view of an endpoint's activity.
type EndpointStats struct {
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	Sensors       int       `json:"sensors"`
	Polls         uint64    `json:"polls"`
	Errors        uint64    `json:"errors"`
	Published     uint64    `json:"published"`
	PublishErrors uint64    `json:"publish_errors"`
	LastPoll      time.Time `json:"last_poll,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	Faulted       bool      `json:"faulted"`
	Readings      Snapshot  `json:"readings,omitempty"`
}

// Endpoint owns one meter resource: it announces the resource's sensors
// to Home Assistant once, then on every Poll publishes their state.
//
// The sensor → state topic map is built during construction, in the same
// pass that publishes discovery, and is read-only afterwards.
type Endpoint struct {
	name    string
	path    string
	url     string
	tags    []TagRule
	topics  map[string]string
	configs []DiscoveryConfig

	fetcher   Fetcher
	publisher Publisher
	qos       byte
	timeout   time.Duration
	logger    Logger

	polls         atomic.Uint64
	errorsTotal   atomic.Uint64
	published     atomic.Uint64
	publishErrors atomic.Uint64
	faulted       atomic.Bool

	lastMu       sync.RWMutex
	lastPoll     time.Time
	lastError    string
	lastSnapshot Snapshot
}

// NewEndpoint builds the endpoint's discovery configs and topic map and
// publishes the configs. Scalar sensors are announced retained, group
// sensors are not.
//
// Publish failures are logged, not returned: the broker connection
// recovers on its own and configs are re-sent on Home Assistant's birth
// message.
//
// Returns an error for missing options or invalid sensor metadata.
func NewEndpoint(opts EndpointOptions) (*Endpoint, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Discovery == nil {
		return nil, errors.New("discovery builder is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("publisher is required")
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	e := &Endpoint{
		name:      opts.Schema.Name,
		path:      opts.Schema.Path,
		url:       opts.BaseURL + opts.Schema.Path,
		tags:      opts.Schema.Tags,
		topics:    make(map[string]string),
		fetcher:   opts.Fetcher,
		publisher: opts.Publisher,
		qos:       opts.QoS,
		timeout:   timeout,
		logger:    logger,
	}

	for _, tag := range e.tags {
		if !tag.Composite() {
			if err := e.addSensor(opts.Discovery, tag.Name, tag.Meta, true); err != nil {
				return nil, err
			}
			continue
		}
		for _, sub := range tag.Subtags {
			if err := e.addSensor(opts.Discovery, tag.Name+sub.Name, sub.Meta, false); err != nil {
				return nil, err
			}
		}
	}

	//nolint:errcheck // failures are logged per message
	e.publishConfigs()

	return e, nil
}

func (e *Endpoint) addSensor(builder *DiscoveryBuilder, key string, meta Meta, retained bool) error {
	cfg, err := builder.Sensor(e.name, key, meta, retained)
	if err != nil {
		return fmt.Errorf("endpoint %q: %w", e.name, err)
	}
	e.topics[key] = cfg.StateTopic
	e.configs = append(e.configs, cfg)
	return nil
}

// publishConfigs sends every discovery config, logging failures.
func (e *Endpoint) publishConfigs() error {
	var errs []error
	for _, cfg := range e.configs {
		if err := e.publisher.Publish(cfg.Topic, cfg.Payload, e.qos, cfg.Retained); err != nil {
			e.logger.Error("failed to publish discovery config",
				"endpoint", e.name,
				"topic", cfg.Topic,
				"error", err,
			)
			errs = append(errs, err)
			continue
		}
		e.logger.Debug("published discovery config", "endpoint", e.name, "topic", cfg.Topic)
	}
	return errors.Join(errs...)
}

// RepublishDiscovery re-sends the configs computed at construction.
func (e *Endpoint) RepublishDiscovery() error {
	return e.publishConfigs()
}

// Poll queries the endpoint, extracts its readings and publishes each
// one, not retained, to its state topic.
//
// Query and parse failures are returned and leave the endpoint ready
// for the next tick. A reading without a registered topic returns
// ErrSchemaConsistency, publishes nothing and faults the endpoint.
// Publish failures are logged and counted but not returned.
func (e *Endpoint) Poll(ctx context.Context) error {
	if e.faulted.Load() {
		return fmt.Errorf("endpoint %q is faulted: %w", e.name, ErrSchemaConsistency)
	}

	e.polls.Add(1)

	body, err := e.fetcher.Get(ctx, e.url, e.timeout)
	if err != nil {
		return e.fail(fmt.Errorf("querying %s: %w", e.path, err))
	}

	snapshot, err := Extract(body, e.tags)
	if err != nil {
		return e.fail(fmt.Errorf("parsing %s: %w", e.path, err))
	}

	topics := make([]string, len(snapshot))
	for i, reading := range snapshot {
		topic, ok := e.topics[reading.Key]
		if !ok {
			e.faulted.Store(true)
			return e.fail(fmt.Errorf("%w: endpoint %q sensor %q", ErrSchemaConsistency, e.name, reading.Key))
		}
		topics[i] = topic
	}

	for i, reading := range snapshot {
		if err := e.publisher.Publish(topics[i], []byte(reading.Value), e.qos, false); err != nil {
			e.publishErrors.Add(1)
			e.logger.Warn("failed to publish reading",
				"endpoint", e.name,
				"topic", topics[i],
				"error", err,
			)
			continue
		}
		e.published.Add(1)
	}

	e.lastMu.Lock()
	e.lastPoll = time.Now()
	e.lastError = ""
	e.lastSnapshot = snapshot
	e.lastMu.Unlock()

	e.logger.Debug("polled endpoint", "endpoint", e.name, "readings", len(snapshot))
	return nil
}

func (e *Endpoint) fail(err error) error {
	e.errorsTotal.Add(1)
	e.lastMu.Lock()
	e.lastPoll = time.Now()
	e.lastError = err.Error()
	e.lastMu.Unlock()
	return err
}

// Name returns the endpoint's display name.
func (e *Endpoint) Name() string { return e.name }

// Path returns the resource path polled on the meter.
func (e *Endpoint) Path() string { return e.path }

// Faulted reports whether the endpoint was disabled by a schema
// consistency failure.
func (e *Endpoint) Faulted() bool { return e.faulted.Load() }

// SensorKeys returns the keys with a registered state topic, in
// discovery order.
func (e *Endpoint) SensorKeys() []string {
	keys := make([]string, 0, len(e.configs))
	for _, cfg := range e.configs {
		keys = append(keys, cfg.Key)
	}
	return keys
}

// StateTopic returns the state topic registered for key.
func (e *Endpoint) StateTopic(key string) (string, bool) {
	topic, ok := e.topics[key]
	return topic, ok
}

// DiscoveryConfigs returns the configs published for this endpoint.
func (e *Endpoint) DiscoveryConfigs() []DiscoveryConfig {
	out := make([]DiscoveryConfig, len(e.configs))
	copy(out, e.configs)
	return out
}

// Stats returns the endpoint's counters and last readings.
func (e *Endpoint) Stats() EndpointStats {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()

	return EndpointStats{
		Name:          e.name,
		Path:          e.path,
		Sensors:       len(e.configs),
		Polls:         e.polls.Load(),
		Errors:        e.errorsTotal.Load(),
		Published:     e.published.Load(),
		PublishErrors: e.publishErrors.Load(),
		LastPoll:      e.lastPoll,
		LastError:     e.lastError,
		Faulted:       e.faulted.Load(),
		Readings:      e.lastSnapshot,
	}
}
