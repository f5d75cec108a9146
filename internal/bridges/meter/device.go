package meter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// IdentityPath is the 2030.5 resource describing the meter hardware.
const IdentityPath = "/sdev"

// Identity element names in the /sdev document.
const (
	elemSFDI            = "sFDI"
	elemSoftwareVersion = "swVer"
	elemManufacturerID  = "mfID"
)

// Defaults for DeviceOptions.
const (
	DefaultPollInterval     = 5 * time.Second
	DefaultBootstrapTimeout = 4 * time.Second
	DefaultRequestTimeout   = 15 * time.Second
)

// Logger is the logging interface used by the meter bridge.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// DeviceOptions configures a Device.
type DeviceOptions struct {
	// Name is the friendly device name shown in Home Assistant.
	Name string

	// BaseURL is the meter's scheme, host and port, e.g. "https://10.0.0.5:8081".
	BaseURL string

	// DiscoveryPrefix is the Home Assistant discovery prefix.
	DiscoveryPrefix string

	// SchemaDir overrides the embedded endpoint schemas. Optional.
	SchemaDir string

	Fetcher   Fetcher
	Publisher Publisher
	QoS       byte

	// Interval is the sleep before each tick. Default: 5 seconds.
	Interval time.Duration

	// BootstrapTimeout bounds each identity query attempt. Default: 4 seconds.
	BootstrapTimeout time.Duration

	// RequestTimeout bounds each endpoint query attempt. Default: 15 seconds.
	RequestTimeout time.Duration

	Logger Logger
}

// DeviceStats is a point-in-time view of the device and its endpoints.
type DeviceStats struct {
	Bootstrapped   bool            `json:"bootstrapped"`
	Identity       *Identity       `json:"identity,omitempty"`
	Variant        string          `json:"schema_variant,omitempty"`
	Ticks          uint64          `json:"ticks"`
	LastTick       time.Time       `json:"last_tick,omitzero"`
	LastTickErrors int             `json:"last_tick_errors"`
	Endpoints      []EndpointStats `json:"endpoints"`
}

// FaultedEndpoints returns how many endpoints have been disabled.
func (s DeviceStats) FaultedEndpoints() int {
	n := 0
	for _, ep := range s.Endpoints {
		if ep.Faulted {
			n++
		}
	}
	return n
}

// Device is one meter: it reads the hardware identity, announces the
// meter to Home Assistant, and polls every endpoint of the matching
// schema in a single sequential loop.
type Device struct {
	opts   DeviceOptions
	logger Logger

	// Set once by Bootstrap, read-only afterwards.
	identity  *Identity
	discovery *DiscoveryBuilder
	device    DiscoveryConfig
	variant   string
	endpoints []*Endpoint
	ready     atomic.Bool

	ticks          atomic.Uint64
	tickMu         sync.RWMutex
	lastTick       time.Time
	lastTickErrors int
}

// NewDevice validates opts and applies defaults. Call Bootstrap next.
func NewDevice(opts DeviceOptions) (*Device, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if opts.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if opts.Name == "" {
		return nil, errors.New("device name is required")
	}

	if opts.DiscoveryPrefix == "" {
		opts.DiscoveryPrefix = "homeassistant"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Interval == 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.BootstrapTimeout == 0 {
		opts.BootstrapTimeout = DefaultBootstrapTimeout
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	return &Device{opts: opts, logger: logger}, nil
}

// Bootstrap reads the meter identity and builds the endpoints.
//
// Steps:
//  1. GET /sdev (retried on transient failures)
//  2. Read sFDI, swVer and mfID, using Unknown for anything missing
//  3. Publish the device discovery message
//  4. Select the schema variant from swVer and load it
//  5. Build one Endpoint per schema entry, which publishes its discovery
//
// A transport failure returns ErrBootstrapFailed and must stop the
// process. An unreadable identity document does not: the identity is
// reported as Unknown and the default schema is used.
func (d *Device) Bootstrap(ctx context.Context) error {
	if d.ready.Load() {
		return errors.New("device already bootstrapped")
	}

	body, err := d.opts.Fetcher.Get(ctx, d.opts.BaseURL+IdentityPath, d.opts.BootstrapTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBootstrapFailed, err)
	}

	identity := d.readIdentity(body)
	d.identity = identity
	d.discovery = NewDiscoveryBuilder(d.opts.DiscoveryPrefix, identity)

	d.logger.Info("meter identified",
		"sfdi", identity.SFDI,
		"sw_version", identity.SoftwareVersion,
		"manufacturer_id", identity.ManufacturerID,
	)

	device, err := d.discovery.Device()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBootstrapFailed, err)
	}
	d.device = device
	//nolint:errcheck // logged by publishDevice
	d.publishDevice()

	d.variant = SelectVariant(identity.SoftwareVersion)
	schema, err := LoadSchema(d.variant, d.opts.SchemaDir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBootstrapFailed, err)
	}

	endpoints := make([]*Endpoint, 0, len(schema))
	for _, entry := range schema {
		ep, err := NewEndpoint(EndpointOptions{
			Schema:    entry,
			BaseURL:   d.opts.BaseURL,
			Fetcher:   d.opts.Fetcher,
			Discovery: d.discovery,
			Publisher: d.opts.Publisher,
			QoS:       d.opts.QoS,
			Timeout:   d.opts.RequestTimeout,
			Logger:    d.logger,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBootstrapFailed, err)
		}
		endpoints = append(endpoints, ep)
	}
	d.endpoints = endpoints
	d.ready.Store(true)

	d.logger.Info("device ready",
		"schema_variant", d.variant,
		"endpoints", len(endpoints),
	)
	return nil
}

// readIdentity extracts the identity fields, defaulting each to Unknown.
func (d *Device) readIdentity(body []byte) *Identity {
	identity := &Identity{
		SFDI:            Unknown,
		SoftwareVersion: Unknown,
		ManufacturerID:  Unknown,
		Name:            d.opts.Name,
	}

	snapshot, err := Extract(body, []TagRule{
		{Name: elemSFDI},
		{Name: elemSoftwareVersion},
		{Name: elemManufacturerID},
	})
	if err != nil {
		d.logger.Warn("identity document unreadable, using Unknown", "error", err)
		return identity
	}

	for _, field := range []struct {
		elem string
		dst  *string
	}{
		{elemSFDI, &identity.SFDI},
		{elemSoftwareVersion, &identity.SoftwareVersion},
		{elemManufacturerID, &identity.ManufacturerID},
	} {
		if v, ok := snapshot.Get(field.elem); ok {
			*field.dst = v
		} else {
			d.logger.Warn("identity field missing, using Unknown", "field", field.elem)
		}
	}
	return identity
}

func (d *Device) publishDevice() error {
	err := d.opts.Publisher.Publish(d.device.Topic, d.device.Payload, d.opts.QoS, d.device.Retained)
	if err != nil {
		d.logger.Error("failed to publish device discovery", "topic", d.device.Topic, "error", err)
	}
	return err
}

// Run polls every endpoint, in schema order, once per interval until
// ctx is cancelled. Each tick sleeps first and then polls; a slow
// endpoint delays the rest of the tick and the next one.
//
// Endpoint failures are logged and stay local to that endpoint. Faulted
// endpoints are skipped. Returns nil on cancellation.
func (d *Device) Run(ctx context.Context) error {
	if !d.ready.Load() {
		return ErrNotBootstrapped
	}

	timer := time.NewTimer(d.opts.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		d.tick(ctx)
		timer.Reset(d.opts.Interval)
	}
}

// tick polls each endpoint once.
func (d *Device) tick(ctx context.Context) {
	failures := 0
	for _, ep := range d.endpoints {
		if ctx.Err() != nil {
			return
		}
		if ep.Faulted() {
			continue
		}

		if err := ep.Poll(ctx); err != nil {
			failures++
			switch {
			case errors.Is(err, ErrSchemaConsistency):
				d.logger.Error("endpoint disabled", "endpoint", ep.Name(), "error", err)
			case ctx.Err() != nil:
				return
			default:
				d.logger.Warn("endpoint poll failed", "endpoint", ep.Name(), "error", err)
			}
		}
	}

	d.ticks.Add(1)
	d.tickMu.Lock()
	d.lastTick = time.Now()
	d.lastTickErrors = failures
	d.tickMu.Unlock()
}

// RepublishDiscovery re-sends the device and every endpoint discovery
// config. It is a no-op before Bootstrap.
func (d *Device) RepublishDiscovery() error {
	if !d.ready.Load() {
		return nil
	}

	errs := []error{d.publishDevice()}
	for _, ep := range d.endpoints {
		errs = append(errs, ep.RepublishDiscovery())
	}
	return errors.Join(errs...)
}

// HandleHomeAssistantStatus re-sends discovery when Home Assistant
// publishes "online" on its status topic, so entities survive a Home
// Assistant restart without retained configs.
func (d *Device) HandleHomeAssistantStatus(_ string, payload []byte) error {
	if strings.TrimSpace(string(payload)) != "online" {
		return nil
	}
	d.logger.Info("home assistant online, republishing discovery")
	return d.RepublishDiscovery()
}

// Identity returns the identity read at bootstrap, or nil before it.
func (d *Device) Identity() *Identity {
	if !d.ready.Load() {
		return nil
	}
	return d.identity
}

// Endpoints returns the endpoints built at bootstrap.
func (d *Device) Endpoints() []*Endpoint {
	if !d.ready.Load() {
		return nil
	}
	return d.endpoints
}

// Stats returns the device's state and every endpoint's counters.
func (d *Device) Stats() DeviceStats {
	stats := DeviceStats{Bootstrapped: d.ready.Load(), Ticks: d.ticks.Load()}
	if !stats.Bootstrapped {
		return stats
	}

	id := *d.identity
	stats.Identity = &id
	stats.Variant = d.variant

	d.tickMu.RLock()
	stats.LastTick = d.lastTick
	stats.LastTickErrors = d.lastTickErrors
	d.tickMu.RUnlock()

	stats.Endpoints = make([]EndpointStats, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		stats.Endpoints = append(stats.Endpoints, ep.Stats())
	}
	return stats
}
