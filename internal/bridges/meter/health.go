package meter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates every endpoint polled successfully last tick.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is running with problems.
	HealthDegraded HealthStatus = "degraded"

	// HealthStarting indicates the device has not finished bootstrap.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the retained report published on the health topic.
type HealthMessage struct {
	MeterID    string       `json:"meter_id"`
	InstanceID string       `json:"instance_id"`
	Timestamp  time.Time    `json:"timestamp"`
	Status     HealthStatus `json:"status"`
	Version    string       `json:"version"`

	UptimeSeconds int64 `json:"uptime_seconds"`

	// Device is the identity read at bootstrap.
	Device *Identity `json:"device,omitempty"`

	SchemaVariant    string `json:"schema_variant,omitempty"`
	EndpointsManaged int    `json:"endpoints_managed"`

	Statistics *PollStatistics `json:"statistics,omitempty"`

	// Reason explains the status (especially for degraded).
	Reason string `json:"reason,omitempty"`
}

// PollStatistics aggregates the endpoint counters.
type PollStatistics struct {
	Ticks            uint64     `json:"ticks"`
	Polls            uint64     `json:"polls"`
	Errors           uint64     `json:"errors"`
	Published        uint64     `json:"published"`
	PublishErrors    uint64     `json:"publish_errors"`
	FaultedEndpoints int        `json:"faulted_endpoints"`
	LastTick         *time.Time `json:"last_tick,omitempty"`
}

// NewHealthMessage builds a health message from device stats.
func NewHealthMessage(meterID, instanceID, version string, status HealthStatus, stats DeviceStats, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		MeterID:          meterID,
		InstanceID:       instanceID,
		Timestamp:        time.Now().UTC(),
		Status:           status,
		Version:          version,
		UptimeSeconds:    int64(time.Since(startTime).Seconds()),
		Device:           stats.Identity,
		SchemaVariant:    stats.Variant,
		EndpointsManaged: len(stats.Endpoints),
	}

	ps := &PollStatistics{
		Ticks:            stats.Ticks,
		FaultedEndpoints: stats.FaultedEndpoints(),
	}
	for _, ep := range stats.Endpoints {
		ps.Polls += ep.Polls
		ps.Errors += ep.Errors
		ps.Published += ep.Published
		ps.PublishErrors += ep.PublishErrors
	}
	if !stats.LastTick.IsZero() {
		last := stats.LastTick.UTC()
		ps.LastTick = &last
	}
	msg.Statistics = ps

	return msg
}

// StatsSource provides device statistics. Implemented by *Device.
type StatsSource interface {
	Stats() DeviceStats
}

// HealthReporter manages periodic health status reporting.
// It publishes health messages to MQTT at regular intervals.
type HealthReporter struct {
	meterID    string
	instanceID string
	version    string
	topic      string
	startTime  time.Time
	interval   time.Duration
	qos        byte
	publisher  Publisher
	source     StatsSource

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger Logger
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	MeterID string
	Version string

	// Topic is where health messages are published (retained).
	Topic string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	QoS       byte
	Publisher Publisher
	Source    StatsSource
	Logger    Logger
}

// NewHealthReporter creates a new health reporter. Each reporter gets a
// fresh instance id so restarts are visible to consumers.
//
// Returns:
//   - *HealthReporter: Ready to start (call Start to begin reporting)
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	return &HealthReporter{
		meterID:    cfg.MeterID,
		instanceID: uuid.NewString(),
		version:    cfg.Version,
		topic:      cfg.Topic,
		startTime:  time.Now(),
		interval:   interval,
		qos:        cfg.QoS,
		publisher:  cfg.Publisher,
		source:     cfg.Source,
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Start begins periodic health reporting. Call Stop to shut down.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop stops reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// InstanceID returns the id reported in every message from this reporter.
func (h *HealthReporter) InstanceID() string {
	return h.instanceID
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logger.Error("failed to publish initial health", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logger.Error("failed to publish health", "error", err)
			}
		}
	}
}

// determineStatus evaluates the current bridge status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.source == nil {
		return HealthStarting, ""
	}

	stats := h.source.Stats()
	if !stats.Bootstrapped {
		return HealthStarting, "waiting for meter identity"
	}
	if n := stats.FaultedEndpoints(); n > 0 {
		return HealthDegraded, fmt.Sprintf("%d endpoint(s) disabled", n)
	}
	if stats.LastTickErrors > 0 {
		return HealthDegraded, fmt.Sprintf("%d endpoint(s) failed last poll", stats.LastTickErrors)
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	var stats DeviceStats
	if h.source != nil {
		stats = h.source.Stats()
	}

	msg := NewHealthMessage(h.meterID, h.instanceID, h.version, status, stats, h.startTime)
	msg.Reason = reason

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return h.publisher.Publish(h.topic, payload, h.qos, true)
}
