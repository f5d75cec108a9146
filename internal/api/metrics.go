package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	MQTT          MQTTMetrics    `json:"mqtt"`
	Polling       PollMetrics    `json:"polling"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// MQTTMetrics describes the broker link.
type MQTTMetrics struct {
	Connected  bool   `json:"connected"`
	Reconnects int    `json:"reconnects"`
	LastLoss   string `json:"last_loss,omitempty"`
}

// PollMetrics aggregates the endpoint counters.
type PollMetrics struct {
	Ticks            uint64 `json:"ticks"`
	Endpoints        int    `json:"endpoints"`
	FaultedEndpoints int    `json:"faulted_endpoints"`
	Polls            uint64 `json:"polls"`
	Errors           uint64 `json:"errors"`
	Published        uint64 `json:"published"`
	PublishErrors    uint64 `json:"publish_errors"`
}

// handleMetrics returns runtime, MQTT and polling metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
	}

	if s.mqtt != nil {
		link := s.mqtt.Link()
		metrics.MQTT = MQTTMetrics{Connected: link.Connected, Reconnects: link.Reconnects}
		if link.LastLoss != nil {
			metrics.MQTT.LastLoss = link.LastLoss.Error()
		}
	}

	stats := s.device.Stats()
	metrics.Polling = PollMetrics{
		Ticks:            stats.Ticks,
		Endpoints:        len(stats.Endpoints),
		FaultedEndpoints: stats.FaultedEndpoints(),
	}
	for _, ep := range stats.Endpoints {
		metrics.Polling.Polls += ep.Polls
		metrics.Polling.Errors += ep.Errors
		metrics.Polling.Published += ep.Published
		metrics.Polling.PublishErrors += ep.PublishErrors
	}

	writeJSON(w, http.StatusOK, metrics)
}
