package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/meter2mqtt/internal/bridges/meter"
)

// Health states reported by /api/v1/health.
const (
	healthOK       = "ok"
	healthDegraded = "degraded"
)

// healthResponse is the body of /api/v1/health.
type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	MQTTConnected bool   `json:"mqtt_connected"`
	Bootstrapped  bool   `json:"bootstrapped"`
	Reason        string `json:"reason,omitempty"`
}

// StatusResponse is the body of /api/v1/status.
type StatusResponse struct {
	Version        string           `json:"version"`
	Bootstrapped   bool             `json:"bootstrapped"`
	Identity       *meter.Identity  `json:"identity,omitempty"`
	SchemaVariant  string           `json:"schema_variant,omitempty"`
	Ticks          uint64           `json:"ticks"`
	LastTick       time.Time        `json:"last_tick,omitzero"`
	LastTickErrors int              `json:"last_tick_errors"`
	Endpoints      []EndpointStatus `json:"endpoints"`
}

// EndpointStatus is one endpoint's counters plus its sensor state topics.
type EndpointStatus struct {
	meter.EndpointStats
	StateTopics map[string]string `json:"state_topics"`
}

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, Error{Code: ErrCodeNoRoute, Message: "no such resource"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, Error{Code: ErrCodeMethodNotAllowed, Message: "the status API is read-only"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/status/endpoints/{name}", s.handleEndpoint)
		r.Get("/metrics", s.handleMetrics)
	})

	return r
}

// handleHealth reports ok only when the broker is connected and the meter
// identity has been read.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:        healthOK,
		Version:       s.version,
		MQTTConnected: s.mqtt != nil && s.mqtt.IsConnected(),
		Bootstrapped:  s.device.Stats().Bootstrapped,
	}

	switch {
	case !resp.MQTTConnected:
		resp.Status, resp.Reason = healthDegraded, "mqtt_disconnected"
	case !resp.Bootstrapped:
		resp.Status, resp.Reason = healthDegraded, "not_bootstrapped"
	}

	status := http.StatusOK
	if resp.Status != healthOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleStatus returns the identity, schema variant and every endpoint.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.device.Stats()

	resp := StatusResponse{
		Version:        s.version,
		Bootstrapped:   stats.Bootstrapped,
		Identity:       stats.Identity,
		SchemaVariant:  stats.Variant,
		Ticks:          stats.Ticks,
		LastTick:       stats.LastTick,
		LastTickErrors: stats.LastTickErrors,
		Endpoints:      make([]EndpointStatus, 0, len(stats.Endpoints)),
	}
	for _, ep := range s.device.Endpoints() {
		resp.Endpoints = append(resp.Endpoints, endpointStatus(ep))
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleEndpoint returns one endpoint, matched by display name or by its
// topic form ("Instantaneous_Demand").
func (s *Server) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	endpoints := s.device.Endpoints()
	for _, ep := range endpoints {
		if ep.Name() == name || meter.TopicName(ep.Name()) == name {
			writeJSON(w, http.StatusOK, endpointStatus(ep))
			return
		}
	}

	known := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		known = append(known, meter.TopicName(ep.Name()))
	}
	writeError(w, r, http.StatusNotFound, Error{
		Code:    ErrCodeUnknownEndpoint,
		Message: "no endpoint named " + name,
		Known:   known,
	})
}

func endpointStatus(ep *meter.Endpoint) EndpointStatus {
	topics := make(map[string]string)
	for _, key := range ep.SensorKeys() {
		if topic, ok := ep.StateTopic(key); ok {
			topics[key] = topic
		}
	}
	return EndpointStatus{EndpointStats: ep.Stats(), StateTopics: topics}
}
