package simulator

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// contentType is the 2030.5 media type.
const contentType = "application/sep+xml"

// shutdownTimeout bounds graceful shutdown of the simulator server.
const shutdownTimeout = 5 * time.Second

// Handler returns the HTTP handler serving the meter's resources.
func (m *Meter) Handler(logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if logger != nil {
		r.Use(requestLogger(logger))
	}

	r.Get("/sdev", m.handleIdentity)
	r.Get("/upt/{upt}/mr/{mr}/r", m.handleReading)

	return r
}

func (m *Meter) handleIdentity(w http.ResponseWriter, _ *http.Request) {
	writeXML(w, m.identity())
}

func (m *Meter) handleReading(w http.ResponseWriter, r *http.Request) {
	kind, err := strconv.Atoi(chi.URLParam(r, "mr"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	doc, ok := m.read(r.URL.Path, kind)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeXML(w, doc)
}

func writeXML(w http.ResponseWriter, v any) {
	body, err := xml.Marshal(v)
	if err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // best-effort write; client may have gone
	w.Write(append([]byte(xml.Header), body...))
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("simulator request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// Serve runs the simulator on addr until ctx is cancelled.
func (m *Meter) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	if logger != nil {
		logger.Info("meter simulator listening",
			"address", addr,
			"sfdi", m.cfg.SFDI,
			"sw_version", m.cfg.SoftwareVersion,
		)
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("simulator server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down simulator: %w", err)
	}
	return nil
}
