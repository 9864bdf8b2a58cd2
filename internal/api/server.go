// Package api provides the StudyPipe HTTP API: onboarding configuration,
// participant onboarding progress and device data intake.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/batch"
	"github.com/BTreeMap/StudyPipe/internal/device"
	"github.com/BTreeMap/StudyPipe/internal/onboarding"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

const shutdownTimeout = 10 * time.Second

// DeviceUploader accepts device samples into the batch uploader.
type DeviceUploader interface {
	AddRecord(record device.Data) error
	SetRecordInterval(d time.Duration) error
	Status() batch.UploaderStatus
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	provider *onboarding.Provider
	tracker  *onboarding.Tracker
	uploader DeviceUploader
	router   chi.Router
	now      func() time.Time
}

// NewServer creates a Server. uploader may be nil, in which case the device
// endpoints answer 503.
func NewServer(provider *onboarding.Provider, tracker *onboarding.Tracker, uploader DeviceUploader) *Server {
	s := &Server{
		provider: provider,
		tracker:  tracker,
		uploader: uploader,
		now:      time.Now,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)

	r.Route("/onboarding", func(r chi.Router) {
		r.Get("/sections", s.sectionsHandler)
		r.Get("/first", s.firstSectionHandler)
		r.Get("/next", s.nextSectionHandler)
		r.Put("/groups", s.setGroupsHandler)
	})

	r.Get("/participants/{id}/onboarding", s.getProgressHandler)
	r.Delete("/participants/{id}/onboarding", s.resetProgressHandler)
	r.Post("/participants/{id}/onboarding/start", s.startOnboardingHandler)
	r.Post("/participants/{id}/onboarding/complete", s.completeSectionHandler)

	r.Route("/device", func(r chi.Router) {
		r.Post("/records", s.addDeviceRecordHandler)
		r.Put("/record-interval", s.setRecordIntervalHandler)
		r.Get("/status", s.deviceStatusHandler)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves the API on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down API server", "addr", addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

// requestLogger logs every request with its status and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("api: request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
