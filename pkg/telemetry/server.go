package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// StatusFunc renders the current status of the running phase as JSON.
type StatusFunc func() ([]byte, error)

// HealthFunc reports whether the process can still do its job.
type HealthFunc func(ctx context.Context) error

// StatusServer exposes the phase status, the Prometheus metrics and a health probe.
type StatusServer struct {
	r       *chi.Mux
	status  StatusFunc
	health  HealthFunc
	metrics *Metrics
}

// NewStatusServer creates a status server. health may be nil.
func NewStatusServer(status StatusFunc, health HealthFunc, metrics *Metrics) *StatusServer {
	s := &StatusServer{
		r:       chi.NewRouter(),
		status:  status,
		health:  health,
		metrics: metrics,
	}

	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.Recoverer)

	s.routes()
	return s
}

func (s *StatusServer) routes() {
	s.r.Get("/healthz", s.getHealth)
	s.r.Get("/status", s.getStatus)
	s.r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
}

// Handler returns the HTTP handler of the server.
func (s *StatusServer) Handler() http.Handler { return s.r }

func (s *StatusServer) getHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *StatusServer) getStatus(w http.ResponseWriter, _ *http.Request) {
	body, err := s.status()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// ListenAndServe serves handler on addr until ctx is canceled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Status server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
