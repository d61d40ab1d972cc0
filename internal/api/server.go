// ABOUTME: Ops HTTP listener for the updater: liveness, readiness and Prometheus metrics.
// ABOUTME: Optional; started only when METRICS_ADDR is set.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scarson/fts-updater/internal/updater"
)

// shutdownTimeout bounds draining in-flight scrapes on exit.
const shutdownTimeout = 5 * time.Second

// StateReporter exposes the updater's current connection session.
type StateReporter interface {
	State() updater.Session
}

// Server holds the dependencies for the ops HTTP layer.
type Server struct {
	gatherer prometheus.Gatherer
	state    StateReporter
}

// NewServer creates a Server that serves metrics from g and readiness from st.
func NewServer(g prometheus.Gatherer, st StateReporter) *Server {
	return &Server{gatherer: g, state: st}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Liveness: the process is up. The supervisor handles reconnects, so a
	// lost database connection is not a reason to restart.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	// Readiness: connected to a server that accepts writes. A worker waiting
	// on a replica reports "connected" with 503.
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		mode := srv.state.State().Mode
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if mode != updater.ModeReady {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = fmt.Fprintln(w, mode)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}))
	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("ops listener started", "addr", addr)
		if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("ops listener: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops listener shutdown: %w", err)
	}
	return nil
}
