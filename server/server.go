package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"posecoach/config"
	"posecoach/metrics"
	"posecoach/processors"
	"posecoach/storage"
)

// Server is the HTTP surface around the analysis pipeline. The core stays
// HTTP-ignorant; this package owns upload spooling, parameter validation and
// error translation.
type Server struct {
	cfg      config.Config
	pipeline *processors.Pipeline
	store    storage.ReferenceStore
	metrics  *metrics.Manager
	registry *prometheus.Registry
	httpSrv  *http.Server
}

func New(cfg config.Config, pipeline *processors.Pipeline, store storage.ReferenceStore, m *metrics.Manager, registry *prometheus.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		pipeline: pipeline,
		store:    store,
		metrics:  m,
		registry: registry,
	}

	router := mux.NewRouter()
	router.Use(s.logMiddleware)
	router.HandleFunc("/analysis", s.handleAnalyze).Methods("POST")
	router.HandleFunc("/references/{exercise}", s.handleListReferences).Methods("GET")
	router.HandleFunc("/references/{exercise}", s.handleCreateReference).Methods("POST")
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")

	s.httpSrv = &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 10 * time.Minute,
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run serves until SIGINT/SIGTERM, then drains with a grace period.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("server: listening on %s", s.cfg.ServerAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-stop:
		log.Infof("server: received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Infof("server: %s %s (%s)", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("server: write response: %s", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
