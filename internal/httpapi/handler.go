// Package httpapi exposes the mediator's operator endpoints: binding status,
// on-demand SDK initialization, health and Prometheus metrics.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coachpo/mediation/errs"
	"github.com/coachpo/mediation/internal/coordinator"
	"github.com/coachpo/mediation/internal/mediation"
	"github.com/coachpo/mediation/internal/observability"
)

// NewHandler returns the operator router. A nil registry omits /metrics.
func NewHandler(m *mediation.Mediator, registry *prometheus.Registry, logger observability.Logger) http.Handler {
	s := &server{mediator: m, logger: observability.OrDefault(logger)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Route("/bindings", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Get("/{network}", s.handleGet)
		r.Post("/{network}/initialize", s.handleInitialize)
	})
	if registry != nil {
		r.Get("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}).ServeHTTP)
	}
	return r
}

type server struct {
	mediator *mediation.Mediator
	logger   observability.Logger
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady answers 200 once every binding's SDK is initialized.
func (s *server) handleReady(w http.ResponseWriter, _ *http.Request) {
	var pending []mediation.Snapshot
	for _, snap := range s.mediator.Snapshots() {
		if snap.State != coordinator.StateReady.String() {
			pending = append(pending, snap)
		}
	}
	if len(pending) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "bindings": pending})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.mediator.Snapshots())
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	b, err := s.mediator.Binding(chi.URLParam(r, "network"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b.Snapshot())
}

// handleInitialize starts or joins SDK initialization and answers immediately;
// the outcome shows up in the binding's snapshot.
func (s *server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	b, err := s.mediator.Binding(chi.URLParam(r, "network"))
	if err != nil {
		writeError(w, err)
		return
	}
	network := b.Name()
	err = b.Initialize(coordinator.ListenerFuncs{
		Success: func() {
			s.logger.Info("operator initialization succeeded", observability.F("network", network))
		},
		Error: func(err error) {
			s.logger.Warn("operator initialization failed",
				observability.F("network", network),
				observability.F("error", err))
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, b.Snapshot())
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.Is(err, errs.CodeNotFound):
		status = http.StatusNotFound
	case errs.Is(err, errs.CodeInvalid):
		status = http.StatusBadRequest
	case errs.Is(err, errs.CodeUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"status":    "error",
		"error":     err.Error(),
		"canonical": string(errs.CanonicalOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
