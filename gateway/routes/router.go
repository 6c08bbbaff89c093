package routes

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/renlabs-dev/communex/gateway/admission"
	"github.com/renlabs-dev/communex/gateway/endpoint"
	"github.com/renlabs-dev/communex/gateway/middleware"
)

type Config struct {
	Registry      *endpoint.Registry
	Admission     *admission.Chain
	Observability *middleware.Observability
	CORS          *middleware.CORSConfig
}

// New mounts every registered method at POST /method/{name} behind the admission chain.
// Unknown methods are answered with 404 before any verifier runs.
func New(cfg Config) (http.Handler, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("routes: endpoint registry required")
	}
	if cfg.Admission == nil {
		return nil, fmt.Errorf("routes: admission chain required")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.CORS != nil {
		r.Use(middleware.CORS(*cfg.CORS))
	}
	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("module"))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		admission.WriteError(w, http.StatusNotFound, "Not Found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		admission.WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", nil)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Post("/method/{name}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		ep, ok := cfg.Registry.Lookup(name)
		if !ok {
			admission.WriteError(w, http.StatusNotFound, fmt.Sprintf("Method %s not found", name), nil)
			return
		}
		cfg.Admission.Middleware(ep).ServeHTTP(w, req)
	})

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	return r, nil
}
