package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	engine     *Engine
	router     *mux.Router
	middleware *Middleware
}

func NewServer(engine *Engine) *Server {
	s := &Server{
		engine:     engine,
		router:     mux.NewRouter(),
		middleware: NewMiddleware(engine),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) Router() *mux.Router {
	return s.router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) setupMiddleware() {
	// Logging and metrics middleware
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			s.engine.IncrementRequestsProcessed()
			if rec.status >= http.StatusInternalServerError {
				s.engine.IncrementErrors()
			}
			s.engine.deps.Metrics.ObserveRequest(route, rec.status)
			s.engine.logger.Debugf("%s %s %d %s", r.Method, route, rec.status, time.Since(start))
		})
	})

	// Request timeout middleware
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			timeout := s.engine.config.Server.RequestTimeout
			if timeout <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
}

func (s *Server) setupRoutes() {
	// Unauthenticated endpoints
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	gatherer := s.engine.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.middleware.AuthenticationMiddleware)

	api.HandleFunc("/whoami", s.handleWhoAmI).Methods(http.MethodGet)

	// Provisioning
	modules := api.PathPrefix("/modules").Subrouter()
	modules.HandleFunc("", s.handleProvision).Methods(http.MethodPost)
	modules.HandleFunc("/{short_id}", s.handleDrop).Methods(http.MethodDelete)
	modules.HandleFunc("/{module_id}/status", s.handleStatus).Methods(http.MethodGet)

	// Reconciliation
	api.HandleFunc("/orphans", s.handleFindOrphans).Methods(http.MethodGet)
	api.HandleFunc("/orphans/{short_id}/cleanup", s.handleCleanupOrphans).Methods(http.MethodPost)

	// Cross-module access
	api.HandleFunc("/broker/select", s.handleBrokerSelect).Methods(http.MethodPost)
	api.HandleFunc("/broker/insert", s.handleBrokerInsert).Methods(http.MethodPost)

	// Configuration snapshots
	api.HandleFunc("/admin/reload", s.handleReload).Methods(http.MethodPost)
}
