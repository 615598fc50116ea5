// Package engine serves the Provisioning API over HTTP.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redbco/redb-modules/pkg/config"
	"github.com/redbco/redb-modules/pkg/health"
	"github.com/redbco/redb-modules/pkg/logger"
	"github.com/redbco/redb-modules/pkg/reserved"
	"github.com/redbco/redb-modules/services/modules/internal/broker"
	"github.com/redbco/redb-modules/services/modules/internal/metrics"
	"github.com/redbco/redb-modules/services/modules/internal/provision"
	"github.com/redbco/redb-modules/services/modules/internal/reconcile"
	"github.com/redbco/redb-modules/services/modules/internal/tenantctx"
)

// Deps are the components the API drives.
type Deps struct {
	Provisioner *provision.Provisioner
	Reconciler  *reconcile.Reconciler
	Broker      *broker.Broker
	Resolver    *tenantctx.Resolver
	Reserved    *reserved.Guard
	Grants      *broker.Grants
	Health      *health.Checker
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
}

type Engine struct {
	config *config.Config
	deps   Deps
	server *http.Server
	logger *logger.Logger
	state  struct {
		sync.Mutex
		isRunning bool
	}
	metrics struct {
		requestsProcessed int64
		errors            int64
	}
}

func NewEngine(cfg *config.Config, deps Deps, logger *logger.Logger) *Engine {
	return &Engine{config: cfg, deps: deps, logger: logger}
}

// Handler returns the API router.
func (e *Engine) Handler() http.Handler {
	return NewServer(e).Router()
}

func (e *Engine) listen() (net.Listener, error) {
	e.state.Lock()
	defer e.state.Unlock()
	if e.state.isRunning {
		return nil, fmt.Errorf("engine is already running")
	}

	listener, err := net.Listen("tcp", e.config.Server.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", e.config.Server.Address, err)
	}
	e.server = &http.Server{
		Handler:           e.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	e.state.isRunning = true
	e.logger.Infof("Provisioning API listening on %s", listener.Addr())
	return listener, nil
}

func (e *Engine) serve(listener net.Listener) error {
	if err := e.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down, waiting for in-flight requests.
func (e *Engine) Stop(ctx context.Context) error {
	e.state.Lock()
	defer e.state.Unlock()
	if !e.state.isRunning {
		return nil
	}
	e.state.isRunning = false
	e.logger.Info("Shutting down provisioning API")
	return e.server.Shutdown(ctx)
}

// Run serves until ctx is done, then shuts down gracefully.
func (e *Engine) Run(ctx context.Context) error {
	listener, err := e.listen()
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- e.serve(listener) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Stop(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

func (e *Engine) IncrementRequestsProcessed() {
	atomic.AddInt64(&e.metrics.requestsProcessed, 1)
}

func (e *Engine) IncrementErrors() {
	atomic.AddInt64(&e.metrics.errors, 1)
}

// Stats returns the processed request and error counts.
func (e *Engine) Stats() (requests, errs int64) {
	return atomic.LoadInt64(&e.metrics.requestsProcessed), atomic.LoadInt64(&e.metrics.errors)
}
