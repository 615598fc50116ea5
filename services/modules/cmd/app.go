package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redbco/redb-modules/pkg/config"
	"github.com/redbco/redb-modules/pkg/database"
	"github.com/redbco/redb-modules/pkg/health"
	"github.com/redbco/redb-modules/pkg/logger"
	"github.com/redbco/redb-modules/pkg/reserved"
	"github.com/redbco/redb-modules/pkg/scoped"
	"github.com/redbco/redb-modules/services/modules/internal/broker"
	"github.com/redbco/redb-modules/services/modules/internal/engine"
	"github.com/redbco/redb-modules/services/modules/internal/lock"
	"github.com/redbco/redb-modules/services/modules/internal/metrics"
	"github.com/redbco/redb-modules/services/modules/internal/provision"
	"github.com/redbco/redb-modules/services/modules/internal/reconcile"
	"github.com/redbco/redb-modules/services/modules/internal/store"
	"github.com/redbco/redb-modules/services/modules/internal/store/memstore"
	"github.com/redbco/redb-modules/services/modules/internal/store/postgres"
	"github.com/redbco/redb-modules/services/modules/internal/tenantctx"
)

// app is the wired service.
type app struct {
	cfg      *config.Config
	logger   *logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	health   *health.Checker

	store    store.Store
	data     *scoped.Store
	members  tenantctx.MembershipStore
	audit    broker.AuditSink
	locker   lock.Locker
	advisory *lock.AdvisoryLocker
	reserved *reserved.Guard
	grants   *broker.Grants

	provisioner *provision.Provisioner
	reconciler  *reconcile.Reconciler
	broker      *broker.Broker
	resolver    *tenantctx.Resolver

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: log, registry: prometheus.NewRegistry(), health: health.NewChecker()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	a.health.Register("database", a.store.Ping)

	locks := lock.Chain{lock.NewKeyedMutex()}
	if a.advisory != nil {
		locks = append(locks, a.advisory)
	}
	if cfg.Redis.Enabled {
		r, err := database.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, r.Close)
		locks = append(locks, lock.NewRedisLocker(r.Client(), cfg.Redis.LockTTL, log))
		a.health.Register("redis", r.Ping)
		log.Infof("Using redis module locks at %s", cfg.Redis.Address)
	}
	a.locker = locks

	if a.reserved, err = reserved.LoadGuard(cfg.Reserved.File); err != nil {
		return nil, err
	}
	if a.grants, err = broker.LoadGrants(cfg.Grants.File); err != nil {
		return nil, err
	}

	a.provisioner = provision.New(a.store, a.reserved, a.locker, log, provision.Options{
		DDLTimeout: cfg.Provisioning.DDLTimeout,
		Metrics:    a.metrics,
	})
	a.reconciler = reconcile.New(a.store, a.locker, log, reconcile.Options{
		CleanupTimeout: cfg.Provisioning.DDLTimeout,
		Metrics:        a.metrics,
	})
	a.broker = broker.New(a.grants, a.audit, a.store, a.data, log, a.metrics, broker.Options{})
	a.resolver = tenantctx.NewResolver(tenantctx.NewJWTAuthenticator([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer), a.members, log)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Database.Driver {
	case config.DriverMemory:
		mem := memstore.New()
		members, err := tenantctx.LoadMemoryMemberships(a.cfg.Auth.MembershipsFile)
		if err != nil {
			return err
		}
		a.store, a.data, a.members, a.audit = mem, scoped.New(mem), members, broker.NewMemoryAudit()
		a.logger.Warn("Using the in-memory store; state is lost on exit")
		return nil

	case config.DriverPostgres:
		pgCfg, err := database.FromConfig(a.cfg.Database)
		if err != nil {
			return err
		}
		db, err := database.New(ctx, pgCfg)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		pg := postgres.New(db, a.logger)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		a.store = pg
		a.data = scoped.New(scoped.NewPostgres(db.Pool()))
		a.members = tenantctx.NewPostgresMemberships(db)
		a.audit = broker.NewPostgresAudit(db)
		a.advisory = lock.NewAdvisoryLocker(db.Pool(), a.logger)
		a.logger.Infof("Connected to postgres %s:%d/%s", a.cfg.Database.Host, a.cfg.Database.Port, a.cfg.Database.Name)
		return nil
	}
	return fmt.Errorf("unsupported database.driver %q", a.cfg.Database.Driver)
}

func (a *app) engine() *engine.Engine {
	return engine.NewEngine(a.cfg, engine.Deps{
		Provisioner: a.provisioner,
		Reconciler:  a.reconciler,
		Broker:      a.broker,
		Resolver:    a.resolver,
		Reserved:    a.reserved,
		Grants:      a.grants,
		Health:      a.health,
		Metrics:     a.metrics,
		Gatherer:    a.registry,
	}, a.logger)
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.logger.Sync()
}
