// Package broker decides whether one module may reach another module's
// tables and performs permitted reads and writes under the caller's tenant
// context.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redbco/redb-modules/pkg/logger"
	"github.com/redbco/redb-modules/pkg/naming"
	"github.com/redbco/redb-modules/pkg/scoped"
	"github.com/redbco/redb-modules/pkg/tenancy"
	"github.com/redbco/redb-modules/services/modules/internal/metrics"
	"github.com/redbco/redb-modules/services/modules/internal/store"
	"golang.org/x/time/rate"
)

var (
	ErrCrossModuleAccessDenied = errors.New("cross-module access denied")
	ErrUnknownTable            = errors.New("table not registered")
)

// Request is one module asking for an operation on another module's table.
type Request struct {
	Source    uuid.UUID `json:"source_module"`
	Target    uuid.UUID `json:"target_module"`
	Table     string    `json:"table"`
	Operation Operation `json:"operation"`
}

func (r Request) String() string {
	return fmt.Sprintf("%s -> %s.%s (%s)", naming.ShortID(r.Source), naming.ShortID(r.Target), r.Table, r.Operation)
}

// Registry resolves a module's registered tables.
type Registry interface {
	GetEntry(ctx context.Context, moduleID uuid.UUID) (*store.Entry, error)
}

// Options tunes denial tracking. Zero values use the defaults.
type Options struct {
	// DenialLogRate is how many denials per source module are logged per
	// second; denials above the rate are only counted.
	DenialLogRate rate.Limit
	DenialBurst   int
}

type Broker struct {
	grants   *Grants
	audit    AuditSink
	registry Registry
	data     *scoped.Store
	logger   *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	opts       Options
	mu         sync.Mutex
	limiters   map[uuid.UUID]*rate.Limiter
	denials    map[uuid.UUID]int64
	suppressed rate.Sometimes
}

func New(grants *Grants, audit AuditSink, registry Registry, data *scoped.Store, logger *logger.Logger, m *metrics.Metrics, opts Options) *Broker {
	if opts.DenialLogRate == 0 {
		opts.DenialLogRate = rate.Every(time.Second)
	}
	if opts.DenialBurst == 0 {
		opts.DenialBurst = 5
	}
	return &Broker{
		grants:     grants,
		audit:      audit,
		registry:   registry,
		data:       data,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
		opts:       opts,
		limiters:   make(map[uuid.UUID]*rate.Limiter),
		denials:    make(map[uuid.UUID]int64),
		suppressed: rate.Sometimes{Interval: time.Minute},
	}
}

// Check permits req when the first matching grant covers it and records
// an audit entry for the permit. Denials are counted and rate-limited in
// the log but never audited.
func (b *Broker) Check(ctx context.Context, req Request, tc tenancy.Context) error {
	if err := b.authorize(req); err != nil {
		return err
	}
	return b.permit(ctx, req, tc)
}

func (b *Broker) authorize(req Request) error {
	if !req.Operation.Valid() {
		return fmt.Errorf("unknown operation %q", req.Operation)
	}
	if err := naming.ValidateLogicalName(req.Table); err != nil {
		return err
	}
	if _, ok := b.grants.Snapshot().Match(req); !ok {
		b.deny(req)
		return fmt.Errorf("%w: %s", ErrCrossModuleAccessDenied, req)
	}
	return nil
}

func (b *Broker) permit(ctx context.Context, req Request, tc tenancy.Context) error {
	entry := AuditEntry{
		Source:     req.Source,
		Target:     req.Target,
		Table:      req.Table,
		Operation:  req.Operation,
		AgencyID:   tc.AgencyID,
		SiteID:     tc.SiteID,
		UserID:     tc.UserID,
		OccurredAt: b.now().UTC(),
	}
	if err := b.audit.Record(ctx, entry); err != nil {
		// permits are always audited
		return fmt.Errorf("failed to audit %s: %w", req, err)
	}
	b.metrics.ObservePermit(naming.ShortID(req.Source), string(req.Operation))
	b.logger.Infof("Cross-module access permitted: %s", req)
	return nil
}

func (b *Broker) deny(req Request) {
	b.metrics.ObserveDenial(naming.ShortID(req.Source), string(req.Operation))

	b.mu.Lock()
	b.denials[req.Source]++
	lim, ok := b.limiters[req.Source]
	if !ok {
		lim = rate.NewLimiter(b.opts.DenialLogRate, b.opts.DenialBurst)
		b.limiters[req.Source] = lim
	}
	b.mu.Unlock()

	if lim.Allow() {
		b.logger.Warnf("Cross-module access denied: %s", req)
		return
	}
	b.suppressed.Do(func() {
		b.logger.Warnf("Cross-module denials from %s are being suppressed", naming.ShortID(req.Source))
	})
}

// Denials returns the number of denials recorded for source.
func (b *Broker) Denials(source uuid.UUID) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.denials[source]
}

func (b *Broker) resolve(ctx context.Context, req Request) (naming.TableRef, error) {
	entry, err := b.registry.GetEntry(ctx, req.Target)
	if errors.Is(err, store.ErrNotFound) {
		return naming.TableRef{}, fmt.Errorf("%w: module %s", ErrUnknownTable, naming.ShortID(req.Target))
	}
	if err != nil {
		return naming.TableRef{}, err
	}
	if !entry.HasTable(req.Table) {
		return naming.TableRef{}, fmt.Errorf("%w: %s.%s", ErrUnknownTable, entry.ShortID, req.Table)
	}
	return entry.Namespace().Table(req.Table)
}

// admit matches the grant before the table is looked up, so a denied
// caller learns nothing about the target's tables. Only a request that
// resolves to a registered table is audited.
func (b *Broker) admit(ctx context.Context, req Request, tc tenancy.Context) (naming.TableRef, error) {
	if err := b.authorize(req); err != nil {
		return naming.TableRef{}, err
	}
	ref, err := b.resolve(ctx, req)
	if err != nil {
		return naming.TableRef{}, err
	}
	if err := b.permit(ctx, req, tc); err != nil {
		return naming.TableRef{}, err
	}
	return ref, nil
}

// Select reads target's table on behalf of source. The rows are filtered by
// the table's own tenant isolation for tc.
func (b *Broker) Select(ctx context.Context, source, target uuid.UUID, table string, tc tenancy.Context, where scoped.Where) ([]scoped.Row, error) {
	req := Request{Source: source, Target: target, Table: table, Operation: OpRead}
	ref, err := b.admit(ctx, req, tc)
	if err != nil {
		return nil, err
	}
	return b.data.Select(ctx, tc, ref, where)
}

// Insert writes a row into target's table on behalf of source.
func (b *Broker) Insert(ctx context.Context, source, target uuid.UUID, table string, tc tenancy.Context, values scoped.Row) (scoped.Row, error) {
	req := Request{Source: source, Target: target, Table: table, Operation: OpWrite}
	if err := tc.ValidateWrite(); err != nil {
		return nil, err
	}
	ref, err := b.admit(ctx, req, tc)
	if err != nil {
		return nil, err
	}
	return b.data.Insert(ctx, tc, ref, values)
}
