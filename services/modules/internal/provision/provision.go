// Package provision turns module manifests into physical schemas, tables,
// indexes and row policies, and records them in the registry. Provisioning a
// module is one transaction: either every object and the registry entry
// exist afterwards, or none of them do.
package provision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redbco/redb-modules/pkg/logger"
	"github.com/redbco/redb-modules/pkg/naming"
	"github.com/redbco/redb-modules/pkg/reserved"
	"github.com/redbco/redb-modules/services/modules/internal/ddl"
	"github.com/redbco/redb-modules/services/modules/internal/lock"
	"github.com/redbco/redb-modules/services/modules/internal/manifest"
	"github.com/redbco/redb-modules/services/modules/internal/metrics"
	"github.com/redbco/redb-modules/services/modules/internal/policy"
	"github.com/redbco/redb-modules/services/modules/internal/store"
)

var (
	ErrNameCollision = errors.New("short id already claimed by another module")
	ErrNotRegistered = errors.New("module not registered")
	ErrTierChange    = errors.New("isolation tier cannot change after provisioning")
)

// Result is the structured outcome of Provision and Drop.
type Result struct {
	Success        bool     `json:"success"`
	ShortID        string   `json:"short_id,omitempty"`
	CreatedTables  []string `json:"created_tables,omitempty"`
	RemovedTables  []string `json:"removed_tables,omitempty"`
	RepairedTables []string `json:"repaired_tables,omitempty"`
	Error          string   `json:"error,omitempty"`
}

func failed(shortID string, err error) *Result {
	return &Result{Success: false, ShortID: shortID, Error: err.Error()}
}

type Options struct {
	// DDLTimeout bounds one provisioning or drop call, lock wait included.
	DDLTimeout time.Duration
	Metrics    *metrics.Metrics
}

type Provisioner struct {
	store  store.Store
	guard  *reserved.Guard
	locker lock.Locker
	logger *logger.Logger
	opts   Options
}

func New(st store.Store, guard *reserved.Guard, locker lock.Locker, logger *logger.Logger, opts Options) *Provisioner {
	return &Provisioner{store: st, guard: guard, locker: locker, logger: logger, opts: opts}
}

// Plan is the change provisioning a manifest makes against the current
// registry entry.
type Plan struct {
	ShortID       string          `json:"short_id"`
	Existing      bool            `json:"existing"`
	Entry         *store.Entry    `json:"entry"`
	NewTables     []string        `json:"new_tables,omitempty"`
	RemovedTables []string        `json:"removed_tables,omitempty"`
	Statements    []ddl.Statement `json:"-"`
}

// Noop reports whether the registry and catalog are already up to date.
func (p *Plan) Noop() bool {
	return p.Existing && len(p.NewTables) == 0 && len(p.RemovedTables) == 0
}

// SQL renders the plan's statements.
func (p *Plan) SQL() []string {
	return ddl.Render(p.Statements)
}

// check validates m and the reserved set and returns the short id.
func (p *Provisioner) check(m *manifest.Manifest) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	if err := p.guard.CheckAll(m.TableNames()); err != nil {
		return "", err
	}
	shortID := m.ShortID()
	if err := naming.ValidateShortID(shortID); err != nil {
		return "", err
	}
	return shortID, nil
}

// buildPlan computes the plan for m against current, which is nil when the
// short id is unregistered.
func buildPlan(m *manifest.Manifest, shortID string, current *store.Entry) (*Plan, error) {
	if current != nil {
		if current.ModuleID != m.ModuleID {
			return nil, fmt.Errorf("%w: %s belongs to module %s", ErrNameCollision, shortID, current.ModuleID)
		}
		if current.UsesSchema != m.Tier.UsesSchema() {
			return nil, fmt.Errorf("%w: module %s", ErrTierChange, m.ModuleID)
		}
	}

	ns, err := naming.NewNamespace(shortID, m.Tier.UsesSchema())
	if err != nil {
		return nil, err
	}

	plan := &Plan{ShortID: shortID, Existing: current != nil}
	if current == nil {
		plan.Entry = &store.Entry{
			ModuleID:   m.ModuleID,
			ShortID:    shortID,
			UsesSchema: ns.UsesSchema,
			Version:    1,
		}
		if ns.UsesSchema {
			plan.Entry.SchemaName = ns.Schema()
		}
	} else {
		plan.Entry = current.Clone()
		plan.Entry.Version++
	}
	plan.Entry.TableNames = m.TableNames()

	declared := make(map[string]bool, len(m.Tables))
	for _, t := range m.Tables {
		declared[t.Name] = true
		if current == nil || !current.HasTable(t.Name) {
			plan.NewTables = append(plan.NewTables, t.Name)
		}
	}
	if current != nil {
		for _, name := range current.TableNames {
			if !declared[name] {
				plan.RemovedTables = append(plan.RemovedTables, name)
			}
		}
		sort.Strings(plan.RemovedTables)
	}

	if ns.UsesSchema && (current == nil || len(plan.NewTables) > 0) {
		plan.Statements = append(plan.Statements, ddl.CreateSchema{Name: ns.Schema()})
	}
	for _, name := range plan.NewTables {
		t, _ := m.Table(name)
		ref, err := ns.Table(name)
		if err != nil {
			return nil, err
		}
		plan.Statements = append(plan.Statements, ddl.ForTable(ref, t.DDLColumns(), t.DDLIndexes())...)
	}
	return plan, nil
}

func (p *Provisioner) currentEntry(ctx context.Context, shortID string) (*store.Entry, error) {
	e, err := p.store.GetEntryByShortID(ctx, shortID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// Plan returns what Provision would do for m without changing anything.
func (p *Provisioner) Plan(ctx context.Context, m *manifest.Manifest) (*Plan, error) {
	shortID, err := p.check(m)
	if err != nil {
		return nil, err
	}
	current, err := p.currentEntry(ctx, shortID)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	return buildPlan(m, shortID, current)
}

func (p *Provisioner) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opts.DDLTimeout > 0 {
		return context.WithTimeout(ctx, p.opts.DDLTimeout)
	}
	return context.WithCancel(ctx)
}

// Provision creates or extends the module's namespace to match m. Repeating
// it with an unchanged manifest is a no-op. Tables dropped from the manifest
// leave the registry but keep their data.
func (p *Provisioner) Provision(ctx context.Context, m *manifest.Manifest) (*Result, error) {
	start := time.Now()
	res, err := p.provision(ctx, m)
	p.opts.Metrics.ObserveProvision(start, err)
	if err != nil {
		shortID := ""
		if m != nil && naming.IsValidShortID(m.ShortID()) {
			shortID = m.ShortID()
		}
		p.logger.Errorf("Failed to provision module %s: %v", shortID, err)
		return failed(shortID, err), err
	}
	return res, nil
}

func (p *Provisioner) provision(ctx context.Context, m *manifest.Manifest) (*Result, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil manifest", manifest.ErrInvalidManifest)
	}
	shortID, err := p.check(m)
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	release, err := p.locker.Lock(ctx, shortID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock module %s: %w", shortID, err)
	}
	defer release()

	// A concurrent installer that wins the registry insert makes ours fail
	// with a duplicate; the second pass then sees its entry.
	for attempt := 0; ; attempt++ {
		current, err := p.currentEntry(ctx, shortID)
		if err != nil {
			return nil, fmt.Errorf("failed to read registry: %w", err)
		}
		plan, err := buildPlan(m, shortID, current)
		if err != nil {
			return nil, err
		}
		if plan.Noop() {
			return p.repair(ctx, m, current)
		}

		err = p.apply(ctx, plan)
		if errors.Is(err, store.ErrDuplicateShortID) && attempt == 0 {
			p.logger.Infof("Module %s was registered concurrently, re-reading registry", shortID)
			continue
		}
		if err != nil {
			return nil, err
		}

		res := &Result{Success: true, ShortID: shortID}
		ns := plan.Entry.Namespace()
		for _, name := range plan.NewTables {
			ref, _ := ns.Table(name)
			res.CreatedTables = append(res.CreatedTables, ref.Display())
		}
		for _, name := range plan.RemovedTables {
			ref, _ := ns.Table(name)
			res.RemovedTables = append(res.RemovedTables, ref.Display())
		}

		p.logger.Infof("Provisioned module %s (version %d): %d tables created", shortID, plan.Entry.Version, len(res.CreatedTables))
		if len(plan.RemovedTables) > 0 {
			p.logger.Warnf("Module %s no longer declares %v; their data is retained as orphans", shortID, plan.RemovedTables)
		}
		return res, nil
	}
}

// repair re-issues the idempotent statements of registered tables that are
// missing from the catalog or lack their policies. The registry is untouched.
func (p *Provisioner) repair(ctx context.Context, m *manifest.Manifest, current *store.Entry) (*Result, error) {
	res := &Result{Success: true, ShortID: current.ShortID}

	objs, err := p.store.ListObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	byName := make(map[string]store.Object, len(objs))
	for _, o := range objs {
		byName[o.Display()] = o
	}

	ns := current.Namespace()
	var stmts []ddl.Statement
	for _, t := range m.Tables {
		ref, err := ns.Table(t.Name)
		if err != nil {
			return nil, err
		}
		obj, ok := byName[ref.Display()]
		if ok && obj.Protected(policy.ExpectedNames(ref)) {
			continue
		}
		if ns.UsesSchema && len(stmts) == 0 {
			stmts = append(stmts, ddl.CreateSchema{Name: ns.Schema()})
		}
		stmts = append(stmts, ddl.ForTable(ref, t.DDLColumns(), t.DDLIndexes())...)
		res.RepairedTables = append(res.RepairedTables, ref.Display())
	}

	if len(stmts) == 0 {
		p.logger.Debugf("Module %s is already provisioned", current.ShortID)
		return res, nil
	}

	err = p.store.WithTx(ctx, func(tx store.Tx) error {
		for _, stmt := range stmts {
			if err := tx.Apply(ctx, stmt); err != nil {
				return fmt.Errorf("failed to %s: %w", stmt.Describe(), err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Warnf("Repaired module %s: %v", current.ShortID, res.RepairedTables)
	return res, nil
}

// apply registers the entry first so a concurrent installer of the same
// module fails before issuing any DDL.
func (p *Provisioner) apply(ctx context.Context, plan *Plan) error {
	return p.store.WithTx(ctx, func(tx store.Tx) error {
		if plan.Existing {
			if err := tx.UpdateEntry(ctx, plan.Entry); err != nil {
				return fmt.Errorf("failed to update registry entry: %w", err)
			}
		} else {
			if err := tx.InsertEntry(ctx, plan.Entry); err != nil {
				return fmt.Errorf("failed to insert registry entry: %w", err)
			}
		}
		for _, stmt := range plan.Statements {
			if err := tx.Apply(ctx, stmt); err != nil {
				return fmt.Errorf("failed to %s: %w", stmt.Describe(), err)
			}
		}
		return nil
	})
}

// Drop removes the module's physical objects and then its registry entry.
// A failure between the two leaves an entry with no tables, which the
// reconciler reports and cleans up.
func (p *Provisioner) Drop(ctx context.Context, shortID string) (*Result, error) {
	res, err := p.drop(ctx, shortID)
	p.opts.Metrics.ObserveDrop(err)
	if err != nil {
		p.logger.Errorf("Failed to drop module %s: %v", shortID, err)
		return failed(shortID, err), err
	}
	return res, nil
}

func (p *Provisioner) drop(ctx context.Context, shortID string) (*Result, error) {
	if err := naming.ValidateShortID(shortID); err != nil {
		return nil, err
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	release, err := p.locker.Lock(ctx, shortID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock module %s: %w", shortID, err)
	}
	defer release()

	entry, err := p.store.GetEntryByShortID(ctx, shortID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, shortID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	refs, err := entry.Tables()
	if err != nil {
		return nil, err
	}
	var stmts []ddl.Statement
	if entry.UsesSchema {
		stmts = append(stmts, ddl.DropSchema{Name: entry.Namespace().Schema()})
	} else {
		for _, ref := range refs {
			stmts = append(stmts, ddl.DropTable{Table: ref})
		}
	}

	err = p.store.WithTx(ctx, func(tx store.Tx) error {
		for _, stmt := range stmts {
			if err := tx.Apply(ctx, stmt); err != nil {
				return fmt.Errorf("failed to %s: %w", stmt.Describe(), err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.DeleteEntry(ctx, shortID)
	})
	if err != nil {
		return nil, fmt.Errorf("dropped objects of %s but failed to delete registry entry: %w", shortID, err)
	}

	res := &Result{Success: true, ShortID: shortID}
	for _, ref := range refs {
		res.RemovedTables = append(res.RemovedTables, ref.Display())
	}
	p.logger.Infof("Dropped module %s: %d tables removed", shortID, len(refs))
	return res, nil
}
