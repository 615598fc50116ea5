// Package reconcile compares the registry with the live catalog: per-module
// health, orphan detection and the audited cleanup of orphans.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redbco/redb-modules/pkg/logger"
	"github.com/redbco/redb-modules/pkg/naming"
	"github.com/redbco/redb-modules/services/modules/internal/ddl"
	"github.com/redbco/redb-modules/services/modules/internal/lock"
	"github.com/redbco/redb-modules/services/modules/internal/metrics"
	"github.com/redbco/redb-modules/services/modules/internal/policy"
	"github.com/redbco/redb-modules/services/modules/internal/store"
	"golang.org/x/sync/errgroup"
)

type HealthStatus string

const (
	NotRegistered      HealthStatus = "not_registered"
	RegisteredNoTables HealthStatus = "registered_no_tables"
	Healthy            HealthStatus = "healthy"
	// Mismatch means registry and catalog disagree. It is informational and
	// never blocks other operations.
	Mismatch HealthStatus = "mismatch"
)

// Status is the health report of one module.
type Status struct {
	ModuleID uuid.UUID    `json:"module_id"`
	ShortID  string       `json:"short_id"`
	Status   HealthStatus `json:"status"`
	Expected []string     `json:"expected,omitempty"`
	Missing  []string     `json:"missing,omitempty"`
	Extra    []string     `json:"extra,omitempty"`
	// Unprotected lists tables lacking forced row security or any of their
	// standard policies.
	Unprotected []string `json:"unprotected,omitempty"`
}

type OrphanKind string

const (
	OrphanSchema        OrphanKind = "schema"
	OrphanTable         OrphanKind = "table"
	OrphanRegistryEntry OrphanKind = "registry_entry"
)

// OrphanRecord is one discrepancy between registry and catalog.
type OrphanRecord struct {
	ShortID    string     `json:"short_id"`
	Kind       OrphanKind `json:"kind"`
	ObjectName string     `json:"object_name"`
	Issue      string     `json:"issue"`
}

const (
	ActionDropTable           = "drop_table"
	ActionDropSchema          = "drop_schema"
	ActionDeleteRegistryEntry = "delete_registry_entry"
)

// CleanupAction is one step of an orphan cleanup.
type CleanupAction struct {
	Action     string `json:"action"`
	ObjectName string `json:"object_name"`
	Executed   bool   `json:"executed"`
	Error      string `json:"error,omitempty"`
}

type Options struct {
	// CleanupTimeout bounds an executed cleanup, lock wait included.
	CleanupTimeout time.Duration
	Metrics        *metrics.Metrics
}

type Reconciler struct {
	store   store.Store
	locker  lock.Locker
	logger  *logger.Logger
	metrics *metrics.Metrics
	opts    Options
}

func New(st store.Store, locker lock.Locker, logger *logger.Logger, opts Options) *Reconciler {
	return &Reconciler{store: st, locker: locker, logger: logger, metrics: opts.Metrics, opts: opts}
}

type snapshot struct {
	entries map[string]*store.Entry
	objects []store.Object
}

// load reads registry and catalog concurrently.
func (r *Reconciler) load(ctx context.Context) (*snapshot, error) {
	var entries []*store.Entry
	var objects []store.Object

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		entries, err = r.store.ListEntries(gctx)
		if err != nil {
			return fmt.Errorf("failed to list registry: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		objects, err = r.store.ListObjects(gctx)
		if err != nil {
			return fmt.Errorf("failed to list catalog: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := &snapshot{entries: make(map[string]*store.Entry, len(entries)), objects: objects}
	for _, e := range entries {
		snap.entries[e.ShortID] = e
	}
	return snap, nil
}

// objectsOf returns the catalog objects owned by shortID.
func (s *snapshot) objectsOf(shortID string) []store.Object {
	var out []store.Object
	for _, o := range s.objects {
		if id, ok := o.ShortID(); ok && id == shortID {
			out = append(out, o)
		}
	}
	return out
}

// Status compares the module's registry entry with the catalog.
func (r *Reconciler) Status(ctx context.Context, moduleID uuid.UUID) (*Status, error) {
	st := &Status{ModuleID: moduleID, ShortID: naming.ShortID(moduleID)}

	entry, err := r.store.GetEntry(ctx, moduleID)
	if errors.Is(err, store.ErrNotFound) {
		st.Status = NotRegistered
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	st.ShortID = entry.ShortID

	objects, err := r.store.ListObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}
	snap := &snapshot{objects: objects}

	refs, err := entry.Tables()
	if err != nil {
		return nil, err
	}
	actual := make(map[string]store.Object)
	for _, o := range snap.objectsOf(entry.ShortID) {
		if o.Kind == store.KindTable {
			actual[o.Display()] = o
		}
	}

	expected := make(map[string]bool, len(refs))
	for _, ref := range refs {
		name := ref.Display()
		expected[name] = true
		st.Expected = append(st.Expected, name)
		obj, ok := actual[name]
		if !ok {
			st.Missing = append(st.Missing, name)
			continue
		}
		if !obj.Protected(policy.ExpectedNames(ref)) {
			st.Unprotected = append(st.Unprotected, name)
		}
	}
	for name := range actual {
		if !expected[name] {
			st.Extra = append(st.Extra, name)
		}
	}
	sort.Strings(st.Extra)

	switch {
	case len(actual) == 0:
		st.Status = RegisteredNoTables
	case len(st.Missing) == 0 && len(st.Extra) == 0 && len(st.Unprotected) == 0:
		st.Status = Healthy
	default:
		st.Status = Mismatch
	}
	return st, nil
}

// FindOrphans reports module-named catalog objects with no registry owner,
// tables their owner no longer registers, and registry entries with no
// physical objects left.
func (r *Reconciler) FindOrphans(ctx context.Context) ([]OrphanRecord, error) {
	snap, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	orphans := findOrphans(snap)
	r.metrics.SetOrphans(len(orphans))
	return orphans, nil
}

func findOrphans(snap *snapshot) []OrphanRecord {
	var out []OrphanRecord
	owned := make(map[string]bool)

	for _, o := range snap.objects {
		shortID, ok := o.ShortID()
		if !ok {
			continue
		}
		entry, registered := snap.entries[shortID]

		switch o.Kind {
		case store.KindSchema:
			switch {
			case !registered:
				out = append(out, OrphanRecord{ShortID: shortID, Kind: OrphanSchema, ObjectName: o.Display(),
					Issue: "schema has no registry entry"})
			case !entry.UsesSchema:
				out = append(out, OrphanRecord{ShortID: shortID, Kind: OrphanSchema, ObjectName: o.Display(),
					Issue: "schema exists but module " + shortID + " is table-isolated"})
			default:
				owned[shortID] = true
			}
		case store.KindTable:
			ref := o.Ref()
			switch {
			case !registered:
				out = append(out, OrphanRecord{ShortID: shortID, Kind: OrphanTable, ObjectName: o.Display(),
					Issue: "table has no registry entry"})
			case !o.WellFormed():
				out = append(out, OrphanRecord{ShortID: shortID, Kind: OrphanTable, ObjectName: o.Display(),
					Issue: "table name is not a valid module table name"})
			case entry.UsesSchema != (o.Schema != naming.SharedSchema):
				out = append(out, OrphanRecord{ShortID: shortID, Kind: OrphanTable, ObjectName: o.Display(),
					Issue: "table does not match the isolation mode of module " + shortID})
			case !entry.HasTable(ref.Logical):
				out = append(out, OrphanRecord{ShortID: shortID, Kind: OrphanTable, ObjectName: o.Display(),
					Issue: "table is not in the registry entry of module " + shortID})
			default:
				owned[shortID] = true
			}
		}
	}

	for shortID, e := range snap.entries {
		if owned[shortID] || len(e.TableNames) == 0 {
			continue
		}
		out = append(out, OrphanRecord{ShortID: shortID, Kind: OrphanRegistryEntry, ObjectName: shortID,
			Issue: "registry entry has no registered physical objects"})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ShortID != out[j].ShortID {
			return out[i].ShortID < out[j].ShortID
		}
		if out[i].Kind != out[j].Kind {
			return kindOrder(out[i].Kind) < kindOrder(out[j].Kind)
		}
		return out[i].ObjectName < out[j].ObjectName
	})
	return out
}

// tables drop before their schema, registry entries go last.
func kindOrder(k OrphanKind) int {
	switch k {
	case OrphanTable:
		return 0
	case OrphanSchema:
		return 1
	default:
		return 2
	}
}

type plannedAction struct {
	CleanupAction
	stmt    ddl.Statement
	shortID string
}

func planCleanup(orphans []OrphanRecord, objects []store.Object) []plannedAction {
	byName := make(map[string]store.Object, len(objects))
	for _, o := range objects {
		byName[o.Display()] = o
	}

	var actions []plannedAction
	for _, o := range orphans {
		switch o.Kind {
		case OrphanTable:
			obj := byName[o.ObjectName]
			actions = append(actions, plannedAction{
				CleanupAction: CleanupAction{Action: ActionDropTable, ObjectName: o.ObjectName},
				stmt:          ddl.DropTable{Table: obj.Ref()},
			})
		case OrphanSchema:
			// the schema's reported tables drop first; anything left fails the drop
			actions = append(actions, plannedAction{
				CleanupAction: CleanupAction{Action: ActionDropSchema, ObjectName: o.ObjectName},
				stmt:          ddl.DropSchema{Name: o.ObjectName, Restrict: true},
			})
		case OrphanRegistryEntry:
			actions = append(actions, plannedAction{
				CleanupAction: CleanupAction{Action: ActionDeleteRegistryEntry, ObjectName: o.ObjectName},
				shortID:       o.ShortID,
			})
		}
	}
	return actions
}

// CleanupOrphans returns the actions that remove the orphans of shortID.
// With dryRun the catalog and registry are not touched. Otherwise the
// module lock is held while every action runs, and each action reports
// whether it was executed.
func (r *Reconciler) CleanupOrphans(ctx context.Context, shortID string, dryRun bool) ([]CleanupAction, error) {
	if err := naming.ValidateShortID(shortID); err != nil {
		return nil, err
	}

	if !dryRun {
		if r.opts.CleanupTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.opts.CleanupTimeout)
			defer cancel()
		}
		release, err := r.locker.Lock(ctx, shortID)
		if err != nil {
			return nil, fmt.Errorf("failed to lock module %s: %w", shortID, err)
		}
		defer release()
	}

	snap, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	var mine []OrphanRecord
	for _, o := range findOrphans(snap) {
		if o.ShortID == shortID {
			mine = append(mine, o)
		}
	}

	planned := planCleanup(mine, snap.objects)
	actions := make([]CleanupAction, len(planned))
	for i, p := range planned {
		actions[i] = p.CleanupAction
		if dryRun {
			r.metrics.ObserveCleanup(p.Action, false)
			continue
		}

		err := r.store.WithTx(ctx, func(tx store.Tx) error {
			if p.stmt != nil {
				return tx.Apply(ctx, p.stmt)
			}
			return tx.DeleteEntry(ctx, p.shortID)
		})
		if err != nil {
			actions[i].Error = err.Error()
			r.logger.Errorf("Cleanup %s %s failed: %v", p.Action, p.ObjectName, err)
		} else {
			actions[i].Executed = true
			r.logger.Infof("Cleanup executed %s %s", p.Action, p.ObjectName)
		}
		r.metrics.ObserveCleanup(p.Action, actions[i].Executed)
	}
	return actions, nil
}
