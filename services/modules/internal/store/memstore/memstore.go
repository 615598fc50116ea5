// Package memstore is an in-memory transactional implementation of the
// registry, catalog and row storage. It interprets DDL statements and
// enforces the generated row policies the same way PostgreSQL would, so the
// full provisioning and isolation behaviour can run without a database.
package memstore

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redbco/redb-modules/pkg/naming"
	"github.com/redbco/redb-modules/pkg/scoped"
	"github.com/redbco/redb-modules/pkg/tenancy"
	"github.com/redbco/redb-modules/services/modules/internal/ddl"
	"github.com/redbco/redb-modules/services/modules/internal/policy"
	"github.com/redbco/redb-modules/services/modules/internal/store"
)

type table struct {
	ref      naming.TableRef
	columns  []ddl.Column
	indexes  map[string]ddl.CreateIndex
	rls      bool
	forced   bool
	policies map[string]policy.Policy
	rows     []policy.Row
}

func (t *table) clone() *table {
	c := *t
	c.columns = append([]ddl.Column(nil), t.columns...)
	c.indexes = make(map[string]ddl.CreateIndex, len(t.indexes))
	for k, v := range t.indexes {
		c.indexes[k] = v
	}
	c.policies = make(map[string]policy.Policy, len(t.policies))
	for k, v := range t.policies {
		c.policies[k] = v
	}
	c.rows = make([]policy.Row, len(t.rows))
	for i, r := range t.rows {
		row := make(policy.Row, len(r))
		for k, v := range r {
			row[k] = v
		}
		c.rows[i] = row
	}
	return &c
}

func (t *table) hasColumn(name string) bool {
	for _, c := range t.columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

func (t *table) policySet() []policy.Policy {
	names := make([]string, 0, len(t.policies))
	for n := range t.policies {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]policy.Policy, len(names))
	for i, n := range names {
		out[i] = t.policies[n]
	}
	return out
}

type state struct {
	entries map[string]*store.Entry
	schemas map[string]bool
	tables  map[string]*table
}

func newState() *state {
	return &state{
		entries: map[string]*store.Entry{},
		schemas: map[string]bool{naming.SharedSchema: true},
		tables:  map[string]*table{},
	}
}

func (s *state) clone() *state {
	c := &state{
		entries: make(map[string]*store.Entry, len(s.entries)),
		schemas: make(map[string]bool, len(s.schemas)),
		tables:  make(map[string]*table, len(s.tables)),
	}
	for k, v := range s.entries {
		c.entries[k] = v.Clone()
	}
	for k, v := range s.schemas {
		c.schemas[k] = v
	}
	for k, v := range s.tables {
		c.tables[k] = v.clone()
	}
	return c
}

func tableKey(schema, name string) string {
	return schema + "." + name
}

// Store is safe for concurrent use. Transactions are serialized.
type Store struct {
	mu    sync.Mutex
	state *state
	hook  func(ddl.Statement) error
	now   func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{state: newState(), now: func() time.Time { return time.Now().UTC() }}
}

// SetApplyHook installs fn to run before every applied statement; a non-nil
// error fails the statement. Used to simulate store failures.
func (s *Store) SetApplyHook(fn func(ddl.Statement) error) {
	s.mu.Lock()
	s.hook = fn
	s.mu.Unlock()
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) GetEntry(ctx context.Context, moduleID uuid.UUID) (*store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.state.entries {
		if e.ModuleID == moduleID {
			return e.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetEntryByShortID(ctx context.Context, shortID string) (*store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.entryByShortID(shortID)
}

func (st *state) entryByShortID(shortID string) (*store.Entry, error) {
	e, ok := st.entries[shortID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *Store) ListEntries(ctx context.Context) ([]*store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.Entry, 0, len(s.state.entries))
	for _, e := range s.state.entries {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShortID < out[j].ShortID })
	return out, nil
}

func (s *Store) ListObjects(ctx context.Context) ([]store.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var objs []store.Object
	for name := range s.state.schemas {
		if strings.HasPrefix(name, naming.Prefix) {
			objs = append(objs, store.Object{Kind: store.KindSchema, Schema: name, Name: name})
		}
	}
	for _, t := range s.state.tables {
		inShared := t.ref.Schema == naming.SharedSchema && strings.HasPrefix(t.ref.Name, naming.Prefix)
		inModule := strings.HasPrefix(t.ref.Schema, naming.Prefix)
		if !inShared && !inModule {
			continue
		}
		policies := make([]string, 0, len(t.policies))
		for n := range t.policies {
			policies = append(policies, n)
		}
		sort.Strings(policies)
		objs = append(objs, store.Object{
			Kind:       store.KindTable,
			Schema:     t.ref.Schema,
			Name:       t.ref.Name,
			RLSEnabled: t.rls,
			RLSForced:  t.forced,
			Policies:   policies,
		})
	}
	store.SortObjects(objs)
	return objs, nil
}

// WithTx runs fn against a copy of the state and publishes it on success.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(&tx{st: work, hook: s.hook, now: s.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

type tx struct {
	st   *state
	hook func(ddl.Statement) error
	now  func() time.Time
}

func (t *tx) GetEntryByShortID(ctx context.Context, shortID string) (*store.Entry, error) {
	return t.st.entryByShortID(shortID)
}

func (t *tx) InsertEntry(ctx context.Context, e *store.Entry) error {
	if _, ok := t.st.entries[e.ShortID]; ok {
		return fmt.Errorf("%w: %s", store.ErrDuplicateShortID, e.ShortID)
	}
	for _, other := range t.st.entries {
		if other.ModuleID == e.ModuleID {
			return fmt.Errorf("%w: module %s", store.ErrDuplicateShortID, e.ModuleID)
		}
	}
	c := e.Clone()
	now := t.now()
	c.CreatedAt, c.UpdatedAt = now, now
	t.st.entries[e.ShortID] = c
	e.CreatedAt, e.UpdatedAt = now, now
	return nil
}

func (t *tx) UpdateEntry(ctx context.Context, e *store.Entry) error {
	cur, ok := t.st.entries[e.ShortID]
	if !ok {
		return store.ErrNotFound
	}
	c := e.Clone()
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = t.now()
	t.st.entries[e.ShortID] = c
	e.UpdatedAt = c.UpdatedAt
	return nil
}

func (t *tx) DeleteEntry(ctx context.Context, shortID string) error {
	if _, ok := t.st.entries[shortID]; !ok {
		return store.ErrNotFound
	}
	delete(t.st.entries, shortID)
	return nil
}

func (t *tx) Apply(ctx context.Context, stmt ddl.Statement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.hook != nil {
		if err := t.hook(stmt); err != nil {
			return err
		}
	}
	return t.st.apply(stmt)
}

func (st *state) lookup(ref naming.TableRef) (*table, error) {
	tbl, ok := st.tables[tableKey(ref.Schema, ref.Name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrUndefinedRelation, ref.Display())
	}
	return tbl, nil
}

func (st *state) apply(stmt ddl.Statement) error {
	switch s := stmt.(type) {
	case ddl.CreateSchema:
		st.schemas[s.Name] = true
	case ddl.CreateTable:
		if !st.schemas[s.Table.Schema] {
			return fmt.Errorf("%w: schema %s", store.ErrUndefinedRelation, s.Table.Schema)
		}
		key := tableKey(s.Table.Schema, s.Table.Name)
		if _, ok := st.tables[key]; ok {
			return nil
		}
		st.tables[key] = &table{
			ref:      s.Table,
			columns:  append([]ddl.Column(nil), s.Columns...),
			indexes:  map[string]ddl.CreateIndex{},
			policies: map[string]policy.Policy{},
		}
	case ddl.CreateIndex:
		tbl, err := st.lookup(s.Table)
		if err != nil {
			return err
		}
		if _, ok := tbl.indexes[s.Name]; !ok {
			tbl.indexes[s.Name] = s
		}
	case ddl.EnableRLS:
		tbl, err := st.lookup(s.Table)
		if err != nil {
			return err
		}
		tbl.rls, tbl.forced = true, true
	case ddl.CreatePolicy:
		tbl, err := st.lookup(s.Policy.Table)
		if err != nil {
			return err
		}
		tbl.policies[s.Policy.FullName()] = s.Policy
	case ddl.DropTable:
		delete(st.tables, tableKey(s.Table.Schema, s.Table.Name))
	case ddl.DropSchema:
		if s.Name == naming.SharedSchema {
			return fmt.Errorf("refusing to drop shared schema %s", s.Name)
		}
		if s.Restrict {
			for _, tbl := range st.tables {
				if tbl.ref.Schema == s.Name {
					return fmt.Errorf("%w: %s still holds %s", store.ErrSchemaNotEmpty, s.Name, tbl.ref.Name)
				}
			}
		}
		delete(st.schemas, s.Name)
		for key, tbl := range st.tables {
			if tbl.ref.Schema == s.Name {
				delete(st.tables, key)
			}
		}
	default:
		return fmt.Errorf("unsupported statement %T", stmt)
	}
	return nil
}

// Begin opens a row session bound to tc. The store stays locked until the
// session commits or rolls back.
func (s *Store) Begin(ctx context.Context, tc tenancy.Context) (scoped.Session, error) {
	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return &session{store: s, st: s.state.clone(), tc: tc}, nil
}

type session struct {
	store *Store
	st    *state
	tc    tenancy.Context
	done  bool
}

func (x *session) finish(publish bool) error {
	if x.done {
		return fmt.Errorf("session already closed")
	}
	x.done = true
	if publish {
		x.store.state = x.st
	}
	x.store.mu.Unlock()
	return nil
}

func (x *session) Commit(ctx context.Context) error   { return x.finish(true) }
func (x *session) Rollback(ctx context.Context) error { return x.finish(false) }

func normalize(v any) any {
	switch t := v.(type) {
	case uuid.UUID:
		return t.String()
	case *uuid.UUID:
		if t == nil {
			return nil
		}
		return t.String()
	}
	return v
}

func matches(row policy.Row, where scoped.Where) bool {
	for col, want := range where {
		if !reflect.DeepEqual(normalize(row[col]), normalize(want)) {
			return false
		}
	}
	return true
}

func (x *session) table(ref naming.TableRef) (*table, error) {
	return x.st.lookup(ref)
}

func (x *session) visible(tbl *table, op policy.Operation, row policy.Row) bool {
	if !tbl.rls {
		return true
	}
	return policy.Visible(tbl.policySet(), op, row, x.tc)
}

func (x *session) admits(tbl *table, op policy.Operation, row policy.Row) bool {
	if !tbl.rls {
		return true
	}
	return policy.Admits(tbl.policySet(), op, row, x.tc)
}

func (x *session) Insert(ctx context.Context, ref naming.TableRef, row scoped.Row) error {
	tbl, err := x.table(ref)
	if err != nil {
		return err
	}
	stored := make(policy.Row, len(tbl.columns))
	for col, v := range row {
		if !tbl.hasColumn(col) {
			return fmt.Errorf("column %q of relation %s does not exist", col, ref.Display())
		}
		stored[col] = v
	}
	if !x.admits(tbl, policy.OpInsert, stored) {
		return fmt.Errorf("%w: %s", scoped.ErrRowSecurity, ref.Display())
	}
	tbl.rows = append(tbl.rows, stored)
	return nil
}

func (x *session) Select(ctx context.Context, ref naming.TableRef, where scoped.Where) ([]scoped.Row, error) {
	tbl, err := x.table(ref)
	if err != nil {
		return nil, err
	}
	var out []scoped.Row
	for _, r := range tbl.rows {
		if !x.visible(tbl, policy.OpSelect, r) || !matches(r, where) {
			continue
		}
		row := make(scoped.Row, len(r))
		for k, v := range r {
			row[k] = v
		}
		out = append(out, row)
	}
	return out, nil
}

func (x *session) Update(ctx context.Context, ref naming.TableRef, where scoped.Where, set scoped.Row) (int64, error) {
	tbl, err := x.table(ref)
	if err != nil {
		return 0, err
	}
	for col := range set {
		if !tbl.hasColumn(col) {
			return 0, fmt.Errorf("column %q of relation %s does not exist", col, ref.Display())
		}
	}
	var n int64
	for i, r := range tbl.rows {
		if !x.visible(tbl, policy.OpUpdate, r) || !matches(r, where) {
			continue
		}
		next := make(policy.Row, len(r))
		for k, v := range r {
			next[k] = v
		}
		for k, v := range set {
			next[k] = v
		}
		if !x.admits(tbl, policy.OpUpdate, next) {
			return 0, fmt.Errorf("%w: %s", scoped.ErrRowSecurity, ref.Display())
		}
		tbl.rows[i] = next
		n++
	}
	return n, nil
}

func (x *session) Delete(ctx context.Context, ref naming.TableRef, where scoped.Where) (int64, error) {
	tbl, err := x.table(ref)
	if err != nil {
		return 0, err
	}
	kept := tbl.rows[:0]
	var n int64
	for _, r := range tbl.rows {
		if x.visible(tbl, policy.OpDelete, r) && matches(r, where) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	tbl.rows = kept
	return n, nil
}

// RowCount returns the number of rows in a table regardless of policies.
func (s *Store) RowCount(ref naming.TableRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, ok := s.state.tables[tableKey(ref.Schema, ref.Name)]
	if !ok {
		return 0
	}
	return len(tbl.rows)
}
