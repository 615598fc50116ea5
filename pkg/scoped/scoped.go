// Package scoped is the tenant-scoped data access layer module code uses to
// read and write its own tables. Every call carries an explicit
// tenancy.Context: writes are stamped with its site and agency, reads and
// mutations are restricted to its site, and the backend binds the context to
// the transaction so the store-level policies see the same identity.
package scoped

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redbco/redb-modules/pkg/naming"
	"github.com/redbco/redb-modules/pkg/tenancy"
)

var (
	ErrProtectedColumn = errors.New("column is managed by the data layer")
	ErrRowSecurity     = errors.New("row violates row-level security policy")
)

// Row is one table row keyed by column name.
type Row map[string]any

// Where is a conjunction of column equalities; a nil value matches NULL.
type Where map[string]any

// Columns returns the row's column names in sorted order.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func (w Where) clone() Where {
	out := make(Where, len(w)+1)
	for k, v := range w {
		out[k] = v
	}
	return out
}

// protected columns are stamped here and never accepted from callers.
var protected = map[string]bool{
	"id":         true,
	"site_id":    true,
	"agency_id":  true,
	"created_by": true,
	"updated_by": true,
	"created_at": true,
	"updated_at": true,
}

// Backend opens transactions bound to one tenant context.
type Backend interface {
	Begin(ctx context.Context, tc tenancy.Context) (Session, error)
}

// Session is one backend transaction. The tenant context given to Begin is
// in effect for every statement until Commit or Rollback.
type Session interface {
	Insert(ctx context.Context, table naming.TableRef, row Row) error
	Select(ctx context.Context, table naming.TableRef, where Where) ([]Row, error)
	Update(ctx context.Context, table naming.TableRef, where Where, set Row) (int64, error)
	Delete(ctx context.Context, table naming.TableRef, where Where) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store runs tenant-scoped statements against a backend.
type Store struct {
	backend Backend
	now     func() time.Time
}

// New returns a Store over backend.
func New(backend Backend) *Store {
	return &Store{backend: backend, now: func() time.Time { return time.Now().UTC() }}
}

// Tx runs fn in one transaction bound to tc. The context must carry at least
// an agency; writes inside additionally require a site.
func (s *Store) Tx(ctx context.Context, tc tenancy.Context, fn func(*Tx) error) (err error) {
	if err := tc.ValidateRead(); err != nil {
		return err
	}

	sess, err := s.backend.Begin(ctx, tc)
	if err != nil {
		return fmt.Errorf("failed to begin scoped transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sess.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = sess.Rollback(ctx)
		}
	}()

	if err = fn(&Tx{tc: tc, sess: sess, now: s.now}); err != nil {
		return err
	}
	if err = sess.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit scoped transaction: %w", err)
	}
	return nil
}

// Insert inserts one row in its own transaction.
func (s *Store) Insert(ctx context.Context, tc tenancy.Context, table naming.TableRef, values Row) (Row, error) {
	if err := tc.ValidateWrite(); err != nil {
		return nil, err
	}
	var out Row
	err := s.Tx(ctx, tc, func(tx *Tx) error {
		var err error
		out, err = tx.Insert(ctx, table, values)
		return err
	})
	return out, err
}

// Select reads matching rows in its own transaction.
func (s *Store) Select(ctx context.Context, tc tenancy.Context, table naming.TableRef, where Where) ([]Row, error) {
	var rows []Row
	err := s.Tx(ctx, tc, func(tx *Tx) error {
		var err error
		rows, err = tx.Select(ctx, table, where)
		return err
	})
	return rows, err
}

// Update updates matching rows in its own transaction.
func (s *Store) Update(ctx context.Context, tc tenancy.Context, table naming.TableRef, where Where, set Row) (int64, error) {
	if err := tc.ValidateWrite(); err != nil {
		return 0, err
	}
	var n int64
	err := s.Tx(ctx, tc, func(tx *Tx) error {
		var err error
		n, err = tx.Update(ctx, table, where, set)
		return err
	})
	return n, err
}

// Delete deletes matching rows in its own transaction.
func (s *Store) Delete(ctx context.Context, tc tenancy.Context, table naming.TableRef, where Where) (int64, error) {
	if err := tc.ValidateWrite(); err != nil {
		return 0, err
	}
	var n int64
	err := s.Tx(ctx, tc, func(tx *Tx) error {
		var err error
		n, err = tx.Delete(ctx, table, where)
		return err
	})
	return n, err
}

// Tx is a transaction bound to one tenant context.
type Tx struct {
	tc   tenancy.Context
	sess Session
	now  func() time.Time
}

// Context returns the tenant context the transaction is bound to.
func (t *Tx) Context() tenancy.Context {
	return t.tc
}

func checkColumns(cols Row) error {
	for c := range cols {
		if protected[c] {
			return fmt.Errorf("%w: %s", ErrProtectedColumn, c)
		}
		if _, err := naming.QuoteIdent(c); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) actor() any {
	if t.tc.UserID == uuid.Nil {
		return nil
	}
	return t.tc.UserID
}

// siteWhere pins where to the caller's site. Agency administrators without a
// site are pinned to their agency instead.
func (t *Tx) siteWhere(where Where) (Where, error) {
	for c := range where {
		if _, err := naming.QuoteIdent(c); err != nil {
			return nil, err
		}
	}
	w := where.clone()
	switch {
	case t.tc.HasSite():
		w["site_id"] = t.tc.SiteID
	case t.tc.IsAgencyAdmin():
		w["agency_id"] = t.tc.AgencyID
	default:
		return nil, fmt.Errorf("%w: site_id is required", tenancy.ErrMissingTenantContext)
	}
	return w, nil
}

// Insert stamps values with the tenant columns and inserts it. The returned
// row includes the stamped columns.
func (t *Tx) Insert(ctx context.Context, table naming.TableRef, values Row) (Row, error) {
	if err := t.tc.ValidateWrite(); err != nil {
		return nil, err
	}
	if err := checkColumns(values); err != nil {
		return nil, err
	}

	now := t.now()
	row := make(Row, len(values)+len(protected))
	for k, v := range values {
		row[k] = v
	}
	row["id"] = uuid.New()
	row["site_id"] = t.tc.SiteID
	row["agency_id"] = t.tc.AgencyID
	row["created_by"] = t.actor()
	row["updated_by"] = t.actor()
	row["created_at"] = now
	row["updated_at"] = now

	if err := t.sess.Insert(ctx, table, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Select returns the rows matching where within the caller's site.
func (t *Tx) Select(ctx context.Context, table naming.TableRef, where Where) ([]Row, error) {
	w, err := t.siteWhere(where)
	if err != nil {
		return nil, err
	}
	return t.sess.Select(ctx, table, w)
}

// Update applies set to the rows matching where within the caller's site.
func (t *Tx) Update(ctx context.Context, table naming.TableRef, where Where, set Row) (int64, error) {
	if err := t.tc.ValidateWrite(); err != nil {
		return 0, err
	}
	if len(set) == 0 {
		return 0, nil
	}
	if err := checkColumns(set); err != nil {
		return 0, err
	}
	w, err := t.siteWhere(where)
	if err != nil {
		return 0, err
	}

	values := make(Row, len(set)+2)
	for k, v := range set {
		values[k] = v
	}
	values["updated_by"] = t.actor()
	values["updated_at"] = t.now()
	return t.sess.Update(ctx, table, w, values)
}

// Delete removes the rows matching where within the caller's site.
func (t *Tx) Delete(ctx context.Context, table naming.TableRef, where Where) (int64, error) {
	if err := t.tc.ValidateWrite(); err != nil {
		return 0, err
	}
	w, err := t.siteWhere(where)
	if err != nil {
		return 0, err
	}
	return t.sess.Delete(ctx, table, w)
}
