package scoped

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redbco/redb-modules/pkg/naming"
	"github.com/redbco/redb-modules/pkg/tenancy"
)

// setSessionSQL binds the tenant context to the current transaction. The
// third set_config argument makes each setting transaction-local.
const setSessionSQL = `SELECT
	set_config('` + tenancy.SettingSiteID + `', $1, true),
	set_config('` + tenancy.SettingAgencyID + `', $2, true),
	set_config('` + tenancy.SettingUserID + `', $3, true),
	set_config('` + tenancy.SettingRole + `', $4, true)`

const insufficientPrivilege = "42501"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Postgres is a Backend over a pgx pool. Row isolation is enforced by the
// table policies reading the settings bound in Begin.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres returns a Backend using pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// SessionArgs returns the set_config arguments for tc in statement order.
func SessionArgs(tc tenancy.Context) []any {
	s := tc.Settings()
	return []any{s[tenancy.SettingSiteID], s[tenancy.SettingAgencyID], s[tenancy.SettingUserID], s[tenancy.SettingRole]}
}

// Begin starts a transaction whose first statement sets the tenant settings.
func (p *Postgres) Begin(ctx context.Context, tc tenancy.Context) (Session, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, setSessionSQL, SessionArgs(tc)...); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("failed to bind tenant context: %w", err)
	}
	return &pgSession{tx: tx}, nil
}

type pgSession struct {
	tx pgx.Tx
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == insufficientPrivilege {
		return fmt.Errorf("%w: %s", ErrRowSecurity, pgErr.Message)
	}
	return err
}

func quoteEq(where Where) (sq.Eq, error) {
	eq := make(sq.Eq, len(where))
	for col, v := range where {
		q, err := naming.QuoteIdent(col)
		if err != nil {
			return nil, err
		}
		eq[q] = v
	}
	return eq, nil
}

// BuildInsert renders an INSERT for row with Dollar placeholders.
func BuildInsert(table naming.TableRef, row Row) (string, []any, error) {
	cols := row.Columns()
	quoted := make([]string, len(cols))
	values := make([]any, len(cols))
	for i, c := range cols {
		q, err := naming.QuoteIdent(c)
		if err != nil {
			return "", nil, err
		}
		quoted[i] = q
		values[i] = row[c]
	}
	return psql.Insert(table.Qualified()).Columns(quoted...).Values(values...).ToSql()
}

// BuildSelect renders a SELECT * filtered by where.
func BuildSelect(table naming.TableRef, where Where) (string, []any, error) {
	eq, err := quoteEq(where)
	if err != nil {
		return "", nil, err
	}
	return psql.Select("*").From(table.Qualified()).Where(eq).ToSql()
}

// BuildUpdate renders an UPDATE applying set to rows matching where.
func BuildUpdate(table naming.TableRef, where Where, set Row) (string, []any, error) {
	eq, err := quoteEq(where)
	if err != nil {
		return "", nil, err
	}
	b := psql.Update(table.Qualified())
	for _, c := range set.Columns() {
		q, err := naming.QuoteIdent(c)
		if err != nil {
			return "", nil, err
		}
		b = b.Set(q, set[c])
	}
	return b.Where(eq).ToSql()
}

// BuildDelete renders a DELETE of rows matching where.
func BuildDelete(table naming.TableRef, where Where) (string, []any, error) {
	eq, err := quoteEq(where)
	if err != nil {
		return "", nil, err
	}
	return psql.Delete(table.Qualified()).Where(eq).ToSql()
}

func (s *pgSession) Insert(ctx context.Context, table naming.TableRef, row Row) error {
	query, args, err := BuildInsert(table, row)
	if err != nil {
		return err
	}
	if _, err := s.tx.Exec(ctx, query, args...); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *pgSession) Select(ctx context.Context, table naming.TableRef, where Where) ([]Row, error) {
	query, args, err := BuildSelect(table, where)
	if err != nil {
		return nil, err
	}
	rows, err := s.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, mapError(err)
	}

	out := make([]Row, len(maps))
	for i, m := range maps {
		row := make(Row, len(m))
		for k, v := range m {
			// uuid columns scan as raw bytes
			if b, ok := v.([16]byte); ok {
				v = uuid.UUID(b)
			}
			row[k] = v
		}
		out[i] = row
	}
	return out, nil
}

func (s *pgSession) Update(ctx context.Context, table naming.TableRef, where Where, set Row) (int64, error) {
	query, args, err := BuildUpdate(table, where, set)
	if err != nil {
		return 0, err
	}
	tag, err := s.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

func (s *pgSession) Delete(ctx context.Context, table naming.TableRef, where Where) (int64, error) {
	query, args, err := BuildDelete(table, where)
	if err != nil {
		return 0, err
	}
	tag, err := s.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

func (s *pgSession) Commit(ctx context.Context) error {
	return s.tx.Commit(ctx)
}

func (s *pgSession) Rollback(ctx context.Context) error {
	return s.tx.Rollback(ctx)
}
