// Package postgres implements the registry and catalog store on PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redbco/redb-modules/pkg/database"
	"github.com/redbco/redb-modules/pkg/logger"
	"github.com/redbco/redb-modules/services/modules/internal/ddl"
	"github.com/redbco/redb-modules/services/modules/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const (
	uniqueViolation   = "23505"
	undefinedTable    = "42P01"
	invalidSchemaName = "3F000"
	dependentObjects  = "2BP01"
)

const entryColumns = `module_id, short_id, uses_schema, COALESCE(schema_name, ''), table_names, version, created_at, updated_at`

// Store is a store.Store on a pgx pool.
type Store struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// New creates a new PostgreSQL store
func New(db *database.PostgreSQL, logger *logger.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Migrate applies the registry schema and accessor functions.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Pool().Exec(ctx, schemaSQL); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			s.logger.Warnf("Registry schema partially exists, continuing: %v", err)
			return nil
		}
		return fmt.Errorf("failed to apply registry schema: %w", err)
	}
	s.logger.Info("Registry schema is up to date")
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanEntry(row pgx.Row) (*store.Entry, error) {
	var e store.Entry
	err := row.Scan(&e.ModuleID, &e.ShortID, &e.UsesSchema, &e.SchemaName, &e.TableNames, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan registry entry: %w", err)
	}
	if e.TableNames == nil {
		e.TableNames = []string{}
	}
	return &e, nil
}

func getByShortID(ctx context.Context, q queryer, shortID string) (*store.Entry, error) {
	return scanEntry(q.QueryRow(ctx, `SELECT `+entryColumns+` FROM modules.registry WHERE short_id = $1`, shortID))
}

func (s *Store) GetEntry(ctx context.Context, moduleID uuid.UUID) (*store.Entry, error) {
	return scanEntry(s.db.Pool().QueryRow(ctx, `SELECT `+entryColumns+` FROM modules.registry WHERE module_id = $1`, moduleID))
}

func (s *Store) GetEntryByShortID(ctx context.Context, shortID string) (*store.Entry, error) {
	return getByShortID(ctx, s.db.Pool(), shortID)
}

func (s *Store) ListEntries(ctx context.Context) ([]*store.Entry, error) {
	rows, err := s.db.Pool().Query(ctx, `SELECT `+entryColumns+` FROM modules.registry ORDER BY short_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list registry entries: %w", err)
	}
	defer rows.Close()

	var entries []*store.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const listSchemasSQL = `
SELECT nspname FROM pg_namespace
WHERE nspname LIKE 'mod\_%'
ORDER BY nspname`

const listTablesSQL = `
SELECT n.nspname, c.relname, c.relrowsecurity, c.relforcerowsecurity,
       COALESCE(array_agg(p.polname ORDER BY p.polname) FILTER (WHERE p.polname IS NOT NULL), '{}')
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
LEFT JOIN pg_policy p ON p.polrelid = c.oid
WHERE c.relkind IN ('r', 'p')
  AND ((n.nspname = 'public' AND c.relname LIKE 'mod\_%') OR n.nspname LIKE 'mod\_%')
GROUP BY n.nspname, c.relname, c.relrowsecurity, c.relforcerowsecurity`

func (s *Store) ListObjects(ctx context.Context) ([]store.Object, error) {
	var objs []store.Object

	rows, err := s.db.Pool().Query(ctx, listSchemasSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}
	schemas, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan schemas: %w", err)
	}
	for _, name := range schemas {
		objs = append(objs, store.Object{Kind: store.KindSchema, Schema: name, Name: name})
	}

	rows, err = s.db.Pool().Query(ctx, listTablesSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		o := store.Object{Kind: store.KindTable}
		if err := rows.Scan(&o.Schema, &o.Name, &o.RLSEnabled, &o.RLSForced, &o.Policies); err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		objs = append(objs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	store.SortObjects(objs)
	return objs, nil
}

func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	return pgx.BeginFunc(ctx, s.db.Pool(), func(t pgx.Tx) error {
		return fn(&tx{tx: t})
	})
}

type tx struct {
	tx pgx.Tx
}

// MapError translates PostgreSQL error codes to store errors.
func MapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case uniqueViolation:
		return fmt.Errorf("%w: %s", store.ErrDuplicateShortID, pgErr.ConstraintName)
	case undefinedTable, invalidSchemaName:
		return fmt.Errorf("%w: %s", store.ErrUndefinedRelation, pgErr.Message)
	case dependentObjects:
		return fmt.Errorf("%w: %s", store.ErrSchemaNotEmpty, pgErr.Message)
	}
	return err
}

func (t *tx) GetEntryByShortID(ctx context.Context, shortID string) (*store.Entry, error) {
	return getByShortID(ctx, t.tx, shortID)
}

func (t *tx) InsertEntry(ctx context.Context, e *store.Entry) error {
	var schemaName *string
	if e.SchemaName != "" {
		schemaName = &e.SchemaName
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO modules.registry (module_id, short_id, uses_schema, schema_name, table_names, version)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		e.ModuleID, e.ShortID, e.UsesSchema, schemaName, e.TableNames, e.Version,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return MapError(err)
	}
	return nil
}

func (t *tx) UpdateEntry(ctx context.Context, e *store.Entry) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE modules.registry
		SET table_names = $2, version = $3, updated_at = now()
		WHERE short_id = $1
		RETURNING updated_at`,
		e.ShortID, e.TableNames, e.Version,
	).Scan(&e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return MapError(err)
	}
	return nil
}

func (t *tx) DeleteEntry(ctx context.Context, shortID string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM modules.registry WHERE short_id = $1`, shortID)
	if err != nil {
		return MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) Apply(ctx context.Context, stmt ddl.Statement) error {
	for _, q := range stmt.SQL() {
		if _, err := t.tx.Exec(ctx, q); err != nil {
			return fmt.Errorf("%s: %w", stmt.Describe(), MapError(err))
		}
	}
	return nil
}
