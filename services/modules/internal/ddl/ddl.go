// Package ddl models the statements the provisioner issues as typed values.
// Identifiers are quoted through naming.QuoteIdent when rendered, except
// catalog names being dropped, which pgx escapes. The memory store interprets
// the same values without parsing SQL.
package ddl

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/redbco/redb-modules/pkg/naming"
	"github.com/redbco/redb-modules/services/modules/internal/policy"
)

var ErrInvalidType = errors.New("invalid column type")

// Statement is one DDL operation.
type Statement interface {
	// SQL renders the statement for PostgreSQL.
	SQL() []string
	// Describe is a short label for logs and plans.
	Describe() string
}

// Column is a column definition. Default is a trusted SQL expression and is
// only ever set for standard columns.
type Column struct {
	Name       string
	Type       string
	NotNull    bool
	PrimaryKey bool
	Unique     bool
	Default    string
}

var typePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(text|integer|bigint|smallint|boolean|uuid|date|timestamptz|jsonb|numeric|double precision)$`),
	regexp.MustCompile(`^varchar\(([1-9][0-9]{0,4})\)$`),
	regexp.MustCompile(`^numeric\(([1-9][0-9]?),([0-9][0-9]?)\)$`),
}

// ValidateType checks t against the closed set of column types.
func ValidateType(t string) error {
	for _, p := range typePatterns {
		if p.MatchString(t) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidType, t)
}

func (c Column) definition() string {
	var b strings.Builder
	b.WriteString(naming.MustQuoteIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(c.Type)
	if c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	}
	if c.NotNull && !c.PrimaryKey {
		b.WriteString(" NOT NULL")
	}
	if c.Unique {
		b.WriteString(" UNIQUE")
	}
	if c.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(c.Default)
	}
	return b.String()
}

// StandardColumns are prepended to every module table.
func StandardColumns() []Column {
	return []Column{
		{Name: "id", Type: "uuid", PrimaryKey: true, Default: "gen_random_uuid()"},
		{Name: "site_id", Type: "uuid", NotNull: true},
		{Name: "agency_id", Type: "uuid", NotNull: true},
		{Name: "created_by", Type: "uuid"},
		{Name: "updated_by", Type: "uuid"},
		{Name: "created_at", Type: "timestamptz", NotNull: true, Default: "now()"},
		{Name: "updated_at", Type: "timestamptz", NotNull: true, Default: "now()"},
	}
}

// IsStandardColumn reports whether name is one of the stamped tenant columns.
func IsStandardColumn(name string) bool {
	for _, c := range StandardColumns() {
		if c.Name == name {
			return true
		}
	}
	return false
}

type CreateSchema struct {
	Name string
}

func (s CreateSchema) SQL() []string {
	return []string{fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", naming.MustQuoteIdent(s.Name))}
}

func (s CreateSchema) Describe() string { return "create schema " + s.Name }

type CreateTable struct {
	Table   naming.TableRef
	Columns []Column
}

func (s CreateTable) SQL() []string {
	defs := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		defs[i] = "  " + c.definition()
	}
	return []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", s.Table.Qualified(), strings.Join(defs, ",\n"))}
}

func (s CreateTable) Describe() string { return "create table " + s.Table.Display() }

type CreateIndex struct {
	Name    string
	Table   naming.TableRef
	Columns []string
	Unique  bool
}

func (s CreateIndex) SQL() []string {
	cols := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		cols[i] = naming.MustQuoteIdent(c)
	}
	unique := ""
	if s.Unique {
		unique = "UNIQUE "
	}
	// index names live in the table's schema
	return []string{fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
		unique, naming.MustQuoteIdent(s.Name), s.Table.Qualified(), strings.Join(cols, ", "))}
}

func (s CreateIndex) Describe() string { return "create index " + s.Name }

// EnableRLS turns on and forces row level security, so the table owner is
// subject to the policies too.
type EnableRLS struct {
	Table naming.TableRef
}

func (s EnableRLS) SQL() []string {
	t := s.Table.Qualified()
	return []string{
		fmt.Sprintf("ALTER TABLE %s ENABLE ROW LEVEL SECURITY", t),
		fmt.Sprintf("ALTER TABLE %s FORCE ROW LEVEL SECURITY", t),
	}
}

func (s EnableRLS) Describe() string { return "enable row level security on " + s.Table.Display() }

type CreatePolicy struct {
	Policy policy.Policy
}

func (s CreatePolicy) SQL() []string { return s.Policy.SQL() }

func (s CreatePolicy) Describe() string {
	return fmt.Sprintf("create %s policy %s", s.Policy.Variant, s.Policy.FullName())
}

// DropTable may name a table read back from the catalog, so its name is
// escaped rather than validated.
type DropTable struct {
	Table naming.TableRef
}

func (s DropTable) SQL() []string {
	return []string{fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", pgx.Identifier{s.Table.Schema, s.Table.Name}.Sanitize())}
}

func (s DropTable) Describe() string { return "drop table " + s.Table.Display() }

// DropSchema removes a module schema. With Restrict the drop fails while the
// schema still holds anything.
type DropSchema struct {
	Name     string
	Restrict bool
}

func (s DropSchema) SQL() []string {
	mode := "CASCADE"
	if s.Restrict {
		mode = "RESTRICT"
	}
	return []string{fmt.Sprintf("DROP SCHEMA IF EXISTS %s %s", naming.MustQuoteIdent(s.Name), mode)}
}

func (s DropSchema) Describe() string { return "drop schema " + s.Name }

// IndexSpec is a module-declared index.
type IndexSpec struct {
	Columns []string
	Unique  bool
}

// ForTable returns the full statement batch for one module table: table with
// standard columns, tenant indexes, declared indexes, RLS and the standard
// policy set.
func ForTable(table naming.TableRef, columns []Column, indexes []IndexSpec) []Statement {
	cols := append(StandardColumns(), columns...)
	stmts := []Statement{
		CreateTable{Table: table, Columns: cols},
		CreateIndex{Name: naming.RelationIndexName(table.Name, []string{"site_id"}, "idx"), Table: table, Columns: []string{"site_id"}},
		CreateIndex{Name: naming.RelationIndexName(table.Name, []string{"agency_id"}, "idx"), Table: table, Columns: []string{"agency_id"}},
	}
	for _, idx := range indexes {
		suffix := "idx"
		if idx.Unique {
			suffix = "key"
		}
		stmts = append(stmts, CreateIndex{
			Name:    naming.RelationIndexName(table.Name, idx.Columns, suffix),
			Table:   table,
			Columns: idx.Columns,
			Unique:  idx.Unique,
		})
	}
	stmts = append(stmts, EnableRLS{Table: table})
	for _, p := range policy.Generate(table) {
		stmts = append(stmts, CreatePolicy{Policy: p})
	}
	return stmts
}

// Render flattens statements into SQL strings.
func Render(stmts []Statement) []string {
	var out []string
	for _, s := range stmts {
		out = append(out, s.SQL()...)
	}
	return out
}
