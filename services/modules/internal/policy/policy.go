// Package policy generates the row isolation rules every module table gets.
// Rules are data, rendered to CREATE POLICY statements for PostgreSQL and
// evaluated in-process by the memory store, so both paths share one source.
package policy

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redbco/redb-modules/pkg/naming"
	"github.com/redbco/redb-modules/pkg/tenancy"
)

// AccessorSchema holds the session accessor functions policies call.
const AccessorSchema = "modules"

// Operation is the command a policy applies to.
type Operation string

const (
	OpSelect   Operation = "select"
	OpInsert   Operation = "insert"
	OpUpdate   Operation = "update"
	OpDelete   Operation = "delete"
	OpAdminAll Operation = "admin_all"
)

// Operations lists the standard set in generation order.
var Operations = []Operation{OpSelect, OpInsert, OpUpdate, OpDelete, OpAdminAll}

// Variant tags how a policy grants access.
type Variant string

const (
	// Standard policies compare row columns with the caller's site or agency.
	Standard Variant = "standard"
	// AdminBypass policies admit agency administrators across all sites of
	// the row's agency.
	AdminBypass Variant = "admin_bypass"
)

// Accessor names a session accessor function.
type Accessor string

const (
	CurrentSiteID   Accessor = "current_site_id"
	CurrentAgencyID Accessor = "current_agency_id"
)

// Test is the comparison a condition performs.
type Test int

const (
	// Equals holds when column = accessor().
	Equals Test = iota
	// AgencyAdmin holds when the caller administers the agency in column.
	AgencyAdmin
)

// Condition is one conjunct of a predicate.
type Condition struct {
	Column   string
	Test     Test
	Accessor Accessor
}

// Predicate is a conjunction; an empty predicate is absent, not true.
type Predicate []Condition

// Policy is one rule for one (table, operation).
type Policy struct {
	Table     naming.TableRef
	Name      string
	Operation Operation
	Variant   Variant
	Using     Predicate
	Check     Predicate
}

func siteIs() Condition   { return Condition{Column: "site_id", Test: Equals, Accessor: CurrentSiteID} }
func agencyIs() Condition { return Condition{Column: "agency_id", Test: Equals, Accessor: CurrentAgencyID} }
func adminOf() Condition  { return Condition{Column: "agency_id", Test: AgencyAdmin} }

// Generate returns the standard five policies for table. The set depends
// only on the table reference.
func Generate(table naming.TableRef) []Policy {
	return []Policy{
		{Table: table, Operation: OpSelect, Variant: Standard, Using: Predicate{siteIs()}},
		{Table: table, Operation: OpInsert, Variant: Standard, Check: Predicate{siteIs(), agencyIs()}},
		{Table: table, Operation: OpUpdate, Variant: Standard, Using: Predicate{siteIs()}, Check: Predicate{siteIs()}},
		{Table: table, Operation: OpDelete, Variant: Standard, Using: Predicate{siteIs()}},
		{Table: table, Operation: OpAdminAll, Variant: AdminBypass, Using: Predicate{adminOf()}, Check: Predicate{adminOf()}},
	}
}

// PolicyName returns the policy name for table and operation.
func PolicyName(table naming.TableRef, op Operation) string {
	return naming.IndexName(table.Name, string(op))
}

// ExpectedNames returns the policy names a healthy table carries.
func ExpectedNames(table naming.TableRef) []string {
	names := make([]string, 0, len(Operations))
	for _, op := range Operations {
		names = append(names, PolicyName(table, op))
	}
	return names
}

// FullName returns the policy's name, deriving it when unset.
func (p Policy) FullName() string {
	if p.Name != "" {
		return p.Name
	}
	return PolicyName(p.Table, p.Operation)
}

// command maps an operation to the SQL command keyword.
func (p Policy) command() string {
	if p.Operation == OpAdminAll {
		return "ALL"
	}
	return strings.ToUpper(string(p.Operation))
}

// Covers reports whether the policy applies to command op.
func (p Policy) Covers(op Operation) bool {
	return p.Operation == op || p.Operation == OpAdminAll
}

func (c Condition) sql() string {
	col := naming.MustQuoteIdent(c.Column)
	switch c.Test {
	case AgencyAdmin:
		return fmt.Sprintf("%s.is_agency_admin(%s)", AccessorSchema, col)
	default:
		return fmt.Sprintf("%s = %s.%s()", col, AccessorSchema, c.Accessor)
	}
}

func (pr Predicate) sql() string {
	parts := make([]string, len(pr))
	for i, c := range pr {
		parts[i] = c.sql()
	}
	return strings.Join(parts, " AND ")
}

// SQL renders idempotent statements that (re)create the policy.
func (p Policy) SQL() []string {
	name := naming.MustQuoteIdent(p.FullName())
	table := p.Table.Qualified()

	create := fmt.Sprintf("CREATE POLICY %s ON %s AS PERMISSIVE FOR %s", name, table, p.command())
	if len(p.Using) > 0 {
		create += fmt.Sprintf(" USING (%s)", p.Using.sql())
	}
	if len(p.Check) > 0 {
		create += fmt.Sprintf(" WITH CHECK (%s)", p.Check.sql())
	}

	return []string{
		fmt.Sprintf("DROP POLICY IF EXISTS %s ON %s", name, table),
		create,
	}
}

// Row is the tenant-relevant view of a table row.
type Row map[string]any

func rowUUID(row Row, column string) uuid.UUID {
	switch v := row[column].(type) {
	case uuid.UUID:
		return v
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return uuid.Nil
		}
		return id
	}
	return uuid.Nil
}

func accessorValue(a Accessor, tc tenancy.Context) uuid.UUID {
	switch a {
	case CurrentSiteID:
		return tc.SiteID
	case CurrentAgencyID:
		return tc.AgencyID
	}
	return uuid.Nil
}

func (c Condition) eval(row Row, tc tenancy.Context) bool {
	val := rowUUID(row, c.Column)
	if val == uuid.Nil {
		return false
	}
	switch c.Test {
	case AgencyAdmin:
		return tc.IsAgencyAdmin() && val == tc.AgencyID
	default:
		// NULL = x is never true
		want := accessorValue(c.Accessor, tc)
		return want != uuid.Nil && val == want
	}
}

func (pr Predicate) eval(row Row, tc tenancy.Context) bool {
	if len(pr) == 0 {
		return false
	}
	for _, c := range pr {
		if !c.eval(row, tc) {
			return false
		}
	}
	return true
}

// usingFor and checkFor mirror PostgreSQL: a FOR ALL policy without WITH
// CHECK reuses its USING expression for new rows.
func (p Policy) usingFor() Predicate { return p.Using }

func (p Policy) checkFor() Predicate {
	if len(p.Check) == 0 && p.Operation == OpAdminAll {
		return p.Using
	}
	return p.Check
}

// Visible reports whether any policy lets tc see row through command op
// (select, update or delete).
func Visible(policies []Policy, op Operation, row Row, tc tenancy.Context) bool {
	for _, p := range policies {
		if p.Covers(op) && p.usingFor().eval(row, tc) {
			return true
		}
	}
	return false
}

// Admits reports whether any policy accepts row as new data for command op
// (insert or update).
func Admits(policies []Policy, op Operation, row Row, tc tenancy.Context) bool {
	for _, p := range policies {
		if p.Covers(op) && p.checkFor().eval(row, tc) {
			return true
		}
	}
	return false
}
