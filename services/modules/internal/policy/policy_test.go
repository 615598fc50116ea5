package policy

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/redbco/redb-modules/pkg/naming"
	"github.com/redbco/redb-modules/pkg/tenancy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contactsTable(t *testing.T) naming.TableRef {
	t.Helper()
	ns, err := naming.NewNamespace("a1b2c3d4", false)
	require.NoError(t, err)
	ref, err := ns.Table("contacts")
	require.NoError(t, err)
	return ref
}

func TestGenerateStandardSet(t *testing.T) {
	table := contactsTable(t)
	set := Generate(table)

	require.Len(t, set, 5)
	for i, op := range Operations {
		assert.Equal(t, op, set[i].Operation)
	}
	assert.Equal(t, AdminBypass, set[4].Variant)
	for _, p := range set[:4] {
		assert.Equal(t, Standard, p.Variant)
	}
	assert.Equal(t, Generate(table), set, "generation is a pure function of the table")
	assert.Equal(t, []string{
		"mod_a1b2c3d4_contacts_select",
		"mod_a1b2c3d4_contacts_insert",
		"mod_a1b2c3d4_contacts_update",
		"mod_a1b2c3d4_contacts_delete",
		"mod_a1b2c3d4_contacts_admin_all",
	}, ExpectedNames(table))
}

func TestPolicySQL(t *testing.T) {
	set := Generate(contactsTable(t))

	insert := set[1].SQL()
	require.Len(t, insert, 2)
	assert.Equal(t, `DROP POLICY IF EXISTS "mod_a1b2c3d4_contacts_insert" ON "public"."mod_a1b2c3d4_contacts"`, insert[0])
	assert.Equal(t,
		`CREATE POLICY "mod_a1b2c3d4_contacts_insert" ON "public"."mod_a1b2c3d4_contacts" AS PERMISSIVE FOR INSERT`+
			` WITH CHECK ("site_id" = modules.current_site_id() AND "agency_id" = modules.current_agency_id())`,
		insert[1])

	update := set[2].SQL()[1]
	assert.Contains(t, update, `FOR UPDATE USING ("site_id" = modules.current_site_id()) WITH CHECK ("site_id" = modules.current_site_id())`)

	admin := set[4].SQL()[1]
	assert.Contains(t, admin, "FOR ALL USING (modules.is_agency_admin(\"agency_id\"))")
	assert.True(t, strings.HasSuffix(admin, `WITH CHECK (modules.is_agency_admin("agency_id"))`))
}

func TestEvaluation(t *testing.T) {
	set := Generate(contactsTable(t))
	agency, otherAgency := uuid.New(), uuid.New()
	siteA, siteB := uuid.New(), uuid.New()

	rowA := Row{"site_id": siteA, "agency_id": agency}
	rowB := Row{"site_id": siteB, "agency_id": agency}
	foreign := Row{"site_id": uuid.New(), "agency_id": otherAgency}

	member := tenancy.Context{AgencyID: agency, SiteID: siteA, UserID: uuid.New(), Role: tenancy.RoleMember}
	admin := tenancy.Context{AgencyID: agency, UserID: uuid.New(), Role: tenancy.RoleAgencyAdmin}
	noSite := member.WithoutSite()

	t.Run("member sees only its site", func(t *testing.T) {
		assert.True(t, Visible(set, OpSelect, rowA, member))
		assert.False(t, Visible(set, OpSelect, rowB, member))
		assert.False(t, Visible(set, OpSelect, foreign, member))
	})

	t.Run("member inserts only into its site and agency", func(t *testing.T) {
		assert.True(t, Admits(set, OpInsert, rowA, member))
		assert.False(t, Admits(set, OpInsert, rowB, member))
		assert.False(t, Admits(set, OpInsert, Row{"site_id": siteA, "agency_id": otherAgency}, member))
	})

	t.Run("missing site sees nothing", func(t *testing.T) {
		assert.False(t, Visible(set, OpSelect, rowA, noSite))
		assert.False(t, Admits(set, OpInsert, rowA, noSite))
	})

	t.Run("admin bypass spans the agency only", func(t *testing.T) {
		assert.True(t, Visible(set, OpSelect, rowA, admin))
		assert.True(t, Visible(set, OpDelete, rowB, admin))
		assert.True(t, Admits(set, OpUpdate, rowB, admin))
		assert.False(t, Visible(set, OpSelect, foreign, admin))
	})

	t.Run("string ids compare like uuids", func(t *testing.T) {
		row := Row{"site_id": siteA.String(), "agency_id": agency.String()}
		assert.True(t, Visible(set, OpSelect, row, member))
	})
}

func TestLongTableNamesStayWithinLimit(t *testing.T) {
	ns, err := naming.NewNamespace("a1b2c3d4", false)
	require.NoError(t, err)
	ref, err := ns.Table(strings.Repeat("x", 40))
	require.NoError(t, err)

	for _, name := range ExpectedNames(ref) {
		assert.LessOrEqual(t, len(name), naming.MaxIdentifierLength)
	}
	assert.Len(t, uniq(ExpectedNames(ref)), 5)
}

func uniq(names []string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}
