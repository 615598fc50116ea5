package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryTables(t *testing.T) {
	flat := &Entry{ShortID: "a1b2c3d4", TableNames: []string{"contacts", "deals"}}
	refs, err := flat.Tables()
	require.NoError(t, err)
	assert.Equal(t, "mod_a1b2c3d4_contacts", refs[0].Display())
	assert.Equal(t, "mod_a1b2c3d4_deals", refs[1].Display())

	isolated := &Entry{ShortID: "e5f6a7b8", UsesSchema: true, SchemaName: "mod_e5f6a7b8", TableNames: []string{"deals"}}
	refs, err = isolated.Tables()
	require.NoError(t, err)
	assert.Equal(t, "mod_e5f6a7b8.deals", refs[0].Display())

	bad := &Entry{ShortID: "nothex!!", TableNames: []string{"x"}}
	_, err = bad.Tables()
	assert.Error(t, err)
}

func TestEntryCloneIsDeep(t *testing.T) {
	e := &Entry{ShortID: "a1b2c3d4", TableNames: []string{"contacts"}}
	c := e.Clone()
	c.TableNames[0] = "changed"
	assert.Equal(t, "contacts", e.TableNames[0])
	assert.True(t, e.HasTable("contacts"))
	assert.False(t, e.HasTable("changed"))
}

func TestObjectRef(t *testing.T) {
	flat := Object{Kind: KindTable, Schema: "public", Name: "mod_a1b2c3d4_contacts"}
	ref := flat.Ref()
	assert.Equal(t, "a1b2c3d4", ref.ShortID)
	assert.Equal(t, "contacts", ref.Logical)

	nested := Object{Kind: KindTable, Schema: "mod_e5f6a7b8", Name: "deals"}
	ref = nested.Ref()
	assert.Equal(t, "e5f6a7b8", ref.ShortID)
	assert.Equal(t, "deals", ref.Logical)
	assert.Equal(t, "mod_e5f6a7b8.deals", nested.Display())

	schema := Object{Kind: KindSchema, Schema: "mod_e5f6a7b8", Name: "mod_e5f6a7b8"}
	id, ok := schema.ShortID()
	assert.True(t, ok)
	assert.Equal(t, "e5f6a7b8", id)
}

func TestObjectOwnedByItsModuleSchema(t *testing.T) {
	quoted := Object{Kind: KindTable, Schema: "mod_e5f6a7b8", Name: "Deals"}
	id, ok := quoted.ShortID()
	assert.True(t, ok)
	assert.Equal(t, "e5f6a7b8", id)
	assert.False(t, quoted.WellFormed())
	assert.Empty(t, quoted.Ref().Logical)

	digits := Object{Kind: KindTable, Schema: "public", Name: "mod_a1b2c3d4_9lives"}
	id, ok = digits.ShortID()
	assert.True(t, ok)
	assert.Equal(t, "a1b2c3d4", id)
	assert.False(t, digits.WellFormed())

	assert.True(t, Object{Kind: KindTable, Schema: "public", Name: "mod_a1b2c3d4_contacts"}.WellFormed())
	assert.True(t, Object{Kind: KindSchema, Schema: "mod_e5f6a7b8", Name: "mod_e5f6a7b8"}.WellFormed())
}

func TestObjectProtected(t *testing.T) {
	o := Object{Kind: KindTable, RLSEnabled: true, RLSForced: true, Policies: []string{"a", "b"}}
	assert.True(t, o.Protected([]string{"a", "b"}))
	assert.False(t, o.Protected([]string{"a", "c"}))

	o.RLSForced = false
	assert.False(t, o.Protected(nil))
}
