package naming

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortIDIsDeterministic(t *testing.T) {
	for i := 0; i < 200; i++ {
		id := uuid.New()
		first := ShortID(id)
		second := ShortID(id)

		assert.Equal(t, first, second)
		assert.Len(t, first, ShortIDLength)
		assert.True(t, IsValidShortID(first), "derived short id %q must validate", first)
	}
}

func TestShortIDFromStringNormalizesCase(t *testing.T) {
	id := uuid.MustParse("5f0c8f8e-3c4b-4e5c-9d7e-2f1a0b9c8d7e")

	upper, err := ShortIDFromString(strings.ToUpper(id.String()))
	require.NoError(t, err)
	braced, err := ShortIDFromString("{" + id.String() + "}")
	require.NoError(t, err)

	assert.Equal(t, ShortID(id), upper)
	assert.Equal(t, ShortID(id), braced)

	_, err = ShortIDFromString("not-a-uuid")
	assert.True(t, errors.Is(err, ErrInvalidModuleID))
	_, err = ShortIDFromString(uuid.Nil.String())
	assert.True(t, errors.Is(err, ErrInvalidModuleID))
}

func TestShortIDsDoNotCollideInPopulation(t *testing.T) {
	seen := make(map[string]uuid.UUID)
	for i := 0; i < 2000; i++ {
		id := uuid.New()
		sid := ShortID(id)
		if prev, ok := seen[sid]; ok {
			t.Fatalf("short id %s shared by %s and %s", sid, prev, id)
		}
		seen[sid] = id
	}
}

func TestIsValidShortID(t *testing.T) {
	valid := []string{"a1b2c3d4", "00000000", "ffffffff", "0123abcd"}
	for _, s := range valid {
		assert.True(t, IsValidShortID(s), s)
	}

	invalid := []string{"", "a1b2c3d", "a1b2c3d4e", "A1B2C3D4", "g1b2c3d4", "a1b2c3d4\n",
		"a1b2;--x", " a1b2c3d", "a1b2c3d4 ", "a1b2\"c3d"}
	for _, s := range invalid {
		assert.False(t, IsValidShortID(s), "%q", s)
		assert.True(t, errors.Is(ValidateShortID(s), ErrInvalidShortID))
	}

	rng := rand.New(rand.NewSource(42))
	const alphabet = "0123456789abcdefABCDEFxyz_.; "
	for i := 0; i < 2000; i++ {
		n := rng.Intn(12)
		b := make([]byte, n)
		hexOnly := true
		for j := range b {
			b[j] = alphabet[rng.Intn(len(alphabet))]
			if !strings.ContainsRune("0123456789abcdef", rune(b[j])) {
				hexOnly = false
			}
		}
		want := n == 8 && hexOnly
		assert.Equal(t, want, IsValidShortID(string(b)), "%q", string(b))
	}
}

func TestExtractShortID(t *testing.T) {
	sid, ok := ExtractShortID("mod_a1b2c3d4_contacts")
	require.True(t, ok)
	assert.Equal(t, "a1b2c3d4", sid)

	sid, ok = ExtractShortID("mod_e5f6a7b8.deals")
	require.True(t, ok)
	assert.Equal(t, "e5f6a7b8", sid)

	for _, name := range []string{"regular_table", "mod_a1b2c3d4", "mod_A1B2C3D4_x", "mod_a1b2c3_deals", "xmod_a1b2c3d4_x"} {
		_, ok := ExtractShortID(name)
		assert.False(t, ok, name)
	}

	sid, ok = ExtractSchemaShortID("mod_e5f6a7b8")
	require.True(t, ok)
	assert.Equal(t, "e5f6a7b8", sid)

	logical, ok := LogicalFromPrefixed("mod_a1b2c3d4_deal_stages")
	require.True(t, ok)
	assert.Equal(t, "deal_stages", logical)
}

func TestNameBuilders(t *testing.T) {
	name, err := TableName("a1b2c3d4", "contacts")
	require.NoError(t, err)
	assert.Equal(t, "mod_a1b2c3d4_contacts", name)

	name, err = SchemaTableName("e5f6a7b8", "deals")
	require.NoError(t, err)
	assert.Equal(t, "mod_e5f6a7b8.deals", name)

	schema, err := SchemaName("e5f6a7b8")
	require.NoError(t, err)
	assert.Equal(t, "mod_e5f6a7b8", schema)

	_, err = TableName("bad", "contacts")
	assert.True(t, errors.Is(err, ErrInvalidShortID))
	_, err = TableName("a1b2c3d4", `contacts"; DROP TABLE users; --`)
	assert.True(t, errors.Is(err, ErrInvalidIdentifier))
	_, err = SchemaName("a1b2c3d4; drop")
	assert.True(t, errors.Is(err, ErrInvalidShortID))
}

func TestNamespaceTable(t *testing.T) {
	flat, err := NewNamespace("a1b2c3d4", false)
	require.NoError(t, err)
	ref, err := flat.Table("contacts")
	require.NoError(t, err)
	assert.Equal(t, "public", ref.Schema)
	assert.Equal(t, "mod_a1b2c3d4_contacts", ref.Name)
	assert.Equal(t, `"public"."mod_a1b2c3d4_contacts"`, ref.Qualified())
	assert.Equal(t, "mod_a1b2c3d4_contacts", ref.Display())

	isolated, err := NewNamespace("e5f6a7b8", true)
	require.NoError(t, err)
	ref, err = isolated.Table("deals")
	require.NoError(t, err)
	assert.Equal(t, `"mod_e5f6a7b8"."deals"`, ref.Qualified())
	assert.Equal(t, "mod_e5f6a7b8.deals", ref.Display())

	_, err = NewNamespace("zzzzzzzz", true)
	assert.Error(t, err)
}

func TestQuoteIdent(t *testing.T) {
	q, err := QuoteIdent("mod_a1b2c3d4_contacts")
	require.NoError(t, err)
	assert.Equal(t, `"mod_a1b2c3d4_contacts"`, q)

	for _, bad := range []string{"", "Users", `a"b`, "a b", "1abc", strings.Repeat("a", 64)} {
		_, err := QuoteIdent(bad)
		assert.True(t, errors.Is(err, ErrInvalidIdentifier), bad)
	}
}

func TestRelationIndexNameIsUnambiguous(t *testing.T) {
	a := RelationIndexName("mod_a1b2c3d4_order", []string{"item_sku"}, "key")
	b := RelationIndexName("mod_a1b2c3d4_order_item", []string{"sku"}, "key")
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, RelationIndexName("deals", []string{"a", "b"}, "idx"), RelationIndexName("deals", []string{"a_b"}, "idx"))
	assert.Equal(t, a, RelationIndexName("mod_a1b2c3d4_order", []string{"item_sku"}, "key"))
	assert.True(t, strings.HasPrefix(a, "mod_a1b2c3d4_order_item_sku_key_"))

	long := RelationIndexName("mod_a1b2c3d4_"+strings.Repeat("x", 40), []string{"agency_id", "created_at"}, "idx")
	assert.Len(t, long, MaxIdentifierLength)
	_, err := QuoteIdent(long)
	assert.NoError(t, err)
}

func TestOwnerShortID(t *testing.T) {
	id, ok := OwnerShortID("mod_e5f6a7b8", "Deals")
	assert.True(t, ok)
	assert.Equal(t, "e5f6a7b8", id)

	id, ok = OwnerShortID("public", "mod_a1b2c3d4_9lives")
	assert.True(t, ok)
	assert.Equal(t, "a1b2c3d4", id)

	_, ok = OwnerShortID("public", "mod_zz")
	assert.False(t, ok)
	_, ok = OwnerShortID("mod_notashortid", "deals")
	assert.False(t, ok)
}

func TestIndexNameFitsIdentifierLimit(t *testing.T) {
	assert.Equal(t, "mod_a1b2c3d4_contacts_site_id_idx", IndexName("mod_a1b2c3d4_contacts", "site_id", "idx"))

	long := IndexName("mod_a1b2c3d4_"+strings.Repeat("x", 40), "agency_id", "created_at", "idx")
	assert.LessOrEqual(t, len(long), MaxIdentifierLength)
	assert.Equal(t, long, IndexName("mod_a1b2c3d4_"+strings.Repeat("x", 40), "agency_id", "created_at", "idx"))
	_, err := QuoteIdent(long)
	assert.NoError(t, err)
}
