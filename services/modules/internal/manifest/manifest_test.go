package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/redbco/redb-modules/pkg/naming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const crmYAML = `
module_id: 7d9f2c1e-4b7a-4f3e-9a51-2c8e6f0b1d42
name: crm
version: 1.2.0
tier: isolated
tables:
  - name: contacts
    columns:
      - name: email
        type: varchar(320)
        required: true
      - name: score
        type: numeric(5,2)
    indexes:
      - columns: [email]
        unique: true
  - name: deals
    columns:
      - name: title
        type: TEXT
`

func TestParseYAML(t *testing.T) {
	m, err := Parse([]byte(crmYAML))
	require.NoError(t, err)

	assert.Equal(t, TierIsolated, m.Tier)
	assert.True(t, m.Tier.UsesSchema())
	assert.Equal(t, []string{"contacts", "deals"}, m.TableNames())
	assert.Equal(t, naming.ShortID(m.ModuleID), m.ShortID())

	deals, ok := m.Table("deals")
	require.True(t, ok)
	assert.Equal(t, "text", deals.Columns[0].Type)

	contacts, _ := m.Table("contacts")
	cols := contacts.DDLColumns()
	assert.True(t, cols[0].NotNull)
	assert.Equal(t, "numeric(5,2)", cols[1].Type)
	assert.True(t, contacts.DDLIndexes()[0].Unique)
}

func TestParseJSON(t *testing.T) {
	m, err := Parse([]byte(`{
		"module_id": "7d9f2c1e-4b7a-4f3e-9a51-2c8e6f0b1d42",
		"tables": [{"name": "bookings", "columns": [{"name": "room", "type": "integer"}]}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, TierStandard, m.Tier)
	assert.False(t, m.Tier.UsesSchema())

	_, err = Parse([]byte(`{"module_id": "7d9f2c1e-4b7a-4f3e-9a51-2c8e6f0b1d42", "bogus": 1}`))
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestValidation(t *testing.T) {
	const id = "module_id: 7d9f2c1e-4b7a-4f3e-9a51-2c8e6f0b1d42\n"
	cases := map[string]string{
		"missing module id":    "tables: []\n",
		"unknown tier":         id + "tier: gold\n",
		"bad table name":       id + "tables:\n  - name: Contacts\n",
		"injection in name":    id + "tables:\n  - name: \"x; drop table y\"\n",
		"duplicate table":      id + "tables:\n  - name: a\n  - name: a\n",
		"standard column":      id + "tables:\n  - name: a\n    columns:\n      - {name: site_id, type: uuid}\n",
		"duplicate column":     id + "tables:\n  - name: a\n    columns:\n      - {name: b, type: text}\n      - {name: b, type: text}\n",
		"unknown type":         id + "tables:\n  - name: a\n    columns:\n      - {name: b, type: money}\n",
		"index on unknown col": id + "tables:\n  - name: a\n    indexes:\n      - columns: [nope]\n",
		"empty index":          id + "tables:\n  - name: a\n    indexes:\n      - columns: []\n",
		"unknown field":        id + "tablez: []\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			assert.ErrorIs(t, err, ErrInvalidManifest)
		})
	}

	t.Run("index on a standard column is allowed", func(t *testing.T) {
		_, err := Parse([]byte(id + "tables:\n  - name: a\n    indexes:\n      - columns: [created_at]\n"))
		assert.NoError(t, err)
	})
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(crmYAML), 0o600))
	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "crm", m.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
