// Package manifest decodes and validates module manifests: the declarative
// description of the tables a module needs.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/redbco/redb-modules/pkg/naming"
	"github.com/redbco/redb-modules/services/modules/internal/ddl"
	"gopkg.in/yaml.v3"
)

var ErrInvalidManifest = errors.New("invalid manifest")

// Tier selects the isolation mode.
type Tier string

const (
	// TierStandard modules get prefixed tables in the shared schema.
	TierStandard Tier = "standard"
	// TierIsolated modules get their own schema.
	TierIsolated Tier = "isolated"
)

// UsesSchema reports whether the tier is schema-isolated.
func (t Tier) UsesSchema() bool {
	return t == TierIsolated
}

type Manifest struct {
	ModuleID uuid.UUID `yaml:"module_id" json:"module_id"`
	Name     string    `yaml:"name,omitempty" json:"name,omitempty"`
	Version  string    `yaml:"version,omitempty" json:"version,omitempty"`
	Tier     Tier      `yaml:"tier" json:"tier"`
	Tables   []Table   `yaml:"tables" json:"tables"`
}

type Table struct {
	Name    string   `yaml:"name" json:"name"`
	Columns []Column `yaml:"columns" json:"columns"`
	Indexes []Index  `yaml:"indexes,omitempty" json:"indexes,omitempty"`
}

type Column struct {
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Unique   bool   `yaml:"unique,omitempty" json:"unique,omitempty"`
}

type Index struct {
	Columns []string `yaml:"columns" json:"columns"`
	Unique  bool     `yaml:"unique,omitempty" json:"unique,omitempty"`
}

// Parse decodes a YAML or JSON manifest and validates it.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(trimmed))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
	}
	m.normalize()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

func (m *Manifest) normalize() {
	if m.Tier == "" {
		m.Tier = TierStandard
	}
	m.Tier = Tier(strings.ToLower(string(m.Tier)))
	for i := range m.Tables {
		for j := range m.Tables[i].Columns {
			m.Tables[i].Columns[j].Type = strings.ToLower(strings.TrimSpace(m.Tables[i].Columns[j].Type))
		}
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidManifest, fmt.Sprintf(format, args...))
}

// Validate checks structure and names. Reserved names are checked separately
// by the provisioner against the live reserved set.
func (m *Manifest) Validate() error {
	if m.ModuleID == uuid.Nil {
		return invalid("module_id is required")
	}
	switch m.Tier {
	case TierStandard, TierIsolated:
	default:
		return invalid("unknown tier %q", m.Tier)
	}

	seenTables := make(map[string]bool, len(m.Tables))
	for _, t := range m.Tables {
		if err := naming.ValidateLogicalName(t.Name); err != nil {
			return fmt.Errorf("%w: table: %w", ErrInvalidManifest, err)
		}
		if seenTables[t.Name] {
			return invalid("duplicate table %q", t.Name)
		}
		seenTables[t.Name] = true

		seenCols := make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			if err := naming.ValidateLogicalName(c.Name); err != nil {
				return fmt.Errorf("%w: table %s column: %w", ErrInvalidManifest, t.Name, err)
			}
			if ddl.IsStandardColumn(c.Name) {
				return invalid("table %s: column %q is a standard column", t.Name, c.Name)
			}
			if seenCols[c.Name] {
				return invalid("table %s: duplicate column %q", t.Name, c.Name)
			}
			seenCols[c.Name] = true
			if err := ddl.ValidateType(c.Type); err != nil {
				return fmt.Errorf("%w: table %s column %s: %w", ErrInvalidManifest, t.Name, c.Name, err)
			}
		}

		for _, idx := range t.Indexes {
			if len(idx.Columns) == 0 {
				return invalid("table %s: index without columns", t.Name)
			}
			for _, c := range idx.Columns {
				if !seenCols[c] && !ddl.IsStandardColumn(c) {
					return invalid("table %s: index column %q is not defined", t.Name, c)
				}
			}
		}
	}
	return nil
}

// ShortID returns the module's derived short id.
func (m *Manifest) ShortID() string {
	return naming.ShortID(m.ModuleID)
}

// TableNames returns the declared logical table names in manifest order.
func (m *Manifest) TableNames() []string {
	names := make([]string, len(m.Tables))
	for i, t := range m.Tables {
		names[i] = t.Name
	}
	return names
}

// Table returns the declared table named name.
func (m *Manifest) Table(name string) (Table, bool) {
	for _, t := range m.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// DDLColumns converts the declared columns.
func (t Table) DDLColumns() []ddl.Column {
	cols := make([]ddl.Column, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = ddl.Column{Name: c.Name, Type: c.Type, NotNull: c.Required, Unique: c.Unique}
	}
	return cols
}

// DDLIndexes converts the declared indexes.
func (t Table) DDLIndexes() []ddl.IndexSpec {
	out := make([]ddl.IndexSpec, len(t.Indexes))
	for i, idx := range t.Indexes {
		out[i] = ddl.IndexSpec{Columns: append([]string(nil), idx.Columns...), Unique: idx.Unique}
	}
	return out
}
