package broker

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redbco/redb-modules/pkg/naming"
	"gopkg.in/yaml.v3"
)

// Wildcard matches any target module or any table.
const Wildcard = "*"

type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
)

func (o Operation) Valid() bool {
	return o == OpRead || o == OpWrite
}

// Grant lets Source reach Target's Tables with Operations.
type Grant struct {
	Source     string      `yaml:"source_module" json:"source_module"`
	Target     string      `yaml:"target_module" json:"target_module"`
	Tables     []string    `yaml:"tables" json:"tables"`
	Operations []Operation `yaml:"operations" json:"operations"`
}

func (g Grant) validate() error {
	if _, err := uuid.Parse(g.Source); err != nil {
		return fmt.Errorf("source_module %q is not a module id", g.Source)
	}
	if g.Target != Wildcard {
		if _, err := uuid.Parse(g.Target); err != nil {
			return fmt.Errorf("target_module %q is neither a module id nor %q", g.Target, Wildcard)
		}
	}
	if len(g.Tables) == 0 {
		return fmt.Errorf("grant from %s lists no tables", g.Source)
	}
	for _, t := range g.Tables {
		if t == Wildcard {
			continue
		}
		if err := naming.ValidateLogicalName(t); err != nil {
			return err
		}
	}
	if len(g.Operations) == 0 {
		return fmt.Errorf("grant from %s lists no operations", g.Source)
	}
	for _, op := range g.Operations {
		if !op.Valid() {
			return fmt.Errorf("grant from %s has unknown operation %q", g.Source, op)
		}
	}
	return nil
}

// Matches reports whether the grant covers req.
func (g Grant) Matches(req Request) bool {
	if g.Source != req.Source.String() {
		return false
	}
	if g.Target != Wildcard && g.Target != req.Target.String() {
		return false
	}
	return containsTable(g.Tables, req.Table) && containsOp(g.Operations, req.Operation)
}

func containsTable(tables []string, table string) bool {
	for _, t := range tables {
		if t == Wildcard || t == table {
			return true
		}
	}
	return false
}

func containsOp(ops []Operation, op Operation) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

// GrantSet is an immutable, ordered list of grants.
type GrantSet struct {
	Grants []Grant `yaml:"grants" json:"grants"`
}

// ParseGrants decodes and validates a YAML grant set.
func ParseGrants(data []byte) (*GrantSet, error) {
	var s GrantSet
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse grants: %w", err)
	}
	for i, g := range s.Grants {
		// uuid strings compare in canonical form
		if id, err := uuid.Parse(g.Source); err == nil {
			s.Grants[i].Source = id.String()
		}
		if id, err := uuid.Parse(g.Target); err == nil {
			s.Grants[i].Target = id.String()
		}
		if err := s.Grants[i].validate(); err != nil {
			return nil, fmt.Errorf("grant %d: %w", i, err)
		}
	}
	return &s, nil
}

// Match returns the first grant covering req.
func (s *GrantSet) Match(req Request) (Grant, bool) {
	for _, g := range s.Grants {
		if g.Matches(req) {
			return g, true
		}
	}
	return Grant{}, false
}

// Grants serves the current grant snapshot.
type Grants struct {
	current atomic.Pointer[GrantSet]
	path    string
}

func NewGrants(set *GrantSet) *Grants {
	g := &Grants{}
	g.current.Store(set)
	return g
}

// LoadGrants reads grants from path. An empty path yields an empty set,
// which denies every cross-module access.
func LoadGrants(path string) (*Grants, error) {
	if path == "" {
		return NewGrants(&GrantSet{}), nil
	}
	set, err := loadGrantsFile(path)
	if err != nil {
		return nil, err
	}
	g := NewGrants(set)
	g.path = path
	return g, nil
}

func loadGrantsFile(path string) (*GrantSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read grants file: %w", err)
	}
	return ParseGrants(data)
}

// Reload re-reads the grants file. A file that fails to parse leaves the
// current snapshot in place.
func (g *Grants) Reload() error {
	if g.path == "" {
		return nil
	}
	set, err := loadGrantsFile(g.path)
	if err != nil {
		return err
	}
	g.current.Store(set)
	return nil
}

func (g *Grants) Snapshot() *GrantSet {
	return g.current.Load()
}
