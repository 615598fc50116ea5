// Package reserved guards platform-owned table names. The reserved set is a
// read-only snapshot loaded at startup; Reload swaps in a new snapshot as a
// whole and callers never mutate it.
package reserved

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

//go:embed reserved.yaml
var defaultSet []byte

var ErrNameReserved = errors.New("name reserved")

// MatchKind selects exact or prefix matching for a reserved entry.
type MatchKind string

const (
	MatchExact  MatchKind = "exact"
	MatchPrefix MatchKind = "prefix"
)

// Name is a single reserved entry.
type Name struct {
	Name     string    `yaml:"name" json:"name"`
	Category string    `yaml:"category" json:"category"`
	Reason   string    `yaml:"reason" json:"reason"`
	Match    MatchKind `yaml:"match" json:"match"`
}

// Set is a versioned, immutable reserved set.
type Set struct {
	Version  int    `yaml:"version" json:"version"`
	Names    []Name `yaml:"names" json:"names"`
	exact    map[string]Name
	prefixes []Name
}

// Parse decodes and indexes a YAML reserved set.
func Parse(data []byte) (*Set, error) {
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse reserved names: %w", err)
	}
	s.exact = make(map[string]Name, len(s.Names))
	for i, n := range s.Names {
		n.Name = strings.ToLower(strings.TrimSpace(n.Name))
		if n.Name == "" {
			return nil, fmt.Errorf("reserved name %d is empty", i)
		}
		if n.Match == "" {
			n.Match = MatchExact
		}
		s.Names[i] = n
		switch n.Match {
		case MatchExact:
			s.exact[n.Name] = n
		case MatchPrefix:
			s.prefixes = append(s.prefixes, n)
		default:
			return nil, fmt.Errorf("reserved name %q has unknown match %q", n.Name, n.Match)
		}
	}
	// longest prefix first so diagnostics name the most specific rule
	sort.SliceStable(s.prefixes, func(i, j int) bool {
		return len(s.prefixes[i].Name) > len(s.prefixes[j].Name)
	})
	return &s, nil
}

// Default returns the embedded platform reserved set.
func Default() *Set {
	s, err := Parse(defaultSet)
	if err != nil {
		panic(err)
	}
	return s
}

// Lookup reports whether name is reserved and which entry matched.
func (s *Set) Lookup(name string) (Name, bool) {
	name = strings.ToLower(name)
	if n, ok := s.exact[name]; ok {
		return n, true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(name, p.Name) {
			return p, true
		}
	}
	return Name{}, false
}

// Guard serves the current reserved snapshot.
type Guard struct {
	current atomic.Pointer[Set]
	path    string
}

// NewGuard returns a guard over set.
func NewGuard(set *Set) *Guard {
	g := &Guard{}
	g.current.Store(set)
	return g
}

// LoadGuard reads a reserved set from path, or uses the embedded default
// when path is empty.
func LoadGuard(path string) (*Guard, error) {
	if path == "" {
		return NewGuard(Default()), nil
	}
	set, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	g := NewGuard(set)
	g.path = path
	return g, nil
}

func loadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read reserved names file: %w", err)
	}
	return Parse(data)
}

// Reload re-reads the file the guard was loaded from. The previous snapshot
// stays in place when the new one fails to parse.
func (g *Guard) Reload() error {
	if g.path == "" {
		return nil
	}
	set, err := loadFile(g.path)
	if err != nil {
		return err
	}
	g.current.Store(set)
	return nil
}

// Snapshot returns the current reserved set.
func (g *Guard) Snapshot() *Set {
	return g.current.Load()
}

// IsReserved reports whether a logical table name is reserved, with the
// category for diagnostics.
func (g *Guard) IsReserved(name string) (bool, string) {
	n, ok := g.current.Load().Lookup(name)
	return ok, n.Category
}

// CheckAll returns ErrNameReserved naming every reserved entry in names.
// All names are checked against one snapshot.
func (g *Guard) CheckAll(names []string) error {
	set := g.current.Load()
	var hits []string
	for _, name := range names {
		if n, ok := set.Lookup(name); ok {
			hits = append(hits, fmt.Sprintf("%s (%s: %s)", name, n.Category, n.Name))
		}
	}
	if len(hits) > 0 {
		return fmt.Errorf("%w: %s", ErrNameReserved, strings.Join(hits, ", "))
	}
	return nil
}
