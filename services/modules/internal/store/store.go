// Package store defines the durable registry of module-owned objects and the
// catalog view the reconciler compares it with.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redbco/redb-modules/pkg/naming"
	"github.com/redbco/redb-modules/services/modules/internal/ddl"
)

var (
	ErrNotFound          = errors.New("registry entry not found")
	ErrDuplicateShortID  = errors.New("short id already registered")
	ErrUndefinedRelation = errors.New("relation does not exist")
	ErrSchemaNotEmpty    = errors.New("schema is not empty")
)

// Entry is the registry record of one module.
type Entry struct {
	ModuleID   uuid.UUID `json:"module_id"`
	ShortID    string    `json:"short_id"`
	UsesSchema bool      `json:"uses_schema"`
	SchemaName string    `json:"schema_name,omitempty"`
	TableNames []string  `json:"table_names"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Namespace returns the module namespace recorded in the entry.
func (e *Entry) Namespace() naming.Namespace {
	return naming.Namespace{ShortID: e.ShortID, UsesSchema: e.UsesSchema}
}

// Tables resolves the registered logical names to physical references.
func (e *Entry) Tables() ([]naming.TableRef, error) {
	ns := e.Namespace()
	refs := make([]naming.TableRef, 0, len(e.TableNames))
	for _, name := range e.TableNames {
		ref, err := ns.Table(name)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// HasTable reports whether logical is registered.
func (e *Entry) HasTable(logical string) bool {
	for _, n := range e.TableNames {
		if n == logical {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	c := *e
	c.TableNames = append([]string(nil), e.TableNames...)
	return &c
}

type ObjectKind string

const (
	KindSchema ObjectKind = "schema"
	KindTable  ObjectKind = "table"
)

// Object is a catalog object whose name follows the module naming pattern.
type Object struct {
	Kind       ObjectKind `json:"kind"`
	Schema     string     `json:"schema"`
	Name       string     `json:"name"`
	RLSEnabled bool       `json:"rls_enabled,omitempty"`
	RLSForced  bool       `json:"rls_forced,omitempty"`
	Policies   []string   `json:"policies,omitempty"`
}

// Display returns the name the naming package extracts short ids from.
func (o Object) Display() string {
	if o.Kind == KindSchema || o.Schema == naming.SharedSchema {
		return o.Name
	}
	return o.Schema + "." + o.Name
}

// ShortID returns the owning short id. A table inside a module schema is
// owned by that schema whatever its own name is.
func (o Object) ShortID() (string, bool) {
	if o.Kind == KindSchema {
		return naming.ExtractSchemaShortID(o.Name)
	}
	return naming.OwnerShortID(o.Schema, o.Name)
}

// Ref returns the table reference for a table object. Logical is empty when
// the name is not one the provisioner could have created.
func (o Object) Ref() naming.TableRef {
	ref := naming.TableRef{Schema: o.Schema, Name: o.Name}
	ref.ShortID, _ = o.ShortID()
	if o.Schema == naming.SharedSchema {
		ref.Logical, _ = naming.LogicalFromPrefixed(o.Name)
	} else {
		ref.Logical = o.Name
	}
	if naming.ValidateLogicalName(ref.Logical) != nil {
		ref.Logical = ""
	}
	return ref
}

// WellFormed reports whether a table's name is a valid module table name.
func (o Object) WellFormed() bool {
	return o.Kind == KindSchema || o.Ref().Logical != ""
}

// SortObjects orders objects by kind then display name.
func SortObjects(objs []Object) {
	sort.Slice(objs, func(i, j int) bool {
		if objs[i].Kind != objs[j].Kind {
			return objs[i].Kind < objs[j].Kind
		}
		return objs[i].Display() < objs[j].Display()
	})
}

// Store is the registry plus catalog surface of the relational store.
type Store interface {
	GetEntry(ctx context.Context, moduleID uuid.UUID) (*Entry, error)
	GetEntryByShortID(ctx context.Context, shortID string) (*Entry, error)
	ListEntries(ctx context.Context) ([]*Entry, error)
	// ListObjects returns every schema named mod_* and every table that is
	// either mod_* in the shared schema or inside a mod_* schema.
	ListObjects(ctx context.Context) ([]Object, error)
	// WithTx runs fn in one transaction; any error rolls everything back.
	WithTx(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
}

// Tx is the transactional write surface.
type Tx interface {
	GetEntryByShortID(ctx context.Context, shortID string) (*Entry, error)
	// InsertEntry fails with ErrDuplicateShortID when the short id or module
	// id is already registered.
	InsertEntry(ctx context.Context, e *Entry) error
	UpdateEntry(ctx context.Context, e *Entry) error
	DeleteEntry(ctx context.Context, shortID string) error
	Apply(ctx context.Context, stmt ddl.Statement) error
}

// Protected reports whether row level security is enabled and forced and
// every named policy is present.
func (o Object) Protected(policies []string) bool {
	if !o.RLSEnabled || !o.RLSForced {
		return false
	}
	have := make(map[string]bool, len(o.Policies))
	for _, p := range o.Policies {
		have[p] = true
	}
	for _, p := range policies {
		if !have[p] {
			return false
		}
	}
	return true
}
