package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// QuoteIdent validates name against the strict identifier pattern and returns
// it double-quoted. It is the only way identifiers enter generated SQL.
func QuoteIdent(name string) (string, error) {
	if !identifierPattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return `"` + name + `"`, nil
}

// MustQuoteIdent is QuoteIdent for names built from already validated parts.
func MustQuoteIdent(name string) string {
	q, err := QuoteIdent(name)
	if err != nil {
		panic(err)
	}
	return q
}

// TableRef locates a physical module table.
type TableRef struct {
	ShortID string
	Logical string
	Schema  string
	Name    string
}

// Qualified returns "schema"."name".
func (t TableRef) Qualified() string {
	return MustQuoteIdent(t.Schema) + "." + MustQuoteIdent(t.Name)
}

// Display returns the physical name as the catalog reports it: mod_x_table
// for table isolation, mod_x.table for schema isolation.
func (t TableRef) Display() string {
	if t.Schema == SharedSchema {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Namespace is the slice of the database owned by one module.
type Namespace struct {
	ShortID    string
	UsesSchema bool
}

// NewNamespace validates shortID and returns the module namespace.
func NewNamespace(shortID string, usesSchema bool) (Namespace, error) {
	if err := ValidateShortID(shortID); err != nil {
		return Namespace{}, err
	}
	return Namespace{ShortID: shortID, UsesSchema: usesSchema}, nil
}

// Schema returns the schema holding the module's tables.
func (n Namespace) Schema() string {
	if n.UsesSchema {
		return Prefix + n.ShortID
	}
	return SharedSchema
}

// Table resolves a logical table name inside the namespace.
func (n Namespace) Table(logical string) (TableRef, error) {
	if err := ValidateShortID(n.ShortID); err != nil {
		return TableRef{}, err
	}
	if err := ValidateLogicalName(logical); err != nil {
		return TableRef{}, err
	}
	ref := TableRef{ShortID: n.ShortID, Logical: logical, Schema: n.Schema()}
	if n.UsesSchema {
		ref.Name = logical
	} else {
		ref.Name = Prefix + n.ShortID + "_" + logical
	}
	return ref, nil
}

// IndexName builds a policy name for table, shortened with a hash suffix
// when it would exceed the identifier limit. Policy names are scoped to their
// table.
func IndexName(table string, parts ...string) string {
	name := table + "_" + strings.Join(parts, "_")
	if len(name) <= MaxIdentifierLength {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	suffix := "_" + hex.EncodeToString(sum[:])[:8]
	return name[:MaxIdentifierLength-len(suffix)] + suffix
}

// RelationIndexName names an index on columns of table. Index names share
// one namespace per schema, and joining names with "_" is ambiguous
// (order_item+sku vs order+item_sku), so the name always ends in a hash of
// the NUL-separated table, columns and suffix.
func RelationIndexName(table string, columns []string, suffix string) string {
	key := table + "\x00" + strings.Join(columns, "\x00") + "\x00" + suffix
	sum := sha256.Sum256([]byte(key))
	tail := "_" + suffix + "_" + hex.EncodeToString(sum[:])[:8]
	head := table + "_" + strings.Join(columns, "_")
	if len(head)+len(tail) > MaxIdentifierLength {
		head = head[:MaxIdentifierLength-len(tail)]
	}
	return head + tail
}
