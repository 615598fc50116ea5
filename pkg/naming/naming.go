// Package naming derives module short ids and the physical schema and table
// names built from them. Every identifier that reaches DDL passes through the
// validators in this package first.
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// Prefix starts every module-owned schema and table name.
	Prefix = "mod_"
	// ShortIDLength is the number of hex characters in a short id.
	ShortIDLength = 8
	// SharedSchema holds table-isolated module tables.
	SharedSchema = "public"
	// MaxIdentifierLength is the PostgreSQL NAMEDATALEN limit minus one.
	MaxIdentifierLength = 63
	// MaxLogicalNameLength bounds module-supplied table and column names.
	MaxLogicalNameLength = 40
)

var (
	ErrInvalidShortID    = errors.New("invalid short id")
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrInvalidModuleID   = errors.New("invalid module id")
)

var (
	shortIDPattern     = regexp.MustCompile(`^[0-9a-f]{8}$`)
	logicalNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,39}$`)
	identifierPattern  = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

	prefixedTablePattern = regexp.MustCompile(`^mod_([0-9a-f]{8})_([a-z][a-z0-9_]*)$`)
	schemaTablePattern   = regexp.MustCompile(`^mod_([0-9a-f]{8})\.([a-z][a-z0-9_]*)$`)
	schemaPattern        = regexp.MustCompile(`^mod_([0-9a-f]{8})$`)
	ownerPrefixPattern   = regexp.MustCompile(`^mod_([0-9a-f]{8})_`)
)

// ShortID derives the 8 character short id of a module: the first eight hex
// characters of SHA-256 over the canonical lower-case UUID string.
func ShortID(moduleID uuid.UUID) string {
	sum := sha256.Sum256([]byte(moduleID.String()))
	return hex.EncodeToString(sum[:])[:ShortIDLength]
}

// ParseModuleID parses a module UUID in any form uuid.Parse accepts.
func ParseModuleID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidModuleID, s)
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: nil uuid", ErrInvalidModuleID)
	}
	return id, nil
}

// ShortIDFromString parses moduleID and returns its short id.
func ShortIDFromString(moduleID string) (string, error) {
	id, err := ParseModuleID(moduleID)
	if err != nil {
		return "", err
	}
	return ShortID(id), nil
}

// IsValidShortID reports whether s is exactly eight lower-case hex characters.
func IsValidShortID(s string) bool {
	return shortIDPattern.MatchString(s)
}

// ValidateShortID returns ErrInvalidShortID for anything IsValidShortID rejects.
func ValidateShortID(s string) error {
	if !IsValidShortID(s) {
		return fmt.Errorf("%w: %q", ErrInvalidShortID, s)
	}
	return nil
}

// ValidateLogicalName checks a module-supplied table or column name.
func ValidateLogicalName(name string) error {
	if !logicalNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidIdentifier, name, logicalNamePattern.String())
	}
	return nil
}

// SchemaName returns mod_{shortid}.
func SchemaName(shortID string) (string, error) {
	if err := ValidateShortID(shortID); err != nil {
		return "", err
	}
	return Prefix + shortID, nil
}

// TableName returns the table-isolated physical name mod_{shortid}_{table}.
func TableName(shortID, logicalName string) (string, error) {
	if err := ValidateShortID(shortID); err != nil {
		return "", err
	}
	if err := ValidateLogicalName(logicalName); err != nil {
		return "", err
	}
	return Prefix + shortID + "_" + logicalName, nil
}

// SchemaTableName returns the schema-isolated display name mod_{shortid}.{table}.
func SchemaTableName(shortID, logicalName string) (string, error) {
	schema, err := SchemaName(shortID)
	if err != nil {
		return "", err
	}
	if err := ValidateLogicalName(logicalName); err != nil {
		return "", err
	}
	return schema + "." + logicalName, nil
}

// ExtractShortID recovers the short id from a physical name of the form
// mod_{shortid}_{table} or mod_{shortid}.{table}.
func ExtractShortID(physicalName string) (string, bool) {
	if m := prefixedTablePattern.FindStringSubmatch(physicalName); m != nil {
		return m[1], true
	}
	if m := schemaTablePattern.FindStringSubmatch(physicalName); m != nil {
		return m[1], true
	}
	return "", false
}

// ExtractSchemaShortID recovers the short id from a bare module schema name.
func ExtractSchemaShortID(schema string) (string, bool) {
	if m := schemaPattern.FindStringSubmatch(schema); m != nil {
		return m[1], true
	}
	return "", false
}

// OwnerShortID returns the short id owning a catalog table by location:
// every table inside a mod_{shortid} schema belongs to that short id, and a
// shared-schema table belongs to its mod_{shortid}_ prefix. The rest of the
// name does not have to be a valid logical name.
func OwnerShortID(schema, name string) (string, bool) {
	if schema != SharedSchema {
		return ExtractSchemaShortID(schema)
	}
	if m := ownerPrefixPattern.FindStringSubmatch(name); m != nil {
		return m[1], true
	}
	return "", false
}

// LogicalFromPrefixed returns the logical table name of mod_{shortid}_{table}.
func LogicalFromPrefixed(physicalName string) (string, bool) {
	if m := prefixedTablePattern.FindStringSubmatch(physicalName); m != nil {
		return m[2], true
	}
	return "", false
}
