package postgres

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redbco/redb-modules/services/modules/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestMapError(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "registry_short_id_key"}
	assert.ErrorIs(t, MapError(dup), store.ErrDuplicateShortID)

	missing := &pgconn.PgError{Code: "42P01", Message: `relation "mod_a1b2c3d4_x" does not exist`}
	assert.ErrorIs(t, MapError(missing), store.ErrUndefinedRelation)

	notEmpty := &pgconn.PgError{Code: "2BP01", Message: `cannot drop schema mod_0badc0de because other objects depend on it`}
	assert.ErrorIs(t, MapError(notEmpty), store.ErrSchemaNotEmpty)

	other := errors.New("connection reset")
	assert.Equal(t, other, MapError(other))
}

func TestSchemaDefinesAccessors(t *testing.T) {
	for _, fn := range []string{
		"modules.current_site_id()",
		"modules.current_agency_id()",
		"modules.current_user_id()",
		"modules.current_app_role()",
		"modules.is_agency_admin(agency UUID)",
	} {
		assert.Contains(t, schemaSQL, fn)
	}
	assert.Contains(t, schemaSQL, "short_id    VARCHAR(8) NOT NULL UNIQUE")
}
