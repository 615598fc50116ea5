package tenantctx

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redbco/redb-modules/pkg/database"
	"github.com/redbco/redb-modules/pkg/tenancy"
)

// At most two rows are read; a second row means the caller must choose.
const membershipSQL = `
	SELECT user_id, agency_id, role
	FROM modules.memberships
	WHERE user_id = $1 AND ($2::uuid IS NULL OR agency_id = $2)
	ORDER BY agency_id
	LIMIT 2
`

const siteAgencySQL = `SELECT agency_id FROM modules.sites WHERE site_id = $1`

// PostgresMemberships reads modules.memberships and modules.sites.
type PostgresMemberships struct {
	db *database.PostgreSQL
}

func NewPostgresMemberships(db *database.PostgreSQL) *PostgresMemberships {
	return &PostgresMemberships{db: db}
}

func nullable(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func (p *PostgresMemberships) Membership(ctx context.Context, userID, agencyID uuid.UUID) (*Membership, error) {
	rows, err := p.db.Pool().Query(ctx, membershipSQL, userID, nullable(agencyID))
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	found, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Membership, error) {
		var m Membership
		var role string
		err := row.Scan(&m.UserID, &m.AgencyID, &role)
		m.Role = tenancy.Role(role)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read memberships: %w", err)
	}
	return pickMembership(found, userID)
}

func (p *PostgresMemberships) SiteAgency(ctx context.Context, siteID uuid.UUID) (uuid.UUID, error) {
	var agency uuid.UUID
	err := p.db.Pool().QueryRow(ctx, siteAgencySQL, siteID).Scan(&agency)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to look up site: %w", err)
	}
	return agency, nil
}
