// Package tenantctx resolves an inbound request's identity into a validated
// tenancy.Context.
package tenantctx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redbco/redb-modules/pkg/logger"
	"github.com/redbco/redb-modules/pkg/tenancy"
)

var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrNoMembership        = errors.New("no agency membership")
	ErrAmbiguousMembership = errors.New("user belongs to several agencies")
	ErrUnknownSite         = errors.New("unknown site")
)

// Identity is an authenticated caller. AgencyID is set when the token
// selects one of the caller's agencies, ModuleID when the token was issued
// to module code.
type Identity struct {
	UserID   uuid.UUID
	AgencyID uuid.UUID
	ModuleID uuid.UUID
}

// Authenticator turns a bearer token into an Identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// Claims are the JWT claims the platform issues.
type Claims struct {
	UserID   string `json:"user_id"`
	AgencyID string `json:"agency_id,omitempty"`
	ModuleID string `json:"module_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HMAC-signed platform tokens.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

func NewJWTAuthenticator(secret []byte, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret, issuer: issuer}
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if len(a.secret) == 0 {
		return nil, fmt.Errorf("%w: no signing secret configured", ErrUnauthenticated)
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.secret, nil
	}, jwt.WithIssuer(a.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", ErrUnauthenticated)
	}

	id := &Identity{}
	if id.UserID, err = uuid.Parse(claims.UserID); err != nil {
		return nil, fmt.Errorf("%w: invalid user_id claim", ErrUnauthenticated)
	}
	if claims.AgencyID != "" {
		if id.AgencyID, err = uuid.Parse(claims.AgencyID); err != nil {
			return nil, fmt.Errorf("%w: invalid agency_id claim", ErrUnauthenticated)
		}
	}
	if claims.ModuleID != "" {
		if id.ModuleID, err = uuid.Parse(claims.ModuleID); err != nil {
			return nil, fmt.Errorf("%w: invalid module_id claim", ErrUnauthenticated)
		}
	}
	return id, nil
}

// Issue signs a token for userID. agencyID may be uuid.Nil.
func (a *JWTAuthenticator) Issue(userID, agencyID uuid.UUID, ttl time.Duration) (string, error) {
	return a.IssueModule(userID, agencyID, uuid.Nil, ttl)
}

// IssueModule signs a token for code of moduleID acting for userID. The
// broker only accepts calls made with such a token, as that module.
func (a *JWTAuthenticator) IssueModule(userID, agencyID, moduleID uuid.UUID, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	if agencyID != uuid.Nil {
		claims.AgencyID = agencyID.String()
	}
	if moduleID != uuid.Nil {
		claims.ModuleID = moduleID.String()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Membership is a user's role in one agency.
type Membership struct {
	UserID   uuid.UUID    `yaml:"user_id"`
	AgencyID uuid.UUID    `yaml:"agency_id"`
	Role     tenancy.Role `yaml:"role"`
}

// MembershipStore looks up agency memberships and site ownership.
type MembershipStore interface {
	// Membership returns the caller's membership in agencyID, or its only
	// membership when agencyID is uuid.Nil.
	Membership(ctx context.Context, userID, agencyID uuid.UUID) (*Membership, error)
	// SiteAgency returns the agency that owns siteID, or ErrUnknownSite.
	SiteAgency(ctx context.Context, siteID uuid.UUID) (uuid.UUID, error)
}

// Resolver authenticates the caller, loads its membership and checks the
// requested site against the caller's agency. It holds no per-request state.
type Resolver struct {
	auth    Authenticator
	members MembershipStore
	logger  *logger.Logger
}

func NewResolver(auth Authenticator, members MembershipStore, logger *logger.Logger) *Resolver {
	return &Resolver{auth: auth, members: members, logger: logger}
}

// Resolve returns the tenant context for token. A requested site that is
// unknown or owned by another agency is dropped, so the result carries no
// site and writes fail closed.
func (r *Resolver) Resolve(ctx context.Context, token string, siteID uuid.UUID) (tenancy.Context, error) {
	id, err := r.auth.Authenticate(ctx, token)
	if err != nil {
		return tenancy.Context{}, err
	}

	m, err := r.members.Membership(ctx, id.UserID, id.AgencyID)
	if err != nil {
		return tenancy.Context{}, err
	}
	if !m.Role.Valid() {
		return tenancy.Context{}, fmt.Errorf("%w: unknown role %q", ErrNoMembership, m.Role)
	}

	tc := tenancy.Context{AgencyID: m.AgencyID, UserID: id.UserID, Role: m.Role, ModuleID: id.ModuleID}
	if siteID == uuid.Nil {
		return tc, nil
	}

	owner, err := r.members.SiteAgency(ctx, siteID)
	switch {
	case errors.Is(err, ErrUnknownSite):
		r.logger.Warnf("User %s requested unknown site %s", id.UserID, siteID)
		return tc, nil
	case err != nil:
		return tenancy.Context{}, err
	case owner != m.AgencyID:
		r.logger.Warnf("User %s of agency %s requested site %s of agency %s, site dropped",
			id.UserID, m.AgencyID, siteID, owner)
		return tc, nil
	}

	tc.SiteID = siteID
	return tc, nil
}
