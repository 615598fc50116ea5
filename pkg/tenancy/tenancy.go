// Package tenancy defines the request-scoped tenant identity every data-layer
// call carries, and the session settings the store-level policies read.
package tenancy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrMissingTenantContext = errors.New("missing tenant context")

// Role is the caller's role within its agency.
type Role string

const (
	RoleAgencyOwner   Role = "agency_owner"
	RoleAgencyAdmin   Role = "agency_admin"
	RoleMember        Role = "member"
	RoleClient        Role = "client"
	RolePlatformAdmin Role = "platform_admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAgencyOwner, RoleAgencyAdmin, RoleMember, RoleClient, RolePlatformAdmin:
		return true
	}
	return false
}

// Session setting names read by the policy accessor functions.
const (
	SettingSiteID   = "app.current_site_id"
	SettingAgencyID = "app.current_agency_id"
	SettingUserID   = "app.current_user_id"
	SettingRole     = "app.current_role"
)

// Context is the resolved (agency, site, user, role) of one request. A zero
// SiteID means no site was resolved. ModuleID is set when the credential was
// issued to a module rather than a person.
type Context struct {
	AgencyID uuid.UUID
	SiteID   uuid.UUID
	UserID   uuid.UUID
	Role     Role
	ModuleID uuid.UUID
}

// HasSite reports whether a site was resolved.
func (c Context) HasSite() bool {
	return c.SiteID != uuid.Nil
}

// IsAgencyAdmin reports whether the caller administers its whole agency.
func (c Context) IsAgencyAdmin() bool {
	return c.AgencyID != uuid.Nil && (c.Role == RoleAgencyOwner || c.Role == RoleAgencyAdmin)
}

// IsPlatformAdmin reports whether the caller may run privileged operations.
func (c Context) IsPlatformAdmin() bool {
	return c.Role == RolePlatformAdmin
}

// ValidateRead requires an agency.
func (c Context) ValidateRead() error {
	if c.AgencyID == uuid.Nil {
		return fmt.Errorf("%w: agency_id is required", ErrMissingTenantContext)
	}
	return nil
}

// ValidateWrite requires both agency and site.
func (c Context) ValidateWrite() error {
	if err := c.ValidateRead(); err != nil {
		return err
	}
	if !c.HasSite() {
		return fmt.Errorf("%w: site_id is required for writes", ErrMissingTenantContext)
	}
	return nil
}

// Settings returns the session settings for the policy accessors. Absent
// values are empty strings, which the accessors read as NULL.
func (c Context) Settings() map[string]string {
	s := map[string]string{
		SettingSiteID:   "",
		SettingAgencyID: "",
		SettingUserID:   "",
		SettingRole:     string(c.Role),
	}
	if c.HasSite() {
		s[SettingSiteID] = c.SiteID.String()
	}
	if c.AgencyID != uuid.Nil {
		s[SettingAgencyID] = c.AgencyID.String()
	}
	if c.UserID != uuid.Nil {
		s[SettingUserID] = c.UserID.String()
	}
	return s
}

// WithoutSite returns a copy of c with the site cleared.
func (c Context) WithoutSite() Context {
	c.SiteID = uuid.Nil
	return c
}

type contextKey struct{}

// WithContext attaches tc to ctx for the duration of one request.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext returns the tenant context attached by WithContext.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(contextKey{}).(Context)
	return tc, ok
}

// MustFromContext returns the attached tenant context or ErrMissingTenantContext.
func MustFromContext(ctx context.Context) (Context, error) {
	tc, ok := FromContext(ctx)
	if !ok {
		return Context{}, fmt.Errorf("%w: no tenant context on request", ErrMissingTenantContext)
	}
	return tc, nil
}
