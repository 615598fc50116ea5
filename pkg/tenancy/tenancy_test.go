package tenancy

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateWrite(t *testing.T) {
	agency, site := uuid.New(), uuid.New()

	t.Run("agency and site present", func(t *testing.T) {
		tc := Context{AgencyID: agency, SiteID: site, Role: RoleMember}
		assert.NoError(t, tc.ValidateWrite())
	})

	t.Run("missing site", func(t *testing.T) {
		tc := Context{AgencyID: agency, Role: RoleMember}
		assert.NoError(t, tc.ValidateRead())
		assert.True(t, errors.Is(tc.ValidateWrite(), ErrMissingTenantContext))
	})

	t.Run("missing agency", func(t *testing.T) {
		tc := Context{SiteID: site}
		assert.True(t, errors.Is(tc.ValidateRead(), ErrMissingTenantContext))
		assert.True(t, errors.Is(tc.ValidateWrite(), ErrMissingTenantContext))
	})
}

func TestSettings(t *testing.T) {
	agency, site, user := uuid.New(), uuid.New(), uuid.New()
	tc := Context{AgencyID: agency, SiteID: site, UserID: user, Role: RoleAgencyAdmin}

	s := tc.Settings()
	assert.Equal(t, site.String(), s[SettingSiteID])
	assert.Equal(t, agency.String(), s[SettingAgencyID])
	assert.Equal(t, user.String(), s[SettingUserID])
	assert.Equal(t, "agency_admin", s[SettingRole])

	s = tc.WithoutSite().Settings()
	assert.Equal(t, "", s[SettingSiteID])
	assert.True(t, tc.HasSite(), "WithoutSite returns a copy")
}

func TestRoles(t *testing.T) {
	agency := uuid.New()
	assert.True(t, Context{AgencyID: agency, Role: RoleAgencyOwner}.IsAgencyAdmin())
	assert.True(t, Context{AgencyID: agency, Role: RoleAgencyAdmin}.IsAgencyAdmin())
	assert.False(t, Context{AgencyID: agency, Role: RoleMember}.IsAgencyAdmin())
	assert.False(t, Context{Role: RoleAgencyOwner}.IsAgencyAdmin())
	assert.False(t, Role("root").Valid())
	assert.True(t, RolePlatformAdmin.Valid())
}

func TestContextPropagation(t *testing.T) {
	_, err := MustFromContext(context.Background())
	assert.True(t, errors.Is(err, ErrMissingTenantContext))

	tc := Context{AgencyID: uuid.New(), Role: RoleMember}
	ctx := WithContext(context.Background(), tc)
	got, err := MustFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, tc, got)
}
