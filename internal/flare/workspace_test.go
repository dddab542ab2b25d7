package flare_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burstflare/internal/flare"
	"burstflare/internal/testutil"
)

func TestInviteAndRoles(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	owner := h.Register(t, "owner@example.com")
	guest := h.Register(t, "guest@example.com")

	inv, err := h.Engine.CreateInvite(ctx, owner.AccessToken, "guest@example.com", flare.RoleViewer)
	require.NoError(t, err)

	_, err = h.Engine.AcceptInvite(ctx, owner.AccessToken, inv.ID)
	assert.Equal(t, flare.KindForbidden, flare.KindOf(err), "invites are bound to an email")

	mv, err := h.Engine.AcceptInvite(ctx, guest.AccessToken, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, flare.RoleViewer, mv.Role)

	_, err = h.Engine.AcceptInvite(ctx, guest.AccessToken, inv.ID)
	assert.Equal(t, flare.KindNotFound, flare.KindOf(err))

	switched, err := h.Engine.SwitchWorkspace(ctx, guest.AccessToken, owner.Workspace.ID)
	require.NoError(t, err)
	viewer := switched.AccessToken

	_, err = h.Engine.CreateTemplate(ctx, viewer, "blocked", "")
	assert.Equal(t, flare.KindForbidden, flare.KindOf(err))
	_, err = h.Engine.ListTemplates(ctx, viewer)
	assert.NoError(t, err)

	_, err = h.Engine.ChangeMemberRole(ctx, owner.AccessToken, guest.User.ID, flare.RoleMember)
	require.NoError(t, err)
	_, err = h.Engine.CreateTemplate(ctx, viewer, "allowed", "")
	assert.NoError(t, err)

	_, err = h.Engine.ChangeMemberRole(ctx, owner.AccessToken, owner.User.ID, flare.RoleAdmin)
	assert.Equal(t, flare.KindForbidden, flare.KindOf(err))

	require.NoError(t, h.Engine.RemoveMember(ctx, owner.AccessToken, guest.User.ID))
	_, err = h.Engine.ListTemplates(ctx, viewer)
	assert.Equal(t, flare.KindUnauthorized, flare.KindOf(err))

	_, err = h.Engine.Me(ctx, guest.AccessToken)
	assert.NoError(t, err, "the guest's own workspace is untouched")
}

func TestTemplateQuota(t *testing.T) {
	h := testutil.NewHarness(t, testutil.WithSettings(func(s *flare.Settings) {
		s.Plans = map[flare.Plan]flare.PlanLimits{
			flare.PlanFree: {MaxTemplates: 1, MaxRunningSessions: 1},
			flare.PlanPro:  {MaxTemplates: 2, MaxRunningSessions: 1},
		}
	}))
	ctx := context.Background()
	token := h.Register(t, "dev@example.com").AccessToken

	first, err := h.Engine.CreateTemplate(ctx, token, "one", "")
	require.NoError(t, err)
	_, err = h.Engine.CreateTemplate(ctx, token, "two", "")
	assert.Equal(t, flare.KindForbidden, flare.KindOf(err))

	_, err = h.Engine.ArchiveTemplate(ctx, token, first.ID)
	require.NoError(t, err)
	_, err = h.Engine.CreateTemplate(ctx, token, "two", "")
	require.NoError(t, err, "archived templates do not count")
	_, err = h.Engine.RestoreTemplate(ctx, token, first.ID)
	assert.Equal(t, flare.KindForbidden, flare.KindOf(err))

	_, err = h.Engine.SetWorkspacePlan(ctx, token, flare.PlanPro)
	require.NoError(t, err)
	_, err = h.Engine.RestoreTemplate(ctx, token, first.ID)
	assert.NoError(t, err)
}

func TestRollback(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	token := h.Register(t, "dev@example.com").AccessToken
	tplID, v1 := h.ReadyTemplate(t, token, "node-dev", flare.Manifest{Image: "node:20"})

	_, err := h.Engine.RollbackTemplate(ctx, token, tplID, "")
	assert.Equal(t, flare.KindConflict, flare.KindOf(err))

	res, err := h.Engine.AddTemplateVersion(ctx, token, tplID, "v1.1", flare.Manifest{Image: "node:22"})
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", res.Version.Version)
	_, err = h.Engine.ProcessBuilds(ctx, token)
	require.NoError(t, err)
	_, err = h.Engine.PromoteTemplateVersion(ctx, token, tplID, res.Version.ID)
	require.NoError(t, err)

	rel, err := h.Engine.RollbackTemplate(ctx, token, tplID, "")
	require.NoError(t, err)
	assert.Equal(t, flare.ReleaseRollback, rel.Mode)
	assert.Equal(t, v1, rel.TemplateVersionID)

	releases, err := h.Engine.ListReleases(ctx, token, tplID)
	require.NoError(t, err)
	require.Len(t, releases, 3)
	assert.Equal(t, releases[0].ID, rel.SourceReleaseID)

	_, err = h.Engine.AddTemplateVersion(ctx, token, tplID, "1.1.0", flare.Manifest{Image: "node:22"})
	assert.Equal(t, flare.KindConflict, flare.KindOf(err))
	_, err = h.Engine.AddTemplateVersion(ctx, token, tplID, "latest", flare.Manifest{Image: "node:22"})
	assert.Equal(t, flare.KindValidation, flare.KindOf(err))
}
