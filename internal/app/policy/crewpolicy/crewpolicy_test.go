package crewpolicy_test

import (
	"context"
	"testing"

	"github.com/dalemusser/crewhub/internal/app/policy/crewpolicy"
	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/domain/crewerr"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"github.com/dalemusser/crewhub/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanPerform_Matrix(t *testing.T) {
	type row struct {
		action crewpolicy.Action
		fields []string
		member bool
		lead   bool
		fore   bool
	}
	rows := []row{
		{crewpolicy.UpdateOwnMember, []string{crewpolicy.FieldPreferences}, true, true, true},
		{crewpolicy.UpdateOwnMember, []string{crewpolicy.FieldLastActivityAt}, true, true, true},
		{crewpolicy.Post, nil, true, true, true},
		{crewpolicy.ShareJob, nil, true, true, true},
		{crewpolicy.Message, nil, true, true, true},
		{crewpolicy.InviteMember, nil, false, true, true},
		{crewpolicy.DeleteAnyItem, nil, false, true, true},
		{crewpolicy.RemoveMember, nil, false, false, true},
		{crewpolicy.AddMember, nil, false, false, true},
		{crewpolicy.UpdateCrew, []string{crewpolicy.FieldName}, false, false, true},
		{crewpolicy.UpdateCrew, []string{crewpolicy.FieldRoles}, false, false, true},
		{crewpolicy.UpdateCrew, []string{crewpolicy.FieldIsActive}, false, false, true},
		{crewpolicy.UpdateCrew, []string{crewpolicy.FieldJobPreferences}, false, true, true},
		{crewpolicy.UpdateCrew, []string{crewpolicy.FieldMemberIDs}, false, false, false},
		{crewpolicy.UpdateCrew, []string{crewpolicy.FieldForemanID}, false, false, false},
	}
	for _, r := range rows {
		for role, want := range map[models.Role]bool{
			models.RoleMember:  r.member,
			models.RoleLead:    r.lead,
			models.RoleForeman: r.fore,
		} {
			got := crewpolicy.CanPerform(role, r.action, r.fields)
			if got != want {
				t.Errorf("CanPerform(%s, %s, %v) = %v, want %v", role, r.action, r.fields, got, want)
			}
		}
	}
}

func TestCanPerform_RejectsWholeChangeOnOneBadField(t *testing.T) {
	fields := []string{crewpolicy.FieldJobPreferences, crewpolicy.FieldName}
	assert.False(t, crewpolicy.CanPerform(models.RoleLead, crewpolicy.UpdateCrew, fields))
	assert.True(t, crewpolicy.CanPerform(models.RoleForeman, crewpolicy.UpdateCrew, fields))
}

func TestCanPerform_UnknownRoleOrAction(t *testing.T) {
	assert.False(t, crewpolicy.CanPerform("admin", crewpolicy.Post, nil))
	assert.False(t, crewpolicy.CanPerform(models.RoleForeman, "launch", nil))
}

func TestCheck_NamesDeniedFields(t *testing.T) {
	err := crewpolicy.Default().Check(models.RoleLead, crewpolicy.UpdateCrew, []string{crewpolicy.FieldName, crewpolicy.FieldJobPreferences})
	require.Error(t, err)
	assert.Equal(t, crewerr.KindForbidden, crewerr.KindOf(err))
	assert.Contains(t, err.Error(), "name")
	assert.NotContains(t, err.Error(), "job_preferences")
}

func TestAllowedFields(t *testing.T) {
	got := crewpolicy.Default().AllowedFields(models.RoleForeman, crewpolicy.UpdateCrew)
	assert.Equal(t, []string{"is_active", "job_preferences", "name", "roles"}, got)
	assert.Empty(t, crewpolicy.Default().AllowedFields(models.RoleMember, crewpolicy.UpdateCrew))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "roles: ["},
		{"unknown role", "roles:\n  admin:\n    actions: {post: []}\n"},
		{"unknown parent", "roles:\n  member:\n    inherits: [ghost]\n"},
		{"cycle", "roles:\n  member:\n    inherits: [lead]\n  lead:\n    inherits: [member]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := crewpolicy.Parse([]byte(tt.yaml)); err == nil {
				t.Errorf("Parse(%q) expected error", tt.yaml)
			}
		})
	}
}

func TestAuthorize_UsesLogicalCrewID(t *testing.T) {
	ds := testutil.NewMemoryStore(t)
	ctx := context.Background()

	crewID := models.CrewID("localsunited-1")
	storageKey := "5d0c6f1e-2b1f-4c1e-9a55-6f0e3b1a7c42"
	require.NoError(t, ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		if err := tx.Insert(ctx, docstore.Crews, storageKey, models.Crew{ID: crewID}); err != nil {
			return err
		}
		for user, role := range map[string]models.Role{"fore": models.RoleForeman, "mem": models.RoleMember} {
			m := models.Member{CrewID: crewID, UserID: user, Role: role}
			if err := tx.Insert(ctx, docstore.Members, models.MemberKey(crewID, user), m); err != nil {
				return err
			}
		}
		return nil
	}))

	table := crewpolicy.Default()
	fields := []string{crewpolicy.FieldName, crewpolicy.FieldRoles, crewpolicy.FieldIsActive}

	role, err := table.Authorize(ctx, ds, crewID, "fore", crewpolicy.UpdateCrew, fields)
	require.NoError(t, err)
	assert.Equal(t, models.RoleForeman, role)

	_, err = table.Authorize(ctx, ds, crewID, "mem", crewpolicy.UpdateCrew, fields)
	assert.Equal(t, crewerr.KindForbidden, crewerr.KindOf(err))

	// The storage key is not a crew id: nobody holds a role under it.
	_, err = table.Authorize(ctx, ds, models.CrewID(storageKey), "fore", crewpolicy.UpdateCrew, fields)
	assert.Equal(t, crewerr.KindForbidden, crewerr.KindOf(err))
	_, err = table.Authorize(ctx, ds, models.CrewID(storageKey), "mem", crewpolicy.UpdateCrew, fields)
	assert.Equal(t, crewerr.KindForbidden, crewerr.KindOf(err))
}
