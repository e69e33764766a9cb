// internal/app/system/membership/crews.go
package membership

import (
	"context"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dalemusser/crewhub/internal/app/policy/crewpolicy"
	"github.com/dalemusser/crewhub/internal/app/store/counters"
	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/domain/crewerr"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"github.com/dalemusser/waffle/pantry/text"
	"go.mongodb.org/mongo-driver/bson"
)

// MaxCrewNameLength bounds crew names in runes.
const MaxCrewNameLength = 80

// crewSequence is the sequence that numbers crew ids.
const crewSequence = "crew_id"

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", crewerr.Invalid("crew name is required")
	}
	if utf8.RuneCountInString(name) > MaxCrewNameLength {
		return "", crewerr.Invalid("crew name must be at most %d characters", MaxCrewNameLength)
	}
	return name, nil
}

// slug lowercases name and keeps letters and digits ("Locals United!" -> "localsunited").
func slug(name string) string {
	var b strings.Builder
	for _, r := range text.Fold(name) {
		if r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToLower(r))
		}
		if b.Len() >= 32 {
			break
		}
	}
	if b.Len() == 0 {
		return "crew"
	}
	return b.String()
}

// CreateCrew creates a crew with founderID as its Foreman.
func (m *Manager) CreateCrew(ctx context.Context, name, founderID string, prefs bson.M) (models.Crew, error) {
	var crew models.Crew
	err := m.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		crew, err = m.CreateCrewTx(ctx, tx, name, founderID, prefs)
		return err
	})
	return crew, err
}

// CreateCrewTx allocates the crew id from the crew sequence and writes the
// crew, the founder's Member record, and the founder's projection in tx. The
// sequence only advances if tx commits.
func (m *Manager) CreateCrewTx(ctx context.Context, tx docstore.Tx, name, founderID string, prefs bson.M) (models.Crew, error) {
	name, err := validateName(name)
	if err != nil {
		return models.Crew{}, err
	}
	if founderID == "" {
		return models.Crew{}, crewerr.Invalid("founder id is required")
	}
	now := m.clock()

	seq, err := counters.NextSequence(ctx, tx, crewSequence, now)
	if err != nil {
		return models.Crew{}, err
	}
	crewID := models.CrewID(slug(name) + "-" + strconv.FormatInt(seq, 10))

	crew := models.Crew{
		StorageKey:     m.newID(),
		ID:             crewID,
		Name:           name,
		NameCI:         text.Fold(name),
		ForemanID:      founderID,
		MemberIDs:      []string{founderID},
		Roles:          map[string]models.Role{founderID: models.RoleForeman},
		JobPreferences: prefs,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.Insert(ctx, docstore.Crews, crew.StorageKey, crew); err != nil {
		return models.Crew{}, err
	}
	founder := models.Member{
		Key:            models.MemberKey(crewID, founderID),
		CrewID:         crewID,
		UserID:         founderID,
		Role:           models.RoleForeman,
		JoinedAt:       now,
		LastActivityAt: now,
	}
	if err := tx.Insert(ctx, docstore.Members, founder.Key, founder); err != nil {
		return models.Crew{}, err
	}
	if err := m.linkUser(ctx, tx, founderID, crewID); err != nil {
		return models.Crew{}, err
	}
	if err := m.enqueue(ctx, tx, crewID, founderID, notice{
		typ:     models.NotifyCrewCreated,
		payload: bson.M{"name": name},
	}); err != nil {
		return models.Crew{}, err
	}
	return crew, nil
}

// GetCrew returns the crew if actingUserID is a member.
func (m *Manager) GetCrew(ctx context.Context, crewID models.CrewID, actingUserID string) (models.Crew, error) {
	crew, err := m.loadCrew(ctx, m.ds, crewID)
	if err != nil {
		return crew, err
	}
	if _, err := m.policy.Authorize(ctx, m.ds, crewID, actingUserID, crewpolicy.ViewCrew, nil); err != nil {
		return models.Crew{}, err
	}
	return crew, nil
}

// AddMember adds userID with role. It performs no permission check; it is
// the system path used when an invitation is accepted.
func (m *Manager) AddMember(ctx context.Context, crewID models.CrewID, userID string, role models.Role) (models.Member, error) {
	var mem models.Member
	err := m.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		mem, err = m.AddMemberTx(ctx, tx, crewID, userID, role, "")
		return err
	})
	return mem, err
}

// AddMemberTx adds userID to the crew. When actingUserID is non-empty the
// actor must hold add_member. Foreman cannot be granted here; use ChangeRole
// to transfer the foreman seat.
func (m *Manager) AddMemberTx(ctx context.Context, tx docstore.Tx, crewID models.CrewID, userID string, role models.Role, actingUserID string) (models.Member, error) {
	if userID == "" {
		return models.Member{}, crewerr.Invalid("user id is required")
	}
	if !role.Valid() {
		return models.Member{}, crewerr.Invalid("unknown role %q", role)
	}
	if role == models.RoleForeman {
		return models.Member{}, crewerr.Invalid("a crew has exactly one foreman; transfer it with a role change")
	}
	crew, err := m.loadActiveCrew(ctx, tx, crewID)
	if err != nil {
		return models.Member{}, err
	}
	if actingUserID != "" {
		if _, err := m.policy.Authorize(ctx, tx, crewID, actingUserID, crewpolicy.AddMember, nil); err != nil {
			return models.Member{}, err
		}
	}
	if _, exists, err := m.getMember(ctx, tx, crewID, userID); err != nil {
		return models.Member{}, err
	} else if exists || crew.HasMember(userID) {
		return models.Member{}, crewerr.Conflict("user is already a member of crew %s", crewID)
	}

	now := m.clock()
	mem := models.Member{
		Key:            models.MemberKey(crewID, userID),
		CrewID:         crewID,
		UserID:         userID,
		Role:           role,
		JoinedAt:       now,
		LastActivityAt: now,
	}
	if err := tx.Insert(ctx, docstore.Members, mem.Key, mem); err != nil {
		return models.Member{}, err
	}
	crew.MemberIDs = append(crew.MemberIDs, userID)
	if crew.Roles == nil {
		crew.Roles = map[string]models.Role{}
	}
	crew.Roles[userID] = role
	if err := m.saveCrew(ctx, tx, &crew); err != nil {
		return models.Member{}, err
	}
	if err := m.linkUser(ctx, tx, userID, crewID); err != nil {
		return models.Member{}, err
	}
	if err := m.enqueue(ctx, tx, crewID, userID, notice{
		typ:     models.NotifyMemberJoined,
		payload: bson.M{"user_id": userID, "role": string(role)},
	}); err != nil {
		return models.Member{}, err
	}
	return mem, nil
}

// RemoveMember removes userID from the crew on behalf of actingUserID.
func (m *Manager) RemoveMember(ctx context.Context, crewID models.CrewID, userID, actingUserID string) error {
	return m.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return m.RemoveMemberTx(ctx, tx, crewID, userID, actingUserID)
	})
}

// RemoveMemberTx removes a member. Removing yourself is leaving and needs
// leave_crew; removing someone else needs remove_member. The foreman cannot
// leave; the seat must be transferred first so the crew always has one.
func (m *Manager) RemoveMemberTx(ctx context.Context, tx docstore.Tx, crewID models.CrewID, userID, actingUserID string) error {
	crew, err := m.loadActiveCrew(ctx, tx, crewID)
	if err != nil {
		return err
	}

	action := crewpolicy.RemoveMember
	if userID == actingUserID {
		action = crewpolicy.LeaveCrew
	}
	role, err := m.policy.Authorize(ctx, tx, crewID, actingUserID, action, nil)
	if err != nil {
		return err
	}
	if action == crewpolicy.LeaveCrew && role == models.RoleForeman {
		return crewerr.Conflict("the foreman cannot leave crew %s; transfer the foreman role first", crewID)
	}

	target, exists, err := m.getMember(ctx, tx, crewID, userID)
	if err != nil {
		return err
	}
	if !exists {
		return crewerr.NotFound("user is not a member of crew %s", crewID)
	}
	if target.Role == models.RoleForeman {
		return crewerr.Conflict("the foreman of crew %s cannot be removed", crewID)
	}

	if err := tx.Delete(ctx, docstore.Members, target.Key); err != nil {
		return err
	}
	crew.MemberIDs = removeString(crew.MemberIDs, userID)
	delete(crew.Roles, userID)
	if err := m.saveCrew(ctx, tx, &crew); err != nil {
		return err
	}
	if err := m.unlinkUser(ctx, tx, userID, crewID); err != nil {
		return err
	}
	return m.enqueue(ctx, tx, crewID, actingUserID, notice{
		typ:     models.NotifyMemberRemoved,
		direct:  []string{userID},
		payload: bson.M{"user_id": userID, "left": userID == actingUserID},
	})
}

// ChangeRole sets userID's role on behalf of actingUserID.
func (m *Manager) ChangeRole(ctx context.Context, crewID models.CrewID, userID string, newRole models.Role, actingUserID string) (models.Member, error) {
	var mem models.Member
	err := m.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		mem, err = m.ChangeRoleTx(ctx, tx, crewID, userID, newRole, actingUserID)
		return err
	})
	return mem, err
}

// ChangeRoleTx changes a member's role. Only the foreman may change roles.
// Promoting someone to Foreman transfers the seat: the acting foreman
// becomes a Lead in the same transaction. The sole foreman cannot demote
// themselves. A target that is no longer a member is a Conflict (stale
// request), not NotFound.
func (m *Manager) ChangeRoleTx(ctx context.Context, tx docstore.Tx, crewID models.CrewID, userID string, newRole models.Role, actingUserID string) (models.Member, error) {
	if !newRole.Valid() {
		return models.Member{}, crewerr.Invalid("unknown role %q", newRole)
	}
	crew, err := m.loadActiveCrew(ctx, tx, crewID)
	if err != nil {
		return models.Member{}, err
	}
	if _, err := m.policy.Authorize(ctx, tx, crewID, actingUserID, crewpolicy.UpdateCrew, []string{crewpolicy.FieldRoles}); err != nil {
		return models.Member{}, err
	}

	target, exists, err := m.getMember(ctx, tx, crewID, userID)
	if err != nil {
		return models.Member{}, err
	}
	if !exists {
		return models.Member{}, crewerr.Conflict("role change target is no longer a member of crew %s", crewID)
	}
	if target.Role == newRole {
		return target, nil
	}
	if userID == actingUserID {
		return models.Member{}, crewerr.Conflict("the sole foreman cannot demote themselves; promote another member to foreman first")
	}

	oldRole := target.Role
	if newRole == models.RoleForeman {
		actor, _, err := m.getMember(ctx, tx, crewID, actingUserID)
		if err != nil {
			return models.Member{}, err
		}
		actor.Role = models.RoleLead
		if err := tx.Put(ctx, docstore.Members, actor.Key, actor); err != nil {
			return models.Member{}, err
		}
		crew.Roles[actingUserID] = models.RoleLead
		crew.ForemanID = userID
	}
	target.Role = newRole
	if err := tx.Put(ctx, docstore.Members, target.Key, target); err != nil {
		return models.Member{}, err
	}
	crew.Roles[userID] = newRole
	if err := m.saveCrew(ctx, tx, &crew); err != nil {
		return models.Member{}, err
	}
	if err := m.enqueue(ctx, tx, crewID, actingUserID, notice{
		typ:     models.NotifyRoleChanged,
		direct:  []string{userID},
		payload: bson.M{"user_id": userID, "from": string(oldRole), "to": string(newRole)},
	}); err != nil {
		return models.Member{}, err
	}
	return target, nil
}

// GetRole returns userID's role in the crew with logical id crewID; ok is
// false when the user holds no role there.
func (m *Manager) GetRole(ctx context.Context, crewID models.CrewID, userID string) (models.Role, bool, error) {
	return crewpolicy.RoleOf(ctx, m.ds, crewID, userID)
}

// CrewPatch lists crew fields to change; nil fields are left alone.
type CrewPatch struct {
	Name           *string
	IsActive       *bool
	JobPreferences *bson.M
}

// UpdateCrew applies patch on behalf of actingUserID.
func (m *Manager) UpdateCrew(ctx context.Context, crewID models.CrewID, actingUserID string, patch CrewPatch) (models.Crew, error) {
	var crew models.Crew
	err := m.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		crew, err = m.UpdateCrewTx(ctx, tx, crewID, actingUserID, patch)
		return err
	})
	return crew, err
}

// UpdateCrewTx computes which fields the patch really changes, checks them
// all against the actor's role, and applies them only if every one is
// allowed. Deactivation is a tombstone: it cannot be undone, and pending
// invitations expire with it.
func (m *Manager) UpdateCrewTx(ctx context.Context, tx docstore.Tx, crewID models.CrewID, actingUserID string, patch CrewPatch) (models.Crew, error) {
	crew, err := m.loadActiveCrew(ctx, tx, crewID)
	if err != nil {
		return crew, err
	}

	var fields []string
	var newName string
	if patch.Name != nil {
		newName, err = validateName(*patch.Name)
		if err != nil {
			return models.Crew{}, err
		}
		if newName != crew.Name {
			fields = append(fields, crewpolicy.FieldName)
		}
	}
	if patch.IsActive != nil && *patch.IsActive != crew.IsActive {
		fields = append(fields, crewpolicy.FieldIsActive)
	}
	if patch.JobPreferences != nil {
		fields = append(fields, crewpolicy.FieldJobPreferences)
	}
	if len(fields) == 0 {
		return crew, nil
	}
	if _, err := m.policy.Authorize(ctx, tx, crewID, actingUserID, crewpolicy.UpdateCrew, fields); err != nil {
		return models.Crew{}, err
	}

	now := m.clock()
	typ := models.NotifyCrewUpdated
	for _, f := range fields {
		switch f {
		case crewpolicy.FieldName:
			crew.Name = newName
			crew.NameCI = text.Fold(newName)
		case crewpolicy.FieldJobPreferences:
			crew.JobPreferences = *patch.JobPreferences
		case crewpolicy.FieldIsActive:
			crew.IsActive = false
			crew.DeactivatedAt = &now
			typ = models.NotifyCrewDeactivated
			if _, err := m.expirePending(ctx, tx, docstore.Where("crew_id", crewID).And("status", docstore.Eq, models.InvitationPending)); err != nil {
				return models.Crew{}, err
			}
		}
	}
	if err := m.saveCrew(ctx, tx, &crew); err != nil {
		return models.Crew{}, err
	}
	if err := m.enqueue(ctx, tx, crewID, actingUserID, notice{
		typ:     typ,
		payload: bson.M{"fields": fields},
	}); err != nil {
		return models.Crew{}, err
	}
	return crew, nil
}

// Rename is UpdateCrew for the name only.
func (m *Manager) Rename(ctx context.Context, crewID models.CrewID, actingUserID, name string) (models.Crew, error) {
	return m.UpdateCrew(ctx, crewID, actingUserID, CrewPatch{Name: &name})
}

// Deactivate tombstones the crew.
func (m *Manager) Deactivate(ctx context.Context, crewID models.CrewID, actingUserID string) (models.Crew, error) {
	inactive := false
	return m.UpdateCrew(ctx, crewID, actingUserID, CrewPatch{IsActive: &inactive})
}
