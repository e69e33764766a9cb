// internal/app/system/membership/members.go
package membership

import (
	"context"

	"github.com/dalemusser/crewhub/internal/app/policy/crewpolicy"
	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/domain/crewerr"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
)

// UpdateMemberPreferences replaces the acting user's own member preferences.
func (m *Manager) UpdateMemberPreferences(ctx context.Context, crewID models.CrewID, userID string, prefs bson.M) (models.Member, error) {
	var mem models.Member
	err := m.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		mem, err = m.UpdateMemberPreferencesTx(ctx, tx, crewID, userID, prefs)
		return err
	})
	return mem, err
}

// UpdateMemberPreferencesTx is UpdateMemberPreferences inside tx.
func (m *Manager) UpdateMemberPreferencesTx(ctx context.Context, tx docstore.Tx, crewID models.CrewID, userID string, prefs bson.M) (models.Member, error) {
	if _, err := m.loadActiveCrew(ctx, tx, crewID); err != nil {
		return models.Member{}, err
	}
	if _, err := m.policy.Authorize(ctx, tx, crewID, userID, crewpolicy.UpdateOwnMember, []string{crewpolicy.FieldPreferences}); err != nil {
		return models.Member{}, err
	}
	mem, _, err := m.getMember(ctx, tx, crewID, userID)
	if err != nil {
		return models.Member{}, err
	}
	mem.Preferences = prefs
	if err := tx.Put(ctx, docstore.Members, mem.Key, mem); err != nil {
		return models.Member{}, err
	}
	return mem, nil
}

// RecordActivity bumps the acting user's last_activity_at in the crew.
func (m *Manager) RecordActivity(ctx context.Context, crewID models.CrewID, userID string) error {
	return m.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return m.RecordActivityTx(ctx, tx, crewID, userID)
	})
}

// RecordActivityTx is RecordActivity inside tx.
func (m *Manager) RecordActivityTx(ctx context.Context, tx docstore.Tx, crewID models.CrewID, userID string) error {
	if _, err := m.policy.Authorize(ctx, tx, crewID, userID, crewpolicy.UpdateOwnMember, []string{crewpolicy.FieldLastActivityAt}); err != nil {
		return err
	}
	return m.touch(ctx, tx, crewID, userID)
}

func (m *Manager) touch(ctx context.Context, tx docstore.Tx, crewID models.CrewID, userID string) error {
	mem, ok, err := m.getMember(ctx, tx, crewID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return crewerr.Forbidden("user is not a member of crew %s", crewID)
	}
	mem.LastActivityAt = m.clock()
	return tx.Put(ctx, docstore.Members, mem.Key, mem)
}

// ListMembers returns the crew's members in join order. The acting user
// must be a member.
func (m *Manager) ListMembers(ctx context.Context, crewID models.CrewID, actingUserID string) ([]models.Member, error) {
	if _, err := m.loadCrew(ctx, m.ds, crewID); err != nil {
		return nil, err
	}
	if _, err := m.policy.Authorize(ctx, m.ds, crewID, actingUserID, crewpolicy.ViewCrew, nil); err != nil {
		return nil, err
	}
	var out []models.Member
	q := docstore.Where("crew_id", crewID).OrderBy("joined_at", false)
	if err := m.ds.Find(ctx, docstore.Members, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListCrewsForUser returns the user's memberships, most recently active first.
func (m *Manager) ListCrewsForUser(ctx context.Context, userID string) ([]models.Member, error) {
	var out []models.Member
	q := docstore.Where("user_id", userID).OrderBy("last_activity_at", true)
	if err := m.ds.Find(ctx, docstore.Members, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}
