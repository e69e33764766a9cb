// internal/app/system/membership/invitations.go
package membership

import (
	"context"
	"errors"
	"time"

	"github.com/dalemusser/crewhub/internal/app/policy/crewpolicy"
	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/domain/crewerr"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
)

// Invite creates a pending invitation on behalf of inviterID.
func (m *Manager) Invite(ctx context.Context, crewID models.CrewID, inviterID, inviteeID string) (models.Invitation, error) {
	var inv models.Invitation
	err := m.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		inv, err = m.InviteTx(ctx, tx, crewID, inviterID, inviteeID)
		return err
	})
	return inv, err
}

// InviteTx requires invite_member. The invitee must not already be a
// member and must not hold an unexpired pending invitation to the crew. A
// lapsed pending invitation is marked Expired in the same transaction before
// the new one is written.
func (m *Manager) InviteTx(ctx context.Context, tx docstore.Tx, crewID models.CrewID, inviterID, inviteeID string) (models.Invitation, error) {
	if inviteeID == "" {
		return models.Invitation{}, crewerr.Invalid("invitee id is required")
	}
	if _, err := m.loadActiveCrew(ctx, tx, crewID); err != nil {
		return models.Invitation{}, err
	}
	if _, err := m.policy.Authorize(ctx, tx, crewID, inviterID, crewpolicy.InviteMember, nil); err != nil {
		return models.Invitation{}, err
	}
	if _, exists, err := m.getMember(ctx, tx, crewID, inviteeID); err != nil {
		return models.Invitation{}, err
	} else if exists {
		return models.Invitation{}, crewerr.Conflict("user is already a member of crew %s", crewID)
	}

	now := m.clock()
	var pending []models.Invitation
	q := docstore.Where("crew_id", crewID).
		And("invitee_id", docstore.Eq, inviteeID).
		And("status", docstore.Eq, models.InvitationPending)
	if err := tx.Find(ctx, docstore.Invitations, q, &pending); err != nil {
		return models.Invitation{}, err
	}
	for _, p := range pending {
		if !p.ExpiredAt(now) {
			return models.Invitation{}, crewerr.Conflict("user already has a pending invitation to crew %s", crewID)
		}
		if err := m.markExpired(ctx, tx, p, now); err != nil {
			return models.Invitation{}, err
		}
	}

	inv := models.Invitation{
		ID:        m.newID(),
		CrewID:    crewID,
		InviterID: inviterID,
		InviteeID: inviteeID,
		Status:    models.InvitationPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.invitationTTL),
	}
	if err := tx.Insert(ctx, docstore.Invitations, inv.ID, inv); err != nil {
		if errors.Is(err, docstore.ErrDuplicate) {
			return models.Invitation{}, crewerr.Conflict("user already has a pending invitation to crew %s", crewID)
		}
		return models.Invitation{}, err
	}
	if err := m.enqueue(ctx, tx, crewID, inviterID, notice{
		typ:      models.NotifyInvitationSent,
		audience: models.AudienceDirect,
		direct:   []string{inviteeID},
		payload:  bson.M{"invitation_id": inv.ID, "expires_at": inv.ExpiresAt},
	}); err != nil {
		return models.Invitation{}, err
	}
	return inv, nil
}

// RespondInvitation accepts or declines an invitation as inviteeID.
func (m *Manager) RespondInvitation(ctx context.Context, invitationID, inviteeID string, accept bool) (models.Invitation, error) {
	var inv models.Invitation
	err := m.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		inv, err = m.RespondInvitationTx(ctx, tx, invitationID, inviteeID, accept)
		return err
	})
	return inv, err
}

// RespondInvitationTx moves a pending invitation to Accepted or Declined.
// Accepting adds the invitee as a Member through the system path. Only
// Pending invitations can be answered; an invitation past its expiry is a
// Conflict even if the expiry job has not marked it yet.
func (m *Manager) RespondInvitationTx(ctx context.Context, tx docstore.Tx, invitationID, inviteeID string, accept bool) (models.Invitation, error) {
	var inv models.Invitation
	if err := tx.Get(ctx, docstore.Invitations, invitationID, &inv); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return inv, crewerr.NotFound("invitation %s not found", invitationID)
		}
		return inv, err
	}
	if inv.InviteeID != inviteeID {
		return models.Invitation{}, crewerr.Forbidden("invitation %s is addressed to another user", invitationID)
	}
	if inv.Status != models.InvitationPending {
		return models.Invitation{}, crewerr.Conflict("invitation %s is already %s", invitationID, inv.Status)
	}
	now := m.clock()
	if inv.ExpiredAt(now) {
		return models.Invitation{}, crewerr.Conflict("invitation %s has expired", invitationID)
	}

	inv.Status = models.InvitationDeclined
	if accept {
		if _, err := m.AddMemberTx(ctx, tx, inv.CrewID, inviteeID, models.RoleMember, ""); err != nil {
			return models.Invitation{}, err
		}
		inv.Status = models.InvitationAccepted
	}
	inv.RespondedAt = &now
	if err := tx.Put(ctx, docstore.Invitations, inv.ID, inv); err != nil {
		return models.Invitation{}, err
	}
	return inv, nil
}

// ListInvitations returns the invitee's unexpired pending invitations,
// oldest first.
func (m *Manager) ListInvitations(ctx context.Context, inviteeID string) ([]models.Invitation, error) {
	var out []models.Invitation
	q := docstore.Where("invitee_id", inviteeID).
		And("status", docstore.Eq, models.InvitationPending).
		And("expires_at", docstore.Gt, m.clock()).
		OrderBy("created_at", false)
	if err := m.ds.Find(ctx, docstore.Invitations, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ExpireInvitations marks up to limit lapsed pending invitations Expired
// and returns how many it changed. limit <= 0 means no limit.
func (m *Manager) ExpireInvitations(ctx context.Context, limit int64) (int, error) {
	var n int
	err := m.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		q := docstore.Where("status", models.InvitationPending).
			And("expires_at", docstore.Lte, m.clock()).
			OrderBy("expires_at", false)
		if limit > 0 {
			q = q.Take(limit)
		}
		var err error
		n, err = m.expirePending(ctx, tx, q)
		return err
	})
	return n, err
}

func (m *Manager) expirePending(ctx context.Context, tx docstore.Tx, q docstore.Query) (int, error) {
	var found []models.Invitation
	if err := tx.Find(ctx, docstore.Invitations, q, &found); err != nil {
		return 0, err
	}
	now := m.clock()
	for _, inv := range found {
		if err := m.markExpired(ctx, tx, inv, now); err != nil {
			return 0, err
		}
	}
	return len(found), nil
}

func (m *Manager) markExpired(ctx context.Context, tx docstore.Tx, inv models.Invitation, now time.Time) error {
	inv.Status = models.InvitationExpired
	inv.RespondedAt = &now
	return tx.Put(ctx, docstore.Invitations, inv.ID, inv)
}
