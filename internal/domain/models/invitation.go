// internal/domain/models/invitation.go
package models

import "time"

// InvitationStatus values. Every transition out of Pending is terminal.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
	InvitationExpired  InvitationStatus = "expired"
)

// Invitation asks InviteeID to join a crew.
// At most one Pending invitation exists per (CrewID, InviteeID).
type Invitation struct {
	ID          string           `bson:"_id" json:"id"`
	CrewID      CrewID           `bson:"crew_id" json:"crew_id"`
	InviterID   string           `bson:"inviter_id" json:"inviter_id"`
	InviteeID   string           `bson:"invitee_id" json:"invitee_id"`
	Status      InvitationStatus `bson:"status" json:"status"`
	CreatedAt   time.Time        `bson:"created_at" json:"created_at"`
	ExpiresAt   time.Time        `bson:"expires_at" json:"expires_at"`
	RespondedAt *time.Time       `bson:"responded_at,omitempty" json:"responded_at,omitempty"`
}

// ExpiredAt reports whether a pending invitation has lapsed at now.
func (i *Invitation) ExpiredAt(now time.Time) bool {
	return i.Status == InvitationPending && !now.Before(i.ExpiresAt)
}
