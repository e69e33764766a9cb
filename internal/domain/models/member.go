// internal/domain/models/member.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Member is the authoritative membership record. Exactly one per (crew, user).
type Member struct {
	Key            string    `bson:"_id" json:"-"`
	CrewID         CrewID    `bson:"crew_id" json:"crew_id"`
	UserID         string    `bson:"user_id" json:"user_id"`
	Role           Role      `bson:"role" json:"role"`
	JoinedAt       time.Time `bson:"joined_at" json:"joined_at"`
	LastActivityAt time.Time `bson:"last_activity_at" json:"last_activity_at"`
	Preferences    bson.M    `bson:"preferences,omitempty" json:"preferences,omitempty"`
}

// MemberKey builds the storage key of a Member record.
func MemberKey(crewID CrewID, userID string) string {
	return string(crewID) + ":" + userID
}
