// internal/domain/models/crew.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// CrewID is the logical, human-derived crew identifier ("localsunited-7").
//
// It is deliberately a different type from the crew document's storage key.
// Role resolution and permission checks always take a CrewID.
type CrewID string

func (id CrewID) String() string { return string(id) }

// Crew is a user-formed group sharing job leads and communication.
//
// Invariants (maintained by the membership manager in one transaction):
//   - ForemanID ∈ MemberIDs and Roles[ForemanID] == RoleForeman
//   - MemberIDs is exactly the user set of the crew's Member records
type Crew struct {
	StorageKey string          `bson:"_id" json:"-"`
	ID         CrewID          `bson:"crew_id" json:"id"`
	Name       string          `bson:"name" json:"name"`
	NameCI     string          `bson:"name_ci" json:"-"`
	ForemanID  string          `bson:"foreman_id" json:"foreman_id"`
	MemberIDs  []string        `bson:"member_ids" json:"member_ids"`
	Roles      map[string]Role `bson:"roles" json:"roles"`

	// JobPreferences is an opaque criteria blob owned by the client.
	JobPreferences bson.M `bson:"job_preferences,omitempty" json:"job_preferences,omitempty"`

	IsActive      bool       `bson:"is_active" json:"is_active"`
	CreatedAt     time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at" json:"updated_at"`
	DeactivatedAt *time.Time `bson:"deactivated_at,omitempty" json:"deactivated_at,omitempty"`
}

// HasMember reports whether userID is in the crew's member set.
func (c *Crew) HasMember(userID string) bool {
	for _, id := range c.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// UserCrews is the per-user projection of crew membership.
type UserCrews struct {
	UserID    string    `bson:"_id" json:"user_id"`
	CrewIDs   []CrewID  `bson:"crew_ids" json:"crew_ids"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}
