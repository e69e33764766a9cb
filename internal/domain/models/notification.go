// internal/domain/models/notification.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// JobStatus of a NotificationJob.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobSent    JobStatus = "sent"
	JobFailed  JobStatus = "failed"
)

// Audience selects who a job is delivered to.
const (
	// AudienceCrew is every crew member plus DirectRecipients, minus the actor.
	AudienceCrew = "crew"
	// AudienceDirect is DirectRecipients only (e.g. an invitee).
	AudienceDirect = "direct"
)

// Notification job types.
const (
	NotifyCrewCreated     = "crew_created"
	NotifyMemberJoined    = "member_joined"
	NotifyMemberRemoved   = "member_removed"
	NotifyRoleChanged     = "role_changed"
	NotifyInvitationSent  = "invitation_sent"
	NotifyCrewUpdated     = "crew_updated"
	NotifyCrewDeactivated = "crew_deactivated"
	NotifyPostCreated     = "post_created"
	NotifyJobShared       = "job_shared"
	NotifyMessageSent     = "message_sent"
)

// NotificationJob is a unit of fan-out work written in the same transaction
// as the mutation that caused it.
//
// Recipients is nil until the first attempt resolves the crew's member list;
// after that it is a snapshot and is never re-read. Delivered grows across
// attempts so retries only target the remaining recipients.
type NotificationJob struct {
	ID      string `bson:"_id" json:"id"`
	Type    string `bson:"type" json:"type"`
	CrewID  CrewID `bson:"crew_id" json:"crew_id"`
	ActorID string `bson:"actor_id,omitempty" json:"actor_id,omitempty"`
	Payload bson.M `bson:"payload,omitempty" json:"payload,omitempty"`

	Audience         string   `bson:"audience" json:"audience"`
	DirectRecipients []string `bson:"direct_recipients,omitempty" json:"direct_recipients,omitempty"`

	Status      JobStatus `bson:"status" json:"status"`
	Attempts    int       `bson:"attempts" json:"attempts"`
	MaxAttempts int       `bson:"max_attempts" json:"max_attempts"`
	Recipients  []string  `bson:"recipients,omitempty" json:"recipients,omitempty"`
	Resolved    bool      `bson:"resolved" json:"resolved"`
	Delivered   []string  `bson:"delivered,omitempty" json:"delivered,omitempty"`
	LastError   string    `bson:"last_error,omitempty" json:"last_error,omitempty"`

	NextAttemptAt time.Time  `bson:"next_attempt_at" json:"next_attempt_at"`
	LeaseToken    string     `bson:"lease_token,omitempty" json:"-"`
	LeaseUntil    *time.Time `bson:"lease_until,omitempty" json:"-"`

	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updated_at"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// Pending returns the snapshot recipients not yet delivered.
func (j *NotificationJob) Pending() []string {
	done := make(map[string]struct{}, len(j.Delivered))
	for _, id := range j.Delivered {
		done[id] = struct{}{}
	}
	out := make([]string, 0, len(j.Recipients))
	for _, id := range j.Recipients {
		if _, ok := done[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
