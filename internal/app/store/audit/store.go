// internal/app/store/audit/store.go
package audit

import (
	"context"
	"time"

	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"github.com/google/uuid"
)

// Event categories
const (
	CategoryCrew = "crew"
	CategoryOps  = "ops"
)

// Crew event types
const (
	EventCrewCreated        = "crew_created"
	EventCrewUpdated        = "crew_updated"
	EventCrewDeactivated    = "crew_deactivated"
	EventMemberAdded        = "member_added"
	EventMemberRemoved      = "member_removed"
	EventMemberLeft         = "member_left"
	EventRoleChanged        = "role_changed"
	EventInvitationSent     = "invitation_sent"
	EventInvitationAccepted = "invitation_accepted"
	EventInvitationDeclined = "invitation_declined"
	EventItemDeleted        = "item_deleted"
)

// Ops event types
const (
	EventNotificationFailed = "notification_failed"
	EventRateLimited        = "rate_limited"
	EventSignedIn           = "signed_in"
	EventSignedOut          = "signed_out"
)

// Event represents an audit event.
type Event struct {
	ID        string        `bson:"_id" json:"id"`
	Timestamp time.Time     `bson:"timestamp" json:"timestamp"`
	CrewID    models.CrewID `bson:"crew_id,omitempty" json:"crew_id,omitempty"`

	// Event classification
	Category  string `bson:"category" json:"category"`
	EventType string `bson:"event_type" json:"event_type"`

	// Who
	UserID  string `bson:"user_id,omitempty" json:"user_id,omitempty"`   // affected user
	ActorID string `bson:"actor_id,omitempty" json:"actor_id,omitempty"` // who performed the action

	// Context
	IP          string `bson:"ip,omitempty" json:"ip,omitempty"`
	OperationID string `bson:"operation_id,omitempty" json:"operation_id,omitempty"`

	// Outcome
	Success       bool   `bson:"success" json:"success"`
	FailureReason string `bson:"failure_reason,omitempty" json:"failure_reason,omitempty"`

	// Additional details (varies by event type)
	Details map[string]string `bson:"details,omitempty" json:"details,omitempty"`
}

// QueryFilter defines filters for querying audit events.
type QueryFilter struct {
	CrewID    models.CrewID
	UserID    string
	Category  string
	EventType string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int64
}

// Store manages audit event records.
type Store struct {
	ds  docstore.Store
	now func() time.Time
}

// New creates a new audit Store.
func New(ds docstore.Store) *Store {
	return &Store{ds: ds, now: time.Now}
}

// Log records an audit event in its own transaction.
func (s *Store) Log(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	return s.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Insert(ctx, docstore.AuditEvents, event.ID, event)
	})
}

func (f QueryFilter) query() docstore.Query {
	var q docstore.Query
	if f.CrewID != "" {
		q = q.And("crew_id", docstore.Eq, f.CrewID)
	}
	if f.UserID != "" {
		q = q.And("user_id", docstore.Eq, f.UserID)
	}
	if f.Category != "" {
		q = q.And("category", docstore.Eq, f.Category)
	}
	if f.EventType != "" {
		q = q.And("event_type", docstore.Eq, f.EventType)
	}
	if f.StartTime != nil {
		q = q.And("timestamp", docstore.Gte, *f.StartTime)
	}
	if f.EndTime != nil {
		q = q.And("timestamp", docstore.Lte, *f.EndTime)
	}
	return q
}

// Query retrieves audit events matching the given filter, newest first.
func (s *Store) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var events []Event
	q := filter.query().OrderBy("timestamp", true).Take(limit)
	if err := s.ds.Find(ctx, docstore.AuditEvents, q, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// CountByFilter returns the count of events matching the filter.
func (s *Store) CountByFilter(ctx context.Context, filter QueryFilter) (int64, error) {
	return s.ds.Count(ctx, docstore.AuditEvents, filter.query().Filter)
}

// GetByCrew retrieves recent audit events for a crew.
func (s *Store) GetByCrew(ctx context.Context, crewID models.CrewID, limit int64) ([]Event, error) {
	return s.Query(ctx, QueryFilter{CrewID: crewID, Limit: limit})
}

// GetRecent retrieves the most recent audit events.
func (s *Store) GetRecent(ctx context.Context, limit int64) ([]Event, error) {
	return s.Query(ctx, QueryFilter{Limit: limit})
}
