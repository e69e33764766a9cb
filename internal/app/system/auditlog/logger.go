// internal/app/system/auditlog/logger.go
package auditlog

import (
	"context"
	"net/http"
	"strconv"

	"github.com/dalemusser/crewhub/internal/app/store/audit"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"go.uber.org/zap"
)

// Config holds audit logging configuration.
type Config struct {
	// Crew controls logging for crew lifecycle and membership events.
	// Values: "all" (store + zap), "db" (store only), "log" (zap only), "off" (disabled)
	Crew string
	// Ops controls logging for operational events (notification failures,
	// rate limit denials, sign in and sign out).
	Ops string
}

// Logger provides convenience methods for logging audit events.
// It logs to both the document store (via audit.Store) and structured logs (via zap).
type Logger struct {
	store  *audit.Store
	zapLog *zap.Logger
	config Config
}

// New creates a new audit Logger.
func New(store *audit.Store, zapLog *zap.Logger, config Config) *Logger {
	return &Logger{
		store:  store,
		zapLog: zapLog,
		config: config,
	}
}

// ClientIP extracts the client IP from the request.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

func (l *Logger) logToZap(event audit.Event) {
	fields := []zap.Field{
		zap.Bool("audit", true),
		zap.String("category", event.Category),
		zap.String("event_type", event.EventType),
		zap.Bool("success", event.Success),
	}
	if event.CrewID != "" {
		fields = append(fields, zap.String("crew_id", string(event.CrewID)))
	}
	if event.UserID != "" {
		fields = append(fields, zap.String("user_id", event.UserID))
	}
	if event.ActorID != "" {
		fields = append(fields, zap.String("actor_id", event.ActorID))
	}
	if event.OperationID != "" {
		fields = append(fields, zap.String("operation_id", event.OperationID))
	}
	if event.IP != "" {
		fields = append(fields, zap.String("ip", event.IP))
	}
	if event.FailureReason != "" {
		fields = append(fields, zap.String("failure_reason", event.FailureReason))
	}
	for k, v := range event.Details {
		fields = append(fields, zap.String("detail_"+k, v))
	}

	if event.Success {
		l.zapLog.Info("audit event", fields...)
	} else {
		l.zapLog.Warn("audit event", fields...)
	}
}

// Log records an audit event based on configuration.
// If the logger is nil, this is a no-op (allows tests to use nil audit logger).
func (l *Logger) Log(ctx context.Context, event audit.Event) {
	if l == nil {
		return
	}

	var setting string
	switch event.Category {
	case audit.CategoryCrew:
		setting = l.config.Crew
	case audit.CategoryOps:
		setting = l.config.Ops
	default:
		setting = "all"
	}
	if setting == "" {
		setting = "all"
	}
	if setting == "off" {
		return
	}

	if setting == "all" || setting == "log" {
		l.logToZap(event)
	}
	if (setting == "all" || setting == "db") && l.store != nil {
		if err := l.store.Log(context.WithoutCancel(ctx), event); err != nil {
			l.zapLog.Error("failed to store audit event",
				zap.Error(err),
				zap.String("event_type", event.EventType),
			)
		}
	}
}

// --- Crew Events ---

func (l *Logger) crew(ctx context.Context, eventType string, crewID models.CrewID, actorID, userID, opID string, details map[string]string) {
	l.Log(ctx, audit.Event{
		Category:    audit.CategoryCrew,
		EventType:   eventType,
		CrewID:      crewID,
		ActorID:     actorID,
		UserID:      userID,
		OperationID: opID,
		Success:     true,
		Details:     details,
	})
}

// CrewCreated logs a new crew and its founding foreman.
func (l *Logger) CrewCreated(ctx context.Context, crew models.Crew, opID string) {
	l.crew(ctx, audit.EventCrewCreated, crew.ID, crew.ForemanID, crew.ForemanID, opID, map[string]string{
		"name": crew.Name,
	})
}

// CrewUpdated logs a rename, preference change, or deactivation.
func (l *Logger) CrewUpdated(ctx context.Context, crew models.Crew, actorID, opID string) {
	eventType := audit.EventCrewUpdated
	if !crew.IsActive {
		eventType = audit.EventCrewDeactivated
	}
	l.crew(ctx, eventType, crew.ID, actorID, "", opID, map[string]string{
		"name":      crew.Name,
		"is_active": strconv.FormatBool(crew.IsActive),
	})
}

// MemberAdded logs a member joining a crew.
func (l *Logger) MemberAdded(ctx context.Context, m models.Member, actorID, opID string) {
	l.crew(ctx, audit.EventMemberAdded, m.CrewID, actorID, m.UserID, opID, map[string]string{
		"role": string(m.Role),
	})
}

// MemberRemoved logs a removal, or a departure when the actor is the member.
func (l *Logger) MemberRemoved(ctx context.Context, crewID models.CrewID, userID, actorID, opID string) {
	eventType := audit.EventMemberRemoved
	if userID == actorID {
		eventType = audit.EventMemberLeft
	}
	l.crew(ctx, eventType, crewID, actorID, userID, opID, nil)
}

// RoleChanged logs a role change.
func (l *Logger) RoleChanged(ctx context.Context, m models.Member, actorID, opID string) {
	l.crew(ctx, audit.EventRoleChanged, m.CrewID, actorID, m.UserID, opID, map[string]string{
		"role": string(m.Role),
	})
}

// InvitationSent logs an invitation.
func (l *Logger) InvitationSent(ctx context.Context, inv models.Invitation, opID string) {
	l.crew(ctx, audit.EventInvitationSent, inv.CrewID, inv.InviterID, inv.InviteeID, opID, map[string]string{
		"invitation_id": inv.ID,
	})
}

// InvitationResponded logs an accept or decline.
func (l *Logger) InvitationResponded(ctx context.Context, inv models.Invitation, opID string) {
	eventType := audit.EventInvitationDeclined
	if inv.Status == models.InvitationAccepted {
		eventType = audit.EventInvitationAccepted
	}
	l.crew(ctx, eventType, inv.CrewID, inv.InviteeID, inv.InviteeID, opID, map[string]string{
		"invitation_id": inv.ID,
	})
}

// ItemDeleted logs an item removal.
func (l *Logger) ItemDeleted(ctx context.Context, crewID models.CrewID, itemID, actorID, opID string) {
	l.crew(ctx, audit.EventItemDeleted, crewID, actorID, "", opID, map[string]string{
		"item_id": itemID,
	})
}

// --- Ops Events ---

// JobFailed records a notification job that exhausted its attempts. It
// satisfies fanout.Alerter.
func (l *Logger) JobFailed(ctx context.Context, job models.NotificationJob) {
	l.Log(ctx, audit.Event{
		Category:      audit.CategoryOps,
		EventType:     audit.EventNotificationFailed,
		CrewID:        job.CrewID,
		ActorID:       job.ActorID,
		Success:       false,
		FailureReason: job.LastError,
		Details: map[string]string{
			"job_id":      job.ID,
			"type":        job.Type,
			"attempts":    strconv.Itoa(job.Attempts),
			"undelivered": strconv.Itoa(len(job.Pending())),
		},
	})
}

// RateLimited records a denied mutation.
func (l *Logger) RateLimited(ctx context.Context, userID, action string) {
	l.Log(ctx, audit.Event{
		Category:      audit.CategoryOps,
		EventType:     audit.EventRateLimited,
		UserID:        userID,
		Success:       false,
		FailureReason: "rate limited",
		Details:       map[string]string{"action": action},
	})
}

// SignedIn records a session sign in.
func (l *Logger) SignedIn(ctx context.Context, r *http.Request, userID string) {
	l.Log(ctx, audit.Event{
		Category:  audit.CategoryOps,
		EventType: audit.EventSignedIn,
		UserID:    userID,
		IP:        ClientIP(r),
		Success:   true,
	})
}

// SignedOut records a session sign out.
func (l *Logger) SignedOut(ctx context.Context, r *http.Request, userID string) {
	l.Log(ctx, audit.Event{
		Category:  audit.CategoryOps,
		EventType: audit.EventSignedOut,
		UserID:    userID,
		IP:        ClientIP(r),
		Success:   true,
	})
}
