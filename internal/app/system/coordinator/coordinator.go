// internal/app/system/coordinator/coordinator.go
//
// Package coordinator is the entry point for every crew mutation arriving
// from the HTTP layer. A mutation passes through, in order:
//
//  1. the caller's identity (an empty user id is Unauthenticated)
//  2. the executor's operation cache (a replay returns the stored result
//     without touching the rate limiter)
//  3. the rate limiter (quota is charged before the mutation runs and is
//     not refunded when the mutation fails)
//  4. the write executor, which runs the membership manager's Tx method
//
// After a commit the fan-out worker is woken and the audit trail and
// metrics are updated.
package coordinator

import (
	"context"
	"time"

	"github.com/dalemusser/crewhub/internal/app/system/auditlog"
	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/app/system/executor"
	"github.com/dalemusser/crewhub/internal/app/system/membership"
	"github.com/dalemusser/crewhub/internal/app/system/ratelimit"
	"github.com/dalemusser/crewhub/internal/domain/crewerr"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// Operation kinds, stored on each operation record.
const (
	OpCreateCrew        = "create_crew"
	OpAddMember         = "add_member"
	OpRemoveMember      = "remove_member"
	OpChangeRole        = "change_role"
	OpUpdateCrew        = "update_crew"
	OpInvite            = "invite"
	OpRespondInvitation = "respond_invitation"
	OpUpdatePreferences = "update_preferences"
	OpRecordActivity    = "record_activity"
	OpCreateItem        = "create_item"
	OpDeleteItem        = "delete_item"
)

// Outcome label for successful mutations and cache replays.
const (
	OutcomeOK       = "ok"
	OutcomeReplayed = "replayed"
)

var itemActions = map[models.ItemKind]string{
	models.ItemPost:      ratelimit.ActionPost,
	models.ItemSharedJob: ratelimit.ActionShareJob,
	models.ItemMessage:   ratelimit.ActionMessage,
}

// Waker is notified after each committed mutation (the fan-out queue).
type Waker interface {
	Wake()
}

// Recorder counts mutation outcomes (the metrics registry).
type Recorder interface {
	Operation(op, outcome string)
}

// Service wires the mutation pipeline together.
type Service struct {
	mgr     *membership.Manager
	exec    *executor.Executor
	limiter *ratelimit.Limiter
	waker   Waker
	audit   *auditlog.Logger
	metrics Recorder
	log     *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithWaker sets the component woken after commits.
func WithWaker(w Waker) Option { return func(s *Service) { s.waker = w } }

// WithAudit sets the audit logger.
func WithAudit(a *auditlog.Logger) Option { return func(s *Service) { s.audit = a } }

// WithRecorder sets the outcome recorder.
func WithRecorder(r Recorder) Option { return func(s *Service) { s.metrics = r } }

// New creates a Service. limiter may be nil to disable rate limiting.
func New(mgr *membership.Manager, exec *executor.Executor, limiter *ratelimit.Limiter, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{mgr: mgr, exec: exec, limiter: limiter, log: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Manager exposes the membership manager for read paths.
func (s *Service) Manager() *membership.Manager { return s.mgr }

func (s *Service) record(op, outcome string) {
	if s.metrics != nil {
		s.metrics.Operation(op, outcome)
	}
}

func (s *Service) fail(op string, err error) error {
	kind := crewerr.KindOf(err)
	if kind == "" {
		// Store errors surface as Unavailable; the executor has already
		// wrapped anything it retried.
		err = crewerr.Unavailable(err)
		kind = crewerr.KindUnavailable
	}
	s.record(op, string(kind))
	if kind == crewerr.KindUnavailable {
		s.log.Warn("mutation unavailable", zap.String("operation", op), zap.Error(err))
	}
	return err
}

// mutate runs fn through the pipeline described in the package comment.
// The bool result reports whether fn's effects were committed by this call
// (false for a replay).
func mutate[T any](ctx context.Context, s *Service, actor, opID, op, action string, fn func(ctx context.Context, tx docstore.Tx) (T, error)) (T, bool, error) {
	var zero T
	if actor == "" {
		return zero, false, s.fail(op, crewerr.Unauthenticated("sign in required"))
	}
	if opID == "" {
		return zero, false, s.fail(op, crewerr.Invalid("operation id is required"))
	}

	cached, ok, err := executor.ReplayAs[T](ctx, s.exec, actor, opID, op)
	if err != nil {
		return zero, false, s.fail(op, err)
	}
	if ok {
		s.record(op, OutcomeReplayed)
		return cached, false, nil
	}

	if action != "" && s.limiter != nil {
		if err := s.limiter.Check(ctx, actor, action); err != nil {
			if crewerr.KindOf(err) == crewerr.KindRateLimited {
				s.audit.RateLimited(ctx, actor, action)
			}
			return zero, false, s.fail(op, err)
		}
	}

	v, err := executor.DoAs(ctx, s.exec, actor, opID, op, fn)
	if err != nil {
		return zero, false, s.fail(op, err)
	}
	s.record(op, OutcomeOK)
	if s.waker != nil {
		s.waker.Wake()
	}
	return v, true, nil
}

// CreateCrew creates a crew founded by actor.
func (s *Service) CreateCrew(ctx context.Context, actor, opID, name string, prefs bson.M) (models.Crew, error) {
	crew, fresh, err := mutate(ctx, s, actor, opID, OpCreateCrew, ratelimit.ActionCreateCrew,
		func(ctx context.Context, tx docstore.Tx) (models.Crew, error) {
			return s.mgr.CreateCrewTx(ctx, tx, name, actor, prefs)
		})
	if fresh {
		s.audit.CrewCreated(ctx, crew, opID)
	}
	return crew, err
}

// AddMember adds userID to the crew with role.
func (s *Service) AddMember(ctx context.Context, actor, opID string, crewID models.CrewID, userID string, role models.Role) (models.Member, error) {
	m, fresh, err := mutate(ctx, s, actor, opID, OpAddMember, "",
		func(ctx context.Context, tx docstore.Tx) (models.Member, error) {
			return s.mgr.AddMemberTx(ctx, tx, crewID, userID, role, actor)
		})
	if fresh {
		s.audit.MemberAdded(ctx, m, actor, opID)
	}
	return m, err
}

// RemoveMember removes userID from the crew, or leaves it when userID is
// the actor.
func (s *Service) RemoveMember(ctx context.Context, actor, opID string, crewID models.CrewID, userID string) error {
	_, fresh, err := mutate(ctx, s, actor, opID, OpRemoveMember, "",
		func(ctx context.Context, tx docstore.Tx) (struct{}, error) {
			return struct{}{}, s.mgr.RemoveMemberTx(ctx, tx, crewID, userID, actor)
		})
	if fresh {
		s.audit.MemberRemoved(ctx, crewID, userID, actor, opID)
	}
	return err
}

// ChangeRole sets userID's role; promoting to foreman transfers the seat.
func (s *Service) ChangeRole(ctx context.Context, actor, opID string, crewID models.CrewID, userID string, role models.Role) (models.Member, error) {
	m, fresh, err := mutate(ctx, s, actor, opID, OpChangeRole, "",
		func(ctx context.Context, tx docstore.Tx) (models.Member, error) {
			return s.mgr.ChangeRoleTx(ctx, tx, crewID, userID, role, actor)
		})
	if fresh {
		s.audit.RoleChanged(ctx, m, actor, opID)
	}
	return m, err
}

// UpdateCrew applies a rename, preference change, or deactivation.
func (s *Service) UpdateCrew(ctx context.Context, actor, opID string, crewID models.CrewID, patch membership.CrewPatch) (models.Crew, error) {
	crew, fresh, err := mutate(ctx, s, actor, opID, OpUpdateCrew, "",
		func(ctx context.Context, tx docstore.Tx) (models.Crew, error) {
			return s.mgr.UpdateCrewTx(ctx, tx, crewID, actor, patch)
		})
	if fresh {
		s.audit.CrewUpdated(ctx, crew, actor, opID)
	}
	return crew, err
}

// Invite invites inviteeID to the crew.
func (s *Service) Invite(ctx context.Context, actor, opID string, crewID models.CrewID, inviteeID string) (models.Invitation, error) {
	inv, fresh, err := mutate(ctx, s, actor, opID, OpInvite, ratelimit.ActionInvite,
		func(ctx context.Context, tx docstore.Tx) (models.Invitation, error) {
			return s.mgr.InviteTx(ctx, tx, crewID, actor, inviteeID)
		})
	if fresh {
		s.audit.InvitationSent(ctx, inv, opID)
	}
	return inv, err
}

// RespondInvitation accepts or declines an invitation addressed to actor.
func (s *Service) RespondInvitation(ctx context.Context, actor, opID, invitationID string, accept bool) (models.Invitation, error) {
	inv, fresh, err := mutate(ctx, s, actor, opID, OpRespondInvitation, "",
		func(ctx context.Context, tx docstore.Tx) (models.Invitation, error) {
			return s.mgr.RespondInvitationTx(ctx, tx, invitationID, actor, accept)
		})
	if fresh {
		s.audit.InvitationResponded(ctx, inv, opID)
	}
	return inv, err
}

// UpdateMemberPreferences replaces actor's own preferences in the crew.
func (s *Service) UpdateMemberPreferences(ctx context.Context, actor, opID string, crewID models.CrewID, prefs bson.M) (models.Member, error) {
	m, _, err := mutate(ctx, s, actor, opID, OpUpdatePreferences, "",
		func(ctx context.Context, tx docstore.Tx) (models.Member, error) {
			return s.mgr.UpdateMemberPreferencesTx(ctx, tx, crewID, actor, prefs)
		})
	return m, err
}

// RecordActivity marks actor active in the crew. Each call is its own
// operation.
func (s *Service) RecordActivity(ctx context.Context, actor string, crewID models.CrewID) error {
	_, _, err := mutate(ctx, s, actor, uuid.NewString(), OpRecordActivity, "",
		func(ctx context.Context, tx docstore.Tx) (struct{}, error) {
			return struct{}{}, s.mgr.RecordActivityTx(ctx, tx, crewID, actor)
		})
	return err
}

// CreateItem posts, shares a job, or sends a message in the crew.
func (s *Service) CreateItem(ctx context.Context, actor, opID string, crewID models.CrewID, kind models.ItemKind, body string, payload bson.M) (models.Item, error) {
	action, ok := itemActions[kind]
	if !ok {
		return models.Item{}, s.fail(OpCreateItem, crewerr.Invalid("unknown item kind %q", kind))
	}
	item, _, err := mutate(ctx, s, actor, opID, OpCreateItem, action,
		func(ctx context.Context, tx docstore.Tx) (models.Item, error) {
			return s.mgr.CreateItemTx(ctx, tx, crewID, actor, kind, body, payload)
		})
	return item, err
}

// DeleteItem soft-deletes an item.
func (s *Service) DeleteItem(ctx context.Context, actor, opID string, crewID models.CrewID, itemID string) error {
	_, fresh, err := mutate(ctx, s, actor, opID, OpDeleteItem, "",
		func(ctx context.Context, tx docstore.Tx) (struct{}, error) {
			return struct{}{}, s.mgr.DeleteItemTx(ctx, tx, crewID, itemID, actor)
		})
	if fresh {
		s.audit.ItemDeleted(ctx, crewID, itemID, actor, opID)
	}
	return err
}

// --- Reads ---

func signedIn(actor string) error {
	if actor == "" {
		return crewerr.Unauthenticated("sign in required")
	}
	return nil
}

func readErr(err error) error {
	if err != nil && crewerr.KindOf(err) == "" {
		return crewerr.Unavailable(err)
	}
	return err
}

// GetCrew returns a crew the actor belongs to.
func (s *Service) GetCrew(ctx context.Context, actor string, crewID models.CrewID) (models.Crew, error) {
	if err := signedIn(actor); err != nil {
		return models.Crew{}, err
	}
	crew, err := s.mgr.GetCrew(ctx, crewID, actor)
	return crew, readErr(err)
}

// ListMembers lists a crew's members.
func (s *Service) ListMembers(ctx context.Context, actor string, crewID models.CrewID) ([]models.Member, error) {
	if err := signedIn(actor); err != nil {
		return nil, err
	}
	out, err := s.mgr.ListMembers(ctx, crewID, actor)
	return out, readErr(err)
}

// ListItems pages through a crew's items, newest first.
func (s *Service) ListItems(ctx context.Context, actor string, crewID models.CrewID, kind models.ItemKind, before time.Time, limit int64) ([]models.Item, error) {
	if err := signedIn(actor); err != nil {
		return nil, err
	}
	out, err := s.mgr.ListItems(ctx, crewID, actor, kind, before, limit)
	return out, readErr(err)
}

// ListInvitations lists the actor's open invitations.
func (s *Service) ListInvitations(ctx context.Context, actor string) ([]models.Invitation, error) {
	if err := signedIn(actor); err != nil {
		return nil, err
	}
	out, err := s.mgr.ListInvitations(ctx, actor)
	return out, readErr(err)
}

// ListMyCrews lists the actor's memberships, most recently active first.
func (s *Service) ListMyCrews(ctx context.Context, actor string) ([]models.Member, error) {
	if err := signedIn(actor); err != nil {
		return nil, err
	}
	out, err := s.mgr.ListCrewsForUser(ctx, actor)
	return out, readErr(err)
}
