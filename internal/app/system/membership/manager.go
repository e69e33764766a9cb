// internal/app/system/membership/manager.go
//
// Package membership owns the crew, member, invitation, and item lifecycle.
//
// Every mutation runs inside one docstore transaction that updates all three
// membership projections together: the crew document (member_ids, roles,
// foreman_id), the authoritative Member record, and the per-user UserCrews
// projection. Each successful mutation also writes its NotificationJob to
// the fan-out outbox in the same transaction.
//
// Methods ending in Tx run inside a caller-supplied transaction (the write
// executor's); the other methods open their own.
//
// The manager never retries. Retry lives in the write executor.
package membership

import (
	"context"
	"errors"
	"time"

	"github.com/dalemusser/crewhub/internal/app/policy/crewpolicy"
	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/domain/crewerr"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// DefaultInvitationTTL is how long an invitation stays Pending.
const DefaultInvitationTTL = 7 * 24 * time.Hour

// Outbox receives notification jobs inside the mutation's transaction.
type Outbox interface {
	EnqueueTx(ctx context.Context, tx docstore.Tx, job models.NotificationJob) error
}

// Manager implements the membership operations.
type Manager struct {
	ds            docstore.Store
	policy        *crewpolicy.Table
	outbox        Outbox
	log           *zap.Logger
	now           func() time.Time
	newID         func() string
	sanitizer     *bluemonday.Policy
	invitationTTL time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithInvitationTTL overrides DefaultInvitationTTL.
func WithInvitationTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.invitationTTL = d
		}
	}
}

// WithPolicy replaces the embedded permission table.
func WithPolicy(t *crewpolicy.Table) Option { return func(m *Manager) { m.policy = t } }

// WithIDGenerator overrides uuid generation for storage keys.
func WithIDGenerator(fn func() string) Option { return func(m *Manager) { m.newID = fn } }

// New creates a Manager.
func New(ds docstore.Store, outbox Outbox, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		ds:            ds,
		policy:        crewpolicy.Default(),
		outbox:        outbox,
		log:           logger,
		now:           time.Now,
		newID:         uuid.NewString,
		sanitizer:     bluemonday.StrictPolicy(),
		invitationTTL: DefaultInvitationTTL,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Store returns the docstore the manager writes to.
func (m *Manager) Store() docstore.Store { return m.ds }

func (m *Manager) clock() time.Time { return m.now().UTC() }

// loadCrew finds a crew by its logical id. The storage key is never accepted here.
func (m *Manager) loadCrew(ctx context.Context, r docstore.Reader, crewID models.CrewID) (models.Crew, error) {
	var found []models.Crew
	if err := r.Find(ctx, docstore.Crews, docstore.Where("crew_id", crewID).Take(1), &found); err != nil {
		return models.Crew{}, err
	}
	if len(found) == 0 {
		return models.Crew{}, crewerr.NotFound("crew %s not found", crewID)
	}
	return found[0], nil
}

func (m *Manager) loadActiveCrew(ctx context.Context, r docstore.Reader, crewID models.CrewID) (models.Crew, error) {
	crew, err := m.loadCrew(ctx, r, crewID)
	if err != nil {
		return crew, err
	}
	if !crew.IsActive {
		return crew, crewerr.Conflict("crew %s is deactivated", crewID)
	}
	return crew, nil
}

func (m *Manager) saveCrew(ctx context.Context, tx docstore.Tx, crew *models.Crew) error {
	crew.UpdatedAt = m.clock()
	return tx.Put(ctx, docstore.Crews, crew.StorageKey, crew)
}

func (m *Manager) getMember(ctx context.Context, r docstore.Reader, crewID models.CrewID, userID string) (models.Member, bool, error) {
	var mem models.Member
	err := r.Get(ctx, docstore.Members, models.MemberKey(crewID, userID), &mem)
	if errors.Is(err, docstore.ErrNotFound) {
		return models.Member{}, false, nil
	}
	if err != nil {
		return models.Member{}, false, err
	}
	return mem, true, nil
}

func (m *Manager) linkUser(ctx context.Context, tx docstore.Tx, userID string, crewID models.CrewID) error {
	uc, err := m.userCrews(ctx, tx, userID)
	if err != nil {
		return err
	}
	for _, id := range uc.CrewIDs {
		if id == crewID {
			return nil
		}
	}
	uc.CrewIDs = append(uc.CrewIDs, crewID)
	uc.UpdatedAt = m.clock()
	return tx.Put(ctx, docstore.UserCrews, userID, uc)
}

func (m *Manager) unlinkUser(ctx context.Context, tx docstore.Tx, userID string, crewID models.CrewID) error {
	uc, err := m.userCrews(ctx, tx, userID)
	if err != nil {
		return err
	}
	kept := uc.CrewIDs[:0]
	for _, id := range uc.CrewIDs {
		if id != crewID {
			kept = append(kept, id)
		}
	}
	uc.CrewIDs = kept
	uc.UpdatedAt = m.clock()
	return tx.Put(ctx, docstore.UserCrews, userID, uc)
}

func (m *Manager) userCrews(ctx context.Context, r docstore.Reader, userID string) (models.UserCrews, error) {
	var uc models.UserCrews
	err := r.Get(ctx, docstore.UserCrews, userID, &uc)
	if errors.Is(err, docstore.ErrNotFound) {
		return models.UserCrews{UserID: userID, CrewIDs: []models.CrewID{}}, nil
	}
	return uc, err
}

// UserCrews returns the crews recorded on the user's projection.
func (m *Manager) UserCrews(ctx context.Context, userID string) ([]models.CrewID, error) {
	uc, err := m.userCrews(ctx, m.ds, userID)
	return uc.CrewIDs, err
}

type notice struct {
	typ      string
	audience string
	direct   []string
	payload  bson.M
}

func (m *Manager) enqueue(ctx context.Context, tx docstore.Tx, crewID models.CrewID, actorID string, n notice) error {
	if m.outbox == nil {
		return nil
	}
	audience := n.audience
	if audience == "" {
		audience = models.AudienceCrew
	}
	return m.outbox.EnqueueTx(ctx, tx, models.NotificationJob{
		Type:             n.typ,
		CrewID:           crewID,
		ActorID:          actorID,
		Payload:          n.payload,
		Audience:         audience,
		DirectRecipients: n.direct,
	})
}

func removeString(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
