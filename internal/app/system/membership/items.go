// internal/app/system/membership/items.go
package membership

import (
	"context"
	"errors"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dalemusser/crewhub/internal/app/policy/crewpolicy"
	"github.com/dalemusser/crewhub/internal/app/store/counters"
	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/domain/crewerr"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
)

// Item limits.
const (
	MaxItemBodyLength = 4000
	DefaultItemPage   = 50
	MaxItemPage       = 200
)

type itemKindInfo struct {
	action crewpolicy.Action
	notify string
}

var itemKinds = map[models.ItemKind]itemKindInfo{
	models.ItemPost:      {crewpolicy.Post, models.NotifyPostCreated},
	models.ItemSharedJob: {crewpolicy.ShareJob, models.NotifyJobShared},
	models.ItemMessage:   {crewpolicy.Message, models.NotifyMessageSent},
}

// CreateItem appends a post, shared job, or message to the crew.
func (m *Manager) CreateItem(ctx context.Context, crewID models.CrewID, authorID string, kind models.ItemKind, body string, payload bson.M) (models.Item, error) {
	var item models.Item
	err := m.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		item, err = m.CreateItemTx(ctx, tx, crewID, authorID, kind, body, payload)
		return err
	})
	return item, err
}

// CreateItemTx sanitizes body to plain text and stamps the item from the
// crew's item sequence, so created_at is strictly increasing per crew even
// when the wall clock is not. The author's last_activity_at moves with it.
func (m *Manager) CreateItemTx(ctx context.Context, tx docstore.Tx, crewID models.CrewID, authorID string, kind models.ItemKind, body string, payload bson.M) (models.Item, error) {
	info, ok := itemKinds[kind]
	if !ok {
		return models.Item{}, crewerr.Invalid("unknown item kind %q", kind)
	}
	if _, err := m.loadActiveCrew(ctx, tx, crewID); err != nil {
		return models.Item{}, err
	}
	if _, err := m.policy.Authorize(ctx, tx, crewID, authorID, info.action, nil); err != nil {
		return models.Item{}, err
	}

	// The policy escapes entities for HTML; items are served as JSON text.
	body = strings.TrimSpace(html.UnescapeString(m.sanitizer.Sanitize(body)))
	if body == "" && len(payload) == 0 {
		return models.Item{}, crewerr.Invalid("%s must have a body or payload", kind)
	}
	if utf8.RuneCountInString(body) > MaxItemBodyLength {
		return models.Item{}, crewerr.Invalid("%s body must be at most %d characters", kind, MaxItemBodyLength)
	}

	seq, at, err := counters.NextStamp(ctx, tx, "items:"+string(crewID), m.clock())
	if err != nil {
		return models.Item{}, err
	}
	item := models.Item{
		ID:        m.newID(),
		CrewID:    crewID,
		Kind:      kind,
		AuthorID:  authorID,
		Body:      body,
		Payload:   payload,
		Seq:       seq,
		CreatedAt: at,
	}
	if err := tx.Insert(ctx, docstore.Items, item.ID, item); err != nil {
		return models.Item{}, err
	}
	if err := m.touch(ctx, tx, crewID, authorID); err != nil {
		return models.Item{}, err
	}
	if err := m.enqueue(ctx, tx, crewID, authorID, notice{
		typ:     info.notify,
		payload: bson.M{"item_id": item.ID, "kind": string(kind), "seq": seq},
	}); err != nil {
		return models.Item{}, err
	}
	return item, nil
}

// DeleteItem soft-deletes an item on behalf of actingUserID.
func (m *Manager) DeleteItem(ctx context.Context, crewID models.CrewID, itemID, actingUserID string) error {
	return m.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return m.DeleteItemTx(ctx, tx, crewID, itemID, actingUserID)
	})
}

// DeleteItemTx needs delete_own_item for the author's own items and
// delete_any_item otherwise. Deleting a deleted item is a no-op.
func (m *Manager) DeleteItemTx(ctx context.Context, tx docstore.Tx, crewID models.CrewID, itemID, actingUserID string) error {
	var item models.Item
	err := tx.Get(ctx, docstore.Items, itemID, &item)
	if errors.Is(err, docstore.ErrNotFound) || (err == nil && item.CrewID != crewID) {
		return crewerr.NotFound("item %s not found in crew %s", itemID, crewID)
	}
	if err != nil {
		return err
	}
	action := crewpolicy.DeleteAnyItem
	if item.AuthorID == actingUserID {
		action = crewpolicy.DeleteOwnItem
	}
	if _, err := m.policy.Authorize(ctx, tx, crewID, actingUserID, action, nil); err != nil {
		return err
	}
	if item.Deleted {
		return nil
	}
	now := m.clock()
	item.Deleted = true
	item.DeletedAt = &now
	return tx.Put(ctx, docstore.Items, item.ID, item)
}

// ListItems pages through non-deleted items of one kind, newest first.
// before, when non-zero, returns only items created strictly earlier.
func (m *Manager) ListItems(ctx context.Context, crewID models.CrewID, actingUserID string, kind models.ItemKind, before time.Time, limit int64) ([]models.Item, error) {
	if _, ok := itemKinds[kind]; !ok {
		return nil, crewerr.Invalid("unknown item kind %q", kind)
	}
	if _, err := m.loadCrew(ctx, m.ds, crewID); err != nil {
		return nil, err
	}
	if _, err := m.policy.Authorize(ctx, m.ds, crewID, actingUserID, crewpolicy.ViewCrew, nil); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultItemPage
	case limit > MaxItemPage:
		limit = MaxItemPage
	}
	q := docstore.Where("crew_id", crewID).
		And("kind", docstore.Eq, kind).
		And("deleted", docstore.Eq, false)
	if !before.IsZero() {
		q = q.And("created_at", docstore.Lt, before)
	}
	q = q.OrderBy("created_at", true).Take(limit)

	var out []models.Item
	if err := m.ds.Find(ctx, docstore.Items, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}
