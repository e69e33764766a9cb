// internal/app/system/indexes/indexes.go
package indexes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Spec is one desired index.
type Spec struct {
	Name   string
	Keys   bson.D
	Unique bool
	// PartialFilter limits the index to matching documents; nil indexes all.
	PartialFilter bson.D
}

func (s Spec) model() mongo.IndexModel {
	opts := options.Index().SetName(s.Name)
	if s.Unique {
		opts.SetUnique(true)
	}
	if len(s.PartialFilter) > 0 {
		opts.SetPartialFilterExpression(s.PartialFilter)
	}
	return mongo.IndexModel{Keys: s.Keys, Options: opts}
}

func asc(field string) bson.E  { return bson.E{Key: field, Value: 1} }
func desc(field string) bson.E { return bson.E{Key: field, Value: -1} }

// Desired lists every index crewhub queries rely on, by collection.
// Each entry mirrors a docstore query in membership, fanout, executor, or
// the audit store.
var Desired = map[string][]Spec{
	docstore.Crews: {
		{Name: "uniq_crews_crew_id", Keys: bson.D{asc("crew_id")}, Unique: true},
		{Name: "idx_crews_is_active", Keys: bson.D{asc("is_active")}},
	},
	docstore.Members: {
		{Name: "uniq_members_crew_user", Keys: bson.D{asc("crew_id"), asc("user_id")}, Unique: true},
		{Name: "idx_members_crew_joined", Keys: bson.D{asc("crew_id"), asc("joined_at")}},
		{Name: "idx_members_user_activity", Keys: bson.D{asc("user_id"), desc("last_activity_at")}},
	},
	docstore.Invitations: {
		// At most one pending invitation per invitee and crew.
		{
			Name:          "uniq_invitations_pending",
			Keys:          bson.D{asc("crew_id"), asc("invitee_id")},
			Unique:        true,
			PartialFilter: bson.D{{Key: "status", Value: string(models.InvitationPending)}},
		},
		{Name: "idx_invitations_crew_invitee_status", Keys: bson.D{asc("crew_id"), asc("invitee_id"), asc("status")}},
		{Name: "idx_invitations_invitee_status_expires", Keys: bson.D{asc("invitee_id"), asc("status"), asc("expires_at")}},
		{Name: "idx_invitations_status_expires", Keys: bson.D{asc("status"), asc("expires_at")}},
	},
	docstore.Items: {
		{Name: "idx_items_crew_kind_created", Keys: bson.D{asc("crew_id"), asc("kind"), asc("deleted"), desc("created_at")}},
	},
	docstore.NotificationJobs: {
		{Name: "idx_jobs_status_next_attempt", Keys: bson.D{asc("status"), asc("next_attempt_at")}},
		{Name: "idx_jobs_crew_created", Keys: bson.D{asc("crew_id"), desc("created_at")}},
	},
	docstore.Operations: {
		{Name: "idx_operations_created", Keys: bson.D{asc("created_at")}},
	},
	docstore.Sessions: {
		{Name: "idx_sessions_updated", Keys: bson.D{asc("updated_at")}},
	},
	docstore.AuditEvents: {
		{Name: "idx_audit_timestamp", Keys: bson.D{desc("timestamp")}},
		{Name: "idx_audit_crew_timestamp", Keys: bson.D{asc("crew_id"), desc("timestamp")}},
		{Name: "idx_audit_user_timestamp", Keys: bson.D{asc("user_id"), desc("timestamp")}},
		{Name: "idx_audit_category_type_timestamp", Keys: bson.D{asc("category"), asc("event_type"), desc("timestamp")}},
	},
}

// collectionOrder keeps startup logs stable.
var collectionOrder = []string{
	docstore.Crews,
	docstore.Members,
	docstore.Invitations,
	docstore.Items,
	docstore.NotificationJobs,
	docstore.Operations,
	docstore.Sessions,
	docstore.AuditEvents,
}

/*
EnsureAll is called at startup. Reconciling is idempotent.
Errors are aggregated so every problem is visible and startup can fail fast.
*/
func EnsureAll(ctx context.Context, db *mongo.Database, logger *zap.Logger) error {
	var problems []string
	for _, name := range collectionOrder {
		if err := ensureIndexSet(ctx, db.Collection(name), Desired[name], logger); err != nil {
			problems = append(problems, name+": "+err.Error())
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

type existingIndex struct {
	Name          string `bson:"name"`
	Key           bson.D `bson:"key"`
	Unique        *bool  `bson:"unique,omitempty"`
	PartialFilter bson.D `bson:"partialFilterExpression,omitempty"`
}

func keySig(keys bson.D) string {
	parts := make([]string, 0, len(keys))
	for _, kv := range keys {
		parts = append(parts, fmt.Sprintf("%s:%v", kv.Key, kv.Value))
	}
	return strings.Join(parts, ", ")
}

// Best-effort duplicate-detector (works cross-vendors)
func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if mongo.IsDuplicateKeyError(err) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "E11000") || strings.Contains(strings.ToLower(s), "duplicate key")
}

func listExisting(ctx context.Context, coll *mongo.Collection) (map[string]existingIndex, error) {
	cur, err := coll.Indexes().List(ctx)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := map[string]existingIndex{}
	for cur.Next(ctx) {
		var idx existingIndex
		if err := cur.Decode(&idx); err != nil {
			return nil, err
		}
		out[keySig(idx.Key)] = idx
	}
	return out, cur.Err()
}

// ensureIndexSet reconciles coll against specs: an index with the same keys,
// uniqueness and partial filter is reused (renamed if its name differs); one whose options
// differ is dropped and recreated; a missing one is created.
func ensureIndexSet(ctx context.Context, coll *mongo.Collection, specs []Spec, logger *zap.Logger) error {
	existing, err := listExisting(ctx, coll)
	if err != nil {
		// A collection that does not exist yet has no indexes.
		existing = map[string]existingIndex{}
	}

	var errs []string
	for _, s := range specs {
		sig := keySig(s.Keys)
		start := time.Now()
		log := logger.With(
			zap.String("collection", coll.Name()),
			zap.String("name", s.Name),
			zap.String("keys", sig),
			zap.Bool("unique", s.Unique))

		if ex, ok := existing[sig]; ok {
			exUnique := ex.Unique != nil && *ex.Unique
			if exUnique == s.Unique && ex.Name == s.Name && keySig(ex.PartialFilter) == keySig(s.PartialFilter) {
				log.Debug("reusing existing index")
				continue
			}
			if _, err := coll.Indexes().DropOne(ctx, ex.Name); err != nil {
				errs = append(errs, fmt.Sprintf("%s: drop %s failed: %v", s.Name, ex.Name, err))
				continue
			}
			log.Info("dropped index for recreation", zap.String("from", ex.Name))
		}

		if _, err := coll.Indexes().CreateOne(ctx, s.model()); err != nil {
			if isDuplicateKeyErr(err) && s.Unique {
				errs = append(errs, fmt.Sprintf("%s: cannot create unique index (duplicates present)", s.Name))
			} else {
				errs = append(errs, fmt.Sprintf("%s: %v", s.Name, err))
			}
			continue
		}
		log.Info("index created", zap.Duration("took", time.Since(start)))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
