// internal/domain/models/item.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// ItemKind distinguishes the three append-only crew feeds.
type ItemKind string

const (
	ItemPost      ItemKind = "post"
	ItemSharedJob ItemKind = "shared_job"
	ItemMessage   ItemKind = "message"
)

// Item is a post, shared job, or chat message. CreatedAt is server assigned
// and strictly increasing per crew; Seq mirrors that order.
type Item struct {
	ID        string     `bson:"_id" json:"id"`
	CrewID    CrewID     `bson:"crew_id" json:"crew_id"`
	Kind      ItemKind   `bson:"kind" json:"kind"`
	AuthorID  string     `bson:"author_id" json:"author_id"`
	Body      string     `bson:"body" json:"body"`
	Payload   bson.M     `bson:"payload,omitempty" json:"payload,omitempty"`
	Seq       int64      `bson:"seq" json:"seq"`
	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	Deleted   bool       `bson:"deleted" json:"-"`
	DeletedAt *time.Time `bson:"deleted_at,omitempty" json:"-"`
}
