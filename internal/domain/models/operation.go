// internal/domain/models/operation.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// OperationRecord remembers a successful mutation so replays return the
// same result instead of running again. Records written for an actor are
// keyed actor:operation id and only replay for that actor.
type OperationRecord struct {
	ID        string    `bson:"_id"`
	ActorID   string    `bson:"actor_id,omitempty"`
	Kind      string    `bson:"kind"`
	Result    bson.Raw  `bson:"result"`
	CreatedAt time.Time `bson:"created_at"`
}
