// internal/app/system/fanout/transport.go
package fanout

import (
	"context"
	"time"

	"github.com/dalemusser/crewhub/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// Batch is one notification addressed to many recipients.
type Batch struct {
	JobID      string        `json:"job_id"`
	Type       string        `json:"type"`
	CrewID     models.CrewID `json:"crew_id"`
	ActorID    string        `json:"actor_id,omitempty"`
	Recipients []string      `json:"recipients"`
	Payload    bson.M        `json:"payload,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Result is the outcome for one recipient. A nil Err means delivered.
type Result struct {
	RecipientID string
	Err         error
}

// Transport sends a batch in one call. A non-nil error fails the whole
// batch; otherwise each recipient's Result says whether it was delivered.
type Transport interface {
	Deliver(ctx context.Context, b Batch) ([]Result, error)
}

// LogTransport writes batches to the log and reports every recipient as
// delivered. It is the development default.
type LogTransport struct {
	Log *zap.Logger
}

// Deliver implements Transport.
func (t LogTransport) Deliver(_ context.Context, b Batch) ([]Result, error) {
	t.Log.Info("notification",
		zap.String("job_id", b.JobID),
		zap.String("type", b.Type),
		zap.String("crew_id", string(b.CrewID)),
		zap.Int("recipients", len(b.Recipients)))
	out := make([]Result, len(b.Recipients))
	for i, id := range b.Recipients {
		out[i] = Result{RecipientID: id}
	}
	return out, nil
}
