package workers_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/app/system/fanout"
	"github.com/dalemusser/crewhub/internal/app/system/workers"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"github.com/dalemusser/crewhub/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingTransport struct{ delivered atomic.Int32 }

func (c *countingTransport) Deliver(_ context.Context, b fanout.Batch) ([]fanout.Result, error) {
	out := make([]fanout.Result, len(b.Recipients))
	for i, id := range b.Recipients {
		out[i] = fanout.Result{RecipientID: id}
		c.delivered.Add(1)
	}
	return out, nil
}

func TestFanoutWorker_DrainsOnWake(t *testing.T) {
	ds := testutil.NewMemoryStore(t)
	tr := &countingTransport{}
	q := fanout.New(ds, tr, zap.NewNop(), fanout.Config{BatchSize: 2})

	w := workers.NewFanoutWorker(q, zap.NewNop(), time.Hour)
	w.Start()
	defer w.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(context.Background(), models.NotificationJob{
			Type:             models.NotifyCrewUpdated,
			CrewID:           "c-1",
			Audience:         models.AudienceDirect,
			DirectRecipients: []string{"ann"},
		}))
	}

	require.Eventually(t, func() bool {
		n, err := ds.Count(context.Background(), docstore.NotificationJobs, docstore.Where("status", models.JobSent).Filter)
		return err == nil && n == 5
	}, 2*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 5, tr.delivered.Load())
}
