package metricsstore

import (
	"context"

	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/domain/models"
)

// Counts is the set of totals exported as gauges on /metrics.
type Counts struct {
	Crews              int64
	ActiveCrews        int64
	Members            int64
	PendingInvitations int64
	PendingJobs        int64
	FailedJobs         int64
}

// FetchCounts returns the high-level totals.
// Intentionally tolerant: on error it returns 0 for that counter.
func FetchCounts(ctx context.Context, r docstore.Reader) Counts {
	var out Counts
	count := func(coll string, filter []docstore.Cond) int64 {
		n, err := r.Count(ctx, coll, filter)
		if err != nil {
			return 0
		}
		return n
	}

	out.Crews = count(docstore.Crews, nil)
	out.ActiveCrews = count(docstore.Crews, docstore.Where("is_active", true).Filter)
	out.Members = count(docstore.Members, nil)
	out.PendingInvitations = count(docstore.Invitations, docstore.Where("status", models.InvitationPending).Filter)
	out.PendingJobs = count(docstore.NotificationJobs, docstore.Where("status", models.JobPending).Filter)
	out.FailedJobs = count(docstore.NotificationJobs, docstore.Where("status", models.JobFailed).Filter)
	return out
}
