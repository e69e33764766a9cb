// internal/app/system/tasks/jobs.go
package tasks

import (
	"context"
	"time"

	"github.com/dalemusser/crewhub/internal/app/system/executor"
	"github.com/dalemusser/crewhub/internal/app/system/identity"
	"github.com/dalemusser/crewhub/internal/app/system/membership"
	"go.uber.org/zap"
)

// expiryBatch bounds how many invitations one run marks Expired.
const expiryBatch = 500

// InvitationExpiryJob creates a job that marks lapsed pending invitations Expired.
// Invitations also expire lazily when they are answered or re-sent; this
// keeps the stored status honest for listings and reports.
func InvitationExpiryJob(mgr *membership.Manager, logger *zap.Logger, interval time.Duration) Job {
	return Job{
		Name:     "invitation-expiry",
		Interval: interval,
		Run: func(ctx context.Context) error {
			count, err := mgr.ExpireInvitations(ctx, expiryBatch)
			if err != nil {
				return err
			}
			if count > 0 {
				logger.Info("expired invitations", zap.Int("count", count))
			}
			return nil
		},
	}
}

// OperationRecordCleanupJob creates a job that removes operation records
// older than retention. Replays older than retention run again.
func OperationRecordCleanupJob(ex *executor.Executor, logger *zap.Logger, retention time.Duration) Job {
	return Job{
		Name:     "operation-record-cleanup",
		Interval: 1 * time.Hour, // Run hourly
		Run: func(ctx context.Context) error {
			count, err := ex.Prune(ctx, time.Now().Add(-retention), 1000)
			if err != nil {
				return err
			}
			if count > 0 {
				logger.Debug("pruned operation records", zap.Int("count", count))
			}
			return nil
		},
	}
}

// SessionPruneJob drops signed-out or expired sessions that have been idle
// longer than idle.
func SessionPruneJob(sessions *identity.Sessions, logger *zap.Logger, idle time.Duration) Job {
	return Job{
		Name:     "session-prune",
		Interval: 10 * time.Minute,
		Run: func(ctx context.Context) error {
			n, err := sessions.Prune(ctx, time.Now().Add(-idle))
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Debug("pruned idle sessions", zap.Int("count", n))
			}
			return nil
		},
	}
}
