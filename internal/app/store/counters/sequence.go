// internal/app/store/counters/sequence.go
package counters

import (
	"context"
	"errors"
	"time"

	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/domain/models"
)

// NextSequence advances the named sequence inside tx and returns the new
// value (first value is 1). Because the read and write share the caller's
// transaction, a value is only consumed if the caller's transaction commits.
func NextSequence(ctx context.Context, tx docstore.Tx, name string, now time.Time) (int64, error) {
	seq, _, err := advance(ctx, tx, name, now)
	return seq, err
}

// NextStamp advances the named sequence and returns a timestamp strictly
// greater than every earlier stamp of the same name, at millisecond
// precision (the store's time resolution).
func NextStamp(ctx context.Context, tx docstore.Tx, name string, now time.Time) (int64, time.Time, error) {
	return advance(ctx, tx, name, now)
}

func advance(ctx context.Context, tx docstore.Tx, name string, now time.Time) (int64, time.Time, error) {
	var s models.Sequence
	err := tx.Get(ctx, docstore.Sequences, name, &s)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		s = models.Sequence{Key: name}
	case err != nil:
		return 0, time.Time{}, err
	}

	stamp := now.UTC().Truncate(time.Millisecond)
	if !s.LastAt.IsZero() && !stamp.After(s.LastAt) {
		stamp = s.LastAt.Add(time.Millisecond)
	}
	s.Value++
	s.LastAt = stamp

	if err := tx.Put(ctx, docstore.Sequences, name, s); err != nil {
		return 0, time.Time{}, err
	}
	return s.Value, stamp, nil
}
