// internal/app/store/counters/counters.go
//
// Package counters holds the windowed counters behind rate limits and the
// named sequences behind crew ids and item ordering.
package counters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/domain/models"
)

// Window is one limit applied to an action. Size zero is a lifetime window.
type Window struct {
	Name  string
	Size  time.Duration
	Limit int64
}

// Lifetime reports whether the window never rolls over.
func (w Window) Lifetime() bool { return w.Size <= 0 }

// Decision is the outcome of CheckAndIncrement.
type Decision struct {
	Allowed bool
	// Window names the window that denied the request.
	Window string
	// RetryAfter is when the denying window rolls over. Zero with
	// Permanent=true means a lifetime cap was reached.
	RetryAfter time.Duration
	Permanent  bool
}

// Checker is implemented by every counter backend.
type Checker interface {
	CheckAndIncrement(ctx context.Context, scope, action string, windows ...Window) (Decision, error)
}

var epoch = time.Unix(0, 0).UTC()

// Key builds the counter document key "scope:action:window".
func Key(scope, action, window string) string {
	return scope + ":" + action + ":" + window
}

// BucketStart returns the start of the window bucket containing now.
func BucketStart(now time.Time, size time.Duration) time.Time {
	if size <= 0 {
		return epoch
	}
	return now.UTC().Truncate(size)
}

// Store keeps counters as documents in the docstore.
type Store struct {
	ds  docstore.Store
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a docstore-backed counter Store.
func New(ds docstore.Store, opts ...Option) *Store {
	s := &Store{ds: ds, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CheckAndIncrement runs CheckAndIncrementTx in its own transaction.
func (s *Store) CheckAndIncrement(ctx context.Context, scope, action string, windows ...Window) (Decision, error) {
	var d Decision
	err := s.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		d, err = s.CheckAndIncrementTx(ctx, tx, scope, action, windows...)
		return err
	})
	return d, err
}

// CheckAndIncrementTx evaluates every window in tx. If any window is at or
// over its limit nothing is written and the request is denied; otherwise
// every window is incremented. A window whose stored bucket is older than the
// current bucket is reset to zero before the check, in the same transaction.
func (s *Store) CheckAndIncrementTx(ctx context.Context, tx docstore.Tx, scope, action string, windows ...Window) (Decision, error) {
	if len(windows) == 0 {
		return Decision{Allowed: true}, nil
	}
	now := s.now().UTC()

	next := make([]models.Counter, len(windows))
	var deny *Decision
	for i, w := range windows {
		if w.Limit <= 0 {
			return Decision{}, fmt.Errorf("counters: window %q for %s has non-positive limit", w.Name, action)
		}
		key := Key(scope, action, w.Name)
		start := BucketStart(now, w.Size)

		var c models.Counter
		err := tx.Get(ctx, docstore.Counters, key, &c)
		switch {
		case errors.Is(err, docstore.ErrNotFound):
			c = models.Counter{Key: key}
		case err != nil:
			return Decision{}, err
		}
		if !c.WindowStart.Equal(start) {
			c.Count = 0
			c.WindowStart = start
		}
		c.WindowSize = w.Size

		if c.Count >= w.Limit {
			d := Decision{Window: w.Name}
			if w.Lifetime() {
				d.Permanent = true
			} else {
				d.RetryAfter = start.Add(w.Size).Sub(now)
			}
			if deny == nil || d.Permanent || (!deny.Permanent && d.RetryAfter > deny.RetryAfter) {
				deny = &d
			}
			continue
		}
		c.Count++
		c.UpdatedAt = now
		next[i] = c
	}
	if deny != nil {
		return *deny, nil
	}

	for _, c := range next {
		if err := tx.Put(ctx, docstore.Counters, c.Key, c); err != nil {
			return Decision{}, err
		}
	}
	return Decision{Allowed: true}, nil
}

// Current returns the live count of one window, or zero when the stored
// bucket has rolled over.
func (s *Store) Current(ctx context.Context, scope, action string, w Window) (int64, error) {
	var c models.Counter
	err := s.ds.Get(ctx, docstore.Counters, Key(scope, action, w.Name), &c)
	if errors.Is(err, docstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !c.WindowStart.Equal(BucketStart(s.now(), w.Size)) {
		return 0, nil
	}
	return c.Count, nil
}
