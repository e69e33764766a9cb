// internal/app/system/executor/executor.go
//
// Package executor runs every mutation exactly once per operation id.
//
// An attempt opens one docstore transaction, checks the operations
// collection for a stored result, and otherwise runs the mutation and writes
// the operation record in that same transaction. A replay therefore either
// sees the committed record or nothing at all, never half a mutation.
//
// Operation ids are scoped to the actor that supplied them; two actors reusing
// the same id never see each other's results. Concurrent calls with the same
// actor, kind and operation id share one in-flight run.
// Transient failures (write conflicts, timeouts, network errors, Unavailable)
// are retried with exponential backoff and full jitter; everything else is
// returned to the caller as-is.
package executor

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/domain/crewerr"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config bounds retry behaviour.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// DefaultConfig returns the production retry settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		BaseDelay:      50 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

// Executor is safe for concurrent use.
type Executor struct {
	ds      docstore.Store
	log     *zap.Logger
	cfg     Config
	group   singleflight.Group
	now     func() time.Time
	onRetry func(kind string, attempt int, err error)
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides time.Now for operation record timestamps.
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// WithRetryHook is called before each retry sleep.
func WithRetryHook(fn func(kind string, attempt int, err error)) Option {
	return func(e *Executor) { e.onRetry = fn }
}

// New creates an Executor. Zero fields of cfg take their defaults.
func New(ds docstore.Store, logger *zap.Logger, cfg Config, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(def.MaxDelay, cfg.BaseDelay)
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	e := &Executor{ds: ds, log: logger, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Config returns the effective retry settings.
func (e *Executor) Config() Config { return e.cfg }

type envelope[T any] struct {
	V T `bson:"v"`
}

// Do runs fn at most once for operationID and decodes its result. A replay
// of a completed operation returns the stored result without calling fn.
func Do[T any](ctx context.Context, e *Executor, operationID, kind string, fn func(ctx context.Context, tx docstore.Tx) (T, error)) (T, error) {
	return DoAs(ctx, e, "", operationID, kind, fn)
}

// DoAs is Do with operationID scoped to actorID.
func DoAs[T any](ctx context.Context, e *Executor, actorID, operationID, kind string, fn func(ctx context.Context, tx docstore.Tx) (T, error)) (T, error) {
	var zero T
	raw, err := e.Execute(ctx, actorID, operationID, kind, func(ctx context.Context, tx docstore.Tx) (any, error) {
		return fn(ctx, tx)
	})
	if err != nil {
		return zero, err
	}
	return Decode[T](raw)
}

// RecordID is the operations collection key for operationID as used by
// actorID. An empty actor leaves the id unscoped.
func RecordID(actorID, operationID string) string {
	if actorID == "" {
		return operationID
	}
	return actorID + ":" + operationID
}

// checkRecord rejects a stored record that belongs to another actor or kind.
func checkRecord(rec models.OperationRecord, actorID, operationID, kind string) error {
	if rec.ActorID != actorID {
		return crewerr.Conflict("operation %s belongs to another caller", operationID)
	}
	if rec.Kind != kind {
		return crewerr.Conflict("operation %s was already used for %s", operationID, rec.Kind)
	}
	return nil
}

// Decode unpacks a stored operation result.
func Decode[T any](raw bson.Raw) (T, error) {
	var env envelope[T]
	if err := bson.Unmarshal(raw, &env); err != nil {
		var zero T
		return zero, err
	}
	return env.V, nil
}

// Lookup returns the stored result of a completed operation by its record
// id (see RecordID).
func (e *Executor) Lookup(ctx context.Context, operationID string) (bson.Raw, bool, error) {
	var rec models.OperationRecord
	err := e.ds.Get(ctx, docstore.Operations, operationID, &rec)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec.Result, true, nil
}

// Replay is the typed fast path: it returns the stored result when
// operationID already completed as kind, and Conflict when it completed as
// something else.
func Replay[T any](ctx context.Context, e *Executor, operationID, kind string) (T, bool, error) {
	return ReplayAs[T](ctx, e, "", operationID, kind)
}

// ReplayAs is Replay with operationID scoped to actorID.
func ReplayAs[T any](ctx context.Context, e *Executor, actorID, operationID, kind string) (T, bool, error) {
	var zero T
	if operationID == "" {
		return zero, false, nil
	}
	var rec models.OperationRecord
	err := e.ds.Get(ctx, docstore.Operations, RecordID(actorID, operationID), &rec)
	if errors.Is(err, docstore.ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	if err := checkRecord(rec, actorID, operationID, kind); err != nil {
		return zero, false, err
	}
	v, err := Decode[T](rec.Result)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

type flight struct {
	raw bson.Raw
}

// Execute is the untyped form of Do. The result is the raw bson envelope
// {v: result}.
//
// The shared run is detached from the caller's cancellation so that one
// caller giving up does not fail the others; each caller still stops
// waiting when its own context ends.
func (e *Executor) Execute(ctx context.Context, actorID, operationID, kind string, fn func(ctx context.Context, tx docstore.Tx) (any, error)) (bson.Raw, error) {
	if operationID == "" {
		return nil, crewerr.Invalid("operation id is required")
	}
	key := actorID + "\x00" + kind + "\x00" + operationID
	ch := e.group.DoChan(key, func() (any, error) {
		raw, err := e.run(context.WithoutCancel(ctx), actorID, operationID, kind, fn)
		return flight{raw: raw}, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(flight).raw, nil
	case <-ctx.Done():
		return nil, crewerr.Unavailable(ctx.Err())
	}
}

func (e *Executor) run(ctx context.Context, actorID, operationID, kind string, fn func(ctx context.Context, tx docstore.Tx) (any, error)) (bson.Raw, error) {
	for attempt := 1; ; attempt++ {
		raw, err := e.attempt(ctx, actorID, operationID, kind, fn)
		if err == nil {
			return raw, nil
		}
		if !Transient(err) {
			return nil, err
		}
		if attempt >= e.cfg.MaxAttempts {
			e.log.Warn("operation failed after retries",
				zap.String("operation_id", operationID),
				zap.String("kind", kind),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return nil, crewerr.Unavailable(err)
		}
		if e.onRetry != nil {
			e.onRetry(kind, attempt, err)
		}
		e.log.Debug("retrying operation",
			zap.String("operation_id", operationID),
			zap.String("kind", kind),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if err := sleep(ctx, e.backoff(attempt)); err != nil {
			return nil, crewerr.Unavailable(err)
		}
	}
}

func (e *Executor) attempt(ctx context.Context, actorID, operationID, kind string, fn func(ctx context.Context, tx docstore.Tx) (any, error)) (bson.Raw, error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	id := RecordID(actorID, operationID)
	var out bson.Raw
	err := e.ds.RunTx(actx, func(ctx context.Context, tx docstore.Tx) error {
		var rec models.OperationRecord
		err := tx.Get(ctx, docstore.Operations, id, &rec)
		switch {
		case err == nil:
			if err := checkRecord(rec, actorID, operationID, kind); err != nil {
				return err
			}
			out = rec.Result
			return nil
		case !errors.Is(err, docstore.ErrNotFound):
			return err
		}

		v, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		raw, err := bson.Marshal(bson.M{"v": v})
		if err != nil {
			return err
		}
		rec = models.OperationRecord{ID: id, ActorID: actorID, Kind: kind, Result: raw, CreatedAt: e.now().UTC()}
		if err := tx.Insert(ctx, docstore.Operations, id, rec); err != nil {
			if errors.Is(err, docstore.ErrDuplicate) {
				// Another instance committed it first; the next attempt reads it.
				return docstore.ErrConflict
			}
			return err
		}
		out = raw
		return nil
	})
	if err != nil && actx.Err() != nil && ctx.Err() == nil {
		return nil, errors.Join(context.DeadlineExceeded, err)
	}
	return out, err
}

// backoff is full jitter: uniform in [0, min(max, base*2^(attempt-1))].
func (e *Executor) backoff(attempt int) time.Duration {
	ceiling := e.cfg.BaseDelay << (attempt - 1)
	if ceiling <= 0 || ceiling > e.cfg.MaxDelay {
		ceiling = e.cfg.MaxDelay
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transient reports whether err is worth another attempt.
func Transient(err error) bool {
	switch {
	case err == nil:
		return false
	case crewerr.KindOf(err) == crewerr.KindUnavailable:
		return true
	case crewerr.IsTerminal(err):
		return false
	case errors.Is(err, docstore.ErrConflict):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case mongo.IsNetworkError(err), mongo.IsTimeout(err):
		return true
	}
	return false
}

// Prune deletes up to limit operation records created before cutoff and
// returns how many it removed. A replay of a pruned operation runs again.
func (e *Executor) Prune(ctx context.Context, cutoff time.Time, limit int64) (int, error) {
	var n int
	err := e.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		n = 0
		var old []models.OperationRecord
		q := docstore.Query{}.And("created_at", docstore.Lt, cutoff).OrderBy("created_at", false)
		if limit > 0 {
			q = q.Take(limit)
		}
		if err := tx.Find(ctx, docstore.Operations, q, &old); err != nil {
			return err
		}
		for _, rec := range old {
			if err := tx.Delete(ctx, docstore.Operations, rec.ID); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}
