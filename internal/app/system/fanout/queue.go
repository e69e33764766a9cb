// internal/app/system/fanout/queue.go
//
// Package fanout delivers NotificationJobs written by membership mutations.
//
// Jobs are inserted in the same transaction as the mutation (EnqueueTx), so
// a committed mutation always has its job and a rolled-back one never does.
// Drain claims due jobs under a lease, resolves each job's recipients once,
// sends one batch per attempt, and retries only the recipients that failed.
// Delivery is at least once.
package fanout

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config tunes the queue.
type Config struct {
	MaxAttempts   int
	Workers       int
	BatchSize     int
	LeaseDuration time.Duration
	JobTimeout    time.Duration
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	// DispatchRate caps transport calls per second; <= 0 means unlimited.
	DispatchRate float64
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		Workers:       4,
		BatchSize:     25,
		LeaseDuration: time.Minute,
		JobTimeout:    30 * time.Second,
		BaseDelay:     time.Second,
		MaxDelay:      5 * time.Minute,
		DispatchRate:  50,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = def.LeaseDuration
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = max(def.MaxDelay, c.BaseDelay)
	}
	return c
}

// Alerter is told when a job gives up.
type Alerter interface {
	JobFailed(ctx context.Context, job models.NotificationJob)
}

// LogAlerter reports failed jobs at error level.
type LogAlerter struct{ Log *zap.Logger }

// JobFailed implements Alerter.
func (a LogAlerter) JobFailed(_ context.Context, job models.NotificationJob) {
	a.Log.Error("notification job failed permanently",
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.String("crew_id", string(job.CrewID)),
		zap.Int("attempts", job.Attempts),
		zap.Int("undelivered", len(job.Pending())),
		zap.String("last_error", job.LastError))
}

// Queue is the outbox and its dispatcher.
type Queue struct {
	ds        docstore.Store
	transport Transport
	alerter   Alerter
	log       *zap.Logger
	cfg       Config
	limiter   *rate.Limiter
	wake      chan struct{}
	now       func() time.Time

	onStatus   func(models.JobStatus)
	onDispatch func(time.Duration)
}

// Option configures a Queue.
type Option func(*Queue)

// WithAlerter replaces the LogAlerter.
func WithAlerter(a Alerter) Option { return func(q *Queue) { q.alerter = a } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// WithStatusHook is called with each job's status after every attempt.
func WithStatusHook(fn func(models.JobStatus)) Option { return func(q *Queue) { q.onStatus = fn } }

// WithDispatchHook is called with the duration of every transport call.
func WithDispatchHook(fn func(time.Duration)) Option { return func(q *Queue) { q.onDispatch = fn } }

// New creates a Queue.
func New(ds docstore.Store, transport Transport, logger *zap.Logger, cfg Config, opts ...Option) *Queue {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.DispatchRate > 0 {
		limit = rate.Limit(cfg.DispatchRate)
	}
	q := &Queue{
		ds:        ds,
		transport: transport,
		alerter:   LogAlerter{Log: logger},
		log:       logger,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, cfg.Workers),
		wake:      make(chan struct{}, 1),
		now:       time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Config returns the effective settings.
func (q *Queue) Config() Config { return q.cfg }

func (q *Queue) clock() time.Time { return q.now().UTC() }

// EnqueueTx inserts job into the outbox inside tx. The job is due
// immediately.
func (q *Queue) EnqueueTx(ctx context.Context, tx docstore.Tx, job models.NotificationJob) error {
	now := q.clock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Audience == "" {
		job.Audience = models.AudienceCrew
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.cfg.MaxAttempts
	}
	job.Status = models.JobPending
	job.Attempts = 0
	job.NextAttemptAt = now
	job.CreatedAt = now
	job.UpdatedAt = now
	return tx.Insert(ctx, docstore.NotificationJobs, job.ID, job)
}

// Enqueue inserts job in its own transaction and wakes the worker.
func (q *Queue) Enqueue(ctx context.Context, job models.NotificationJob) error {
	err := q.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return q.EnqueueTx(ctx, tx, job)
	})
	if err == nil {
		q.Wake()
	}
	return err
}

// Wake nudges the worker to drain now. It never blocks.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Wakeups delivers Wake signals to the worker.
func (q *Queue) Wakeups() <-chan struct{} { return q.wake }

// Drain claims one batch of due jobs and runs one attempt of each, at most
// Workers at a time. It returns how many jobs it claimed.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	token := uuid.NewString()
	jobs, err := q.claim(ctx, token)
	if err != nil || len(jobs) == 0 {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.Workers)
	for _, job := range jobs {
		g.Go(func() error {
			q.attempt(gctx, job, token)
			return nil
		})
	}
	return len(jobs), g.Wait()
}

func (q *Queue) claim(ctx context.Context, token string) ([]models.NotificationJob, error) {
	var claimed []models.NotificationJob
	err := q.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		claimed = claimed[:0]
		now := q.clock()
		var due []models.NotificationJob
		qry := docstore.Where("status", models.JobPending).
			And("next_attempt_at", docstore.Lte, now).
			OrderBy("next_attempt_at", false).
			Take(int64(q.cfg.BatchSize))
		if err := tx.Find(ctx, docstore.NotificationJobs, qry, &due); err != nil {
			return err
		}
		until := now.Add(q.cfg.LeaseDuration)
		for _, job := range due {
			job.LeaseToken = token
			job.LeaseUntil = &until
			// An expired lease makes the job due again.
			job.NextAttemptAt = until
			job.UpdatedAt = now
			if err := tx.Put(ctx, docstore.NotificationJobs, job.ID, job); err != nil {
				return err
			}
			claimed = append(claimed, job)
		}
		return nil
	})
	return claimed, err
}

// attempt runs one delivery attempt. Its timeout is independent of the
// request that enqueued the job.
func (q *Queue) attempt(ctx context.Context, job models.NotificationJob, token string) {
	jctx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	defer cancel()

	attemptErr := q.deliver(jctx, &job)
	job.Attempts++
	now := q.clock()
	job.UpdatedAt = now
	job.LeaseToken = ""
	job.LeaseUntil = nil

	switch {
	case job.Resolved && len(job.Pending()) == 0:
		job.Status = models.JobSent
		job.LastError = ""
		job.CompletedAt = &now
	case job.Attempts >= job.MaxAttempts:
		job.Status = models.JobFailed
		job.CompletedAt = &now
	default:
		job.NextAttemptAt = now.Add(q.backoff(job.Attempts))
	}
	if attemptErr != nil {
		job.LastError = attemptErr.Error()
	}

	// Persist with a fresh deadline so a slow transport cannot lose the result.
	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.JobTimeout)
	defer pcancel()
	kept, err := q.persist(pctx, job, token)
	if err != nil {
		q.log.Warn("failed to record notification attempt", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !kept {
		q.log.Warn("notification lease lost before attempt was recorded", zap.String("job_id", job.ID))
		return
	}
	if q.onStatus != nil {
		q.onStatus(job.Status)
	}
	if job.Status == models.JobFailed {
		q.alerter.JobFailed(pctx, job)
	}
}

// deliver resolves recipients on the first attempt and sends one batch to
// the recipients still pending, recording those that succeeded.
func (q *Queue) deliver(ctx context.Context, job *models.NotificationJob) error {
	if !job.Resolved {
		recipients, err := q.resolve(ctx, *job)
		if err != nil {
			return err
		}
		job.Recipients = recipients
		job.Resolved = true
	}
	pending := job.Pending()
	if len(pending) == 0 {
		return nil
	}
	if err := q.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	results, err := q.transport.Deliver(ctx, Batch{
		JobID:      job.ID,
		Type:       job.Type,
		CrewID:     job.CrewID,
		ActorID:    job.ActorID,
		Recipients: pending,
		Payload:    job.Payload,
		CreatedAt:  job.CreatedAt,
	})
	if q.onDispatch != nil {
		q.onDispatch(time.Since(start))
	}
	if err != nil {
		return err
	}

	want := make(map[string]struct{}, len(pending))
	for _, id := range pending {
		want[id] = struct{}{}
	}
	var failures []error
	for _, r := range results {
		if _, ok := want[r.RecipientID]; !ok {
			continue
		}
		if r.Err != nil {
			failures = append(failures, r.Err)
			continue
		}
		job.Delivered = append(job.Delivered, r.RecipientID)
		delete(want, r.RecipientID)
	}
	if len(want) > 0 && len(failures) == 0 {
		failures = append(failures, errors.New("transport returned no result for some recipients"))
	}
	return errors.Join(failures...)
}

// resolve reads the crew's member list once and snapshots the audience.
func (q *Queue) resolve(ctx context.Context, job models.NotificationJob) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	add := func(id string) {
		if id == "" || id == job.ActorID {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	if job.Audience == models.AudienceCrew {
		var members []models.Member
		if err := q.ds.Find(ctx, docstore.Members, docstore.Where("crew_id", job.CrewID).OrderBy("joined_at", false), &members); err != nil {
			return nil, err
		}
		for _, m := range members {
			add(m.UserID)
		}
	}
	for _, id := range job.DirectRecipients {
		add(id)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func (q *Queue) persist(ctx context.Context, job models.NotificationJob, token string) (bool, error) {
	kept := false
	err := q.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		kept = false
		var cur models.NotificationJob
		if err := tx.Get(ctx, docstore.NotificationJobs, job.ID, &cur); err != nil {
			return err
		}
		if cur.LeaseToken != token {
			return nil
		}
		kept = true
		return tx.Put(ctx, docstore.NotificationJobs, job.ID, job)
	})
	return kept, err
}

func (q *Queue) backoff(attempts int) time.Duration {
	ceiling := q.cfg.BaseDelay << (attempts - 1)
	if ceiling <= 0 || ceiling > q.cfg.MaxDelay {
		ceiling = q.cfg.MaxDelay
	}
	half := ceiling / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (models.NotificationJob, error) {
	var job models.NotificationJob
	err := q.ds.Get(ctx, docstore.NotificationJobs, id, &job)
	return job, err
}
