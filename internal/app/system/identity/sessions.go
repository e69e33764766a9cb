// internal/app/system/identity/sessions.go
package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dalemusser/crewhub/internal/domain/crewerr"
	"go.uber.org/zap"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("identity: sessions closed")

// maxSaveAttempts bounds how often Publish re-applies an event after another
// instance wrote the same session first.
const maxSaveAttempts = 5

// Backing persists session state outside the process, so a restart or a
// second instance resolves the same caller for a handle.
type Backing interface {
	// Load returns the stored state of handle and its version.
	Load(ctx context.Context, handle string) (State, uint64, bool, error)
	// Save stores st as version unless the stored version is already at or
	// beyond it, in which case it reports false.
	Save(ctx context.Context, handle string, st State, version uint64, now time.Time) (bool, error)
	// PruneIdle deletes signed-out or expired sessions not written since
	// idleBefore and returns their handles. limit <= 0 means no limit.
	PruneIdle(ctx context.Context, idleBefore, now time.Time, limit int64) ([]string, error)
}

type session struct {
	sync   *Synchronizer
	events chan Event

	pubMu    sync.Mutex // serializes Publish so each one waits for its own event
	sent     uint64
	version  uint64 // stored version the local state reflects; guarded by pubMu
	dead     bool   // events closed by Prune; guarded by pubMu
	lastSeen time.Time
}

// Sessions owns one Synchronizer per session handle. Publish is the only
// way identity events enter the system.
type Sessions struct {
	mu      sync.Mutex
	entries map[string]*session
	log     *zap.Logger
	now     func() time.Time
	backing Backing

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// SessionsOption configures Sessions.
type SessionsOption func(*Sessions)

// WithBacking persists every session through b. Without it sessions live
// only in this process.
func WithBacking(b Backing) SessionsOption {
	return func(r *Sessions) { r.backing = b }
}

// WithSessionClock overrides time.Now.
func WithSessionClock(now func() time.Time) SessionsOption {
	return func(r *Sessions) { r.now = now }
}

// NewSessions creates an empty registry.
func NewSessions(logger *zap.Logger, opts ...SessionsOption) *Sessions {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Sessions{
		entries: make(map[string]*session),
		log:     logger,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// get returns the session for handle, creating and starting it if create is set.
func (r *Sessions) get(handle string, create bool) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if s, ok := r.entries[handle]; ok {
		return s, nil
	}
	if !create {
		return nil, nil
	}
	s := &session{sync: NewSynchronizer(), events: make(chan Event), lastSeen: r.now()}
	r.entries[handle] = s
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := s.sync.Run(r.ctx, s.events); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warn("identity synchronizer stopped", zap.Error(err))
		}
	}()
	return s, nil
}

// acquire returns the live session for handle with pubMu held.
func (r *Sessions) acquire(handle string) (*session, error) {
	for {
		s, err := r.get(handle, true)
		if err != nil {
			return nil, err
		}
		s.pubMu.Lock()
		if !s.dead {
			return s, nil
		}
		s.pubMu.Unlock()
	}
}

// send applies e to s and waits for it. pubMu must be held.
func (r *Sessions) send(ctx context.Context, s *session, e Event) error {
	select {
	case s.events <- e:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrClosed
	}
	s.sent++
	return s.sync.waitApplied(ctx, s.sent)
}

// restore brings s up to the stored version. pubMu must be held.
func (r *Sessions) restore(ctx context.Context, s *session, st State, version uint64) error {
	if version == s.version {
		return nil
	}
	ev := Event{Kind: Restored}
	if st.Authenticated() {
		ev.Identity = st.Identity
	}
	if err := r.send(ctx, s, ev); err != nil {
		return err
	}
	s.version = version
	return nil
}

func (r *Sessions) touch(s *session, at time.Time) {
	r.mu.Lock()
	s.lastSeen = at
	r.mu.Unlock()
}

// Publish feeds e into the session's synchronizer and returns once it has
// been applied (and stored, when backed), so the caller's next read sees it
// on any instance.
func (r *Sessions) Publish(ctx context.Context, handle string, e Event) (State, error) {
	s, err := r.acquire(handle)
	if err != nil {
		return State{}, err
	}
	defer s.pubMu.Unlock()

	if r.backing == nil {
		if err := r.send(ctx, s, e); err != nil {
			return State{}, err
		}
		r.touch(s, r.now())
		return s.sync.Current(), nil
	}

	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		// A missing record loads as version 0, which also resets a local
		// state whose record was pruned elsewhere.
		stored, version, _, err := r.backing.Load(ctx, handle)
		if err != nil {
			return State{}, crewerr.Unavailable(err)
		}
		if err := r.restore(ctx, s, stored, version); err != nil {
			return State{}, err
		}
		if err := r.send(ctx, s, e); err != nil {
			return State{}, err
		}
		st := s.sync.Current()
		saved, err := r.backing.Save(ctx, handle, st, s.version+1, r.now())
		if err != nil {
			return State{}, crewerr.Unavailable(err)
		}
		if saved {
			s.version++
			r.touch(s, r.now())
			return st, nil
		}
		// Another instance stored a newer version; re-apply e on top of it.
	}
	return State{}, crewerr.Conflict("session changed concurrently; try again")
}

// Synchronizer returns the session's synchronizer, if the session exists.
func (r *Sessions) Synchronizer(handle string) (*Synchronizer, bool) {
	s, err := r.get(handle, false)
	if err != nil || s == nil {
		return nil, false
	}
	return s.sync, true
}

// Caller resolves the caller of a session at now. A backed registry reads
// the stored state first, so a handle issued by another instance resolves
// here too.
func (r *Sessions) Caller(ctx context.Context, handle string, now time.Time) (Identity, error) {
	if r.backing == nil {
		s, err := r.get(handle, false)
		if err != nil {
			return Identity{}, crewerr.Unavailable(err)
		}
		if s == nil {
			return Identity{}, crewerr.Unauthenticated("unknown session")
		}
		r.touch(s, now)
		return s.sync.Caller(now)
	}

	stored, version, found, err := r.backing.Load(ctx, handle)
	if err != nil {
		return Identity{}, crewerr.Unavailable(err)
	}
	if !found {
		return Identity{}, crewerr.Unauthenticated("unknown session")
	}
	s, err := r.acquire(handle)
	if err != nil {
		return Identity{}, crewerr.Unavailable(err)
	}
	defer s.pubMu.Unlock()
	if err := r.restore(ctx, s, stored, version); err != nil {
		return Identity{}, crewerr.Unavailable(err)
	}
	r.touch(s, now)
	return s.sync.Caller(now)
}

// Prune drops sessions that are signed out or expired and have been idle
// since before idleBefore, from this process and from the backing store.
// It returns how many distinct handles were dropped.
func (r *Sessions) Prune(ctx context.Context, idleBefore time.Time) (int, error) {
	now := r.now()
	dropped := make(map[string]struct{})

	r.mu.Lock()
	for handle, s := range r.entries {
		st := s.sync.Current()
		live := st.Authenticated() && !st.Identity.ExpiredAt(now)
		if live || !s.lastSeen.Before(idleBefore) {
			continue
		}
		if r.drop(handle, s) {
			dropped[handle] = struct{}{}
		}
	}
	r.mu.Unlock()

	if r.backing == nil {
		return len(dropped), nil
	}
	handles, err := r.backing.PruneIdle(ctx, idleBefore, now, 0)
	if err != nil {
		return len(dropped), err
	}
	r.mu.Lock()
	for _, handle := range handles {
		if s, ok := r.entries[handle]; ok {
			r.drop(handle, s)
		}
		dropped[handle] = struct{}{}
	}
	r.mu.Unlock()
	return len(dropped), nil
}

// drop stops s unless a Publish holds it. r.mu must be held.
func (r *Sessions) drop(handle string, s *session) bool {
	if !s.pubMu.TryLock() {
		return false
	}
	s.dead = true
	close(s.events)
	s.pubMu.Unlock()
	delete(r.entries, handle)
	return true
}

// Len returns the number of sessions tracked in this process.
func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close stops every synchronizer. Stored sessions are kept.
func (r *Sessions) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
