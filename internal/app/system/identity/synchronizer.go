// internal/app/system/identity/synchronizer.go
package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dalemusser/crewhub/internal/domain/crewerr"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("identity: synchronizer already running")

// Synchronizer derives a session's State from one upstream event channel.
//
// Constructing a Synchronizer does nothing; the owner drives it with Run.
// Readers use Current for a point-in-time answer, or Changed and Subscribe
// to be told about every new state.
type Synchronizer struct {
	mu      sync.RWMutex
	state   State
	applied uint64
	changed chan struct{}
	running bool
}

// NewSynchronizer starts in StatusUnknown.
func NewSynchronizer() *Synchronizer {
	return &Synchronizer{
		state:   State{Status: StatusUnknown},
		changed: make(chan struct{}),
	}
}

// Run applies events until ctx ends or events is closed.
func (s *Synchronizer) Run(ctx context.Context, events <-chan Event) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			s.apply(e)
		}
	}
}

func (s *Synchronizer) apply(e Event) {
	s.mu.Lock()
	s.state = Reduce(s.state, e)
	s.applied++
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// Current returns the state now.
func (s *Synchronizer) Current() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Changed returns the current state and a channel that is closed when the
// next event has been applied.
func (s *Synchronizer) Changed() (State, <-chan struct{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.changed
}

func (s *Synchronizer) progress() (uint64, <-chan struct{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied, s.changed
}

// waitApplied blocks until at least n events have been applied.
func (s *Synchronizer) waitApplied(ctx context.Context, n uint64) error {
	for {
		done, ch := s.progress()
		if done >= n {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe emits the current state and then every distinct later state.
// A slow reader sees the latest state, not every intermediate one. The
// channel closes when ctx ends.
func (s *Synchronizer) Subscribe(ctx context.Context) <-chan State {
	out := make(chan State, 1)
	st, ch := s.Changed()
	out <- st
	go func() {
		defer close(out)
		last := st
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
			}
			st, ch = s.Changed()
			if st == last {
				continue
			}
			last = st
			select {
			case <-out:
			default:
			}
			out <- st
		}
	}()
	return out
}

// Caller returns the authenticated identity, or Unauthenticated when the
// session has none or its token has expired at now.
func (s *Synchronizer) Caller(now time.Time) (Identity, error) {
	st := s.Current()
	if !st.Authenticated() {
		return Identity{}, crewerr.Unauthenticated("not signed in")
	}
	if st.Identity.ExpiredAt(now) {
		return Identity{}, crewerr.Unauthenticated("session token expired")
	}
	return st.Identity, nil
}
