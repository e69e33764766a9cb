// internal/app/system/identity/state.go
//
// Package identity keeps one authoritative view of who a session's caller
// is. Every transition comes from a single upstream event stream and is
// computed by the pure Reduce function; consumers read or subscribe to the
// derived state and never keep their own copy.
package identity

import "time"

// Status of a session's identity.
type Status string

const (
	StatusUnknown       Status = "unknown"
	StatusAuthenticated Status = "authenticated"
)

// Identity is what the identity provider vouches for.
type Identity struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpiredAt reports whether the identity's token has lapsed at now.
func (i Identity) ExpiredAt(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// State is the derived identity of one session.
type State struct {
	Status   Status   `json:"status"`
	Identity Identity `json:"identity"`
}

// Authenticated reports whether s carries an identity.
func (s State) Authenticated() bool { return s.Status == StatusAuthenticated }

// EventKind names an identity provider transition.
type EventKind string

const (
	SignedIn  EventKind = "signed_in"
	Refreshed EventKind = "refreshed"
	SignedOut EventKind = "signed_out"
	// Restored replays a state persisted by another instance.
	Restored EventKind = "restored"
)

// Event is one upstream transition.
type Event struct {
	Kind     EventKind
	Identity Identity
}

// Reduce returns the state after e.
//
//	Unknown        --SignedIn(u)--> Authenticated(u)
//	Authenticated(u) --Refreshed(u)--> Authenticated(u, new token)
//	Authenticated(u) --Refreshed(v)--> Unknown
//	any            --SignedOut--> Unknown
//	any            --Restored(u)--> Authenticated(u), or Unknown without u
//
// A refresh never turns one user into another, and a refresh without a
// signed-in user is ignored. Signing in as a different user replaces the
// previous identity outright.
func Reduce(s State, e Event) State {
	switch e.Kind {
	case SignedIn:
		if e.Identity.UserID == "" {
			return State{Status: StatusUnknown}
		}
		return State{Status: StatusAuthenticated, Identity: e.Identity}
	case Refreshed:
		if !s.Authenticated() {
			return s
		}
		if e.Identity.UserID != s.Identity.UserID {
			return State{Status: StatusUnknown}
		}
		return State{Status: StatusAuthenticated, Identity: e.Identity}
	case SignedOut:
		return State{Status: StatusUnknown}
	case Restored:
		if e.Identity.UserID == "" {
			return State{Status: StatusUnknown}
		}
		return State{Status: StatusAuthenticated, Identity: e.Identity}
	}
	return s
}
