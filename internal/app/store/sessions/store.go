// internal/app/store/sessions/store.go
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/app/system/identity"
)

// Session is the persisted identity of one session handle. The bearer token
// is never stored.
type Session struct {
	Handle    string          `bson:"_id"`
	Status    identity.Status `bson:"status"`
	UserID    string          `bson:"user_id,omitempty"`
	ExpiresAt time.Time       `bson:"expires_at,omitempty"`

	// Version counts applied identity events across every instance.
	Version   uint64    `bson:"version"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (s Session) state() identity.State {
	if s.Status != identity.StatusAuthenticated {
		return identity.State{Status: identity.StatusUnknown}
	}
	return identity.State{
		Status:   identity.StatusAuthenticated,
		Identity: identity.Identity{UserID: s.UserID, ExpiresAt: s.ExpiresAt},
	}
}

// Store keeps session identity in the docstore so every instance resolves
// the same caller for a handle. It implements identity.Backing.
type Store struct {
	ds docstore.Store
}

// New creates a sessions Store.
func New(ds docstore.Store) *Store {
	return &Store{ds: ds}
}

// Load returns the stored state of handle and its version.
func (s *Store) Load(ctx context.Context, handle string) (identity.State, uint64, bool, error) {
	var rec Session
	err := s.ds.Get(ctx, docstore.Sessions, handle, &rec)
	if errors.Is(err, docstore.ErrNotFound) {
		return identity.State{}, 0, false, nil
	}
	if err != nil {
		return identity.State{}, 0, false, err
	}
	return rec.state(), rec.Version, true, nil
}

// Save writes st as version. A stored version at or beyond it wins and is
// left alone; Save then reports false.
func (s *Store) Save(ctx context.Context, handle string, st identity.State, version uint64, now time.Time) (bool, error) {
	var saved bool
	err := s.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		saved = false
		var cur Session
		err := tx.Get(ctx, docstore.Sessions, handle, &cur)
		switch {
		case err == nil:
			if cur.Version >= version {
				return nil
			}
		case !errors.Is(err, docstore.ErrNotFound):
			return err
		}
		rec := Session{
			Handle:    handle,
			Status:    st.Status,
			Version:   version,
			UpdatedAt: now.UTC(),
		}
		if st.Authenticated() {
			rec.UserID = st.Identity.UserID
			rec.ExpiresAt = st.Identity.ExpiresAt
		}
		saved = true
		return tx.Put(ctx, docstore.Sessions, handle, rec)
	})
	return saved, err
}

// PruneIdle deletes up to limit sessions last written before idleBefore that
// are signed out or expired at now, and returns their handles.
func (s *Store) PruneIdle(ctx context.Context, idleBefore, now time.Time, limit int64) ([]string, error) {
	var handles []string
	err := s.ds.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		handles = handles[:0]
		var stale []Session
		q := docstore.Query{}.And("updated_at", docstore.Lt, idleBefore).OrderBy("updated_at", false)
		if limit > 0 {
			q = q.Take(limit)
		}
		if err := tx.Find(ctx, docstore.Sessions, q, &stale); err != nil {
			return err
		}
		for _, rec := range stale {
			st := rec.state()
			if st.Authenticated() && !st.Identity.ExpiredAt(now) {
				continue
			}
			if err := tx.Delete(ctx, docstore.Sessions, rec.Handle); err != nil {
				return err
			}
			handles = append(handles, rec.Handle)
		}
		return nil
	})
	return handles, err
}
