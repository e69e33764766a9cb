// internal/app/system/docstore/docstore.go
//
// Package docstore is the transactional document access layer every crew
// component goes through. Two implementations exist: Mongo (production) and
// Memory (single process, used by tests and the "memory" store backend).
//
// Documents are plain structs with bson tags and a string "_id".
package docstore

import (
	"context"
	"errors"
)

// Collection names.
const (
	Crews            = "crews"
	Members          = "members"
	UserCrews        = "user_crews"
	Invitations      = "invitations"
	Items            = "items"
	Counters         = "counters"
	Sequences        = "sequences"
	NotificationJobs = "notification_jobs"
	Operations       = "operations"
	AuditEvents      = "audit_events"
	Sessions         = "sessions"
)

var (
	// ErrNotFound is returned by Get when no document has the id.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrDuplicate is returned by Insert when the id (or a unique index) already exists.
	ErrDuplicate = errors.New("docstore: duplicate key")
	// ErrConflict means the transaction lost a race and may be retried.
	ErrConflict = errors.New("docstore: transaction conflict")
)

// Op is a filter comparison operator.
type Op string

const (
	Eq  Op = "$eq"
	Ne  Op = "$ne"
	Lt  Op = "$lt"
	Lte Op = "$lte"
	Gt  Op = "$gt"
	Gte Op = "$gte"
	In  Op = "$in"
)

// Cond is one field predicate. All conds of a Query are ANDed.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// SortKey orders Find results.
type SortKey struct {
	Field string
	Desc  bool
}

// Query describes a filtered, sorted, limited Find.
type Query struct {
	Filter []Cond
	Sort   []SortKey
	Limit  int64
}

// Where starts a query with an equality condition.
func Where(field string, value any) Query {
	return Query{Filter: []Cond{{Field: field, Op: Eq, Value: value}}}
}

// And appends a condition.
func (q Query) And(field string, op Op, value any) Query {
	q.Filter = append(append([]Cond(nil), q.Filter...), Cond{Field: field, Op: op, Value: value})
	return q
}

// OrderBy appends a sort key.
func (q Query) OrderBy(field string, desc bool) Query {
	q.Sort = append(append([]SortKey(nil), q.Sort...), SortKey{Field: field, Desc: desc})
	return q
}

// Take sets the result limit.
func (q Query) Take(n int64) Query {
	q.Limit = n
	return q
}

// Reader is the read half of the adapter.
type Reader interface {
	// Get decodes the document with id into out. ErrNotFound if missing.
	Get(ctx context.Context, coll, id string, out any) error
	// Find decodes all matches into out, which must point to a slice.
	Find(ctx context.Context, coll string, q Query, out any) error
	// Count returns the number of matching documents.
	Count(ctx context.Context, coll string, filter []Cond) (int64, error)
}

// Tx is a transaction handle. Writes become visible to other readers only
// when the surrounding RunTx commits.
type Tx interface {
	Reader
	// Insert creates a document; ErrDuplicate if id exists.
	Insert(ctx context.Context, coll, id string, doc any) error
	// Put creates or replaces the document with id.
	Put(ctx context.Context, coll, id string, doc any) error
	// Delete removes the document with id (no error if absent).
	Delete(ctx context.Context, coll, id string) error
}

// Store is the adapter entry point.
type Store interface {
	Reader
	// RunTx runs fn in one atomic transaction. fn must use the ctx it is
	// given for every call on tx, and may be invoked more than once when the
	// store retries a conflicting transaction.
	RunTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
}
