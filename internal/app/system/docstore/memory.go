// internal/app/system/docstore/memory.go
package docstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// DefaultMaxTxAttempts bounds how often Memory retries a conflicting transaction.
const DefaultMaxTxAttempts = 128

// maxBackoff caps the jittered sleep between attempts.
const maxBackoff = 10 * time.Millisecond

type entry struct {
	raw     bson.Raw
	version uint64
}

type collection struct {
	docs    map[string]entry
	version uint64
}

type docRef struct {
	coll string
	id   string
}

// Memory is an in-process Store with optimistic, serializable transactions.
//
// A transaction records the version of every document it reads and the
// version of every collection it scans with Find or Count. Commit fails with
// ErrConflict if any of those moved, and RunTx retries up to maxAttempts.
type Memory struct {
	mu    sync.RWMutex
	colls map[string]*collection
	seq   uint64

	maxAttempts int

	readsMu sync.Mutex
	reads   map[string]*atomic.Int64

	faultMu sync.RWMutex
	fault   func(coll, id string) error
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMaxTxAttempts overrides DefaultMaxTxAttempts.
func WithMaxTxAttempts(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		colls:       make(map[string]*collection),
		maxAttempts: DefaultMaxTxAttempts,
		reads:       make(map[string]*atomic.Int64),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetFault installs a hook called before every transactional write. A
// non-nil return aborts the write (and normally the transaction). Pass nil
// to clear it.
func (m *Memory) SetFault(fn func(coll, id string) error) {
	m.faultMu.Lock()
	m.fault = fn
	m.faultMu.Unlock()
}

// Reads returns how many Get/Find/Count calls hit coll since the last ResetReads.
func (m *Memory) Reads(coll string) int64 {
	return m.readCounter(coll).Load()
}

// ResetReads zeroes every read counter.
func (m *Memory) ResetReads() {
	m.readsMu.Lock()
	defer m.readsMu.Unlock()
	for _, c := range m.reads {
		c.Store(0)
	}
}

func (m *Memory) readCounter(coll string) *atomic.Int64 {
	m.readsMu.Lock()
	defer m.readsMu.Unlock()
	c, ok := m.reads[coll]
	if !ok {
		c = new(atomic.Int64)
		m.reads[coll] = c
	}
	return c
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

// --- committed reads (outside a transaction) ---

func (m *Memory) Get(ctx context.Context, coll, id string, out any) error {
	t := m.newTx()
	return t.Get(ctx, coll, id, out)
}

func (m *Memory) Find(ctx context.Context, coll string, q Query, out any) error {
	t := m.newTx()
	return t.Find(ctx, coll, q, out)
}

func (m *Memory) Count(ctx context.Context, coll string, filter []Cond) (int64, error) {
	t := m.newTx()
	return t.Count(ctx, coll, filter)
}

// RunTx implements Store.
func (m *Memory) RunTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := m.newTx()
		err := fn(ctx, t)
		if err == nil {
			err = m.commit(t)
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		lastErr = err
		if attempt < m.maxAttempts {
			if err := backoff(ctx, attempt); err != nil {
				return err
			}
		}
	}
	return lastErr
}

func backoff(ctx context.Context, attempt int) error {
	ceiling := time.Duration(attempt) * 250 * time.Microsecond
	if ceiling > maxBackoff {
		ceiling = maxBackoff
	}
	d := time.Duration(rand.Int64N(int64(ceiling) + 1))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Memory) commit(t *memTx) error {
	if len(t.writes) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for ref, seen := range t.docReads {
		if m.versionOf(ref) != seen {
			return ErrConflict
		}
	}
	for name, seen := range t.collReads {
		var cur uint64
		if c := m.colls[name]; c != nil {
			cur = c.version
		}
		if cur != seen {
			return ErrConflict
		}
	}

	for _, ref := range t.order {
		w := t.writes[ref]
		c := m.colls[ref.coll]
		if c == nil {
			c = &collection{docs: make(map[string]entry)}
			m.colls[ref.coll] = c
		}
		m.seq++
		c.version = m.seq
		if w == nil {
			delete(c.docs, ref.id)
			continue
		}
		c.docs[ref.id] = entry{raw: w, version: m.seq}
	}
	return nil
}

// versionOf must be called with m.mu held.
func (m *Memory) versionOf(ref docRef) uint64 {
	c := m.colls[ref.coll]
	if c == nil {
		return 0
	}
	return c.docs[ref.id].version
}

func (m *Memory) newTx() *memTx {
	return &memTx{
		m:         m,
		docReads:  make(map[docRef]uint64),
		collReads: make(map[string]uint64),
		writes:    make(map[docRef]bson.Raw),
	}
}

// memTx buffers writes; a nil raw in writes marks a delete.
type memTx struct {
	m         *Memory
	docReads  map[docRef]uint64
	collReads map[string]uint64
	writes    map[docRef]bson.Raw
	order     []docRef
}

func (t *memTx) readCommitted(ref docRef) (bson.Raw, bool) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	var e entry
	if c := t.m.colls[ref.coll]; c != nil {
		e = c.docs[ref.id]
	}
	if _, seen := t.docReads[ref]; !seen {
		t.docReads[ref] = e.version
	}
	return e.raw, e.raw != nil
}

func (t *memTx) lookup(ref docRef) (bson.Raw, bool) {
	if raw, written := t.writes[ref]; written {
		return raw, raw != nil
	}
	return t.readCommitted(ref)
}

func (t *memTx) Get(ctx context.Context, coll, id string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.m.readCounter(coll).Add(1)
	raw, ok := t.lookup(docRef{coll, id})
	if !ok {
		return ErrNotFound
	}
	return bson.Unmarshal(raw, out)
}

func (t *memTx) scan(coll string, filter []Cond) ([]candidate, error) {
	t.m.mu.RLock()
	c := t.m.colls[coll]
	merged := make(map[string]bson.Raw)
	var version uint64
	if c != nil {
		version = c.version
		for id, e := range c.docs {
			merged[id] = e.raw
		}
	}
	t.m.mu.RUnlock()
	if _, seen := t.collReads[coll]; !seen {
		t.collReads[coll] = version
	}

	for ref, raw := range t.writes {
		if ref.coll != coll {
			continue
		}
		if raw == nil {
			delete(merged, ref.id)
		} else {
			merged[ref.id] = raw
		}
	}

	out := make([]candidate, 0, len(merged))
	for id, raw := range merged {
		var doc bson.M
		if err := bson.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		if matches(doc, filter) {
			out = append(out, candidate{id: id, raw: raw, doc: doc})
		}
	}
	return out, nil
}

func (t *memTx) Find(ctx context.Context, coll string, q Query, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.m.readCounter(coll).Add(1)

	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("docstore: Find out must be a pointer to a slice, got %T", out)
	}

	cs, err := t.scan(coll, q.Filter)
	if err != nil {
		return err
	}
	sortCandidates(cs, q.Sort)
	if q.Limit > 0 && int64(len(cs)) > q.Limit {
		cs = cs[:q.Limit]
	}

	slice := rv.Elem()
	elemType := slice.Type().Elem()
	result := reflect.MakeSlice(slice.Type(), 0, len(cs))
	for _, c := range cs {
		ptr := reflect.New(elemType)
		if err := bson.Unmarshal(c.raw, ptr.Interface()); err != nil {
			return err
		}
		result = reflect.Append(result, ptr.Elem())
	}
	slice.Set(result)
	return nil
}

func (t *memTx) Count(ctx context.Context, coll string, filter []Cond) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.m.readCounter(coll).Add(1)
	cs, err := t.scan(coll, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(cs)), nil
}

func (t *memTx) checkFault(coll, id string) error {
	t.m.faultMu.RLock()
	f := t.m.fault
	t.m.faultMu.RUnlock()
	if f == nil {
		return nil
	}
	return f(coll, id)
}

func (t *memTx) record(ref docRef, raw bson.Raw) {
	if _, ok := t.writes[ref]; !ok {
		t.order = append(t.order, ref)
	}
	t.writes[ref] = raw
}

func (t *memTx) Insert(ctx context.Context, coll, id string, doc any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.checkFault(coll, id); err != nil {
		return err
	}
	ref := docRef{coll, id}
	if _, exists := t.lookup(ref); exists {
		return fmt.Errorf("%w: %s/%s", ErrDuplicate, coll, id)
	}
	raw, err := withID(id, doc)
	if err != nil {
		return err
	}
	t.record(ref, raw)
	return nil
}

func (t *memTx) Put(ctx context.Context, coll, id string, doc any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.checkFault(coll, id); err != nil {
		return err
	}
	raw, err := withID(id, doc)
	if err != nil {
		return err
	}
	t.record(docRef{coll, id}, raw)
	return nil
}

func (t *memTx) Delete(ctx context.Context, coll, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.checkFault(coll, id); err != nil {
		return err
	}
	t.record(docRef{coll, id}, nil)
	return nil
}

// withID marshals doc and forces its _id to id.
func withID(id string, doc any) (bson.Raw, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var d bson.D
	if err := bson.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	out := bson.D{{Key: "_id", Value: id}}
	for _, e := range d {
		if e.Key != "_id" {
			out = append(out, e)
		}
	}
	return bson.Marshal(out)
}
