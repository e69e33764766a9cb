// internal/app/system/docstore/mongo.go
package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dalemusser/crewhub/internal/app/system/txn"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// Mongo is the production Store. It requires a replica set (or sharded
// cluster) because every RunTx is a multi-document transaction.
type Mongo struct {
	db  *mongo.Database
	log *zap.Logger
}

// NewMongo wraps db.
func NewMongo(db *mongo.Database, logger *zap.Logger) *Mongo {
	return &Mongo{db: db, log: logger}
}

// Database exposes the underlying database for schema setup and health checks.
func (m *Mongo) Database() *mongo.Database { return m.db }

func (m *Mongo) Ping(ctx context.Context) error {
	return m.db.Client().Ping(ctx, readpref.Primary())
}

func (m *Mongo) RunTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	err := txn.RunStrict(ctx, m.db, func(sc context.Context) error {
		return fn(sc, mongoTx{db: m.db})
	})
	if err != nil && errors.Is(err, txn.ErrNotSupported) {
		m.log.Error("mongo deployment does not support transactions; crew writes require a replica set", zap.Error(err))
	}
	return translate(err)
}

func (m *Mongo) Get(ctx context.Context, coll, id string, out any) error {
	return mongoTx{db: m.db}.Get(ctx, coll, id, out)
}

func (m *Mongo) Find(ctx context.Context, coll string, q Query, out any) error {
	return mongoTx{db: m.db}.Find(ctx, coll, q, out)
}

func (m *Mongo) Count(ctx context.Context, coll string, filter []Cond) (int64, error) {
	return mongoTx{db: m.db}.Count(ctx, coll, filter)
}

// mongoTx issues every call on the ctx it is given; inside RunTx that ctx is
// the session context, which binds the call to the transaction.
type mongoTx struct {
	db *mongo.Database
}

func (t mongoTx) Get(ctx context.Context, coll, id string, out any) error {
	err := t.db.Collection(coll).FindOne(ctx, bson.M{"_id": id}).Decode(out)
	return translate(err)
}

func (t mongoTx) Find(ctx context.Context, coll string, q Query, out any) error {
	opts := options.Find()
	if len(q.Sort) > 0 {
		sort := bson.D{}
		for _, k := range q.Sort {
			dir := 1
			if k.Desc {
				dir = -1
			}
			sort = append(sort, bson.E{Key: k.Field, Value: dir})
		}
		// _id tiebreak keeps ordering identical to the memory store.
		sort = append(sort, bson.E{Key: "_id", Value: 1})
		opts.SetSort(sort)
	}
	if q.Limit > 0 {
		opts.SetLimit(q.Limit)
	}
	cur, err := t.db.Collection(coll).Find(ctx, FilterDoc(q.Filter), opts)
	if err != nil {
		return translate(err)
	}
	defer cur.Close(ctx)
	return translate(cur.All(ctx, out))
}

func (t mongoTx) Count(ctx context.Context, coll string, filter []Cond) (int64, error) {
	n, err := t.db.Collection(coll).CountDocuments(ctx, FilterDoc(filter))
	return n, translate(err)
}

func (t mongoTx) Insert(ctx context.Context, coll, id string, doc any) error {
	raw, err := withID(id, doc)
	if err != nil {
		return err
	}
	_, err = t.db.Collection(coll).InsertOne(ctx, raw)
	return translate(err)
}

func (t mongoTx) Put(ctx context.Context, coll, id string, doc any) error {
	raw, err := withID(id, doc)
	if err != nil {
		return err
	}
	_, err = t.db.Collection(coll).ReplaceOne(ctx, bson.M{"_id": id}, raw, options.Replace().SetUpsert(true))
	return translate(err)
}

func (t mongoTx) Delete(ctx context.Context, coll, id string) error {
	_, err := t.db.Collection(coll).DeleteOne(ctx, bson.M{"_id": id})
	return translate(err)
}

// FilterDoc converts conditions into a Mongo filter document.
func FilterDoc(filter []Cond) bson.D {
	if len(filter) == 0 {
		return bson.D{}
	}
	clauses := make(bson.A, 0, len(filter))
	for _, c := range filter {
		op := c.Op
		if op == "" {
			op = Eq
		}
		clauses = append(clauses, bson.D{{Key: c.Field, Value: bson.D{{Key: string(op), Value: c.Value}}}})
	}
	return bson.D{{Key: "$and", Value: clauses}}
}

// writeConflict is the server code for a write-write conflict inside a transaction.
const writeConflict = 112

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %w", ErrDuplicate, err)
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) && ce.Code == writeConflict {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	var le mongo.LabeledError
	if errors.As(err, &le) && le.HasErrorLabel("TransientTransactionError") {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}
