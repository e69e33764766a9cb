package txn_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dalemusser/crewhub/internal/app/system/txn"
	"github.com/dalemusser/crewhub/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestIsNotSupported(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "unrelated", err: errors.New("connection reset by peer"), want: false},
		{name: "illegal operation code", err: mongo.CommandError{Code: 20, Message: "Transaction numbers are only allowed on a replica set member or mongos"}, want: true},
		{name: "emulator code", err: mongo.CommandError{Code: 51}, want: true},
		{name: "not supported in transaction", err: mongo.CommandError{Code: 263}, want: true},
		{name: "write conflict is a real failure", err: mongo.CommandError{Code: 112, Message: "WriteConflict"}, want: false},
		{name: "replica set wording", err: errors.New("Transaction numbers are only allowed on a Replica Set member"), want: true},
		{name: "sessions unsupported", err: errors.New("sessions are not supported by the MongoDB cluster"), want: true},
		{name: "wrapped", err: fmt.Errorf("insert crew: %w", mongo.CommandError{Code: 20}), want: true},
		{name: "transaction alone", err: errors.New("transaction aborted"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, txn.IsNotSupported(tt.err))
		})
	}
}

func TestRunStrict_CommitsAndRollsBack(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	coll := db.Collection("txn_probe")
	// Collections cannot be created implicitly inside a transaction on older servers.
	_, err := coll.InsertOne(ctx, bson.M{"_id": "seed"})
	require.NoError(t, err)

	err = txn.RunStrict(ctx, db, func(ctx context.Context) error {
		_, err := coll.InsertOne(ctx, bson.M{"_id": "kept"})
		return err
	})
	if errors.Is(err, txn.ErrNotSupported) {
		t.Skip("test deployment does not support transactions")
	}
	require.NoError(t, err)

	boom := errors.New("boom")
	err = txn.RunStrict(ctx, db, func(ctx context.Context) error {
		if _, err := coll.InsertOne(ctx, bson.M{"_id": "dropped"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := coll.CountDocuments(ctx, bson.M{"_id": bson.M{"$in": bson.A{"kept", "dropped"}}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
