// internal/app/system/txn/txn.go
package txn

import (
	"context"
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// ErrNotSupported is returned by RunStrict when the deployment cannot run
// multi-document transactions (standalone mongod, some emulators).
var ErrNotSupported = errors.New("txn: multi-document transactions not supported by this deployment")

func txnOptions() *options.TransactionOptions {
	return options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
}

// RunStrict executes fn inside a multi-document transaction. There is no
// fallback: deployments without transactions get ErrNotSupported.
//
// fn receives the session context and must pass it to every collection call.
//
// The driver retries fn on TransientTransactionError and retries the commit on
// UnknownTransactionCommitResult, so fn must be safe to run more than once.
func RunStrict(ctx context.Context, db *mongo.Database, fn func(ctx context.Context) error) error {
	sess, err := db.Client().StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	}, txnOptions())
	if err != nil && IsNotSupported(err) {
		return errors.Join(ErrNotSupported, err)
	}
	return err
}

// IsNotSupported reports whether err indicates the server cannot run
// transactions (as opposed to a transaction that ran and failed).
func IsNotSupported(err error) bool {
	if err == nil {
		return false
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) {
		switch ce.Code {
		case 20, // IllegalOperation: "Transaction numbers are only allowed on a replica set member"
			51,  // legacy code used by some emulators
			263: // OperationNotSupportedInTransaction
			return true
		}
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "transaction") && strings.Contains(s, "replica set"):
		return true
	case strings.Contains(s, "session") && strings.Contains(s, "not supported"):
		return true
	case strings.Contains(s, "transaction") && strings.Contains(s, "session"):
		return true
	case strings.Contains(s, "illegal operation"):
		return true
	}
	return false
}
