// internal/testutil/testutil.go
//
// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoURIEnv names the variable that enables Mongo-backed tests. It must
// point at a replica set because crew writes use transactions.
const MongoURIEnv = "CREWHUB_TEST_MONGO_URI"

// RedisAddrEnv names the variable that enables Redis-backed tests.
const RedisAddrEnv = "CREWHUB_TEST_REDIS_ADDR"

// TestContext returns a context with a timeout suitable for a single test.
func TestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// SetupTestDB connects to the Mongo deployment named by CREWHUB_TEST_MONGO_URI
// and returns a fresh, uniquely named database that is dropped when the test
// ends. The test is skipped when the variable is unset.
func SetupTestDB(t *testing.T) *mongo.Database {
	t.Helper()
	uri := os.Getenv(MongoURIEnv)
	if uri == "" {
		t.Skipf("%s not set; skipping MongoDB test", MongoURIEnv)
	}

	ctx, cancel := TestContext()
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect to test MongoDB: %v", err)
	}
	name := "crewhub_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	db := client.Database(name)

	t.Cleanup(func() {
		ctx, cancel := TestContext()
		defer cancel()
		if err := db.Drop(ctx); err != nil {
			t.Logf("drop test database %s: %v", name, err)
		}
		_ = client.Disconnect(ctx)
	})
	return db
}

// RedisAddr returns the Redis address for tests or skips the test.
func RedisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv(RedisAddrEnv)
	if addr == "" {
		t.Skipf("%s not set; skipping Redis test", RedisAddrEnv)
	}
	return addr
}

// NewMemoryStore returns an empty in-memory docstore with a generous
// transaction retry budget, so heavily contended tests always converge.
func NewMemoryStore(t *testing.T) *docstore.Memory {
	t.Helper()
	return docstore.NewMemory(docstore.WithMaxTxAttempts(10000))
}

// UserID returns a readable unique user id for tests.
func UserID(name string) string {
	return fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])
}
