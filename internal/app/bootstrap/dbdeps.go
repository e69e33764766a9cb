// internal/app/bootstrap/dbdeps.go
package bootstrap

import (
	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// DBDeps holds database/back-end dependencies for the app.
//
// Store is always set. The Mongo fields are nil with the memory backend and
// Redis is nil when no redis_addr is configured. Services is filled in by
// Startup and read by BuildHandler and Shutdown; WAFFLE passes DBDeps by
// value, so it is a pointer.
type DBDeps struct {
	Store         docstore.Store
	MongoClient   *mongo.Client
	MongoDatabase *mongo.Database
	Redis         *redis.Client

	Services *Services
}
