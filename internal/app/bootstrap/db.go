// internal/app/bootstrap/db.go
package bootstrap

import (
	"context"
	"fmt"

	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/app/system/indexes"
	"github.com/dalemusser/crewhub/internal/app/system/timeouts"
	"github.com/dalemusser/waffle/config"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// ConnectDB opens the document store and, when configured, Redis.
func ConnectDB(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, logger *zap.Logger) (DBDeps, error) {
	deps := DBDeps{Services: &Services{}}

	switch appCfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory document store; data is not persisted")
		deps.Store = docstore.NewMemory()
	default:
		client, db, err := connectMongo(ctx, appCfg, logger)
		if err != nil {
			return DBDeps{}, err
		}
		deps.MongoClient = client
		deps.MongoDatabase = db
		deps.Store = docstore.NewMongo(db, logger)
	}

	if appCfg.RedisAddr != "" {
		rdb, err := connectRedis(ctx, appCfg, logger)
		if err != nil {
			if deps.MongoClient != nil {
				_ = deps.MongoClient.Disconnect(context.WithoutCancel(ctx))
			}
			return DBDeps{}, err
		}
		deps.Redis = rdb
	}

	return deps, nil
}

func connectMongo(ctx context.Context, appCfg AppConfig, logger *zap.Logger) (*mongo.Client, *mongo.Database, error) {
	cctx, cancel := context.WithTimeout(ctx, timeouts.Long())
	defer cancel()

	opts := options.Client().
		ApplyURI(appCfg.MongoURI).
		SetMaxPoolSize(appCfg.MongoMaxPoolSize).
		SetMinPoolSize(appCfg.MongoMinPoolSize)

	client, err := mongo.Connect(cctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to MongoDB: %w", err)
	}
	if err := client.Ping(cctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, nil, fmt.Errorf("ping MongoDB: %w", err)
	}

	logger.Info("connected to MongoDB",
		zap.String("database", appCfg.MongoDatabase),
		zap.Uint64("max_pool_size", appCfg.MongoMaxPoolSize))
	return client, client.Database(appCfg.MongoDatabase), nil
}

func connectRedis(ctx context.Context, appCfg AppConfig, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     appCfg.RedisAddr,
		Password: appCfg.RedisPassword,
		DB:       appCfg.RedisDB,
	})

	pctx, cancel := context.WithTimeout(ctx, timeouts.Short())
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping Redis at %s: %w", appCfg.RedisAddr, err)
	}

	logger.Info("connected to Redis", zap.String("addr", appCfg.RedisAddr), zap.Int("db", appCfg.RedisDB))
	return rdb, nil
}

// EnsureSchema creates the indexes the queries rely on. The memory backend
// has no schema.
func EnsureSchema(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) error {
	if deps.MongoDatabase == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, timeouts.Batch())
	defer cancel()
	return indexes.EnsureAll(sctx, deps.MongoDatabase, logger)
}
