package outbox

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bitechdev/OutboxSpec/pkg/config"
	"github.com/bitechdev/OutboxSpec/pkg/logger"
)

// NewAdapterFromConfig creates an adapter based on the configuration.
// The sql adapter opens its own connection from the configured DSN and
// the mongo adapter from the configured URI; memory and redis need no
// external handles.
func NewAdapterFromConfig(ctx context.Context, cfg config.OutboxConfig) (Adapter, error) {
	opts := AdapterOptions{
		BatchSize:         cfg.BatchSize,
		PollInterval:      cfg.PollInterval,
		MaxRetries:        cfg.MaxRetries,
		ProcessingTimeout: cfg.ProcessingTimeout,
		MaxErrorBackoff:   cfg.MaxErrorBackoff,
		InstanceID:        cfg.InstanceID,
	}
	if cfg.RetryPolicy.BaseBackoff > 0 {
		opts.RetryPolicy = &RetryPolicy{
			BaseBackoff: cfg.RetryPolicy.BaseBackoff,
			MaxBackoff:  cfg.RetryPolicy.MaxBackoff,
			Jitter:      cfg.RetryPolicy.Jitter,
		}
	}

	switch cfg.Adapter {
	case "memory", "":
		return NewMemoryAdapter(opts), nil

	case "sql":
		if cfg.SQL.DSN == "" {
			return nil, fmt.Errorf("sql adapter requires a DSN")
		}
		sqldb, err := sql.Open("pgx", cfg.SQL.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db := bun.NewDB(sqldb, pgdialect.New())
		return NewSQLAdapter(SQLAdapterConfig{
			DB:               db,
			Table:            cfg.SQL.Table,
			ArchiveCompleted: cfg.SQL.ArchiveCompleted,
			ArchiveTable:     cfg.SQL.ArchiveTable,
			Options:          opts,
		})

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return NewRedisAdapter(RedisAdapterConfig{
			Client:    client,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Options:   opts,
		})

	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		logger.Info("Connected to MongoDB at %s", cfg.Mongo.URI)
		return NewMongoAdapter(MongoAdapterConfig{
			Database:   client.Database(cfg.Mongo.Database),
			Collection: cfg.Mongo.Collection,
			Options:    opts,
		})

	default:
		return nil, fmt.Errorf("unknown outbox adapter: %s", cfg.Adapter)
	}
}
