package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/jobpool/internal/config"
	"github.com/petrijr/jobpool/internal/taskqueue"
	"github.com/petrijr/jobpool/pkg/api"
)

const connectTimeout = 10 * time.Second

// openBroker connects to the configured backend. The returned function
// releases the connection.
func openBroker(ctx context.Context, cfg *config.Config) (api.Broker, func() error, error) {
	opts := []taskqueue.Option{taskqueue.WithTTR(cfg.TTR)}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch cfg.Broker {
	case config.BrokerMemory:
		b := taskqueue.NewMemoryBroker(opts...)
		return b, b.Close, nil

	case config.BrokerSQLite:
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		// One connection serializes writers and avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		b, err := taskqueue.NewSQLiteBroker(db, opts...)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return b, db.Close, nil

	case config.BrokerPostgres:
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		b, err := taskqueue.NewPostgresBroker(db, opts...)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return b, db.Close, nil

	case config.BrokerRedis:
		ropts, err := redis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(ropts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return taskqueue.NewRedisBroker(client, cfg.RedisPrefix, opts...), client.Close, nil

	case config.BrokerMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return nil, nil, err
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		closeFn := func() error { return client.Disconnect(context.Background()) }
		return taskqueue.NewMongoBroker(client, cfg.MongoDatabase, "", opts...), closeFn, nil
	}
	return nil, nil, fmt.Errorf("unknown broker %q", cfg.Broker)
}
