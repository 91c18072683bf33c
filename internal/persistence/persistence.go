package persistence

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Persistence bundles the store interfaces so the engine
// can depend on a single abstraction.
type Persistence struct {
	Instances InstanceStore
	Events    EventStore
}

// NewInMemory returns a Persistence backed entirely by process memory.
func NewInMemory() Persistence {
	return Persistence{
		Instances: NewInMemoryStore(),
		Events:    NewInMemoryEventStore(),
	}
}

// NewSQLite creates the instance and history schemas in db.
// The caller must have imported a SQLite driver.
func NewSQLite(db *sql.DB) (Persistence, error) {
	inst, err := NewSQLiteInstanceStore(db)
	if err != nil {
		return Persistence{}, err
	}
	events, err := NewSQLiteEventStore(db)
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{Instances: inst, Events: events}, nil
}

// NewRedis returns a Persistence that keeps instances and history in Redis
// under prefix.
func NewRedis(client *redis.Client, prefix string) Persistence {
	return Persistence{
		Instances: NewRedisInstanceStore(client, prefix),
		Events:    NewRedisEventStore(client, prefix),
	}
}

// NewPostgres creates the instance and history schemas in the pool's database.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (Persistence, error) {
	inst, err := NewPostgresInstanceStore(ctx, pool)
	if err != nil {
		return Persistence{}, err
	}
	events, err := NewPostgresEventStore(ctx, pool)
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{Instances: inst, Events: events}, nil
}
