package chat

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Store backends.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

// Sweeper is implemented by backends whose expired rows must be deleted
// explicitly.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// OpenOptions selects and configures a backend.
type OpenOptions struct {
	Backend     string
	Redis       *redis.Client // required for BackendRedis; not closed by the store
	PostgresDSN string
	BadgerPath  string
}

// Open returns the Store for opts.Backend.
func Open(ctx context.Context, opts OpenOptions) (Store, error) {
	switch opts.Backend {
	case BackendRedis:
		if opts.Redis == nil {
			return nil, fmt.Errorf("chat: open: redis backend needs a client")
		}
		return NewRedisStore(opts.Redis), nil
	case BackendPostgres:
		store, err := OpenPostgres(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendBadger:
		store, err := OpenBadger(opts.BadgerPath)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("chat: open: unknown backend %q", opts.Backend)
	}
}
