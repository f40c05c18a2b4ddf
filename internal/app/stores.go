package app

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxstream/internal/cache/expiry"
	"github.com/MrWong99/voxstream/internal/cache/postgres"
	"github.com/MrWong99/voxstream/internal/cache/redisstore"
	"github.com/MrWong99/voxstream/internal/config"
)

// OpenAccessStore opens the access-record backend selected by cfg. The
// returned closer is nil for the in-memory store.
func OpenAccessStore(ctx context.Context, cfg config.ExpiryConfig) (expiry.AccessStore, func() error, error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		return expiry.NewMemoryStore(), nil, nil
	case config.BackendRedis:
		s, err := redisstore.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.BackendPostgres:
		s, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { s.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("app: unknown access store backend %q", cfg.Backend)
	}
}
