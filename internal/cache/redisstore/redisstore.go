// Package redisstore keeps track access times in a Redis sorted set so that
// several voxstream instances sharing one cache directory agree on what is
// stale.
//
// Members are track URIs, scores are Unix milliseconds of the last access.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/voxstream/internal/cache/expiry"
)

// DefaultKey is the sorted set used when no key is configured.
const DefaultKey = "voxstream:track_access:uri"

var _ expiry.AccessStore = (*Store)(nil)

// Store is a Redis-backed [expiry.AccessStore].
type Store struct {
	client *redis.Client
	key    string
}

// New wraps an existing client. An empty key selects [DefaultKey].
func New(client *redis.Client, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{client: client, key: key}
}

// Dial connects to addr, verifies the connection with PING and returns a
// Store using [DefaultKey].
func Dial(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", addr, err)
	}
	return New(client, ""), nil
}

// Touch implements [expiry.AccessStore].
func (s *Store) Touch(ctx context.Context, uri string, at time.Time) error {
	err := s.client.ZAdd(ctx, s.key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: uri,
	}).Err()
	if err != nil {
		return fmt.Errorf("redisstore: touch %q: %w", uri, err)
	}
	return nil
}

// Stale implements [expiry.AccessStore].
func (s *Store) Stale(ctx context.Context, cutoff time.Time) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: stale: %w", err)
	}
	return members, nil
}

// Remove implements [expiry.AccessStore].
func (s *Store) Remove(ctx context.Context, uris ...string) error {
	if len(uris) == 0 {
		return nil
	}
	members := make([]any, len(uris))
	for i, uri := range uris {
		members[i] = uri
	}
	if err := s.client.ZRem(ctx, s.key, members...).Err(); err != nil {
		return fmt.Errorf("redisstore: remove: %w", err)
	}
	return nil
}

// Len implements [expiry.AccessStore].
func (s *Store) Len(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: len: %w", err)
	}
	return int(n), nil
}

// Ping reports whether Redis is reachable. It backs the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
