package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func aliveKey(workerID string) string { return "worker:alive:" + workerID }

// PresenceStore is a fast-path mirror of worker liveness. Each heartbeat
// SETs a key with the liveness TTL as expiry, so "is the worker live" is a
// single EXISTS instead of a registry read. Postgres last_heartbeat_at
// stays authoritative; a missing key only means the fan-out skips a nudge
// the worker would have ignored anyway.
type PresenceStore interface {
	MarkAlive(ctx context.Context, workerID string, ttl time.Duration) error
	IsAlive(ctx context.Context, workerID string) (bool, error)
	FilterAlive(ctx context.Context, workerIDs []string) ([]string, error)
}

type presenceStore struct {
	client *redis.Client
}

// NewPresenceStore creates a Redis-backed PresenceStore.
func NewPresenceStore(client *redis.Client) PresenceStore {
	return &presenceStore{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *presenceStore) MarkAlive(ctx context.Context, workerID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, aliveKey(workerID), time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("redis mark alive %s: %w", workerID, err)
	}
	return nil
}

func (s *presenceStore) IsAlive(ctx context.Context, workerID string) (bool, error) {
	n, err := s.client.Exists(ctx, aliveKey(workerID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis is alive %s: %w", workerID, err)
	}
	return n == 1, nil
}

// FilterAlive returns the subset of workerIDs with a live presence key,
// using one pipelined round trip.
func (s *presenceStore) FilterAlive(ctx context.Context, workerIDs []string) ([]string, error) {
	if len(workerIDs) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(workerIDs))
	for i, id := range workerIDs {
		cmds[i] = pipe.Exists(ctx, aliveKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis filter alive: %w", err)
	}

	live := make([]string, 0, len(workerIDs))
	for i, cmd := range cmds {
		if cmd.Val() == 1 {
			live = append(live, workerIDs[i])
		}
	}
	return live, nil
}
