package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only when this instance still owns it.
// Running as a Lua script keeps get-then-expire atomic.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// LeaderElector hands one instance at a time a renewable lease on a key.
// The reaper uses it so only one instance sweeps per interval; sweeps stay
// CAS-guarded regardless, so a split brain costs duplicate scans, never
// duplicate transitions.
type LeaderElector interface {
	AcquireOrRenew(ctx context.Context) (bool, error)
	Resign(ctx context.Context) error
}

type leaderElector struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

// NewLeaderElector returns a SETNX-based elector for key, identifying this
// process as instanceID, with leases of ttl.
func NewLeaderElector(client *redis.Client, key, instanceID string, ttl time.Duration) LeaderElector {
	return &leaderElector{client: client, key: key, instanceID: instanceID, ttl: ttl}
}

// AcquireOrRenew attempts to take the lease, or renew it if this instance
// already holds it. Returns true when this instance is the leader.
func (l *leaderElector) AcquireOrRenew(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader SetNX %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	result, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader renew %s: %w", l.key, err)
	}
	return result == 1, nil
}

// Resign releases the lease if held. Best effort on shutdown.
func (l *leaderElector) Resign(ctx context.Context) error {
	released := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	if err := released.Run(ctx, l.client, []string{l.key}, l.instanceID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leader resign %s: %w", l.key, err)
	}
	return nil
}
