package lease

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"cronflow/internal/core"
)

const keyPrefix = "cronflow:lease:"

// Extend the key if it is still ours.
// KEYS[1] - lease key
// ARGV[1] - holder
// ARGV[2] - ttl in milliseconds
var extendCmd = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
`)

// Delete the key if it is still ours.
// KEYS[1] - lease key
// ARGV[1] - holder
var releaseCmd = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// Redis implements core.Lease with expiring keys holding the owner id.
type Redis struct {
	rdb    redis.UniversalClient
	holder string
}

var _ core.Lease = (*Redis)(nil)

// NewRedis returns a lease handle for holder. An empty holder gets a random id.
func NewRedis(rdb redis.UniversalClient, holder string) *Redis {
	if holder == "" {
		holder = core.NewID()
	}
	return &Redis{rdb: rdb, holder: holder}
}

// Holder returns the identity this handle acquires leases under.
func (r *Redis) Holder() string { return r.holder }

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, keyPrefix+key, r.holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if ok {
		return true, nil
	}
	// Already ours, e.g. adopted again after a reconcile pass.
	return r.Extend(ctx, key, ttl)
}

func (r *Redis) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	res, err := extendCmd.Run(ctx, r.rdb, []string{keyPrefix + key}, r.holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend lease %s: %w", key, err)
	}
	return res == 1, nil
}

func (r *Redis) Release(ctx context.Context, key string) error {
	if err := releaseCmd.Run(ctx, r.rdb, []string{keyPrefix + key}, r.holder).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

// Ping checks that Redis answers.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
