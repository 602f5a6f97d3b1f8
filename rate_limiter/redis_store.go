package rate_limiter

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/lowc1012/throttle-policy-go/internal/log"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ensure that RedisStore satisfies an interface Store
var _ Store = &RedisStore{}

// RedisStore keeps counters and locks in Redis so that every instance of a
// service shares one budget per key.
//
// Increment relies on INCR being atomic: only the caller that observes the
// counter become 1 sets its expiry, so the window is anchored once even with
// many concurrent incrementers.
type RedisStore struct {
	client   redis.UniversalClient
	timeNow  func() time.Time
	identity []string
}

func NewRedisStore(c redis.UniversalClient, opts ...StoreOption) *RedisStore {
	o := newStoreOptions(opts)
	return &RedisStore{
		client:   c,
		timeNow:  o.now,
		identity: o.identity,
	}
}

func (r *RedisStore) CounterKey(key Key, limiter *Limiter) string {
	return CounterKey(r.identity, key, limiter, r.timeNow())
}

func (r *RedisStore) LockKey(key Key, limiter *Limiter) string {
	return LockKey(r.identity, key, limiter)
}

func (r *RedisStore) Count(ctx context.Context, key Key, limiter *Limiter) (int64, bool, error) {
	id := r.CounterKey(key, limiter)
	value, err := r.client.Get(ctx, id).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		log.Logger().Error("Failed to get counter", zap.String("key", id), zap.Error(err))
		return 0, false, err
	}

	count, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		// a value we did not write; behave as if the window had not started
		log.Logger().Warn("Ignoring non-numeric counter", zap.String("key", id), zap.String("value", value))
		return 0, false, nil
	}
	return count, true, nil
}

func (r *RedisStore) Increment(ctx context.Context, key Key, limiter *Limiter) error {
	id := r.CounterKey(key, limiter)
	total, err := r.client.Incr(ctx, id).Result()
	if err != nil {
		log.Logger().Error("Failed to increase key", zap.String("key", id), zap.Error(err))
		return err
	}

	// 1 means the key was just created, either new or recreated after expiring
	if total == 1 {
		if err := r.client.Expire(ctx, id, limiter.Period).Err(); err != nil {
			log.Logger().Error("Failed to set an expiration to key", zap.String("key", id), zap.Error(err))
			return err
		}
	}
	return nil
}

func (r *RedisStore) RemoveCounter(ctx context.Context, key Key, limiter *Limiter) error {
	id := r.CounterKey(key, limiter)
	if err := r.client.Del(ctx, id).Err(); err != nil {
		log.Logger().Error("Failed to delete counter", zap.String("key", id), zap.Error(err))
		return err
	}
	return nil
}

func (r *RedisStore) LockExists(ctx context.Context, key Key, limiter *Limiter) (bool, error) {
	id := r.LockKey(key, limiter)
	n, err := r.client.Exists(ctx, id).Result()
	if err != nil {
		log.Logger().Error("Failed to check lock", zap.String("key", id), zap.Error(err))
		return false, err
	}
	return n > 0, nil
}

func (r *RedisStore) SetLock(ctx context.Context, key Key, limiter *Limiter) error {
	id := r.LockKey(key, limiter)

	// MULTI/EXEC so the lock never exists without its expiry
	p := r.client.TxPipeline()
	p.Incr(ctx, id)
	p.Expire(ctx, id, limiter.LockDuration)
	if _, err := p.Exec(ctx); err != nil {
		log.Logger().Error("Failed to set lock", zap.String("key", id),
			zap.String("lockDuration", limiter.LockDuration.String()), zap.Error(err))
		return err
	}
	return nil
}
