package coordination

import (
	"context"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	commonconfig "github.com/G-Research/slurmbatch/internal/common/config"
	"github.com/G-Research/slurmbatch/internal/metrics"
)

const redisKeyPrefix = "slurmbatch:"

// Deletes the lock only if it is still owned by the releasing holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisStore keeps values and locks in Redis. Locks are SET NX keys with an expiry, so that a
// holder killed by the workload manager cannot block other allocations forever.
type RedisStore struct {
	db           redis.UniversalClient
	namespace    string
	leaseTTL     time.Duration
	pollInterval time.Duration
}

func NewRedisStore(db redis.UniversalClient, namespace string, leaseTTL, pollInterval time.Duration) *RedisStore {
	return &RedisStore{db: db, namespace: namespace, leaseTTL: leaseTTL, pollInterval: pollInterval}
}

func NewRedisStoreFromConfig(config commonconfig.RedisConfig, namespace string, leaseTTL, pollInterval time.Duration) *RedisStore {
	return NewRedisStore(redis.NewUniversalClient(config.AsUniversalOptions()), namespace, leaseTTL, pollInterval)
}

func (s *RedisStore) Describe(scope string) string {
	return "redis:" + s.lockKey(scope)
}

func (s *RedisStore) Acquire(ctx context.Context, scope string, timeout time.Duration) (Guard, error) {
	key := s.lockKey(scope)
	token := uuid.New().String()

	start := time.Now()
	err := pollForLock(ctx, scope, s.Describe(scope), timeout, s.pollInterval, func() error {
		acquired, err := s.db.SetNX(key, token, s.leaseTTL).Result()
		if err != nil {
			return errors.WithStack(err)
		}
		if !acquired {
			return errLockHeld
		}
		return nil
	})
	metrics.LockWait.WithLabelValues("redis", scope).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return &redisGuard{db: s.db, key: key, token: token}, nil
}

func (s *RedisStore) Read(_ context.Context, key string) (string, bool, error) {
	value, err := s.db.Get(s.valueKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "reading %s", s.valueKey(key))
	}
	return value, true, nil
}

func (s *RedisStore) Write(_ context.Context, key string, value string) error {
	return errors.Wrapf(s.db.Set(s.valueKey(key), value, 0).Err(), "writing %s", s.valueKey(key))
}

func (s *RedisStore) Close() error {
	return s.db.Close()
}

func (s *RedisStore) valueKey(key string) string {
	return redisKeyPrefix + s.namespace + ":value:" + key
}

func (s *RedisStore) lockKey(scope string) string {
	return redisKeyPrefix + s.namespace + ":lock:" + scope
}

type redisGuard struct {
	db    redis.UniversalClient
	key   string
	token string
}

func (g *redisGuard) Release() error {
	deleted, err := releaseScript.Run(g.db, []string{g.key}, g.token).Int64()
	if err != nil {
		return errors.Wrapf(err, "releasing %s", g.key)
	}
	if deleted == 0 {
		return errors.Errorf("lock %s expired before it was released", g.key)
	}
	return nil
}
