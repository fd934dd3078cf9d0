// Package coordination provides the shared, lock-protected key/value state used by concurrently
// running allocations: the pseudo id counter, the per-partition exclusion lists and the global
// dependency rewrite lock.
//
// Values may only be written while holding the lock of the scope they belong to. Reads outside a
// lock are allowed but may be stale; callers must re-read rather than cache.
package coordination

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/slurmbatch/internal/common/batcherrors"
	"github.com/G-Research/slurmbatch/internal/configuration"
)

const (
	// CounterKey holds the next pseudo id, as decimal text.
	CounterKey = "pseudo_id_counter"
	// DependencyRewriteScope serialises rewrites of pending allocations' dependencies.
	DependencyRewriteScope = "dependency_rewrite"

	exclusionListPrefix = "exclude_"
)

// Guard is a held exclusive lock.
type Guard interface {
	Release() error
}

// Store is a lockable key/value store.
type Store interface {
	// Acquire blocks until the exclusive lock for scope is held, ctx is cancelled or timeout expires.
	// On timeout it returns *batcherrors.ErrLockTimeout.
	Acquire(ctx context.Context, scope string, timeout time.Duration) (Guard, error)
	// Read returns the value stored under key and whether it exists.
	Read(ctx context.Context, key string) (string, bool, error)
	Write(ctx context.Context, key string, value string) error
	// Describe returns a human readable location of the resource backing scope, for diagnostics.
	Describe(scope string) string
	Close() error
}

// ExclusionListKey returns the key, and lock scope, of the exclusion list of partition.
func ExclusionListKey(partition string) string {
	return exclusionListPrefix + partition
}

// WithLock runs action while holding the lock for scope.
func WithLock(ctx context.Context, store Store, scope string, timeout time.Duration, action func() error) (err error) {
	guard, err := store.Acquire(ctx, scope, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := guard.Release(); releaseErr != nil && err == nil {
			err = errors.Wrapf(releaseErr, "releasing lock %s", store.Describe(scope))
		}
	}()
	return action()
}

// New creates the Store selected by config. namespace separates independent stores sharing a
// backend, e.g. the per-user counter and the state of one run.
func New(config configuration.StateConfig, namespace string) (Store, error) {
	switch config.Backend {
	case configuration.FileBackend, "":
		return NewFileStore(namespace, config.PollInterval)
	case configuration.RedisBackend:
		return NewRedisStoreFromConfig(config.Redis, namespace, config.LeaseTTL, config.PollInterval), nil
	case configuration.EtcdBackend:
		return NewEtcdStore(config.Etcd, namespace, config.LeaseTTL)
	default:
		return nil, &batcherrors.ErrConfiguration{Field: "state.backend", Value: config.Backend, Message: "expected file, redis or etcd"}
	}
}
