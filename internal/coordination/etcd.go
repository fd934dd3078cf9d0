package coordination

import (
	"context"
	"path"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/G-Research/slurmbatch/internal/common/batcherrors"
	"github.com/G-Research/slurmbatch/internal/configuration"
	"github.com/G-Research/slurmbatch/internal/metrics"
)

const etcdKeyPrefix = "/slurmbatch/"

// EtcdStore keeps values in etcd and implements locks with etcd's concurrency.Mutex, bound to a
// session lease that expires if the holder dies.
//
// A concurrency.Mutex treats every holder sharing a session as the owner, so each Acquire opens
// its own session, and callers in this process are serialised per scope before reaching etcd.
type EtcdStore struct {
	client    *clientv3.Client
	namespace string
	leaseTTL  time.Duration
	local     *scopeLocks
}

func NewEtcdStore(config configuration.EtcdConfig, namespace string, leaseTTL time.Duration) (*EtcdStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to etcd %v", config.Endpoints)
	}
	return &EtcdStore{client: client, namespace: namespace, leaseTTL: leaseTTL, local: newScopeLocks()}, nil
}

func (s *EtcdStore) Describe(scope string) string {
	return "etcd:" + s.lockKey(scope)
}

func (s *EtcdStore) Acquire(ctx context.Context, scope string, timeout time.Duration) (Guard, error) {
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	guard, err := s.acquire(lockCtx, scope)
	metrics.LockWait.WithLabelValues("etcd", scope).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil && lockCtx.Err() != nil {
			return nil, &batcherrors.ErrLockTimeout{Scope: scope, Path: s.Describe(scope), Timeout: timeout}
		}
		return nil, errors.Wrapf(err, "acquiring %s", s.Describe(scope))
	}
	return guard, nil
}

func (s *EtcdStore) acquire(ctx context.Context, scope string) (*etcdGuard, error) {
	if err := s.local.acquire(ctx, scope); err != nil {
		return nil, err
	}
	// The session outlives ctx: its lease must be kept alive until Release.
	session, err := concurrency.NewSession(s.client, concurrency.WithTTL(ttlSeconds(s.leaseTTL)))
	if err != nil {
		s.local.release(scope)
		return nil, errors.Wrap(err, "creating etcd session")
	}
	mutex := concurrency.NewMutex(session, s.lockKey(scope))
	if err := mutex.Lock(ctx); err != nil {
		_ = session.Close()
		s.local.release(scope)
		return nil, err
	}
	return &etcdGuard{mutex: mutex, session: session, release: func() { s.local.release(scope) }}, nil
}

func (s *EtcdStore) Read(ctx context.Context, key string) (string, bool, error) {
	resp, err := s.client.Get(ctx, s.valueKey(key))
	if err != nil {
		return "", false, errors.Wrapf(err, "reading %s", s.valueKey(key))
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (s *EtcdStore) Write(ctx context.Context, key string, value string) error {
	_, err := s.client.Put(ctx, s.valueKey(key), value)
	return errors.Wrapf(err, "writing %s", s.valueKey(key))
}

func (s *EtcdStore) Close() error {
	return errors.WithStack(s.client.Close())
}

func (s *EtcdStore) valueKey(key string) string {
	return path.Join(etcdKeyPrefix, s.namespace, "values", key)
}

func (s *EtcdStore) lockKey(scope string) string {
	return path.Join(etcdKeyPrefix, s.namespace, "locks", scope)
}

func ttlSeconds(d time.Duration) int {
	if seconds := int(d.Seconds()); seconds > 0 {
		return seconds
	}
	return 60
}

type etcdGuard struct {
	mutex   *concurrency.Mutex
	session *concurrency.Session
	release func()
}

func (g *etcdGuard) Release() error {
	defer g.release()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var result *multierror.Error
	if err := g.mutex.Unlock(ctx); err != nil {
		result = multierror.Append(result, errors.Wrapf(err, "releasing %s", g.mutex.Key()))
	}
	// Revokes the lease, so the lock key is gone even if Unlock failed.
	if err := g.session.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "closing etcd session"))
	}
	return result.ErrorOrNil()
}
