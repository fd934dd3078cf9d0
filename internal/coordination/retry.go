package coordination

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/G-Research/slurmbatch/internal/common/batcherrors"
)

const defaultPollInterval = 100 * time.Millisecond

// errLockHeld is returned by a lock attempt when another holder owns the lock.
var errLockHeld = errors.New("lock held")

// pollForLock calls try until it succeeds, timeout expires or ctx is cancelled.
// The bounded wait is the whole retry budget: there is no retry beyond it.
func pollForLock(ctx context.Context, scope, path string, timeout, pollInterval time.Duration, try func() error) error {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := retry.Do(
		try,
		retry.Context(lockCtx),
		retry.Attempts(uint(timeout/pollInterval)+1),
		retry.Delay(pollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errLockHeld)
		}),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errors.Wrapf(ctx.Err(), "waiting for lock %s", path)
	}
	if lockCtx.Err() != nil || errors.Is(err, errLockHeld) {
		return &batcherrors.ErrLockTimeout{Scope: scope, Path: path, Timeout: timeout}
	}
	return errors.Wrapf(err, "acquiring lock %s", path)
}
