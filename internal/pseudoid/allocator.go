// Package pseudoid mints the logical job identifiers used to express dependencies before any
// allocation exists. The counter is shared by every process of a user and survives across runs.
package pseudoid

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/slurmbatch/internal/coordination"
)

const firstId = 1

type Allocator struct {
	store   coordination.Store
	timeout time.Duration
}

func NewAllocator(store coordination.Store, timeout time.Duration) *Allocator {
	return &Allocator{store: store, timeout: timeout}
}

// Next returns a value no other caller of any Allocator sharing the same store has observed.
// It returns *batcherrors.ErrLockTimeout if the counter's lock cannot be acquired in time.
func (a *Allocator) Next(ctx context.Context) (int, error) {
	var next int
	err := coordination.WithLock(ctx, a.store, coordination.CounterKey, a.timeout, func() error {
		current, err := a.read(ctx)
		if err != nil {
			return err
		}
		if err := a.store.Write(ctx, coordination.CounterKey, strconv.Itoa(current+1)); err != nil {
			return errors.WithMessage(err, "advancing pseudo id counter")
		}
		next = current
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.WithField("pseudoId", next).Debug("allocated pseudo id")
	return next, nil
}

func (a *Allocator) read(ctx context.Context) (int, error) {
	value, found, err := a.store.Read(ctx, coordination.CounterKey)
	if err != nil {
		return 0, errors.WithMessage(err, "reading pseudo id counter")
	}
	if !found || strings.TrimSpace(value) == "" {
		return firstId, nil
	}
	current, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, errors.Wrapf(err, "pseudo id counter %s is corrupt", a.store.Describe(coordination.CounterKey))
	}
	return current, nil
}
