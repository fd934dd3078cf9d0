package coordination

import (
	"context"
	"sync"
)

// scopeLocks are per-scope mutexes for the holders within one process whose backend cannot tell
// them apart. Acquisition honours ctx.
type scopeLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{slots: map[string]chan struct{}{}}
}

func (l *scopeLocks) slot(scope string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[scope]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[scope] = s
	}
	return s
}

func (l *scopeLocks) acquire(ctx context.Context, scope string) error {
	select {
	case l.slot(scope) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *scopeLocks) release(scope string) {
	<-l.slot(scope)
}
