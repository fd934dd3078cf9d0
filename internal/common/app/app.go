package app

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// ShutdownContext is done once SIGINT or SIGTERM has been received, or its parent is done.
type ShutdownContext struct {
	context.Context
	signal atomic.Value
	cancel context.CancelFunc
}

// CreateContextWithShutdown returns a context that will report done when a SIGINT or SIGTERM is received.
// Stop must be called to release the signal handler.
func CreateContextWithShutdown(parent context.Context) *ShutdownContext {
	ctx, cancel := context.WithCancel(parent)
	sc := &ShutdownContext{Context: ctx, cancel: cancel}
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case s := <-c:
			sc.signal.Store(s)
			cancel()
		case <-ctx.Done():
		}
	}()
	return sc
}

// Signal returns the signal that ended the context, if any.
func (sc *ShutdownContext) Signal() (os.Signal, bool) {
	s, ok := sc.signal.Load().(os.Signal)
	return s, ok
}

func (sc *ShutdownContext) Stop() {
	sc.cancel()
}
