package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tweetcrawler/tweetcrawler/internal/logging"
)

// ShutdownManager coordinates signal handling and resource cleanup.
// Stop hooks run first, then closers in reverse order of registration.
type ShutdownManager struct {
	timeout time.Duration

	doneCh chan struct{}
	once   sync.Once
	err    error

	mu      sync.Mutex
	closers []namedCloser
	onStop  []func(ctx context.Context)
}

type namedCloser struct {
	name string
	c    io.Closer
}

// NewShutdownManager creates a manager. Stop hooks share one timeout;
// zero means 30 seconds.
func NewShutdownManager(timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		timeout: timeout,
		doneCh:  make(chan struct{}),
	}
}

// RegisterCloser adds a closer. Closers run LIFO.
func (sm *ShutdownManager) RegisterCloser(name string, c io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, c: c})
}

// OnStop registers a hook that runs before any closer, in registration order.
func (sm *ShutdownManager) OnStop(fn func(ctx context.Context)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onStop = append(sm.onStop, fn)
}

// ListenForSignals blocks until SIGTERM, SIGINT, ctx cancellation or a
// direct Shutdown call, and then shuts down.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(fmt.Sprintf("received signal: %v", sig))
	case <-ctx.Done():
		return sm.Shutdown("context cancelled")
	case <-sm.doneCh:
		return sm.Shutdown("")
	}
}

// Shutdown runs the stop hooks and closers once. Concurrent and later calls
// wait for the first to finish and return its error.
func (sm *ShutdownManager) Shutdown(reason string) error {
	sm.once.Do(func() {
		close(sm.doneCh)
		log := logging.Component("shutdown")
		log.Info().Str("reason", reason).Msg("shutting down")

		sm.mu.Lock()
		hooks := sm.onStop
		closers := sm.closers
		sm.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
		defer cancel()
		for _, fn := range hooks {
			fn(ctx)
		}

		for i := len(closers) - 1; i >= 0; i-- {
			nc := closers[i]
			if err := nc.c.Close(); err != nil {
				log.Warn().Err(err).Str("resource", nc.name).Msg("close failed")
				if sm.err == nil {
					sm.err = fmt.Errorf("close %s: %w", nc.name, err)
				}
			}
		}
	})
	return sm.err
}

// Done is closed once shutdown has begun.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.doneCh
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error {
	return f()
}
