package coordinator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"smppload/internal/core"
)

// Canceller broadcasts a single run-wide cancellation.
type Canceller struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	logger *zap.Logger

	mu     sync.Mutex
	reason string
}

// NewCanceller derives a cancellable context from parent.
func NewCanceller(parent context.Context, logger *zap.Logger) *Canceller {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Canceller{ctx: ctx, cancel: cancel, logger: logger}
}

// Context is cancelled when Cancel is first called.
func (c *Canceller) Context() context.Context { return c.ctx }

// Done is shorthand for Context().Done().
func (c *Canceller) Done() <-chan struct{} { return c.ctx.Done() }

// Cancel requests shutdown. Only the first reason is kept; later calls are no-ops.
func (c *Canceller) Cancel(reason string) {
	if reason == "" {
		reason = "cancelled"
	}
	c.mu.Lock()
	if c.reason != "" {
		c.mu.Unlock()
		return
	}
	c.reason = reason
	c.mu.Unlock()

	c.logger.Info("shutting down", zap.String("reason", reason))
	c.cancel(fmt.Errorf("%w: %s", core.ErrCancelled, reason))
}

// Reason returns why the run was cancelled, or "" while it is still running.
func (c *Canceller) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// WatchSignals cancels the run on the first of sigs (SIGINT and SIGTERM when
// none are given). It returns when ctx is done.
func (c *Canceller) WatchSignals(ctx context.Context, sigs ...os.Signal) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			if c.Reason() != "" {
				c.logger.Warn("already shutting down", zap.Stringer("signal", sig))
				continue
			}
			c.Cancel("received " + sig.String())
		}
	}
}

// CancelAfter cancels the run once d has elapsed. The returned function
// stops the timer.
func (c *Canceller) CancelAfter(d time.Duration) (stop func() bool) {
	t := time.AfterFunc(d, func() {
		c.Cancel(fmt.Sprintf("duration %v elapsed", d))
	})
	return t.Stop
}

// AwaitDrain waits for done after cancellation. If timeout passes first it
// returns a *core.DrainTimeoutError naming the binds that pending reports as
// still running.
func AwaitDrain(done <-chan struct{}, timeout time.Duration, pending func() []int) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		var ids []int
		if pending != nil {
			ids = pending()
		}
		return &core.DrainTimeoutError{Bind: -1, Binds: ids}
	}
}
