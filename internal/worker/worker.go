// Package worker drives a single bind: establish the session, submit under
// the rate and in-flight gates, record outcomes, drain and unbind.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"smppload/internal/core"
	"smppload/internal/inflight"
	"smppload/internal/metrics"
	"smppload/internal/ratelimit"
)

// maxTrackedReceipts bounds the message id → send time map kept for receipt
// latency. Submissions past the bound are still counted, just not timed.
const maxTrackedReceipts = 100_000

// Budget caps submissions across all binds of a run.
type Budget interface {
	// Take reserves one submission. It returns false once the budget is spent.
	Take() bool
}

// Options configures a Worker.
type Options struct {
	BindID       int
	Client       core.Client
	Message      *core.Message
	MaxTPS       int
	Inflight     int
	DrainTimeout time.Duration
	Budget       Budget
	Clock        core.Clock
	Logger       *zap.Logger
}

// Worker owns one bind for the lifetime of a run. It is the only writer of
// its BindMetrics.
type Worker struct {
	id           int
	client       core.Client
	message      *core.Message
	limiter      *ratelimit.RateLimiter
	gate         *inflight.Controller
	metrics      *metrics.BindMetrics
	budget       Budget
	drainTimeout time.Duration
	clock        core.Clock
	logger       *zap.Logger

	state      atomic.Int32
	dispatched atomic.Uint64
	sent       map[string]time.Time
}

// attempt is one admitted submission awaiting its outcome.
type attempt struct {
	seq    uint64
	sentAt time.Time
	slot   *inflight.Slot
}

type resolved struct {
	attempt
	outcome core.Outcome
}

// New creates a worker recording into m.
func New(opts Options, m *metrics.BindMetrics) *Worker {
	if opts.Clock == nil {
		opts.Clock = core.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	return &Worker{
		id:           opts.BindID,
		client:       opts.Client,
		message:      opts.Message,
		limiter:      ratelimit.NewRateLimiter(opts.MaxTPS),
		gate:         inflight.NewController(opts.Inflight),
		metrics:      m,
		budget:       opts.Budget,
		drainTimeout: opts.DrainTimeout,
		clock:        opts.Clock,
		logger:       opts.Logger.With(zap.Int("bind", opts.BindID)),
		sent:         make(map[string]time.Time),
	}
}

// ID returns the bind index.
func (w *Worker) ID() int { return w.id }

// State returns the current lifecycle state.
func (w *Worker) State() core.BindState { return core.BindState(w.state.Load()) }

// Outstanding returns the number of admitted, unresolved attempts.
func (w *Worker) Outstanding() int { return w.gate.Outstanding() }

// Run executes the bind lifecycle until ctx is cancelled and the drain
// finishes. It returns a *core.BindError if the session could not be
// established or was lost, or a *core.DrainTimeoutError if attempts were
// abandoned. Cancellation before the bind completes closes it cleanly.
func (w *Worker) Run(ctx context.Context) error {
	w.transition(core.StateBinding)
	session, err := w.client.Bind(ctx, w.id)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			w.transition(core.StateClosed)
			w.logger.Info("bind cancelled before it was established")
			return nil
		}
		return w.Fail(&core.BindError{Bind: w.id, Err: err})
	}
	w.transition(core.StateBound)
	w.logger.Info("bind established",
		zap.Int("max_tps", w.limiter.Rate()), zap.Int("inflight", w.gate.Capacity()))

	var receipts <-chan core.Receipt
	if rs, ok := session.(core.ReceiptSource); ok {
		receipts = rs.Receipts()
	}
	var lost <-chan struct{}
	if ln, ok := session.(core.LossNotifier); ok {
		lost = ln.Lost()
	}

	// In-flight submissions outlive cancellation until the drain deadline.
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()
	submitCtx, stopSubmit := context.WithCancel(ctx)
	defer stopSubmit()

	// Never more than capacity unreceived outcomes, so sends never block.
	outcomes := make(chan resolved, w.gate.Capacity())
	submitDone := make(chan struct{})
	go func() {
		defer close(submitDone)
		w.submitLoop(submitCtx, dispatchCtx, session, outcomes)
	}()

	var recorded uint64
	sessionLost := false
	for running := true; running; {
		select {
		case r := <-outcomes:
			w.record(r)
			recorded++
		case rc, ok := <-receipts:
			if !ok {
				receipts = nil
				continue
			}
			w.recordReceipt(rc)
		case <-lost:
			// Nothing outstanding can succeed on a dropped connection.
			sessionLost = true
			lost = nil
			stopSubmit()
			stopDispatch()
		case <-submitDone:
			running = false
		}
	}

	if !sessionLost {
		w.transition(core.StateDraining)
	}
	abandoned := w.drain(outcomes, receipts, recorded)
	stopDispatch()

	var drainErr error
	if abandoned > 0 {
		w.metrics.RecordAbandoned(abandoned)
		drainErr = &core.DrainTimeoutError{Bind: w.id, Abandoned: abandoned}
		w.logger.Warn("drain deadline reached, abandoning attempts",
			zap.Int("abandoned", abandoned), zap.Duration("drain_timeout", w.drainTimeout))
	}

	unbindCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.drainTimeout)
	defer cancel()
	if err := session.Unbind(unbindCtx); err != nil {
		w.logger.Warn("unbind failed", zap.Error(err))
	}
	if sessionLost {
		return w.Fail(&core.BindError{Bind: w.id, Err: core.ErrSessionLost})
	}
	w.transition(core.StateClosed)
	w.logger.Info("bind closed", zap.Uint64("submitted", w.dispatched.Load()))
	return drainErr
}

// Fail moves the bind to Failed and returns err. Recovered panics may strike
// in any state, so an out-of-order failure is still recorded.
func (w *Worker) Fail(err error) error {
	if !w.transition(core.StateFailed) {
		w.state.Store(int32(core.StateFailed))
	}
	w.metrics.MarkFailed(err)
	w.logger.Error("bind failed", zap.Error(err))
	return err
}

// transition moves to next if the lifecycle allows it. An illegal step is
// logged and leaves the state unchanged.
func (w *Worker) transition(next core.BindState) bool {
	for {
		prev := core.BindState(w.state.Load())
		if !prev.CanTransition(next) {
			w.logger.Error("illegal state transition", zap.Stringer("from", prev), zap.Stringer("to", next))
			return false
		}
		if w.state.CompareAndSwap(int32(prev), int32(next)) {
			w.metrics.SetState(next)
			w.logger.Debug("state change", zap.Stringer("from", prev), zap.Stringer("state", next))
			return true
		}
	}
}

// submitLoop admits attempts until cancellation or budget exhaustion.
func (w *Worker) submitLoop(ctx, dispatchCtx context.Context, session core.Session, out chan<- resolved) {
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		slot, err := w.gate.Acquire(ctx)
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			slot.Release()
			return
		}
		if w.budget != nil && !w.budget.Take() {
			slot.Release()
			w.logger.Debug("message budget exhausted")
			return
		}

		a := attempt{
			seq:    w.dispatched.Add(1),
			sentAt: w.clock.Now(),
			slot:   slot,
		}
		go w.dispatch(dispatchCtx, session, a, out)
	}
}

func (w *Worker) dispatch(ctx context.Context, session core.Session, a attempt, out chan<- resolved) {
	r := resolved{attempt: a, outcome: core.Outcome{Seq: a.seq}}
	defer func() {
		if p := recover(); p != nil {
			r.outcome.Err = &core.SubmitError{Bind: w.id, Seq: a.seq, Err: fmt.Errorf("panic: %v", p)}
		}
		r.outcome.Latency = w.clock.Since(a.sentAt)
		out <- r
	}()

	res, err := session.Submit(ctx, core.Submission{BindID: w.id, Seq: a.seq, Message: w.message})
	if err != nil {
		r.outcome.Err = &core.SubmitError{Bind: w.id, Seq: a.seq, Err: err}
		return
	}
	r.outcome.MessageID = res.MessageID
}

// record applies one outcome and then frees its admission slot.
func (w *Worker) record(r resolved) {
	w.metrics.Record(r.outcome)
	if r.outcome.Err != nil {
		w.logger.Debug("submit failed", zap.Uint64("seq", r.seq), zap.Error(r.outcome.Err))
	} else if w.message != nil && w.message.RequestReceipt && len(w.sent) < maxTrackedReceipts {
		w.sent[r.outcome.MessageID] = r.sentAt
	}
	r.slot.Release()
}

func (w *Worker) recordReceipt(rc core.Receipt) {
	if !rc.Delivered && !rc.Failed() {
		return
	}
	var latency time.Duration
	if sentAt, ok := w.sent[rc.MessageID]; ok {
		latency = w.clock.Since(sentAt)
		delete(w.sent, rc.MessageID)
	}
	w.metrics.RecordReceipt(rc.Delivered, latency)
}

// drain waits for every dispatched attempt to resolve, up to the drain
// deadline, and returns how many were abandoned. Outcomes arriving after the
// deadline are never read.
func (w *Worker) drain(outcomes <-chan resolved, receipts <-chan core.Receipt, recorded uint64) int {
	total := w.dispatched.Load()
	if recorded >= total {
		return 0
	}
	w.logger.Debug("draining", zap.Uint64("outstanding", total-recorded))

	deadline := w.clock.After(w.drainTimeout)
	for recorded < total {
		select {
		case r := <-outcomes:
			w.record(r)
			recorded++
		case rc, ok := <-receipts:
			if !ok {
				receipts = nil
				continue
			}
			w.recordReceipt(rc)
		case <-deadline:
			return int(total - recorded)
		}
	}
	return 0
}
