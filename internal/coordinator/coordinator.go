// Package coordinator manages bind lifecycle and run-wide cancellation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"smppload/internal/config"
	"smppload/internal/core"
	"smppload/internal/metrics"
	"smppload/internal/worker"
)

// Options wires an Orchestrator to its collaborators.
type Options struct {
	Config    *config.Config
	Client    core.Client
	Registry  *metrics.Registry
	Canceller *Canceller
	Logger    *zap.Logger
}

// Orchestrator spawns one worker per bind and collects their results.
type Orchestrator struct {
	cfg       *config.Config
	client    core.Client
	registry  *metrics.Registry
	canceller *Canceller
	logger    *zap.Logger
	budget    *Budget

	workers []*worker.Worker
	wg      sync.WaitGroup
	done    chan struct{}

	mu      sync.Mutex
	results []BindResult
}

// BindResult is how one bind ended.
type BindResult struct {
	Bind  int
	State core.BindState
	Err   error
}

// Report is the outcome of a run, one entry per bind in id order.
type Report struct {
	Results []BindResult
}

// Failed returns the ids of binds that never established a session.
func (r *Report) Failed() []int {
	var ids []int
	for _, res := range r.Results {
		if res.State == core.StateFailed {
			ids = append(ids, res.Bind)
		}
	}
	return ids
}

// Clean reports whether every bind closed without error.
func (r *Report) Clean() bool {
	for _, res := range r.Results {
		if res.Err != nil {
			return false
		}
	}
	return true
}

// NewOrchestrator builds the workers for every configured bind.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Canceller == nil {
		opts.Canceller = NewCanceller(context.Background(), opts.Logger)
	}
	cfg := opts.Config
	o := &Orchestrator{
		cfg:       cfg,
		client:    opts.Client,
		registry:  opts.Registry,
		canceller: opts.Canceller,
		logger:    opts.Logger,
		done:      make(chan struct{}),
		results:   make([]BindResult, cfg.Load.Binds),
	}
	if cfg.Load.MaxMessages > 0 {
		o.budget = NewBudget(cfg.Load.MaxMessages, func() {
			o.canceller.Cancel(core.ErrBudgetExhausted.Error())
		})
	}

	template := cfg.Message.Template()
	for i := 0; i < cfg.Load.Binds; i++ {
		wopts := worker.Options{
			BindID:       i,
			Client:       opts.Client,
			Message:      template,
			MaxTPS:       cfg.Load.MaxTPSPerBind,
			Inflight:     cfg.Load.InflightPerBind,
			DrainTimeout: cfg.Run.DrainTimeout.Std(),
			Clock:        opts.Registry.Clock(),
			Logger:       opts.Logger,
		}
		if o.budget != nil {
			wopts.Budget = o.budget
		}
		o.workers = append(o.workers, worker.New(wopts, opts.Registry.Bind(i)))
	}
	return o
}

// Run drives every bind until the canceller fires and all binds have
// drained. A failed bind never stops the others. The returned error
// aggregates every *core.BindError and *core.DrainTimeoutError.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	defer close(o.done)
	if len(o.workers) == 0 {
		o.logger.Info("no binds configured")
		return &Report{}, nil
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-o.canceller.Done():
			stop()
		case <-ctx.Done():
		}
	}()

	o.logger.Info("starting binds",
		zap.Int("binds", len(o.workers)),
		zap.Int("max_tps_per_bind", o.cfg.Load.MaxTPSPerBind),
		zap.Int("inflight_per_bind", o.cfg.Load.InflightPerBind))

	for _, w := range o.workers {
		o.wg.Add(1)
		go func(w *worker.Worker) {
			defer o.wg.Done()
			defer o.recoverPanic(w)
			o.setResult(w, w.Run(ctx))
		}(w)
	}
	o.wg.Wait()
	if o.budget != nil {
		o.logger.Info("message budget used",
			zap.Int64("used", o.budget.Used()), zap.Int64("limit", o.cfg.Load.MaxMessages))
	}

	report := &Report{Results: o.snapshotResults()}
	var result *multierror.Error
	for _, res := range report.Results {
		if res.Err != nil {
			result = multierror.Append(result, res.Err)
		}
	}
	return report, result.ErrorOrNil()
}

// Done is closed once Run has returned.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Pending returns the ids of binds that have not reached a terminal state.
func (o *Orchestrator) Pending() []int {
	var ids []int
	for _, w := range o.workers {
		if !w.State().Terminal() {
			ids = append(ids, w.ID())
		}
	}
	return ids
}

func (o *Orchestrator) setResult(w *worker.Worker, err error) {
	o.mu.Lock()
	o.results[w.ID()] = BindResult{Bind: w.ID(), State: w.State(), Err: err}
	o.mu.Unlock()
}

func (o *Orchestrator) snapshotResults() []BindResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]BindResult, len(o.results))
	copy(out, o.results)
	return out
}

// recoverPanic recovers from panics in worker goroutines and marks the bind failed.
func (o *Orchestrator) recoverPanic(w *worker.Worker) {
	if r := recover(); r != nil {
		err := w.Fail(&core.BindError{Bind: w.ID(), Err: fmt.Errorf("panic: %v", r)})
		o.setResult(w, err)
	}
}

// IsBindFailure reports whether err contains a bind that could not be established.
func IsBindFailure(err error) bool {
	var bindErr *core.BindError
	return errors.As(err, &bindErr)
}

// IsDrainTimeout reports whether err contains a drain timeout.
func IsDrainTimeout(err error) bool {
	var drainErr *core.DrainTimeoutError
	return errors.As(err, &drainErr)
}
