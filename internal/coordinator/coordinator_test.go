package coordinator

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smppload/internal/config"
	"smppload/internal/core"
	"smppload/internal/metrics"
)

func testConfig(binds, tps, inflight int) *config.Config {
	cfg := config.Default()
	cfg.SMPP.Host = "127.0.0.1"
	cfg.SMPP.Port = 2775
	cfg.SMPP.SystemID = "test"
	cfg.Message.SourceAddr = "1000"
	cfg.Message.DestinationAddr = "2000"
	cfg.Load.Binds = binds
	cfg.Load.MaxTPSPerBind = tps
	cfg.Load.InflightPerBind = inflight
	cfg.Run.DrainTimeout = config.Duration(time.Second)
	return cfg
}

func newTestOrchestrator(cfg *config.Config, client core.Client) (*Orchestrator, *metrics.Registry, *Canceller) {
	reg := metrics.NewRegistry(cfg.Load.Binds, nil)
	canceller := NewCanceller(context.Background(), nil)
	o := NewOrchestrator(Options{Config: cfg, Client: client, Registry: reg, Canceller: canceller})
	return o, reg, canceller
}

func TestOrchestrator_ZeroBindsReturnsImmediately(t *testing.T) {
	o, reg, canceller := newTestOrchestrator(testConfig(0, 10, 1), &core.FakeClient{})

	start := time.Now()
	report, err := o.Run(canceller.Context())
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	assert.True(t, report.Clean())
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Zero(t, reg.Len())

	select {
	case <-o.Done():
	default:
		t.Fatal("Done not closed after Run returned")
	}
}

func TestOrchestrator_ThreeBindsAtFiftyTPS(t *testing.T) {
	runFor := 10 * time.Second
	if testing.Short() {
		runFor = 2 * time.Second
	}
	client := &core.FakeClient{Latency: 5 * time.Millisecond}
	o, reg, canceller := newTestOrchestrator(testConfig(3, 50, 64), client)
	agg := metrics.NewAggregator(reg, 100*time.Millisecond)

	stop := canceller.CancelAfter(runFor)
	defer stop()

	var peakTPS float64
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-canceller.Done():
				return
			case <-ticker.C:
				if g := agg.Tick(); g.TPS > peakTPS {
					peakTPS = g.TPS
				}
			}
		}
	}()

	report, err := o.Run(canceller.Context())
	require.NoError(t, err)
	<-sampled
	require.Len(t, report.Results, 3)

	expected := 50 * runFor.Seconds()
	for i := 0; i < 3; i++ {
		s := reg.Bind(i).Snapshot()
		assert.Equal(t, core.StateClosed, s.State)
		assert.Equal(t, uint64(client.Session(i).Submitted()), s.Resolved(), "bind %d", i)
		assert.InDelta(t, expected, float64(s.OK), expected*0.1+3, "bind %d", i)
		assert.Zero(t, s.Err, "bind %d", i)
		assert.LessOrEqual(t, client.Session(i).MaxInflight(), int64(64))
	}
	assert.InDelta(t, 150, peakTPS, 20)
}

func TestOrchestrator_FailedBindDoesNotStopOthers(t *testing.T) {
	refused := errors.New("connection refused")
	client := &core.FakeClient{BindErr: func(id int) error {
		if id == 1 {
			return refused
		}
		return nil
	}}
	o, reg, canceller := newTestOrchestrator(testConfig(3, 100, 4), client)
	canceller.CancelAfter(100 * time.Millisecond)

	report, err := o.Run(canceller.Context())
	require.Error(t, err)
	assert.True(t, IsBindFailure(err))
	assert.False(t, IsDrainTimeout(err))
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, []int{1}, report.Failed())
	assert.False(t, report.Clean())

	assert.Equal(t, core.StateFailed, reg.Bind(1).State())
	assert.Zero(t, reg.Bind(1).Snapshot().Resolved())
	for _, id := range []int{0, 2} {
		s := reg.Bind(id).Snapshot()
		assert.Equal(t, core.StateClosed, s.State)
		assert.Positive(t, s.OK)
	}
}

type panickyClient struct {
	core.FakeClient
	panicOn int
}

func (c *panickyClient) Bind(ctx context.Context, id int) (core.Session, error) {
	if id == c.panicOn {
		panic("bind exploded")
	}
	return c.FakeClient.Bind(ctx, id)
}

func TestOrchestrator_RecoversWorkerPanic(t *testing.T) {
	client := &panickyClient{panicOn: 0}
	o, reg, canceller := newTestOrchestrator(testConfig(2, 100, 4), client)
	canceller.CancelAfter(50 * time.Millisecond)

	report, err := o.Run(canceller.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: bind exploded")
	assert.Equal(t, []int{0}, report.Failed())
	assert.Equal(t, core.StateFailed, reg.Bind(0).State())
	assert.Equal(t, core.StateClosed, reg.Bind(1).State())
}

func TestOrchestrator_DrainTimeoutReported(t *testing.T) {
	client := &core.FakeClient{Block: make(chan struct{})}
	cfg := testConfig(2, 0, 2)
	cfg.Run.DrainTimeout = config.Duration(30 * time.Millisecond)
	o, reg, canceller := newTestOrchestrator(cfg, client)
	canceller.CancelAfter(20 * time.Millisecond)

	report, err := o.Run(canceller.Context())
	require.Error(t, err)
	assert.True(t, IsDrainTimeout(err))
	assert.False(t, IsBindFailure(err))
	assert.Empty(t, report.Failed())
	for i := 0; i < 2; i++ {
		s := reg.Bind(i).Snapshot()
		assert.Equal(t, uint64(2), s.Abandoned)
		assert.Equal(t, uint64(2), s.Err)
	}
	assert.Empty(t, o.Pending())
}

func TestOrchestrator_MessageBudgetCancelsRun(t *testing.T) {
	cfg := testConfig(3, 0, 4)
	cfg.Load.MaxMessages = 25
	client := &core.FakeClient{}
	o, reg, canceller := newTestOrchestrator(cfg, client)

	done := make(chan struct{})
	var err error
	go func() {
		_, err = o.Run(canceller.Context())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not end after the budget was spent")
	}
	require.NoError(t, err)
	assert.Equal(t, core.ErrBudgetExhausted.Error(), canceller.Reason())

	var total uint64
	for _, s := range reg.Snapshots() {
		total += s.OK
	}
	assert.Equal(t, uint64(25), total)
}

func TestCanceller_FirstReasonWins(t *testing.T) {
	c := NewCanceller(context.Background(), nil)
	assert.Empty(t, c.Reason())

	c.Cancel("first")
	c.Cancel("second")

	<-c.Done()
	assert.Equal(t, "first", c.Reason())
	cause := context.Cause(c.Context())
	assert.ErrorIs(t, cause, core.ErrCancelled)
	assert.Contains(t, cause.Error(), "first")
}

func TestCanceller_WatchSignals(t *testing.T) {
	c := NewCanceller(context.Background(), nil)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	ready := make(chan struct{})
	go func() {
		close(ready)
		c.WatchSignals(ctx, syscall.SIGUSR1)
	}()
	<-ready
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))

	select {
	case <-c.Done():
		assert.Contains(t, c.Reason(), "user defined signal 1")
	case <-time.After(time.Second):
		t.Fatal("signal did not cancel the run")
	}
}

func TestCanceller_CancelAfter(t *testing.T) {
	c := NewCanceller(context.Background(), nil)
	c.CancelAfter(20 * time.Millisecond)

	select {
	case <-c.Done():
		assert.Contains(t, c.Reason(), "duration")
	case <-time.After(time.Second):
		t.Fatal("timer did not cancel the run")
	}
}

func TestAwaitDrain(t *testing.T) {
	done := make(chan struct{})
	close(done)
	assert.NoError(t, AwaitDrain(done, time.Second, nil))

	start := time.Now()
	err := AwaitDrain(make(chan struct{}), 20*time.Millisecond, func() []int { return []int{4, 1} })
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	var drainErr *core.DrainTimeoutError
	require.ErrorAs(t, err, &drainErr)
	assert.Equal(t, "drain timeout: binds not closed: 1, 4", err.Error())
}

func TestBudget(t *testing.T) {
	calls := 0
	b := NewBudget(2, func() { calls++ })

	assert.True(t, b.Take())
	assert.True(t, b.Take())
	assert.False(t, b.Take())
	assert.False(t, b.Take())
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(2), b.Used())

	var unlimited *Budget
	assert.True(t, unlimited.Take())
}

func TestOrchestrator_LostSessionFailsBind(t *testing.T) {
	client := &core.FakeClient{Latency: time.Millisecond}
	o, reg, canceller := newTestOrchestrator(testConfig(2, 200, 4), client)
	stop := canceller.CancelAfter(2 * time.Second)
	defer stop()

	go func() {
		for client.Session(1) == nil {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(50 * time.Millisecond)
		client.Session(1).Drop()
	}()

	report, err := o.Run(canceller.Context())
	require.Error(t, err)
	assert.True(t, IsBindFailure(err))
	assert.ErrorIs(t, err, core.ErrSessionLost)
	assert.Equal(t, []int{1}, report.Failed())
	assert.Equal(t, core.StateFailed, reg.Bind(1).State())
	assert.Equal(t, core.StateClosed, reg.Bind(0).State())
}

func TestOrchestrator_CancelledBeforeBindIsClean(t *testing.T) {
	o, reg, canceller := newTestOrchestrator(testConfig(2, 10, 1), &core.FakeClient{})
	canceller.Cancel("received interrupt")

	report, err := o.Run(canceller.Context())
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Empty(t, report.Failed())
	for id := 0; id < 2; id++ {
		assert.Equal(t, core.StateClosed, reg.Bind(id).State())
	}
}
