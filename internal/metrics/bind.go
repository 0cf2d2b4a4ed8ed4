// Package metrics holds per-bind counters and computes the global view.
package metrics

import (
	"sync"
	"time"

	"github.com/codahale/hdrhistogram"

	"smppload/internal/core"
)

// Latency histogram bounds, in microseconds.
const (
	histMinMicros = 1
	histMaxMicros = int64(5 * time.Minute / time.Microsecond)
	histSigFigs   = 3
)

// BindMetrics is the mutable state of one bind. Its owning worker is the only
// writer; the aggregator takes short read snapshots. The lock is never held
// across I/O.
type BindMetrics struct {
	mu    sync.Mutex
	id    int
	clock core.Clock

	state         core.BindState
	failure       string
	ok            uint64
	errs          uint64
	abandoned     uint64
	lastMessageID string
	latencySum    time.Duration
	samples       uint64
	window        *rateWindow
	hist          *hdrhistogram.Histogram

	receiptsDelivered uint64
	receiptsFailed    uint64
	receiptLatency    time.Duration
	receiptSamples    uint64
}

func newBindMetrics(id int, clock core.Clock) *BindMetrics {
	return &BindMetrics{
		id:     id,
		clock:  clock,
		state:  core.StateUnbound,
		window: newRateWindow(defaultBucketWidth, defaultBuckets),
		hist:   hdrhistogram.New(histMinMicros, histMaxMicros, histSigFigs),
	}
}

// ID returns the bind index.
func (b *BindMetrics) ID() int { return b.id }

// SetState records a lifecycle transition.
func (b *BindMetrics) SetState(s core.BindState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// State returns the last recorded state.
func (b *BindMetrics) State() core.BindState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// MarkFailed moves the bind to Failed and remembers why.
func (b *BindMetrics) MarkFailed(err error) {
	b.mu.Lock()
	b.state = core.StateFailed
	if err != nil {
		b.failure = err.Error()
	}
	b.mu.Unlock()
}

// Record applies one resolved outcome.
func (b *BindMetrics) Record(o core.Outcome) {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window.add(now)
	if !o.OK() {
		b.errs++
		return
	}
	b.ok++
	b.lastMessageID = o.MessageID
	b.latencySum += o.Latency
	b.samples++
	_ = b.hist.RecordValue(clampMicros(o.Latency))
}

// RecordAbandoned counts attempts given up at the drain deadline as errors.
func (b *BindMetrics) RecordAbandoned(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	b.errs += uint64(n)
	b.abandoned += uint64(n)
	b.mu.Unlock()
}

// RecordReceipt applies one delivery receipt. latency is ignored when the
// receipt could not be matched to a submission (zero).
func (b *BindMetrics) RecordReceipt(delivered bool, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if delivered {
		b.receiptsDelivered++
	} else {
		b.receiptsFailed++
	}
	if latency > 0 {
		b.receiptLatency += latency
		b.receiptSamples++
	}
}

// Snapshot copies the last committed values.
func (b *BindMetrics) Snapshot() BindSnapshot {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BindSnapshot{
		ID:                b.id,
		State:             b.state,
		Failure:           b.failure,
		OK:                b.ok,
		Err:               b.errs,
		Abandoned:         b.abandoned,
		LastMessageID:     b.lastMessageID,
		TPS:               b.window.rate(now),
		LatencySum:        b.latencySum,
		Samples:           b.samples,
		ReceiptsDelivered: b.receiptsDelivered,
		ReceiptsFailed:    b.receiptsFailed,
	}
	if b.samples > 0 {
		s.AvgLatency = b.latencySum / time.Duration(b.samples)
	}
	if b.receiptSamples > 0 {
		s.AvgReceiptLatency = b.receiptLatency / time.Duration(b.receiptSamples)
	}
	return s
}

// Histogram returns a copy of the success latency histogram, in microseconds.
func (b *BindMetrics) Histogram() *hdrhistogram.Histogram {
	b.mu.Lock()
	defer b.mu.Unlock()
	return hdrhistogram.Import(b.hist.Export())
}

func clampMicros(d time.Duration) int64 {
	us := d.Microseconds()
	if us < histMinMicros {
		return histMinMicros
	}
	if us > histMaxMicros {
		return histMaxMicros
	}
	return us
}

// BindSnapshot is a read-only copy of one bind's metrics.
type BindSnapshot struct {
	ID                int
	State             core.BindState
	Failure           string
	OK                uint64
	Err               uint64
	Abandoned         uint64
	LastMessageID     string
	TPS               float64
	AvgLatency        time.Duration
	LatencySum        time.Duration
	Samples           uint64
	ReceiptsDelivered uint64
	ReceiptsFailed    uint64
	AvgReceiptLatency time.Duration
}

// Resolved returns OK + Err.
func (s BindSnapshot) Resolved() uint64 { return s.OK + s.Err }

// Registry is the arena of per-bind metrics, indexed by bind id.
type Registry struct {
	binds []*BindMetrics
	clock core.Clock
	start time.Time
}

// NewRegistry creates metrics for n binds.
func NewRegistry(n int, clock core.Clock) *Registry {
	if clock == nil {
		clock = core.RealClock{}
	}
	r := &Registry{
		binds: make([]*BindMetrics, n),
		clock: clock,
		start: clock.Now(),
	}
	for i := range r.binds {
		r.binds[i] = newBindMetrics(i, clock)
	}
	return r
}

// Len returns the number of binds.
func (r *Registry) Len() int { return len(r.binds) }

// Bind returns the metrics of bind id.
func (r *Registry) Bind(id int) *BindMetrics { return r.binds[id] }

// Clock returns the clock used for rates and elapsed time.
func (r *Registry) Clock() core.Clock { return r.clock }

// Elapsed returns the time since the registry was created.
func (r *Registry) Elapsed() time.Duration { return r.clock.Since(r.start) }

// Snapshots returns a snapshot of every bind in id order.
func (r *Registry) Snapshots() []BindSnapshot {
	out := make([]BindSnapshot, len(r.binds))
	for i, b := range r.binds {
		out[i] = b.Snapshot()
	}
	return out
}
