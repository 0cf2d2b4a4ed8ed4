package metrics

import (
	"time"

	"smppload/internal/core"
)

// GlobalMetrics is the run-wide view derived from bind snapshots on every
// aggregator tick.
type GlobalMetrics struct {
	At         time.Time
	Elapsed    time.Duration
	Total      uint64
	OK         uint64
	Err        uint64
	Abandoned  uint64
	OKPct      float64
	ErrPct     float64
	TPS        float64
	AvgLatency time.Duration

	ReceiptsDelivered uint64
	ReceiptsFailed    uint64

	States map[core.BindState]int
	Binds  []BindSnapshot
}

// Count returns how many binds are in state s.
func (g GlobalMetrics) Count(s core.BindState) int { return g.States[s] }

// ComputeGlobal folds bind snapshots into global metrics. Pure function.
func ComputeGlobal(binds []BindSnapshot, at time.Time, elapsed time.Duration) GlobalMetrics {
	g := GlobalMetrics{
		At:      at,
		Elapsed: elapsed,
		States:  make(map[core.BindState]int),
		Binds:   binds,
	}

	var latencySum time.Duration
	var samples uint64
	for _, b := range binds {
		g.OK += b.OK
		g.Err += b.Err
		g.Abandoned += b.Abandoned
		g.TPS += b.TPS
		g.ReceiptsDelivered += b.ReceiptsDelivered
		g.ReceiptsFailed += b.ReceiptsFailed
		g.States[b.State]++
		latencySum += b.LatencySum
		samples += b.Samples
	}
	g.Total = g.OK + g.Err

	if g.Total > 0 {
		g.OKPct = float64(g.OK) / float64(g.Total) * 100
		g.ErrPct = float64(g.Err) / float64(g.Total) * 100
	}
	if samples > 0 {
		g.AvgLatency = latencySum / time.Duration(samples)
	}
	return g
}
