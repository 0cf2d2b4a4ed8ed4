package metrics

import (
	"time"

	"github.com/codahale/hdrhistogram"
)

// LatencyStats summarises a latency histogram.
type LatencyStats struct {
	Count int64
	Min   time.Duration
	Avg   time.Duration
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Max   time.Duration
}

// BindSummary is the frozen end-of-run view of one bind.
type BindSummary struct {
	BindSnapshot
	Latency LatencyStats
}

// Summary is the end-of-run report printed by the CLI.
type Summary struct {
	RunID   string
	Target  string
	Global  GlobalMetrics
	Latency LatencyStats
	Binds   []BindSummary
	Errors  []string
}

// Summarize freezes the registry into a Summary. Percentiles come from the
// merged per-bind histograms.
func Summarize(reg *Registry) *Summary {
	snaps := reg.Snapshots()
	s := &Summary{
		Global: ComputeGlobal(snaps, reg.Clock().Now(), reg.Elapsed()),
		Binds:  make([]BindSummary, len(snaps)),
	}

	merged := hdrhistogram.New(histMinMicros, histMaxMicros, histSigFigs)
	for i, snap := range snaps {
		h := reg.Bind(snap.ID).Histogram()
		merged.Merge(h)
		s.Binds[i] = BindSummary{BindSnapshot: snap, Latency: latencyStats(h)}
	}
	s.Latency = latencyStats(merged)
	return s
}

func latencyStats(h *hdrhistogram.Histogram) LatencyStats {
	n := h.TotalCount()
	if n == 0 {
		return LatencyStats{}
	}
	return LatencyStats{
		Count: n,
		Min:   micros(h.Min()),
		Avg:   time.Duration(h.Mean() * float64(time.Microsecond)),
		P50:   micros(h.ValueAtQuantile(50)),
		P90:   micros(h.ValueAtQuantile(90)),
		P99:   micros(h.ValueAtQuantile(99)),
		Max:   micros(h.Max()),
	}
}

func micros(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
