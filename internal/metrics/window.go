package metrics

import "time"

const (
	defaultBucketWidth = 100 * time.Millisecond
	defaultBuckets     = 10
)

// rateWindow counts events in fixed-width buckets and reports the rate over
// the most recent complete buckets. The bucket in progress is kept in an
// extra slot and excluded, so the reported window is always full width.
// Not safe for concurrent use; BindMetrics guards it.
type rateWindow struct {
	width  int64
	counts []uint64
	epochs []int64
}

func newRateWindow(width time.Duration, buckets int) *rateWindow {
	return &rateWindow{
		width:  int64(width),
		counts: make([]uint64, buckets+1),
		epochs: make([]int64, buckets+1),
	}
}

func (w *rateWindow) add(now time.Time) {
	epoch := now.UnixNano() / w.width
	slot := int(epoch % int64(len(w.counts)))
	if w.epochs[slot] != epoch {
		w.epochs[slot] = epoch
		w.counts[slot] = 0
	}
	w.counts[slot]++
}

// rate returns events per second over the last complete buckets.
func (w *rateWindow) rate(now time.Time) float64 {
	current := now.UnixNano() / w.width
	full := int64(len(w.counts) - 1)
	var sum uint64
	for i, epoch := range w.epochs {
		if epoch < current && epoch >= current-full {
			sum += w.counts[i]
		}
	}
	return float64(sum) / (time.Duration(full * w.width)).Seconds()
}
