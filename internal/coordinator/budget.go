package coordinator

import (
	"sync"
	"sync/atomic"
)

// Budget is the run-wide cap on submissions shared by all binds.
type Budget struct {
	limit       int64
	taken       atomic.Int64
	once        sync.Once
	onExhausted func()
}

// NewBudget allows limit submissions. onExhausted runs once, on the first
// refused Take.
func NewBudget(limit int64, onExhausted func()) *Budget {
	return &Budget{limit: limit, onExhausted: onExhausted}
}

// Take reserves one submission. A nil Budget is unlimited.
func (b *Budget) Take() bool {
	if b == nil {
		return true
	}
	if b.taken.Add(1) <= b.limit {
		return true
	}
	if b.onExhausted != nil {
		b.once.Do(b.onExhausted)
	}
	return false
}

// Used returns how many submissions were granted.
func (b *Budget) Used() int64 {
	if b == nil {
		return 0
	}
	n := b.taken.Load()
	if n > b.limit {
		return b.limit
	}
	return n
}
