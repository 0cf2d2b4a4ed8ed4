package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	start := clock.Now()
	time.Sleep(10 * time.Millisecond)

	assert.GreaterOrEqual(t, clock.Since(start), 10*time.Millisecond)
}

func TestFakeClock_Advance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	assert.Equal(t, time.Duration(0), clock.Since(start))

	clock.Advance(10 * time.Second)
	clock.Advance(20 * time.Second)
	assert.Equal(t, start.Add(30*time.Second), clock.Now())
	assert.Equal(t, 30*time.Second, clock.Since(start))
}

func TestFakeClock_Set(t *testing.T) {
	clock := NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	newTime := time.Date(2025, 6, 15, 12, 30, 0, 0, time.UTC)
	clock.Set(newTime)

	assert.True(t, clock.Now().Equal(newTime))
}

func TestFakeClock_ConcurrentAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Millisecond)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50*time.Millisecond, clock.Since(start))
}

func TestFakeClock_After(t *testing.T) {
	clock := NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ch := clock.After(time.Second)
	assert.Equal(t, 1, clock.Waiters())

	clock.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired before the deadline")
	default:
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case at := <-ch:
		assert.Equal(t, clock.Now(), at)
	default:
		t.Fatal("did not fire at the deadline")
	}
	assert.Zero(t, clock.Waiters())

	select {
	case <-clock.After(0):
	default:
		t.Fatal("zero duration must fire immediately")
	}
}

func TestRealClock_After(t *testing.T) {
	select {
	case <-RealClock{}.After(5 * time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("RealClock.After never fired")
	}
}
