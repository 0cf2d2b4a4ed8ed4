package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MockWriter is a thread-safe io.Writer for testing.
type MockWriter struct {
	mu   sync.Mutex
	data []byte
}

func (w *MockWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.data = append(w.data, p...)
	return len(p), nil
}

func (w *MockWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.data)
}

// ErrSessionClosed is returned by FakeSession after Unbind.
var ErrSessionClosed = errors.New("session closed")

// FakeClient is an in-memory protocol collaborator for tests.
type FakeClient struct {
	// Latency delays every response.
	Latency time.Duration
	// Block, when non-nil, holds every response until it is closed or the
	// submit context ends.
	Block chan struct{}
	// BindErr decides whether a bind fails.
	BindErr func(bindID int) error
	// SubmitErr decides whether a submission gets a negative response.
	SubmitErr func(bindID int, seq uint64) error
	// Receipts makes sessions emit a delivered receipt per successful submit.
	Receipts bool

	mu       sync.Mutex
	sessions map[int]*FakeSession
}

func (c *FakeClient) Bind(ctx context.Context, bindID int) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.BindErr != nil {
		if err := c.BindErr(bindID); err != nil {
			return nil, err
		}
	}
	s := &FakeSession{client: c, bindID: bindID, lost: make(chan struct{})}
	if c.Receipts {
		s.receipts = make(chan Receipt, 1024)
	}
	c.mu.Lock()
	if c.sessions == nil {
		c.sessions = make(map[int]*FakeSession)
	}
	c.sessions[bindID] = s
	c.mu.Unlock()
	return s, nil
}

// Session returns the session created for bindID, or nil.
func (c *FakeClient) Session(bindID int) *FakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[bindID]
}

// FakeSession records what a worker did to it.
type FakeSession struct {
	client *FakeClient
	bindID int

	submitted   atomic.Int64
	inflight    atomic.Int64
	maxInflight atomic.Int64
	lastSubmit  atomic.Int64

	lost     chan struct{}
	dropOnce sync.Once

	mu       sync.Mutex
	unbound  bool
	dropped  bool
	receipts chan Receipt
}

func (s *FakeSession) Submit(ctx context.Context, sub Submission) (Result, error) {
	s.mu.Lock()
	closed, dropped := s.unbound, s.dropped
	s.mu.Unlock()
	if dropped {
		return Result{}, ErrSessionLost
	}
	if closed {
		return Result{}, ErrSessionClosed
	}

	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		max := s.maxInflight.Load()
		if n <= max || s.maxInflight.CompareAndSwap(max, n) {
			break
		}
	}
	s.submitted.Add(1)
	s.lastSubmit.Store(time.Now().UnixNano())

	if s.client.Latency > 0 {
		timer := time.NewTimer(s.client.Latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ctx.Err()
		case <-s.lost:
			timer.Stop()
			return Result{}, ErrSessionLost
		}
	}
	if s.client.Block != nil {
		select {
		case <-s.client.Block:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-s.lost:
			return Result{}, ErrSessionLost
		}
	}
	if s.client.SubmitErr != nil {
		if err := s.client.SubmitErr(s.bindID, sub.Seq); err != nil {
			return Result{}, err
		}
	}

	id := fmt.Sprintf("b%d-%d", s.bindID, sub.Seq)
	s.mu.Lock()
	if s.receipts != nil && !s.unbound {
		select {
		case s.receipts <- Receipt{MessageID: id, State: "DELIVRD", Delivered: true}:
		default:
		}
	}
	s.mu.Unlock()
	return Result{MessageID: id}, nil
}

func (s *FakeSession) Unbind(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unbound {
		return ErrSessionClosed
	}
	s.unbound = true
	if s.receipts != nil {
		close(s.receipts)
	}
	return nil
}

// Drop simulates the connection going away: pending and later submissions
// fail with ErrSessionLost and Lost is closed.
func (s *FakeSession) Drop() {
	s.dropOnce.Do(func() {
		s.mu.Lock()
		s.dropped = true
		s.mu.Unlock()
		close(s.lost)
	})
}

// Lost implements LossNotifier.
func (s *FakeSession) Lost() <-chan struct{} { return s.lost }

// Receipts implements ReceiptSource. It returns nil when receipts are disabled.
func (s *FakeSession) Receipts() <-chan Receipt { return s.receipts }

// Submitted returns how many submissions reached the session.
func (s *FakeSession) Submitted() int64 { return s.submitted.Load() }

// MaxInflight returns the highest number of concurrent submissions observed.
func (s *FakeSession) MaxInflight() int64 { return s.maxInflight.Load() }

// LastSubmit returns when the most recent submission arrived.
func (s *FakeSession) LastSubmit() time.Time { return time.Unix(0, s.lastSubmit.Load()) }

// Unbound reports whether Unbind was called.
func (s *FakeSession) Unbound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unbound
}
