package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCancelled is returned by gates that gave up because the run was cancelled.
var ErrCancelled = errors.New("cancelled")

// ErrBudgetExhausted indicates the run-wide message budget has been used up.
var ErrBudgetExhausted = errors.New("message budget exhausted")

// ErrSessionLost reports that a bound session's connection dropped.
var ErrSessionLost = errors.New("session lost")

// BindError reports that a session could not be established or was lost
// while bound.
type BindError struct {
	Bind int
	Err  error
}

func (e *BindError) Error() string {
	if errors.Is(e.Err, ErrSessionLost) {
		return fmt.Sprintf("bind %d: %v", e.Bind, e.Err)
	}
	return fmt.Sprintf("bind %d: establish session: %v", e.Bind, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// SubmitError reports a failed submission or a negative response.
type SubmitError struct {
	Bind int
	Seq  uint64
	Err  error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("bind %d: submit #%d: %v", e.Bind, e.Seq, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// DrainTimeoutError reports work that did not finish within the shutdown grace period.
// For a single bind, Abandoned is the number of attempts given up on.
// For the whole run, Binds lists the binds that never reached a terminal state.
type DrainTimeoutError struct {
	Bind      int
	Abandoned int
	Binds     []int
}

func (e *DrainTimeoutError) Error() string {
	if len(e.Binds) > 0 {
		ids := append([]int(nil), e.Binds...)
		sort.Ints(ids)
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = fmt.Sprintf("%d", id)
		}
		return fmt.Sprintf("drain timeout: binds not closed: %s", strings.Join(parts, ", "))
	}
	return fmt.Sprintf("bind %d: drain timeout: %d attempts abandoned", e.Bind, e.Abandoned)
}
