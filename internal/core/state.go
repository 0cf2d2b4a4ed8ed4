package core

// BindState is the lifecycle state of one bind.
type BindState int32

const (
	StateUnbound BindState = iota
	StateBinding
	StateBound
	StateDraining
	StateClosed
	StateFailed
)

var stateNames = [...]string{
	StateUnbound:  "unbound",
	StateBinding:  "binding",
	StateBound:    "bound",
	StateDraining: "draining",
	StateClosed:   "closed",
	StateFailed:   "failed",
}

func (s BindState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s BindState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s BindState) CanTransition(next BindState) bool {
	switch s {
	case StateUnbound:
		return next == StateBinding
	case StateBinding:
		// Closed when the run is cancelled before the bind completes.
		return next == StateBound || next == StateFailed || next == StateClosed
	case StateBound:
		return next == StateDraining || next == StateFailed
	case StateDraining:
		return next == StateClosed
	}
	return false
}
