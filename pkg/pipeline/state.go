package pipeline

// State is the lifecycle position of one dataset within a run.
//
//	NotStarted -> Estimating -> Streaming -> Completed
//	                   \             \
//	                    +-> Failed <--+
type State int

const (
	StateNotStarted State = iota
	StateEstimating
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateEstimating:
		return "estimating"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// canTransition reports whether from -> to is an edge of the state machine.
func canTransition(from, to State) bool {
	switch from {
	case StateNotStarted:
		return to == StateEstimating || to == StateFailed
	case StateEstimating:
		return to == StateStreaming || to == StateFailed
	case StateStreaming:
		return to == StateCompleted || to == StateFailed
	default:
		return false
	}
}
