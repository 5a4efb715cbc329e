package protocol

// WorkerStatus is the scheduler-visible lifecycle state of a worker.
type WorkerStatus string

const (
	// StatusIdle: loaded, no invocation running, queue empty.
	StatusIdle WorkerStatus = "idle"
	// StatusRunning: an invocation is executing (live or replaying).
	StatusRunning WorkerStatus = "running"
	// StatusSuspended: parked waiting for an external event such as a
	// promise completion or a sleep deadline.
	StatusSuspended WorkerStatus = "suspended"
	// StatusInterrupted: stopped by an external interrupt request;
	// resumable.
	StatusInterrupted WorkerStatus = "interrupted"
	// StatusFailed: terminal. Retries exhausted, replay divergence, or
	// storage loss.
	StatusFailed WorkerStatus = "failed"
	// StatusExited: terminal. The worker's program ended voluntarily.
	StatusExited WorkerStatus = "exited"
)

// Terminal reports whether no further transitions are allowed from s.
func (s WorkerStatus) Terminal() bool {
	return s == StatusFailed || s == StatusExited
}

var validTransitions = map[WorkerStatus][]WorkerStatus{
	StatusIdle:        {StatusRunning, StatusExited},
	StatusRunning:     {StatusIdle, StatusSuspended, StatusInterrupted, StatusFailed, StatusExited},
	StatusSuspended:   {StatusRunning, StatusInterrupted, StatusFailed, StatusExited},
	StatusInterrupted: {StatusIdle, StatusRunning, StatusFailed, StatusExited},
}

// CanTransition reports whether from -> to is a legal status transition.
// Self-transitions are not transitions. Terminal states allow nothing.
func CanTransition(from, to WorkerStatus) bool {
	if from == to {
		return false
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
