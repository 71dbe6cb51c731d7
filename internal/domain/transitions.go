package domain

// allowedTransitions encodes the task state machine. Every mutation path
// (claim, worker status update, reaper requeue/fail, cancel) goes through
// the same table; nothing has a privileged write that bypasses it.
var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusRouted, StatusClaimed, StatusFailed, StatusCancelled},
	// ROUTED is advisory: for transition purposes it behaves like PENDING.
	StatusRouted:  {StatusPending, StatusClaimed, StatusFailed, StatusCancelled},
	StatusClaimed: {StatusRunning, StatusCompleted, StatusFailed, StatusPending, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusPending, StatusCancelled},
	// Terminal states allow nothing.
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
