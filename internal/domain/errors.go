package domain

import "fmt"

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// WorkerNotFoundError is returned when a worker ID was never registered.
type WorkerNotFoundError struct {
	WorkerID string
}

func (e *WorkerNotFoundError) Error() string {
	return fmt.Sprintf("worker not found: %s", e.WorkerID)
}

// ConflictError is returned when a compare-and-swap transition lost a race:
// the task's status was no longer the expected one. Losing a claim race is
// the normal outcome for all but one caller, so this is retriable and must
// never be logged as an error.
type ConflictError struct {
	TaskID   string
	Expected Status
	Actual   Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s: expected status %s but found %s", e.TaskID, e.Expected, e.Actual)
}

// InvalidTransitionError is returned when a caller requested a state change
// the task state machine does not allow. Unlike ConflictError this indicates
// a caller bug and should be loud.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// DeadlineExceededError is returned when a task reached its deadline
// unclaimed. Terminal; surfaced to the producer.
type DeadlineExceededError struct {
	TaskID string
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("task %s: deadline exceeded before claim", e.TaskID)
}

// MaxAttemptsExceededError is returned when a task exhausted its retry
// budget. Terminal; surfaced to the producer with the attempt count.
type MaxAttemptsExceededError struct {
	TaskID   string
	Attempts int
}

func (e *MaxAttemptsExceededError) Error() string {
	return fmt.Sprintf("task %s: failed after %d attempts", e.TaskID, e.Attempts)
}
