package dag

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyGraph is returned when a submission is attempted with no tasks.
	ErrEmptyGraph = errors.New("dag: no tasks")
	// ErrCycle is returned when the declared dependency edges contain a cycle.
	// No task is submitted in that case.
	ErrCycle = errors.New("dag: cycle detected")
	// ErrDanglingDependency is returned when a task depends on a task that was
	// never added to the graph.
	ErrDanglingDependency = errors.New("dag: dangling dependency")
	// ErrInternal signals a broken ordering invariant. It indicates a bug in
	// the submitter itself, not bad caller input.
	ErrInternal = errors.New("dag: internal invariant violation")
)

// SubmitError reports a submission that was aborted partway through. Tasks
// accepted before the failure remain submitted; the external service is the
// source of truth for them and no compensating deletes are attempted.
type SubmitError struct {
	// Task is the task whose submission was rejected.
	Task *Task
	// Submitted holds the local→remote mapping for every task accepted
	// before the failure, in submission order.
	Submitted []Submission
	// Err is the error returned by the submission interface.
	Err error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("dag: submit task %s after %d accepted: %v", e.Task.LocalID(), len(e.Submitted), e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }
