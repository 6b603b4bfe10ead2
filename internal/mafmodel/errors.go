package mafmodel

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Classification follows errors.Is; callers that need the
// carried data use errors.As against the typed errors below.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrExpired         = errors.New("lease expired")
	ErrTimeout         = errors.New("deadline exceeded")
	ErrTransient       = errors.New("transient store contention")
	ErrFatal           = errors.New("fatal store error")
	ErrUnknownChannel  = errors.New("unknown escalation channel")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrNotHeldByAgent  = errors.New("lease not held by agent")
)

// IllegalTransition is returned by the task state machine when (from, to)
// is not a legal edge, or the observed state does not match from.
type IllegalTransition struct {
	TaskID   string
	From, To TaskState
	Observed TaskState
}

func (e *IllegalTransition) Error() string {
	if e.Observed != "" && e.Observed != e.From {
		return fmt.Sprintf("task %s: illegal transition %s->%s: observed state is %s", e.TaskID, e.From, e.To, e.Observed)
	}
	return fmt.Sprintf("task %s: illegal transition %s->%s", e.TaskID, e.From, e.To)
}

// LeaseConflict is returned when acquiring a task-lease fails because an
// active lease already exists on the task.
type LeaseConflict struct {
	TaskID    string
	Holder    string
	ExpiresAt time.Time
}

func (e *LeaseConflict) Error() string {
	return fmt.Sprintf("task %s is leased by %s until %s", e.TaskID, e.Holder, e.ExpiresAt.Format(time.RFC3339))
}

// FileLeased is returned when acquiring a file reservation fails because
// another agent holds it. It always carries both the holding agent id and
// the expiry so callers never need to parse an error message to decide
// whether to wait or escalate.
type FileLeased struct {
	FilePath  string
	Holder    string
	ExpiresAt time.Time
}

func (e *FileLeased) Error() string {
	return fmt.Sprintf("file %q is reserved by %s until %s", e.FilePath, e.Holder, e.ExpiresAt.Format(time.RFC3339))
}
