// Package mafmodel holds the entities shared by every MAF component: tasks,
// leases, file reservations, events, evidence, agents, and escalation
// envelopes. Storage backends and the runtime façade operate on these
// types; nothing here depends on a particular backend.
package mafmodel

import "time"

// TaskState is the fixed enum a Task's state must belong to.
type TaskState string

// Legal task states, per the state machine in the Task State Machine
// component. Transitions between them are enforced by internal/taskfsm.
const (
	TaskReady      TaskState = "READY"
	TaskLeased     TaskState = "LEASED"
	TaskRunning    TaskState = "RUNNING"
	TaskVerifying  TaskState = "VERIFYING"
	TaskCommitted  TaskState = "COMMITTED"
	TaskRollback   TaskState = "ROLLBACK"
	TaskDone       TaskState = "DONE"
	TaskDead       TaskState = "DEAD"
)

// ActiveStates are the states in which a task-lease must exist (invariant I3).
var ActiveStates = map[TaskState]bool{
	TaskLeased:    true,
	TaskRunning:   true,
	TaskVerifying: true,
}

// Task is a unit of work with a state-machine lifecycle, an opaque payload,
// a priority, and optionally declared file targets (carried in Payload).
type Task struct {
	ID             string
	State          TaskState
	Priority       int
	Payload        []byte // opaque, typically JSON; declared files live under "files"
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Attempts       int
	TokenBudget    int64
	CostBudgetCents int64
	PolicyLabel    string
}

// TaskFilter narrows a List() call by state set, priority range, and policy
// label. A zero-value field means "no constraint on this dimension".
type TaskFilter struct {
	States       []TaskState
	MinPriority  *int
	MaxPriority  *int
	PolicyLabel  string
}

// Lease is the time-bounded exclusive right for one agent to work on one
// task. It exists iff the task's state is in ActiveStates.
type Lease struct {
	TaskID         string
	AgentID        string
	LeaseExpiresAt time.Time
	Attempt        int
}

// Expired reports whether the lease has elapsed as of now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.LeaseExpiresAt)
}

// FileReservationStatus is the fixed enum a FileReservation's status must
// belong to.
type FileReservationStatus string

const (
	ReservationActive   FileReservationStatus = "active"
	ReservationExpired  FileReservationStatus = "expired"
	ReservationReleased FileReservationStatus = "released"
)

// FileReservation is the time-bounded exclusive right for one agent to
// modify one file path. At most one row with Status=active may exist per
// FilePath at any instant.
type FileReservation struct {
	ID             string
	FilePath       string
	AgentID        string
	LeaseExpiresAt time.Time
	Status         FileReservationStatus
	LeaseReason    string
	Metadata       map[string]string
}

// Expired reports whether the reservation has elapsed as of now.
func (r FileReservation) Expired(now time.Time) bool {
	return !now.Before(r.LeaseExpiresAt)
}

// AgentType is the fixed enum an Agent's type must belong to.
type AgentType string

const (
	AgentCoordinator      AgentType = "coordinator"
	AgentWorker           AgentType = "worker"
	AgentVerifier         AgentType = "verifier"
	AgentEscalationManager AgentType = "escalation_manager"
)

// AgentStatus is the fixed enum an Agent's status must belong to.
type AgentStatus string

const (
	AgentActive      AgentStatus = "active"
	AgentInactive    AgentStatus = "inactive"
	AgentMaintenance AgentStatus = "maintenance"
	AgentError       AgentStatus = "error"
)

// Agent is a logical actor identified by an opaque id, registered on first
// heartbeat and never deleted (retained for audit).
type Agent struct {
	ID           string
	Name         string
	Type         AgentType
	Status       AgentStatus
	LastSeen     time.Time
	Capabilities []string
	Metadata     map[string]string
}

// EvidenceResult is the fixed enum an Evidence row's result must belong to.
type EvidenceResult string

const (
	ResultPass EvidenceResult = "PASS"
	ResultFail EvidenceResult = "FAIL"
)

// Evidence is a per-attempt, per-verifier PASS/FAIL record consulted at
// commit time. Primary key is (TaskID, Attempt, Verifier); append-only.
type Evidence struct {
	TaskID   string
	Attempt  int
	Verifier string
	Result   EvidenceResult
	Details  []byte
}

// Event is an append-only record of a state transition or other notable
// occurrence.
type Event struct {
	ID      int64
	TaskID  string
	TS      time.Time
	Kind    string
	Data    []byte
}

// EventFilter narrows a journal Query() call.
type EventFilter struct {
	Recent   int
	Kinds    []string
	Category []string
	TaskID   string
}

// ConflictType describes the nature of a reservation conflict.
type ConflictType string

const (
	ConflictFileHeld ConflictType = "file_held"
)

// ConflictSeverity describes how urgently a reservation conflict needs
// attention.
type ConflictSeverity string

const (
	SeverityInfo     ConflictSeverity = "info"
	SeverityWarning  ConflictSeverity = "warning"
	SeverityCritical ConflictSeverity = "critical"
)

// ReservationConflictStatus tracks whether a recorded conflict has been
// resolved.
type ReservationConflictStatus string

const (
	ConflictStatusOpen     ReservationConflictStatus = "open"
	ConflictStatusResolved ReservationConflictStatus = "resolved"
)

// ReservationConflict is a durable record of a detected file-reservation
// collision, for audit and for the escalation channel to reference.
type ReservationConflict struct {
	ID                 string
	FilePath           string
	ConflictingAgent   string
	ExistingAgent      string
	ConflictType       ConflictType
	Severity           ConflictSeverity
	Status             ReservationConflictStatus
	DetectedAt         time.Time
	ResolvedAt         *time.Time
	ResolutionStrategy string
	EvidenceRef        string
}
