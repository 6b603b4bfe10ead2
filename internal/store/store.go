// Package store defines the durable persistence contract for MAF (component
// A of the runtime) and its three backends: durable (Postgres via pgx),
// file (one JSON snapshot rewritten after each mutation, single-writer; not
// append-only), and memory (tests only).
//
// Every entity operation here is expected to be internally transactional
// where the spec requires it (e.g. AcquireLease performs the READY->LEASED
// transition and the lease row insert in one transaction); callers never
// have to orchestrate cross-entity atomicity themselves.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/maf/internal/mafmodel"
)

// Backend names recognized by the configuration surface (§6.3).
type Backend string

const (
	BackendDurable Backend = "durable"
	BackendFile    Backend = "file"
	BackendMemory  Backend = "memory"
)

// Envelope is the persisted form of an escalation message (§4.H). It is
// stored by the Store but owned conceptually by the escalation channel.
type Envelope struct {
	ID        string
	Kind      string
	FromAgent string
	ToChannel string
	CreatedAt time.Time
	Payload   []byte
	Read      bool
}

// Store is the full persistence contract. All methods are safe for
// concurrent use from multiple goroutines and, for the durable backend,
// multiple processes.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, t mafmodel.Task) (string, error)
	GetTask(ctx context.Context, id string) (*mafmodel.Task, error)
	ListTasks(ctx context.Context, filter mafmodel.TaskFilter) ([]mafmodel.Task, error)
	// TransitionTask enforces state == from, moves it to `to`, applies patch
	// to the in-flight copy before persisting, and appends an event in the
	// same transaction. Returns *mafmodel.IllegalTransition on mismatch.
	TransitionTask(ctx context.Context, id string, from, to mafmodel.TaskState, kind string, patch func(*mafmodel.Task), eventData []byte) error

	// Task leases
	AcquireLease(ctx context.Context, taskID, agentID string, duration time.Duration) (*mafmodel.Lease, error)
	RefreshLease(ctx context.Context, taskID, agentID string, newExpiry time.Time) error
	ReleaseLease(ctx context.Context, taskID, agentID string) error
	GetLease(ctx context.Context, taskID string) (*mafmodel.Lease, error)
	ReclaimExpiredLeases(ctx context.Context, now time.Time, onlyAgent string) ([]string, error)

	// File reservations
	AcquireReservation(ctx context.Context, path, agentID string, duration time.Duration, reason string, metadata map[string]string) (*mafmodel.FileReservation, error)
	RefreshReservation(ctx context.Context, path, agentID string, newExpiry time.Time) error
	ReleaseReservation(ctx context.Context, path, agentID string, override bool) error
	GetActiveReservation(ctx context.Context, path string) (*mafmodel.FileReservation, error)
	ListActiveReservationsByAgent(ctx context.Context, agentID string) ([]mafmodel.FileReservation, error)
	ReclaimExpiredReservations(ctx context.Context, now time.Time, onlyAgent string) ([]string, error)

	// Agents
	UpsertAgentHeartbeat(ctx context.Context, agentID, name string, typ mafmodel.AgentType, status mafmodel.AgentStatus, now time.Time, capabilities []string, metadata map[string]string) (*mafmodel.Agent, error)
	GetAgent(ctx context.Context, id string) (*mafmodel.Agent, error)
	ListStaleAgents(ctx context.Context, cutoff time.Time) ([]mafmodel.Agent, error)
	SetAgentStatus(ctx context.Context, id string, status mafmodel.AgentStatus) error

	// Events & evidence
	AppendEvent(ctx context.Context, taskID, kind string, data []byte) (int64, error)
	QueryEvents(ctx context.Context, filter mafmodel.EventFilter) ([]mafmodel.Event, error)
	RecordEvidence(ctx context.Context, e mafmodel.Evidence) error
	ListEvidence(ctx context.Context, taskID string, attempt int) ([]mafmodel.Evidence, error)

	// Reservation conflicts
	RecordConflict(ctx context.Context, c mafmodel.ReservationConflict) error
	ListConflicts(ctx context.Context, openOnly bool) ([]mafmodel.ReservationConflict, error)

	// Escalation channels
	RegisterChannel(ctx context.Context, name string) error
	ChannelExists(ctx context.Context, name string) (bool, error)
	SendEnvelope(ctx context.Context, env Envelope) (string, error)
	FetchEnvelopes(ctx context.Context, channel string, sinceID string, limit int) ([]Envelope, error)
	MarkEnvelopeRead(ctx context.Context, channel, messageID string) error

	// Lifecycle
	Close() error
}

// Transient wraps an underlying error so errors.Is(err, mafmodel.ErrTransient)
// reports true, letting with_tx-style retry loops classify it without
// string matching.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", mafmodel.ErrTransient, err)
}
