// Package taskfsm enforces the legal transitions between task states and
// emits the corresponding journal event for each one (component C). It is
// a thin layer over store.Store: the store performs the actual
// compare-and-swap under a transaction (or a mutex, for the in-process
// backends); taskfsm supplies the state-machine's vocabulary (which event
// kind accompanies which edge) and the verification-completion rule.
package taskfsm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/codeready-toolchain/maf/internal/mafmodel"
	"github.com/codeready-toolchain/maf/internal/store"
)

// Machine is the Task State Machine.
type Machine struct {
	store store.Store
}

// New returns a Machine backed by s.
func New(s store.Store) *Machine {
	return &Machine{store: s}
}

// Create inserts a new task in state READY.
func (m *Machine) Create(ctx context.Context, t mafmodel.Task) (string, error) {
	if t.ID == "" {
		return "", fmt.Errorf("%w: task id required", mafmodel.ErrInvalidArgument)
	}
	t.State = mafmodel.TaskReady
	return m.store.CreateTask(ctx, t)
}

// Get returns a task by id.
func (m *Machine) Get(ctx context.Context, id string) (*mafmodel.Task, error) {
	return m.store.GetTask(ctx, id)
}

// List returns tasks matching filter, tie-broken by (priority asc,
// created_at asc, id asc) as required by §4.C.
func (m *Machine) List(ctx context.Context, filter mafmodel.TaskFilter) ([]mafmodel.Task, error) {
	return m.store.ListTasks(ctx, filter)
}

// eventKindFor names the event emitted for each legal edge, per §4.G's
// non-exhaustive kind list.
func eventKindFor(to mafmodel.TaskState) string {
	switch to {
	case mafmodel.TaskReady:
		return "READY"
	case mafmodel.TaskLeased:
		return "CLAIMED"
	case mafmodel.TaskRunning:
		return "RUNNING"
	case mafmodel.TaskVerifying:
		return "VERIFYING"
	case mafmodel.TaskCommitted:
		return "COMMITTED"
	case mafmodel.TaskRollback:
		return "ROLLBACK"
	case mafmodel.TaskDone:
		return "DONE"
	case mafmodel.TaskDead:
		return "DEAD"
	default:
		return "TRANSITION"
	}
}

// Transition moves a task from `from` to `to`, applying patch to the
// in-flight struct (e.g. bumping Attempts) before persisting, and appends
// the matching event. Returns *mafmodel.IllegalTransition when (from, to)
// is not a legal edge or the observed state differs from `from`.
func (m *Machine) Transition(ctx context.Context, taskID string, from, to mafmodel.TaskState, patch func(*mafmodel.Task)) error {
	return m.store.TransitionTask(ctx, taskID, from, to, eventKindFor(to), patch, nil)
}

// StartRunning moves a claimed task from LEASED to RUNNING — called by the
// worker once it actually begins executing the task.
func (m *Machine) StartRunning(ctx context.Context, taskID string) error {
	return m.Transition(ctx, taskID, mafmodel.TaskLeased, mafmodel.TaskRunning, nil)
}

// BeginVerification moves a task from RUNNING to VERIFYING.
func (m *Machine) BeginVerification(ctx context.Context, taskID string) error {
	return m.Transition(ctx, taskID, mafmodel.TaskRunning, mafmodel.TaskVerifying, nil)
}

// RequiredVerifiers is the policy-driven set of verifier names that must
// each have a PASS evidence row at the current attempt for a task to
// commit. Callers resolve this from the task's PolicyLabel; MAF itself
// does not interpret policy labels (Non-goals: "arbitrary pluggable
// verifiers" is out of scope — the caller supplies the required set).
type RequiredVerifiers []string

// CompleteVerification implements §4.G's completion determination:
// VERIFYING -> COMMITTED iff every name in required has a PASS evidence
// row at the task's current attempt; otherwise VERIFYING -> ROLLBACK.
// Returns the resulting state.
func (m *Machine) CompleteVerification(ctx context.Context, taskID string, required RequiredVerifiers) (mafmodel.TaskState, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	evidence, err := m.store.ListEvidence(ctx, taskID, task.Attempts)
	if err != nil {
		return "", err
	}
	passed := make(map[string]bool, len(evidence))
	for _, e := range evidence {
		if e.Result == mafmodel.ResultPass {
			passed[e.Verifier] = true
		}
	}
	allPassed := true
	for _, v := range required {
		if !passed[v] {
			allPassed = false
			break
		}
	}

	if allPassed {
		if err := m.Transition(ctx, taskID, mafmodel.TaskVerifying, mafmodel.TaskCommitted, nil); err != nil {
			return "", err
		}
		return mafmodel.TaskCommitted, nil
	}
	if err := m.Transition(ctx, taskID, mafmodel.TaskVerifying, mafmodel.TaskRollback, nil); err != nil {
		return "", err
	}
	return mafmodel.TaskRollback, nil
}

// Finish moves a COMMITTED task to the terminal DONE state.
func (m *Machine) Finish(ctx context.Context, taskID string) error {
	return m.Transition(ctx, taskID, mafmodel.TaskCommitted, mafmodel.TaskDone, nil)
}

// Retry moves a ROLLBACK task back to READY (attempts++) if maxAttempts
// has not been reached, otherwise to the terminal DEAD state.
func (m *Machine) Retry(ctx context.Context, taskID string, maxAttempts int) (mafmodel.TaskState, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.Attempts+1 >= maxAttempts {
		if err := m.Transition(ctx, taskID, mafmodel.TaskRollback, mafmodel.TaskDead, nil); err != nil {
			return "", err
		}
		return mafmodel.TaskDead, nil
	}
	err = m.Transition(ctx, taskID, mafmodel.TaskRollback, mafmodel.TaskReady, func(t *mafmodel.Task) {
		t.Attempts++
	})
	if err != nil {
		return "", err
	}
	return mafmodel.TaskReady, nil
}

// RecordEvidence appends a per-attempt, per-verifier PASS/FAIL row.
// Overwriting an existing (task_id, attempt, verifier) fails, per §4.G.
func (m *Machine) RecordEvidence(ctx context.Context, e mafmodel.Evidence) error {
	return m.store.RecordEvidence(ctx, e)
}

// Stats summarizes task counts by state for the CLI `status` surface
// (§6.4), deliberately cheap: one pass over ListTasks(no filter).
type Stats struct {
	ByState map[mafmodel.TaskState]int `json:"by_state"`
	Total   int                        `json:"total"`
}

// ComputeStats returns task counts by state.
func (m *Machine) ComputeStats(ctx context.Context) (Stats, error) {
	tasks, err := m.store.ListTasks(ctx, mafmodel.TaskFilter{})
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{ByState: map[mafmodel.TaskState]int{}}
	for _, t := range tasks {
		stats.ByState[t.State]++
		stats.Total++
	}
	return stats, nil
}

// MarshalFilter is a convenience for CLI adapters building a TaskFilter
// from a sorted set of requested states.
func MarshalFilter(states []mafmodel.TaskState) mafmodel.TaskFilter {
	sorted := append([]mafmodel.TaskState(nil), states...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return mafmodel.TaskFilter{States: sorted}
}

// MustJSON is a small helper used by callers constructing opaque task
// payloads in tests and CLI adapters.
func MustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
