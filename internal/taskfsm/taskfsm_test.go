package taskfsm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/maf/internal/clock"
	"github.com/codeready-toolchain/maf/internal/mafmodel"
	"github.com/codeready-toolchain/maf/internal/store/memory"
)

func newMachine(t *testing.T) (*Machine, *memory.Store) {
	t.Helper()
	s := memory.New(clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	return New(s), s
}

func createReady(t *testing.T, m *Machine, id string) {
	t.Helper()
	_, err := m.Create(context.Background(), mafmodel.Task{ID: id, Priority: 1})
	require.NoError(t, err)
}

func TestCreateStartsInReady(t *testing.T) {
	m, _ := newMachine(t)
	createReady(t, m, "t1")

	task, err := m.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, mafmodel.TaskReady, task.State)
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	m, _ := newMachine(t)
	createReady(t, m, "t1")

	err := m.Transition(context.Background(), "t1", mafmodel.TaskReady, mafmodel.TaskRunning, nil)
	require.Error(t, err)
	var illegal *mafmodel.IllegalTransition
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, mafmodel.TaskReady, illegal.Observed)
}

func TestStartRunningRequiresLeasedState(t *testing.T) {
	m, _ := newMachine(t)
	createReady(t, m, "t1")

	err := m.StartRunning(context.Background(), "t1")
	require.Error(t, err)

	require.NoError(t, m.Transition(context.Background(), "t1", mafmodel.TaskReady, mafmodel.TaskLeased, nil))
	require.NoError(t, m.StartRunning(context.Background(), "t1"))

	task, err := m.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, mafmodel.TaskRunning, task.State)
}

func driveToVerifying(t *testing.T, m *Machine, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.Transition(ctx, id, mafmodel.TaskReady, mafmodel.TaskLeased, nil))
	require.NoError(t, m.StartRunning(ctx, id))
	require.NoError(t, m.BeginVerification(ctx, id))
}

func TestCompleteVerificationCommitsWhenAllRequiredPass(t *testing.T) {
	m, s := newMachine(t)
	createReady(t, m, "t1")
	driveToVerifying(t, m, "t1")

	ctx := context.Background()
	require.NoError(t, s.RecordEvidence(ctx, mafmodel.Evidence{TaskID: "t1", Attempt: 0, Verifier: "lint", Result: mafmodel.ResultPass}))
	require.NoError(t, s.RecordEvidence(ctx, mafmodel.Evidence{TaskID: "t1", Attempt: 0, Verifier: "tests", Result: mafmodel.ResultPass}))

	state, err := m.CompleteVerification(ctx, "t1", RequiredVerifiers{"lint", "tests"})
	require.NoError(t, err)
	assert.Equal(t, mafmodel.TaskCommitted, state)
}

func TestCompleteVerificationRollsBackWhenAnyRequiredMissingOrFailed(t *testing.T) {
	m, s := newMachine(t)
	createReady(t, m, "t1")
	driveToVerifying(t, m, "t1")

	ctx := context.Background()
	require.NoError(t, s.RecordEvidence(ctx, mafmodel.Evidence{TaskID: "t1", Attempt: 0, Verifier: "lint", Result: mafmodel.ResultPass}))
	require.NoError(t, s.RecordEvidence(ctx, mafmodel.Evidence{TaskID: "t1", Attempt: 0, Verifier: "tests", Result: mafmodel.ResultFail}))

	state, err := m.CompleteVerification(ctx, "t1", RequiredVerifiers{"lint", "tests"})
	require.NoError(t, err)
	assert.Equal(t, mafmodel.TaskRollback, state)
}

func TestRetryReturnsToReadyAndIncrementsAttempts(t *testing.T) {
	m, s := newMachine(t)
	createReady(t, m, "t1")
	driveToVerifying(t, m, "t1")

	ctx := context.Background()
	require.NoError(t, s.RecordEvidence(ctx, mafmodel.Evidence{TaskID: "t1", Attempt: 0, Verifier: "tests", Result: mafmodel.ResultFail}))
	_, err := m.CompleteVerification(ctx, "t1", RequiredVerifiers{"tests"})
	require.NoError(t, err)

	state, err := m.Retry(ctx, "t1", 5)
	require.NoError(t, err)
	assert.Equal(t, mafmodel.TaskReady, state)

	task, err := m.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, task.Attempts)
}

func TestRetryGoesDeadWhenAttemptsExhausted(t *testing.T) {
	m, s := newMachine(t)
	createReady(t, m, "t1")
	driveToVerifying(t, m, "t1")

	ctx := context.Background()
	require.NoError(t, s.RecordEvidence(ctx, mafmodel.Evidence{TaskID: "t1", Attempt: 0, Verifier: "tests", Result: mafmodel.ResultFail}))
	_, err := m.CompleteVerification(ctx, "t1", RequiredVerifiers{"tests"})
	require.NoError(t, err)

	state, err := m.Retry(ctx, "t1", 1)
	require.NoError(t, err)
	assert.Equal(t, mafmodel.TaskDead, state)
}

func TestComputeStatsCountsByState(t *testing.T) {
	m, _ := newMachine(t)
	createReady(t, m, "t1")
	createReady(t, m, "t2")
	require.NoError(t, m.Transition(context.Background(), "t2", mafmodel.TaskReady, mafmodel.TaskLeased, nil))

	stats, err := m.ComputeStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByState[mafmodel.TaskReady])
	assert.Equal(t, 1, stats.ByState[mafmodel.TaskLeased])
}

func TestMarshalFilterSortsStates(t *testing.T) {
	f := MarshalFilter([]mafmodel.TaskState{mafmodel.TaskDone, mafmodel.TaskReady, mafmodel.TaskDead})
	assert.Equal(t, []mafmodel.TaskState{mafmodel.TaskDead, mafmodel.TaskDone, mafmodel.TaskReady}, f.States)
}
