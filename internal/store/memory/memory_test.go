package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/maf/internal/clock"
	"github.com/codeready-toolchain/maf/internal/mafmodel"
	"github.com/codeready-toolchain/maf/internal/store"
)

func newStore(t *testing.T) (*Store, *clock.Frozen) {
	t.Helper()
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(clk), clk
}

func TestCreateTaskRejectsEmptyIDAndDuplicate(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, mafmodel.Task{})
	require.ErrorIs(t, err, mafmodel.ErrInvalidArgument)

	_, err = s.CreateTask(ctx, mafmodel.Task{ID: "t1"})
	require.NoError(t, err)

	_, err = s.CreateTask(ctx, mafmodel.Task{ID: "t1"})
	require.ErrorIs(t, err, mafmodel.ErrInvalidArgument)
}

func TestTransitionTaskRejectsIllegalEdgeAndMismatchedObserved(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	_, err := s.CreateTask(ctx, mafmodel.Task{ID: "t1"})
	require.NoError(t, err)

	err = s.TransitionTask(ctx, "t1", mafmodel.TaskReady, mafmodel.TaskDone, "BAD", nil, nil)
	var illegal *mafmodel.IllegalTransition
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, mafmodel.TaskReady, illegal.Observed)

	err = s.TransitionTask(ctx, "t1", mafmodel.TaskLeased, mafmodel.TaskRunning, "BAD", nil, nil)
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, mafmodel.TaskReady, illegal.Observed)
}

func TestAcquireLeaseConflictAndIllegalState(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()
	_, err := s.CreateTask(ctx, mafmodel.Task{ID: "t1"})
	require.NoError(t, err)

	lease, err := s.AcquireLease(ctx, "t1", "agent-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(time.Minute), lease.LeaseExpiresAt)

	_, err = s.AcquireLease(ctx, "t1", "agent-b", time.Minute)
	var conflict *mafmodel.LeaseConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "agent-a", conflict.Holder)

	require.NoError(t, s.ReleaseLease(ctx, "t1", "agent-a"))
	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, mafmodel.TaskReady, task.State)

	require.NoError(t, s.TransitionTask(ctx, "t1", mafmodel.TaskReady, mafmodel.TaskLeased, "CLAIMED", nil, nil))
	require.NoError(t, s.TransitionTask(ctx, "t1", mafmodel.TaskLeased, mafmodel.TaskRunning, "STARTED", nil, nil))
	_, err = s.AcquireLease(ctx, "t1", "agent-c", time.Minute)
	var illegal *mafmodel.IllegalTransition
	require.ErrorAs(t, err, &illegal)
}

func TestReclaimExpiredLeasesIncrementsAttemptsAndReturnsReady(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()
	_, err := s.CreateTask(ctx, mafmodel.Task{ID: "t1"})
	require.NoError(t, err)
	_, err = s.AcquireLease(ctx, "t1", "agent-a", time.Minute)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	reclaimed, err := s.ReclaimExpiredLeases(ctx, clk.Now(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, reclaimed)

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, mafmodel.TaskReady, task.State)
	assert.Equal(t, 1, task.Attempts)

	_, err = s.GetLease(ctx, "t1")
	require.ErrorIs(t, err, mafmodel.ErrNotFound)
}

func TestAcquireReservationConflictAndSameAgentRefresh(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()

	r, err := s.AcquireReservation(ctx, "a.go", "agent-a", time.Minute, "edit", nil)
	require.NoError(t, err)
	assert.Equal(t, mafmodel.ReservationActive, r.Status)

	_, err = s.AcquireReservation(ctx, "a.go", "agent-b", time.Minute, "edit", nil)
	var leased *mafmodel.FileLeased
	require.ErrorAs(t, err, &leased)
	assert.Equal(t, "agent-a", leased.Holder)

	clk.Advance(30 * time.Second)
	refreshed, err := s.AcquireReservation(ctx, "a.go", "agent-a", time.Minute, "edit", nil)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(time.Minute), refreshed.LeaseExpiresAt)
}

func TestReleaseReservationRequiresHolderUnlessOverride(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	_, err := s.AcquireReservation(ctx, "a.go", "agent-a", time.Minute, "edit", nil)
	require.NoError(t, err)

	err = s.ReleaseReservation(ctx, "a.go", "agent-b", false)
	require.ErrorIs(t, err, mafmodel.ErrNotHeldByAgent)

	require.NoError(t, s.ReleaseReservation(ctx, "a.go", "agent-b", true))
	_, err = s.GetActiveReservation(ctx, "a.go")
	require.ErrorIs(t, err, mafmodel.ErrNotFound)
}

func TestReclaimExpiredReservationsMarksExpired(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()
	_, err := s.AcquireReservation(ctx, "a.go", "agent-a", time.Minute, "edit", nil)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	reclaimed, err := s.ReclaimExpiredReservations(ctx, clk.Now(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, reclaimed)

	_, err = s.GetActiveReservation(ctx, "a.go")
	require.ErrorIs(t, err, mafmodel.ErrNotFound)
}

func TestUpsertAgentHeartbeatRejectsNonMonotonicLastSeen(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()

	_, err := s.UpsertAgentHeartbeat(ctx, "agent-a", "Agent A", mafmodel.AgentWorker, mafmodel.AgentActive, clk.Now(), nil, nil)
	require.NoError(t, err)

	past := clk.Now().Add(-time.Minute)
	_, err = s.UpsertAgentHeartbeat(ctx, "agent-a", "", "", mafmodel.AgentActive, past, nil, nil)
	require.ErrorIs(t, err, mafmodel.ErrInvalidArgument)
}

func TestListStaleAgentsOnlyReturnsActivePastCutoff(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()

	_, err := s.UpsertAgentHeartbeat(ctx, "agent-a", "Agent A", mafmodel.AgentWorker, mafmodel.AgentActive, clk.Now(), nil, nil)
	require.NoError(t, err)
	_, err = s.UpsertAgentHeartbeat(ctx, "agent-b", "Agent B", mafmodel.AgentWorker, mafmodel.AgentInactive, clk.Now(), nil, nil)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	stale, err := s.ListStaleAgents(ctx, clk.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "agent-a", stale[0].ID)
}

func TestQueryEventsFiltersAndCapsRecent(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	_, err := s.CreateTask(ctx, mafmodel.Task{ID: "t1"})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := s.AppendEvent(ctx, "t1", "CUSTOM", nil)
		require.NoError(t, err)
	}

	events, err := s.QueryEvents(ctx, mafmodel.EventFilter{TaskID: "t1", Recent: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Most recent first.
	assert.Greater(t, events[0].ID, events[1].ID)

	events, err = s.QueryEvents(ctx, mafmodel.EventFilter{Kinds: []string{"CREATED"}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "CREATED", events[0].Kind)
}

func TestRecordEvidenceRejectsDuplicateAndFutureAttempt(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	_, err := s.CreateTask(ctx, mafmodel.Task{ID: "t1"})
	require.NoError(t, err)

	err = s.RecordEvidence(ctx, mafmodel.Evidence{TaskID: "t1", Attempt: 1, Verifier: "tests", Result: mafmodel.ResultPass})
	require.ErrorIs(t, err, mafmodel.ErrInvalidArgument)

	require.NoError(t, s.RecordEvidence(ctx, mafmodel.Evidence{TaskID: "t1", Attempt: 0, Verifier: "tests", Result: mafmodel.ResultPass}))
	err = s.RecordEvidence(ctx, mafmodel.Evidence{TaskID: "t1", Attempt: 0, Verifier: "tests", Result: mafmodel.ResultFail})
	require.ErrorIs(t, err, mafmodel.ErrInvalidArgument)
}

func TestListConflictsOpenOnlyFilter(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.RecordConflict(ctx, mafmodel.ReservationConflict{ID: "c1", FilePath: "a.go", Status: mafmodel.ConflictStatusOpen}))
	require.NoError(t, s.RecordConflict(ctx, mafmodel.ReservationConflict{ID: "c2", FilePath: "b.go", Status: mafmodel.ConflictStatusResolved}))

	open, err := s.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "c1", open[0].ID)

	all, err := s.ListConflicts(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSendEnvelopeRequiresRegisteredChannelAndFetchSkipsReadAndSince(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.SendEnvelope(ctx, store.Envelope{Kind: "PING", ToChannel: "team"})
	require.ErrorIs(t, err, mafmodel.ErrUnknownChannel)

	require.NoError(t, s.RegisterChannel(ctx, "team"))
	exists, err := s.ChannelExists(ctx, "team")
	require.NoError(t, err)
	assert.True(t, exists)

	id1, err := s.SendEnvelope(ctx, store.Envelope{Kind: "PING", ToChannel: "team"})
	require.NoError(t, err)
	id2, err := s.SendEnvelope(ctx, store.Envelope{Kind: "PONG", ToChannel: "team"})
	require.NoError(t, err)

	all, err := s.FetchEnvelopes(ctx, "team", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	since, err := s.FetchEnvelopes(ctx, "team", id1, 0)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, id2, since[0].ID)

	require.NoError(t, s.MarkEnvelopeRead(ctx, "team", id2))
	afterRead, err := s.FetchEnvelopes(ctx, "team", "", 0)
	require.NoError(t, err)
	require.Len(t, afterRead, 1)
	assert.Equal(t, id1, afterRead[0].ID)
}

func TestDumpRestoreRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	_, err := s.CreateTask(ctx, mafmodel.Task{ID: "t1", Priority: 5})
	require.NoError(t, err)
	_, err = s.AcquireLease(ctx, "t1", "agent-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.RecordEvidence(ctx, mafmodel.Evidence{TaskID: "t1", Attempt: 0, Verifier: "tests", Result: mafmodel.ResultPass}))
	require.NoError(t, s.RegisterChannel(ctx, "team"))
	_, err = s.SendEnvelope(ctx, store.Envelope{Kind: "PING", ToChannel: "team"})
	require.NoError(t, err)

	snap := s.Dump()

	restored, _ := newStore(t)
	restored.Restore(snap)

	task, err := restored.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 5, task.Priority)

	lease, err := restored.GetLease(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", lease.AgentID)

	evidence, err := restored.ListEvidence(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, evidence, 1)

	envelopes, err := restored.FetchEnvelopes(ctx, "team", "", 0)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
}
