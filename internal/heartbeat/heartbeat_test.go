package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/maf/internal/clock"
	"github.com/codeready-toolchain/maf/internal/leasemgr"
	"github.com/codeready-toolchain/maf/internal/mafmodel"
	"github.com/codeready-toolchain/maf/internal/store/memory"
)

func newTracker(t *testing.T, livenessTimeout, heartbeatWindow time.Duration) (*Tracker, *memory.Store, *leasemgr.Manager, *clock.Frozen) {
	t.Helper()
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := memory.New(clk)
	lm := leasemgr.New(s, clk)
	return New(s, lm, clk, livenessTimeout, heartbeatWindow), s, lm, clk
}

func TestHeartbeatUpsertsAgent(t *testing.T) {
	tr, _, _, _ := newTracker(t, time.Hour, time.Minute)
	ctx := context.Background()

	agent, err := tr.Heartbeat(ctx, "agent-a", "Agent A", mafmodel.AgentWorker, mafmodel.AgentActive, []string{"go"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", agent.ID)
	assert.Equal(t, mafmodel.AgentActive, agent.Status)
}

func TestHeartbeatRefreshesLeaseNearExpiry(t *testing.T) {
	tr, s, lm, clk := newTracker(t, time.Hour, 2*time.Minute)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, mafmodel.Task{ID: "t1"})
	require.NoError(t, err)
	_, err = lm.AcquireTaskLease(ctx, "t1", "agent-a", time.Minute)
	require.NoError(t, err)

	_, err = tr.Heartbeat(ctx, "agent-a", "", mafmodel.AgentWorker, mafmodel.AgentActive, nil, nil)
	require.NoError(t, err)

	lease, err := lm.GetTaskLease(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(2*time.Minute), lease.LeaseExpiresAt)
}

func TestHeartbeatRefreshesFileReservationNearExpiry(t *testing.T) {
	tr, _, lm, clk := newTracker(t, time.Hour, 2*time.Minute)
	ctx := context.Background()

	_, err := lm.AcquireFile(ctx, "a.go", "agent-a", "edit", nil, time.Minute)
	require.NoError(t, err)

	_, err = tr.Heartbeat(ctx, "agent-a", "", mafmodel.AgentWorker, mafmodel.AgentActive, nil, nil)
	require.NoError(t, err)

	res, err := lm.ActiveReservation(ctx, "a.go")
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(2*time.Minute), res.LeaseExpiresAt)
}

func TestSweepMarksStaleAgentsInactiveAndReclaims(t *testing.T) {
	tr, s, lm, clk := newTracker(t, time.Minute, time.Second)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, mafmodel.Task{ID: "t1"})
	require.NoError(t, err)
	_, err = lm.AcquireTaskLease(ctx, "t1", "agent-a", 30*time.Second)
	require.NoError(t, err)
	_, err = tr.Heartbeat(ctx, "agent-a", "", mafmodel.AgentWorker, mafmodel.AgentActive, nil, nil)
	require.NoError(t, err)

	clk.Advance(5 * time.Minute)

	staleAgents, reclaimedTasks, _, err := tr.Sweep(ctx)
	require.NoError(t, err)
	assert.Contains(t, staleAgents, "agent-a")
	assert.Contains(t, reclaimedTasks, "t1")

	agent, err := s.GetAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, mafmodel.AgentInactive, agent.Status)
}

func TestSweepIgnoresAgentsWithinLivenessTimeout(t *testing.T) {
	tr, _, _, _ := newTracker(t, time.Hour, time.Minute)
	ctx := context.Background()

	_, err := tr.Heartbeat(ctx, "agent-a", "", mafmodel.AgentWorker, mafmodel.AgentActive, nil, nil)
	require.NoError(t, err)

	staleAgents, _, _, err := tr.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, staleAgents)
}
