package leasemgr

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

func newManager(t *testing.T) (*Manager, *memory.Store, *clock.Frozen) {
	t.Helper()
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := memory.New(clk)
	return New(s, clk), s, clk
}

func TestAcquireTaskLeaseUsesDefaultDuration(t *testing.T) {
	m, s, clk := newManager(t)
	ctx := context.Background()
	_, err := s.CreateTask(ctx, mafmodel.Task{ID: "t1"})
	require.NoError(t, err)

	lease, err := m.AcquireTaskLease(ctx, "t1", "agent-a", 0)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(DefaultLeaseDuration), lease.LeaseExpiresAt)
}

func TestAcquireTaskLeaseConflict(t *testing.T) {
	m, s, _ := newManager(t)
	ctx := context.Background()
	_, err := s.CreateTask(ctx, mafmodel.Task{ID: "t1"})
	require.NoError(t, err)

	_, err = m.AcquireTaskLease(ctx, "t1", "agent-a", time.Minute)
	require.NoError(t, err)

	_, err = m.AcquireTaskLease(ctx, "t1", "agent-b", time.Minute)
	require.Error(t, err)
	var conflict *mafmodel.LeaseConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "agent-a", conflict.Holder)
}

func TestRefreshTaskLeaseExtendsFromNow(t *testing.T) {
	m, s, clk := newManager(t)
	ctx := context.Background()
	_, err := s.CreateTask(ctx, mafmodel.Task{ID: "t1"})
	require.NoError(t, err)
	_, err = m.AcquireTaskLease(ctx, "t1", "agent-a", time.Minute)
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	require.NoError(t, m.RefreshTaskLease(ctx, "t1", "agent-a", 5*time.Minute))

	lease, err := m.GetTaskLease(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(5*time.Minute), lease.LeaseExpiresAt)
}

func TestRefreshTaskLeaseRejectsWrongAgent(t *testing.T) {
	m, s, _ := newManager(t)
	ctx := context.Background()
	_, err := s.CreateTask(ctx, mafmodel.Task{ID: "t1"})
	require.NoError(t, err)
	_, err = m.AcquireTaskLease(ctx, "t1", "agent-a", time.Minute)
	require.NoError(t, err)

	err = m.RefreshTaskLease(ctx, "t1", "agent-b", time.Minute)
	require.ErrorIs(t, err, mafmodel.ErrNotHeldByAgent)
}

func TestAcquireFileConflictCarriesHolderAndExpiry(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	res, err := m.AcquireFile(ctx, "src/a.go", "agent-a", "edit", nil, time.Minute)
	require.NoError(t, err)

	_, err = m.AcquireFile(ctx, "src/a.go", "agent-b", "edit", nil, time.Minute)
	require.Error(t, err)
	var leased *mafmodel.FileLeased
	require.ErrorAs(t, err, &leased)
	assert.Equal(t, "agent-a", leased.Holder)
	assert.Equal(t, res.LeaseExpiresAt, leased.ExpiresAt)
}

func TestReclaimExpiredReclaimsBothLeasesAndFiles(t *testing.T) {
	m, s, clk := newManager(t)
	ctx := context.Background()
	_, err := s.CreateTask(ctx, mafmodel.Task{ID: "t1"})
	require.NoError(t, err)
	_, err = m.AcquireTaskLease(ctx, "t1", "agent-a", time.Minute)
	require.NoError(t, err)
	_, err = m.AcquireFile(ctx, "src/a.go", "agent-a", "edit", nil, time.Minute)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	taskIDs, paths, err := m.ReclaimExpired(ctx, clk.Now(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, taskIDs)
	assert.Equal(t, []string{"src/a.go"}, paths)
}

func TestReleaseFileOverrideBypassesHolderCheck(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	_, err := m.AcquireFile(ctx, "src/a.go", "agent-a", "edit", nil, time.Minute)
	require.NoError(t, err)

	err = m.ReleaseFile(ctx, "src/a.go", "agent-b", true)
	require.NoError(t, err)

	_, err = m.ActiveReservation(ctx, "src/a.go")
	require.ErrorIs(t, err, mafmodel.ErrNotFound)
}
