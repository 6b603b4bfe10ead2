package filestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/maf/internal/clock"
	"github.com/codeready-toolchain/maf/internal/mafmodel"
)

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	s, err := Open(dir, clk)
	require.NoError(t, err)
	_, err = s.CreateTask(context.Background(), mafmodel.Task{ID: "t1", Priority: 3})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(dir, clk)
	require.NoError(t, err)
	defer reopened.Close()

	task, err := reopened.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, task.Priority)
}

func TestOpenFailsWhenDirectoryAlreadyLocked(t *testing.T) {
	dir := t.TempDir()
	clk := clock.New()

	first, err := Open(dir, clk)
	require.NoError(t, err)
	defer first.Close()

	_, err = Open(dir, clk)
	require.Error(t, err)
}

func TestMutationsAfterReclaimArePersisted(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	s, err := Open(dir, clk)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = s.CreateTask(ctx, mafmodel.Task{ID: "t1"})
	require.NoError(t, err)
	_, err = s.AcquireLease(ctx, "t1", "agent-a", time.Minute)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	reclaimed, err := s.ReclaimExpiredLeases(ctx, clk.Now(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, reclaimed)
	require.NoError(t, s.Close())

	reopened, err := Open(dir, clk)
	require.NoError(t, err)
	defer reopened.Close()

	task, err := reopened.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, mafmodel.TaskReady, task.State)
	assert.Equal(t, 1, task.Attempts)
}
