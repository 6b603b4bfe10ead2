package precommit

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

func newEnforcer(t *testing.T) (*Enforcer, *memory.Store, *clock.Frozen) {
	t.Helper()
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := memory.New(clk)
	return New(s, clk, "MAF_PRECOMMIT_OVERRIDE"), s, clk
}

func TestCheckAllowsWhenNoReservation(t *testing.T) {
	e, _, _ := newEnforcer(t)
	decision, err := e.Check(context.Background(), []string{"a.go"}, "agent-a", false)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
}

func TestCheckAllowsWhenCallerHoldsReservation(t *testing.T) {
	e, s, _ := newEnforcer(t)
	ctx := context.Background()
	_, err := s.AcquireReservation(ctx, "a.go", "agent-a", time.Minute, "edit", nil)
	require.NoError(t, err)

	decision, err := e.Check(ctx, []string{"a.go"}, "agent-a", false)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
}

func TestCheckBlocksOnLiveForeignReservation(t *testing.T) {
	e, s, _ := newEnforcer(t)
	ctx := context.Background()
	_, err := s.AcquireReservation(ctx, "a.go", "agent-b", time.Minute, "edit", nil)
	require.NoError(t, err)

	decision, err := e.Check(ctx, []string{"a.go"}, "agent-a", false)
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	require.Len(t, decision.Conflicts, 1)
	assert.Equal(t, "agent-b", decision.Conflicts[0].HeldBy)

	conflicts, err := s.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
}

func TestCheckTreatsExpiredReservationAsFree(t *testing.T) {
	e, s, clk := newEnforcer(t)
	ctx := context.Background()
	_, err := s.AcquireReservation(ctx, "a.go", "agent-b", time.Minute, "edit", nil)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	decision, err := e.Check(ctx, []string{"a.go"}, "agent-a", false)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
}

func TestCheckOverrideAllowsDespiteConflictAndRecordsResolvedConflict(t *testing.T) {
	e, s, _ := newEnforcer(t)
	ctx := context.Background()
	_, err := s.AcquireReservation(ctx, "a.go", "agent-b", time.Minute, "edit", nil)
	require.NoError(t, err)

	decision, err := e.Check(ctx, []string{"a.go"}, "agent-a", true)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.True(t, decision.Override)

	conflicts, err := s.ListConflicts(ctx, false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "resolved", string(conflicts[0].Status))

	events, err := s.QueryEvents(ctx, mafmodel.EventFilter{Kinds: []string{"ESCALATION_OVERRIDE"}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].TaskID)
}

func TestSummaryMentionsOverrideSignal(t *testing.T) {
	e, s, _ := newEnforcer(t)
	ctx := context.Background()
	_, err := s.AcquireReservation(ctx, "a.go", "agent-b", time.Minute, "edit", nil)
	require.NoError(t, err)

	decision, err := e.Check(ctx, []string{"a.go"}, "agent-a", false)
	require.NoError(t, err)

	msg := e.Summary(decision)
	assert.Contains(t, msg, "MAF_PRECOMMIT_OVERRIDE")
	assert.Contains(t, msg, "a.go")
}
