// Package heartbeat implements agent liveness tracking and the sweep that
// reclaims leases and reservations held by agents that stopped checking in
// (component F).
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/maf/internal/clock"
	"github.com/codeready-toolchain/maf/internal/leasemgr"
	"github.com/codeready-toolchain/maf/internal/mafmodel"
	"github.com/codeready-toolchain/maf/internal/store"
)

// Tracker is the Heartbeat & Liveness component.
type Tracker struct {
	store           store.Store
	leases          *leasemgr.Manager
	clock           clock.Clock
	livenessTimeout time.Duration
	heartbeatWindow time.Duration
}

// New returns a Tracker. livenessTimeout is how long an agent may go
// without a heartbeat before it is marked inactive and swept;
// heartbeatWindow is how close to expiry a held lease/reservation must be
// before a heartbeat bothers refreshing it.
func New(s store.Store, lm *leasemgr.Manager, clk clock.Clock, livenessTimeout, heartbeatWindow time.Duration) *Tracker {
	return &Tracker{store: s, leases: lm, clock: clk, livenessTimeout: livenessTimeout, heartbeatWindow: heartbeatWindow}
}

// Heartbeat upserts the agent's last_seen/status and, per §4.F, refreshes
// any task-lease or file-reservation it currently holds that is within
// heartbeatWindow of expiry.
func (t *Tracker) Heartbeat(ctx context.Context, agentID, name string, typ mafmodel.AgentType, status mafmodel.AgentStatus, capabilities []string, metadata map[string]string) (*mafmodel.Agent, error) {
	now := t.clock.Now()
	agent, err := t.store.UpsertAgentHeartbeat(ctx, agentID, name, typ, status, now, capabilities, metadata)
	if err != nil {
		return nil, fmt.Errorf("upsert heartbeat: %w", err)
	}

	threshold := now.Add(t.heartbeatWindow)
	if err := t.refreshHeldLease(ctx, agentID, threshold); err != nil {
		return agent, err
	}
	if err := t.refreshHeldReservations(ctx, agentID, threshold); err != nil {
		return agent, err
	}
	return agent, nil
}

// refreshHeldLease extends the agent's task-lease, if any, when it is
// within the heartbeat window of expiring. The store exposes leases keyed
// by task, not by agent, so this walks ActiveStates tasks owned by the
// agent; callers with a known task id should prefer leasemgr directly.
func (t *Tracker) refreshHeldLease(ctx context.Context, agentID string, threshold time.Time) error {
	tasks, err := t.store.ListTasks(ctx, mafmodel.TaskFilter{})
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if !mafmodel.ActiveStates[task.State] {
			continue
		}
		lease, err := t.store.GetLease(ctx, task.ID)
		if err != nil || lease == nil || lease.AgentID != agentID {
			continue
		}
		if lease.LeaseExpiresAt.Before(threshold) {
			newExpiry := t.clock.Now().Add(t.heartbeatWindow)
			if err := t.leases.RefreshTaskLease(ctx, task.ID, agentID, newExpiry.Sub(t.clock.Now())); err != nil {
				return err
			}
		}
	}
	return nil
}

// refreshHeldReservations extends each of the agent's active file
// reservations that is within threshold of expiring.
func (t *Tracker) refreshHeldReservations(ctx context.Context, agentID string, threshold time.Time) error {
	reservations, err := t.store.ListActiveReservationsByAgent(ctx, agentID)
	if err != nil {
		return err
	}
	for _, r := range reservations {
		if r.LeaseExpiresAt.Before(threshold) {
			newExpiry := t.clock.Now().Add(t.heartbeatWindow)
			if err := t.leases.RefreshFile(ctx, r.FilePath, agentID, newExpiry); err != nil {
				return err
			}
		}
	}
	return nil
}

// Sweep implements §4.F's periodic pass: any agent whose last_seen is
// older than livenessTimeout is marked inactive and has its expired leases
// and reservations reclaimed; its unexpired ones are left in place.
func (t *Tracker) Sweep(ctx context.Context) (staleAgents []string, reclaimedTasks []string, reclaimedFiles []string, err error) {
	now := t.clock.Now()
	cutoff := now.Add(-t.livenessTimeout)

	stale, err := t.store.ListStaleAgents(ctx, cutoff)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list stale agents: %w", err)
	}

	for _, agent := range stale {
		if err := t.store.SetAgentStatus(ctx, agent.ID, mafmodel.AgentInactive); err != nil {
			return staleAgents, reclaimedTasks, reclaimedFiles, fmt.Errorf("mark %s inactive: %w", agent.ID, err)
		}
		staleAgents = append(staleAgents, agent.ID)

		tasks, files, err := t.leases.ReclaimExpired(ctx, now, agent.ID)
		if err != nil {
			return staleAgents, reclaimedTasks, reclaimedFiles, fmt.Errorf("reclaim for %s: %w", agent.ID, err)
		}
		reclaimedTasks = append(reclaimedTasks, tasks...)
		reclaimedFiles = append(reclaimedFiles, files...)
	}
	return staleAgents, reclaimedTasks, reclaimedFiles, nil
}
