// Package leasemgr implements task-lease and file-reservation lifecycle
// operations (component D): acquire, refresh, release, and reclaim of
// expired ones. It mostly delegates to store.Store, adding the
// default-duration policy; the expiry check itself is mafmodel's
// Lease/FileReservation.Expired, and AcquireFile returns the store's
// FileLeased error unchanged.
package leasemgr

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/maf/internal/clock"
	"github.com/codeready-toolchain/maf/internal/mafmodel"
	"github.com/codeready-toolchain/maf/internal/store"
)

// Defaults for lease/reservation durations when the caller does not
// specify one, per §6.3's configuration surface.
const (
	DefaultLeaseDuration       = 10 * time.Minute
	DefaultReservationDuration = 15 * time.Minute
)

// Manager is the Lease Manager.
type Manager struct {
	store store.Store
	clock clock.Clock
}

// New returns a Manager backed by s.
func New(s store.Store, clk clock.Clock) *Manager {
	return &Manager{store: s, clock: clk}
}

// AcquireTaskLease leases a READY task to agentID, transitioning it to
// LEASED, and returns the new lease. duration <= 0 uses the default.
func (m *Manager) AcquireTaskLease(ctx context.Context, taskID, agentID string, duration time.Duration) (*mafmodel.Lease, error) {
	if duration <= 0 {
		duration = DefaultLeaseDuration
	}
	return m.store.AcquireLease(ctx, taskID, agentID, duration)
}

// RefreshTaskLease extends an active lease's expiry, failing with
// ErrNotHeldByAgent if agentID is not the current holder.
func (m *Manager) RefreshTaskLease(ctx context.Context, taskID, agentID string, extension time.Duration) error {
	if extension <= 0 {
		extension = DefaultLeaseDuration
	}
	return m.store.RefreshLease(ctx, taskID, agentID, m.clock.Now().Add(extension))
}

// ReleaseTaskLease voluntarily releases a lease before expiry (e.g. an
// agent giving up a task it cannot complete).
func (m *Manager) ReleaseTaskLease(ctx context.Context, taskID, agentID string) error {
	return m.store.ReleaseLease(ctx, taskID, agentID)
}

// AcquireFile reserves path for agentID. Collisions return
// *mafmodel.FileLeased carrying the current holder and expiry, per §4.D
// and invariant I2 (unique active reservation per path).
func (m *Manager) AcquireFile(ctx context.Context, path, agentID, reason string, metadata map[string]string, duration time.Duration) (*mafmodel.FileReservation, error) {
	if duration <= 0 {
		duration = DefaultReservationDuration
	}
	res, err := m.store.AcquireReservation(ctx, path, agentID, duration, reason, metadata)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RefreshFile extends an active file reservation.
func (m *Manager) RefreshFile(ctx context.Context, path, agentID string, newExpiry time.Time) error {
	return m.store.RefreshReservation(ctx, path, agentID, newExpiry)
}

// ReleaseFile releases a file reservation. override bypasses the
// holder check — used by the pre-commit enforcer's documented override
// signal (§4.I) — and must be audited by the caller via an event.
func (m *Manager) ReleaseFile(ctx context.Context, path, agentID string, override bool) error {
	return m.store.ReleaseReservation(ctx, path, agentID, override)
}

// ActiveReservation returns the current holder of path, if any.
func (m *Manager) ActiveReservation(ctx context.Context, path string) (*mafmodel.FileReservation, error) {
	res, err := m.store.GetActiveReservation(ctx, path)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetTaskLease returns the current lease for a task, if any.
func (m *Manager) GetTaskLease(ctx context.Context, taskID string) (*mafmodel.Lease, error) {
	return m.store.GetLease(ctx, taskID)
}

// ReclaimExpired sweeps both expired task leases and expired file
// reservations as of now, restricted to onlyAgent when non-empty (used
// by the heartbeat sweeper to scope reclaim to a single dead agent).
// Returns the task ids and file paths reclaimed.
func (m *Manager) ReclaimExpired(ctx context.Context, now time.Time, onlyAgent string) (taskIDs []string, paths []string, err error) {
	taskIDs, err = m.store.ReclaimExpiredLeases(ctx, now, onlyAgent)
	if err != nil {
		return nil, nil, fmt.Errorf("reclaim leases: %w", err)
	}
	paths, err = m.store.ReclaimExpiredReservations(ctx, now, onlyAgent)
	if err != nil {
		return taskIDs, nil, fmt.Errorf("reclaim reservations: %w", err)
	}
	return taskIDs, paths, nil
}
