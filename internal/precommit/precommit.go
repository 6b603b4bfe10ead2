// Package precommit implements the pre-commit enforcer (component I): the
// final gate before a caller writes to a set of staged file paths, blocking
// when any path collides with a live reservation held by another agent.
package precommit

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/maf/internal/clock"
	"github.com/codeready-toolchain/maf/internal/mafmodel"
	"github.com/codeready-toolchain/maf/internal/store"
)

// Conflict describes one blocked path.
type Conflict struct {
	Path      string `json:"path"`
	HeldBy    string `json:"held_by"`
	ExpiresAt string `json:"expires_at"`
}

// Decision is the outcome of Check: either Allow or Block with conflicts.
type Decision struct {
	Allow     bool       `json:"allow"`
	Override  bool       `json:"override"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// Enforcer is the Pre-Commit Enforcer component.
type Enforcer struct {
	store        store.Store
	clock        clock.Clock
	overrideName string
}

// New returns an Enforcer. overrideName names the configured environment
// indicator that, when set, unconditionally allows a commit (§4.I rule 6).
func New(s store.Store, clk clock.Clock, overrideName string) *Enforcer {
	return &Enforcer{store: s, clock: clk, overrideName: overrideName}
}

// Check implements §4.I's rules 1-6. overrideActive is resolved by the
// caller from the configured signal (an environment variable in the
// reference deployment) — the enforcer itself is free of environment
// access so it stays testable.
func (e *Enforcer) Check(ctx context.Context, stagedPaths []string, callerAgent string, overrideActive bool) (Decision, error) {
	now := e.clock.Now()
	var conflicts []Conflict

	for _, path := range stagedPaths {
		res, err := e.store.GetActiveReservation(ctx, path)
		if err != nil {
			if err == mafmodel.ErrNotFound {
				continue // rule 1: no reservation, path is fine
			}
			return Decision{}, fmt.Errorf("check %s: %w", path, err)
		}
		if res.AgentID == callerAgent {
			continue // rule 2: caller holds it
		}
		if now.Before(res.LeaseExpiresAt) {
			conflicts = append(conflicts, Conflict{
				Path:      path,
				HeldBy:    res.AgentID,
				ExpiresAt: res.LeaseExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
			})
			continue // rule 3
		}
		// rule 4: held but expired, treat as free; reclamation is heartbeat's job.
	}

	// Rule 6: override is evaluated only after the conflict set is
	// computed, so conflicts are still recorded as events (resolves the
	// two incompatible source phrasings in favor of "conflicts first").
	if overrideActive {
		if err := e.recordOverrideEvent(ctx, callerAgent, stagedPaths, conflicts); err != nil {
			return Decision{}, err
		}
		return Decision{Allow: true, Override: true}, nil
	}

	if len(conflicts) == 0 {
		return Decision{Allow: true}, nil
	}

	for _, c := range conflicts {
		if err := e.store.RecordConflict(ctx, mafmodel.ReservationConflict{
			ID:               clock.NewID(clock.KindConflict),
			FilePath:         c.Path,
			ConflictingAgent: callerAgent,
			ExistingAgent:    c.HeldBy,
			ConflictType:     mafmodel.ConflictFileHeld,
			Severity:         mafmodel.SeverityWarning,
			Status:           mafmodel.ConflictStatusOpen,
			DetectedAt:       now,
		}); err != nil {
			return Decision{}, fmt.Errorf("record conflict: %w", err)
		}
	}

	return Decision{Allow: false, Conflicts: conflicts}, nil
}

// Summary renders a human-readable message for a Block decision, naming
// each path, its holder, and the configured override signal.
func (e *Enforcer) Summary(d Decision) string {
	if d.Allow {
		return "commit allowed"
	}
	msg := "commit blocked:\n"
	for _, c := range d.Conflicts {
		msg += fmt.Sprintf("  %s held by %s until %s\n", c.Path, c.HeldBy, c.ExpiresAt)
	}
	msg += fmt.Sprintf("set %s to override\n", e.overrideName)
	return msg
}

func (e *Enforcer) recordOverrideEvent(ctx context.Context, callerAgent string, paths []string, conflicts []Conflict) error {
	for _, c := range conflicts {
		if err := e.store.RecordConflict(ctx, mafmodel.ReservationConflict{
			ID:                 clock.NewID(clock.KindConflict),
			FilePath:           c.Path,
			ConflictingAgent:   callerAgent,
			ExistingAgent:      c.HeldBy,
			ConflictType:       mafmodel.ConflictFileHeld,
			Severity:           mafmodel.SeverityInfo,
			Status:             mafmodel.ConflictStatusResolved,
			DetectedAt:         e.clock.Now(),
			ResolutionStrategy: "override:" + e.overrideName,
		}); err != nil {
			return fmt.Errorf("record override conflict: %w", err)
		}
	}
	_, err := e.store.AppendEvent(ctx, "", "ESCALATION_OVERRIDE", []byte(fmt.Sprintf(
		`{"agent":%q,"override_signal":%q,"paths":%q}`, callerAgent, e.overrideName, paths)))
	return err
}
