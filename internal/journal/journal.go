// Package journal is the read side of the append-only event/evidence
// record (component G): state transitions, verifier outcomes and the other
// events the store and components append land here, queryable by task,
// kind, and time window. This package only reads; writes go through
// taskfsm.RecordEvidence and store.AppendEvent. Not every event comes with
// a state transition: precommit's override event and the runtime's open
// and sweeper-error events are appended on their own.
package journal

import (
	"context"

	"github.com/codeready-toolchain/maf/internal/mafmodel"
	"github.com/codeready-toolchain/maf/internal/store"
)

// maxRecent caps query results, per §4.G.
const maxRecent = 1000

// Journal is the Event & Evidence Journal's read API.
type Journal struct {
	store store.Store
}

// New returns a Journal backed by s.
func New(s store.Store) *Journal {
	return &Journal{store: s}
}

// Query returns the most recent events matching filter, ordered
// ts desc, id desc, capped at 1000.
func (j *Journal) Query(ctx context.Context, filter mafmodel.EventFilter) ([]mafmodel.Event, error) {
	if filter.Recent <= 0 || filter.Recent > maxRecent {
		filter.Recent = maxRecent
	}
	return j.store.QueryEvents(ctx, filter)
}

// ForTask is a convenience for the common "full history of one task" query.
func (j *Journal) ForTask(ctx context.Context, taskID string) ([]mafmodel.Event, error) {
	return j.Query(ctx, mafmodel.EventFilter{TaskID: taskID})
}

// Evidence returns every evidence row recorded for taskID at attempt.
func (j *Journal) Evidence(ctx context.Context, taskID string, attempt int) ([]mafmodel.Evidence, error) {
	return j.store.ListEvidence(ctx, taskID, attempt)
}

// Conflicts returns recorded reservation conflicts, optionally restricted
// to ones still open.
func (j *Journal) Conflicts(ctx context.Context, openOnly bool) ([]mafmodel.ReservationConflict, error) {
	return j.store.ListConflicts(ctx, openOnly)
}
