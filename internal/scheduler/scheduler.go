// Package scheduler implements the claim engine (component E): the hot
// path a worker uses to obtain a READY task and its declared file leases
// in one round trip, using optimistic eager leasing — a partial set of
// acquired files is an acceptable outcome, not a failure.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/codeready-toolchain/maf/internal/mafmodel"
	"github.com/codeready-toolchain/maf/internal/store"
)

// Filters narrows the READY-task candidate set by payload label. A task
// matches when every key in Labels is present in its payload's top-level
// "labels" object with an equal value. An empty Filters matches everything.
type Filters struct {
	Labels map[string]string
}

// taskPayload is the subset of a task's opaque payload the scheduler
// understands: declared file targets and matchable labels. Callers are
// free to carry arbitrary additional fields; MAF ignores them.
type taskPayload struct {
	Files  []string          `json:"files"`
	Labels map[string]string `json:"labels"`
}

func parsePayload(raw []byte) taskPayload {
	var p taskPayload
	if len(raw) == 0 {
		return p
	}
	_ = json.Unmarshal(raw, &p)
	return p
}

func (f Filters) matches(p taskPayload) bool {
	for k, v := range f.Labels {
		if p.Labels[k] != v {
			return false
		}
	}
	return true
}

// ConflictedFile describes a declared file the scheduler could not
// reserve because another agent already holds it.
type ConflictedFile struct {
	Path      string    `json:"path"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Claimed is the successful ClaimOutcome variant.
type Claimed struct {
	Task            mafmodel.Task      `json:"task"`
	AcquiredFiles   []string           `json:"acquired_files"`
	ConflictedFiles []ConflictedFile   `json:"conflicted_files"`
	Lease           mafmodel.Lease     `json:"lease"`
}

// NoneAvailable is the empty ClaimOutcome variant: either no READY task
// matched filters, or every candidate lost its race to another claimer.
type NoneAvailable struct {
	ReadyPreview []mafmodel.Task `json:"ready_preview"`
}

// ClaimOutcome is exactly one of *Claimed or *NoneAvailable.
type ClaimOutcome struct {
	Claimed       *Claimed
	NoneAvailable *NoneAvailable
}

// previewLimit bounds ready_preview's size for NoneAvailable diagnostics.
const previewLimit = 20

// Engine is the Scheduler / Claim Engine.
type Engine struct {
	store store.Store
}

// New returns an Engine backed by s.
func New(s store.Store) *Engine {
	return &Engine{store: s}
}

// ClaimNext implements §4.E's selection algorithm. dryRun=true performs
// only step 1 (candidate enumeration) and never mutates the store.
func (e *Engine) ClaimNext(ctx context.Context, agentID string, filters Filters, leaseDuration time.Duration, dryRun bool) (ClaimOutcome, error) {
	candidates, err := e.store.ListTasks(ctx, mafmodel.TaskFilter{States: []mafmodel.TaskState{mafmodel.TaskReady}})
	if err != nil {
		return ClaimOutcome{}, err
	}

	matched := candidates[:0:0]
	for _, t := range candidates {
		if filters.matches(parsePayload(t.Payload)) {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	if dryRun {
		return ClaimOutcome{NoneAvailable: &NoneAvailable{ReadyPreview: truncate(matched)}}, nil
	}

	for _, candidate := range matched {
		lease, err := e.store.AcquireLease(ctx, candidate.ID, agentID, leaseDuration)
		if err != nil {
			var conflict *mafmodel.LeaseConflict
			if errors.As(err, &conflict) {
				continue
			}
			return ClaimOutcome{}, err
		}

		task, err := e.store.GetTask(ctx, candidate.ID)
		if err != nil {
			return ClaimOutcome{}, err
		}

		payload := parsePayload(task.Payload)
		acquired := make([]string, 0, len(payload.Files))
		var conflicts []ConflictedFile
		for _, path := range payload.Files {
			res, err := e.store.AcquireReservation(ctx, path, agentID, leaseDuration, "claimed with task "+task.ID, nil)
			if err != nil {
				var fl *mafmodel.FileLeased
				if errors.As(err, &fl) {
					conflicts = append(conflicts, ConflictedFile{Path: path, Holder: fl.Holder, ExpiresAt: fl.ExpiresAt})
					continue
				}
				return ClaimOutcome{}, err
			}
			acquired = append(acquired, res.FilePath)
		}

		return ClaimOutcome{Claimed: &Claimed{
			Task:            *task,
			AcquiredFiles:   acquired,
			ConflictedFiles: conflicts,
			Lease:           *lease,
		}}, nil
	}

	return ClaimOutcome{NoneAvailable: &NoneAvailable{ReadyPreview: truncate(matched)}}, nil
}

func truncate(tasks []mafmodel.Task) []mafmodel.Task {
	if len(tasks) > previewLimit {
		return tasks[:previewLimit]
	}
	return tasks
}
