// Package filestore implements the "file" runtime backend: a single JSON
// snapshot file holding every table under a directory, rewritten after
// each mutation (tables are not kept as separate documents), same
// semantics as the
// durable backend but with weaker concurrency — a single writer protected
// by a lockfile, matching §4.A's "Fallback" contract. Development-only;
// the durable backend is what tests exercise for the invariants in §8.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/codeready-toolchain/maf/internal/clock"
	"github.com/codeready-toolchain/maf/internal/mafmodel"
	"github.com/codeready-toolchain/maf/internal/store"
	"github.com/codeready-toolchain/maf/internal/store/memory"
)

// Store is the file-based backend. All store.Store methods are delegated
// to an in-memory Store; every mutating call persists the full snapshot
// back to disk before returning, under a cross-process advisory lock.
type Store struct {
	*memory.Store
	dir  string
	lock *flock.Flock
}

const snapshotFile = "maf-snapshot.json"
const lockFile = "maf.lock"

// Open loads dir/maf-snapshot.json if present (else starts empty), and
// returns a Store that persists after every mutation.
func Open(dir string, clk clock.Clock) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire store lockfile: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("store directory %s is held by another writer", dir)
	}

	mem := memory.New(clk)
	s := &Store{Store: mem, dir: dir, lock: lock}

	if err := s.load(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return s, nil
}

func (s *Store) snapshotPath() string {
	return filepath.Join(s.dir, snapshotFile)
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.snapshotPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var snap memory.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	s.Store.Restore(snap)
	return nil
}

// persist writes the current in-memory state via a temp-file-then-rename
// so a crash mid-write never leaves a corrupt snapshot behind.
func (s *Store) persist() error {
	snap := s.Store.Dump()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp := s.snapshotPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, s.snapshotPath())
}

// Close releases the lockfile. The final in-memory state was already
// persisted by the last mutating call.
func (s *Store) Close() error {
	_ = s.lock.Unlock()
	return s.Store.Close()
}

// The methods below shadow *memory.Store's so every mutation is followed
// by a persist() to disk. Read-only methods fall through to the embedded
// memory.Store unshadowed.

func (s *Store) CreateTask(ctx context.Context, t mafmodel.Task) (string, error) {
	id, err := s.Store.CreateTask(ctx, t)
	if err != nil {
		return id, err
	}
	return id, s.persist()
}

func (s *Store) TransitionTask(ctx context.Context, id string, from, to mafmodel.TaskState, kind string, patch func(*mafmodel.Task), eventData []byte) error {
	if err := s.Store.TransitionTask(ctx, id, from, to, kind, patch, eventData); err != nil {
		return err
	}
	return s.persist()
}

func (s *Store) AcquireLease(ctx context.Context, taskID, agentID string, duration time.Duration) (*mafmodel.Lease, error) {
	lease, err := s.Store.AcquireLease(ctx, taskID, agentID, duration)
	if err != nil {
		return lease, err
	}
	return lease, s.persist()
}

func (s *Store) RefreshLease(ctx context.Context, taskID, agentID string, newExpiry time.Time) error {
	if err := s.Store.RefreshLease(ctx, taskID, agentID, newExpiry); err != nil {
		return err
	}
	return s.persist()
}

func (s *Store) ReleaseLease(ctx context.Context, taskID, agentID string) error {
	if err := s.Store.ReleaseLease(ctx, taskID, agentID); err != nil {
		return err
	}
	return s.persist()
}

func (s *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time, onlyAgent string) ([]string, error) {
	ids, err := s.Store.ReclaimExpiredLeases(ctx, now, onlyAgent)
	if err != nil {
		return ids, err
	}
	if len(ids) == 0 {
		return ids, nil
	}
	return ids, s.persist()
}

func (s *Store) AcquireReservation(ctx context.Context, path, agentID string, duration time.Duration, reason string, metadata map[string]string) (*mafmodel.FileReservation, error) {
	res, err := s.Store.AcquireReservation(ctx, path, agentID, duration, reason, metadata)
	if err != nil {
		return res, err
	}
	return res, s.persist()
}

func (s *Store) RefreshReservation(ctx context.Context, path, agentID string, newExpiry time.Time) error {
	if err := s.Store.RefreshReservation(ctx, path, agentID, newExpiry); err != nil {
		return err
	}
	return s.persist()
}

func (s *Store) ReleaseReservation(ctx context.Context, path, agentID string, override bool) error {
	if err := s.Store.ReleaseReservation(ctx, path, agentID, override); err != nil {
		return err
	}
	return s.persist()
}

func (s *Store) ReclaimExpiredReservations(ctx context.Context, now time.Time, onlyAgent string) ([]string, error) {
	paths, err := s.Store.ReclaimExpiredReservations(ctx, now, onlyAgent)
	if err != nil {
		return paths, err
	}
	if len(paths) == 0 {
		return paths, nil
	}
	return paths, s.persist()
}

func (s *Store) UpsertAgentHeartbeat(ctx context.Context, agentID, name string, typ mafmodel.AgentType, status mafmodel.AgentStatus, now time.Time, capabilities []string, metadata map[string]string) (*mafmodel.Agent, error) {
	agent, err := s.Store.UpsertAgentHeartbeat(ctx, agentID, name, typ, status, now, capabilities, metadata)
	if err != nil {
		return agent, err
	}
	return agent, s.persist()
}

func (s *Store) SetAgentStatus(ctx context.Context, id string, status mafmodel.AgentStatus) error {
	if err := s.Store.SetAgentStatus(ctx, id, status); err != nil {
		return err
	}
	return s.persist()
}

func (s *Store) AppendEvent(ctx context.Context, taskID, kind string, data []byte) (int64, error) {
	seq, err := s.Store.AppendEvent(ctx, taskID, kind, data)
	if err != nil {
		return seq, err
	}
	return seq, s.persist()
}

func (s *Store) RecordEvidence(ctx context.Context, e mafmodel.Evidence) error {
	if err := s.Store.RecordEvidence(ctx, e); err != nil {
		return err
	}
	return s.persist()
}

func (s *Store) RecordConflict(ctx context.Context, c mafmodel.ReservationConflict) error {
	if err := s.Store.RecordConflict(ctx, c); err != nil {
		return err
	}
	return s.persist()
}

func (s *Store) RegisterChannel(ctx context.Context, name string) error {
	if err := s.Store.RegisterChannel(ctx, name); err != nil {
		return err
	}
	return s.persist()
}

func (s *Store) SendEnvelope(ctx context.Context, env store.Envelope) (string, error) {
	id, err := s.Store.SendEnvelope(ctx, env)
	if err != nil {
		return id, err
	}
	return id, s.persist()
}

func (s *Store) MarkEnvelopeRead(ctx context.Context, channel, messageID string) error {
	if err := s.Store.MarkEnvelopeRead(ctx, channel, messageID); err != nil {
		return err
	}
	return s.persist()
}

var _ store.Store = (*Store)(nil)
