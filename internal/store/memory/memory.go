// Package memory implements the store.Store contract entirely in-process.
// It backs the "memory" runtime backend, which the spec reserves for tests:
// no durability, no cross-process visibility. A single mutex serializes all
// operations, which trivially satisfies the per-key total-order guarantee
// the spec requires (it over-serializes disjoint keys, which is allowed).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codeready-toolchain/maf/internal/clock"
	"github.com/codeready-toolchain/maf/internal/mafmodel"
	"github.com/codeready-toolchain/maf/internal/store"
)

type evidenceKey struct {
	taskID   string
	attempt  int
	verifier string
}

// Store is the in-memory backend. Construct with New.
type Store struct {
	mu sync.Mutex

	clk clock.Clock

	tasks        map[string]mafmodel.Task
	leases       map[string]mafmodel.Lease // by task id
	reservations map[string]mafmodel.FileReservation // by file path, latest state
	agents       map[string]mafmodel.Agent
	events       []mafmodel.Event
	nextEventID  int64
	evidence     map[evidenceKey]mafmodel.Evidence
	conflicts    []mafmodel.ReservationConflict
	channels     map[string]bool
	envelopes    map[string][]store.Envelope
	nextMsgID    int64
}

// New returns an empty in-memory store using clk for timestamps.
func New(clk clock.Clock) *Store {
	return &Store{
		clk:          clk,
		tasks:        make(map[string]mafmodel.Task),
		leases:       make(map[string]mafmodel.Lease),
		reservations: make(map[string]mafmodel.FileReservation),
		agents:       make(map[string]mafmodel.Agent),
		evidence:     make(map[evidenceKey]mafmodel.Evidence),
		channels:     make(map[string]bool),
		envelopes:    make(map[string][]store.Envelope),
	}
}

func (s *Store) Close() error { return nil }

// Snapshot is an exported, serializable copy of the store's full state. It
// backs the file-based backend (internal/store/filestore), which persists
// a Snapshot to disk as a single JSON document holding every table after
// each mutation.
type Snapshot struct {
	Tasks        map[string]mafmodel.Task
	Leases       map[string]mafmodel.Lease
	Reservations map[string]mafmodel.FileReservation
	Agents       map[string]mafmodel.Agent
	Events       []mafmodel.Event
	NextEventID  int64
	Evidence     []mafmodel.Evidence
	Conflicts    []mafmodel.ReservationConflict
	Channels     map[string]bool
	Envelopes    map[string][]store.Envelope
	NextMsgID    int64
}

// Dump returns a deep-enough copy of the current state for persistence.
func (s *Store) Dump() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Tasks:        make(map[string]mafmodel.Task, len(s.tasks)),
		Leases:       make(map[string]mafmodel.Lease, len(s.leases)),
		Reservations: make(map[string]mafmodel.FileReservation, len(s.reservations)),
		Agents:       make(map[string]mafmodel.Agent, len(s.agents)),
		Events:       append([]mafmodel.Event(nil), s.events...),
		NextEventID:  s.nextEventID,
		Conflicts:    append([]mafmodel.ReservationConflict(nil), s.conflicts...),
		Channels:     make(map[string]bool, len(s.channels)),
		Envelopes:    make(map[string][]store.Envelope, len(s.envelopes)),
		NextMsgID:    s.nextMsgID,
	}
	for k, v := range s.tasks {
		snap.Tasks[k] = v
	}
	for k, v := range s.leases {
		snap.Leases[k] = v
	}
	for k, v := range s.reservations {
		snap.Reservations[k] = v
	}
	for k, v := range s.agents {
		snap.Agents[k] = v
	}
	for _, v := range s.evidence {
		snap.Evidence = append(snap.Evidence, v)
	}
	for k, v := range s.channels {
		snap.Channels[k] = v
	}
	for k, v := range s.envelopes {
		snap.Envelopes[k] = append([]store.Envelope(nil), v...)
	}
	return snap
}

// Restore replaces the store's state with snap. Used to load a persisted
// file-backend snapshot at startup.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = snap.Tasks
	if s.tasks == nil {
		s.tasks = map[string]mafmodel.Task{}
	}
	s.leases = snap.Leases
	if s.leases == nil {
		s.leases = map[string]mafmodel.Lease{}
	}
	s.reservations = snap.Reservations
	if s.reservations == nil {
		s.reservations = map[string]mafmodel.FileReservation{}
	}
	s.agents = snap.Agents
	if s.agents == nil {
		s.agents = map[string]mafmodel.Agent{}
	}
	s.events = snap.Events
	s.nextEventID = snap.NextEventID
	s.evidence = make(map[evidenceKey]mafmodel.Evidence, len(snap.Evidence))
	for _, e := range snap.Evidence {
		s.evidence[evidenceKey{e.TaskID, e.Attempt, e.Verifier}] = e
	}
	s.conflicts = snap.Conflicts
	s.channels = snap.Channels
	if s.channels == nil {
		s.channels = map[string]bool{}
	}
	s.envelopes = snap.Envelopes
	if s.envelopes == nil {
		s.envelopes = map[string][]store.Envelope{}
	}
	s.nextMsgID = snap.NextMsgID
}

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, t mafmodel.Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		return "", fmt.Errorf("%w: task id required", mafmodel.ErrInvalidArgument)
	}
	if _, exists := s.tasks[t.ID]; exists {
		return "", fmt.Errorf("%w: task %s already exists", mafmodel.ErrInvalidArgument, t.ID)
	}
	now := s.clk.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	if t.State == "" {
		t.State = mafmodel.TaskReady
	}
	s.tasks[t.ID] = t
	s.appendEventLocked(t.ID, "CREATED", nil)
	return t.ID, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*mafmodel.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", mafmodel.ErrNotFound, id)
	}
	cp := t
	return &cp, nil
}

func (s *Store) ListTasks(ctx context.Context, filter mafmodel.TaskFilter) ([]mafmodel.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var wantStates map[mafmodel.TaskState]bool
	if len(filter.States) > 0 {
		wantStates = make(map[mafmodel.TaskState]bool, len(filter.States))
		for _, st := range filter.States {
			wantStates[st] = true
		}
	}

	out := make([]mafmodel.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if wantStates != nil && !wantStates[t.State] {
			continue
		}
		if filter.MinPriority != nil && t.Priority < *filter.MinPriority {
			continue
		}
		if filter.MaxPriority != nil && t.Priority > *filter.MaxPriority {
			continue
		}
		if filter.PolicyLabel != "" && t.PolicyLabel != filter.PolicyLabel {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) TransitionTask(ctx context.Context, id string, from, to mafmodel.TaskState, kind string, patch func(*mafmodel.Task), eventData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: task %s", mafmodel.ErrNotFound, id)
	}
	if t.State != from {
		return &mafmodel.IllegalTransition{TaskID: id, From: from, To: to, Observed: t.State}
	}
	if !legalEdge(from, to) {
		return &mafmodel.IllegalTransition{TaskID: id, From: from, To: to, Observed: t.State}
	}
	t.State = to
	if patch != nil {
		patch(&t)
	}
	t.UpdatedAt = s.clk.Now()
	s.tasks[id] = t
	s.appendEventLocked(id, kind, eventData)
	return nil
}

// legalEdge mirrors the transition table in spec §4.C.
func legalEdge(from, to mafmodel.TaskState) bool {
	edges := map[mafmodel.TaskState][]mafmodel.TaskState{
		mafmodel.TaskReady:      {mafmodel.TaskLeased},
		mafmodel.TaskLeased:     {mafmodel.TaskReady, mafmodel.TaskRunning},
		mafmodel.TaskRunning:    {mafmodel.TaskVerifying},
		mafmodel.TaskVerifying:  {mafmodel.TaskCommitted, mafmodel.TaskRollback},
		mafmodel.TaskCommitted:  {mafmodel.TaskDone},
		mafmodel.TaskRollback:   {mafmodel.TaskReady, mafmodel.TaskDead},
	}
	for _, candidate := range edges[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// --- Task leases ---

func (s *Store) AcquireLease(ctx context.Context, taskID, agentID string, duration time.Duration) (*mafmodel.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", mafmodel.ErrNotFound, taskID)
	}
	if existing, held := s.leases[taskID]; held {
		return nil, &mafmodel.LeaseConflict{TaskID: taskID, Holder: existing.AgentID, ExpiresAt: existing.LeaseExpiresAt}
	}
	if t.State != mafmodel.TaskReady {
		return nil, &mafmodel.IllegalTransition{TaskID: taskID, From: mafmodel.TaskReady, To: mafmodel.TaskLeased, Observed: t.State}
	}

	now := s.clk.Now()
	lease := mafmodel.Lease{
		TaskID:         taskID,
		AgentID:        agentID,
		LeaseExpiresAt: now.Add(duration),
		Attempt:        t.Attempts,
	}
	s.leases[taskID] = lease
	t.State = mafmodel.TaskLeased
	t.UpdatedAt = now
	s.tasks[taskID] = t
	s.appendEventLocked(taskID, "CLAIMED", nil)
	out := lease
	return &out, nil
}

func (s *Store) RefreshLease(ctx context.Context, taskID, agentID string, newExpiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[taskID]
	if !ok {
		return mafmodel.ErrNotFound
	}
	if l.AgentID != agentID {
		return mafmodel.ErrNotHeldByAgent
	}
	l.LeaseExpiresAt = newExpiry
	s.leases[taskID] = l
	return nil
}

func (s *Store) ReleaseLease(ctx context.Context, taskID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[taskID]
	if !ok {
		// Idempotent: already released.
		return nil
	}
	if l.AgentID != agentID {
		return mafmodel.ErrNotHeldByAgent
	}
	delete(s.leases, taskID)

	t, ok := s.tasks[taskID]
	if ok && t.State == mafmodel.TaskLeased {
		t.State = mafmodel.TaskReady
		t.UpdatedAt = s.clk.Now()
		s.tasks[taskID] = t
	}
	return nil
}

func (s *Store) GetLease(ctx context.Context, taskID string) (*mafmodel.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[taskID]
	if !ok {
		return nil, mafmodel.ErrNotFound
	}
	out := l
	return &out, nil
}

func (s *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time, onlyAgent string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed []string
	for taskID, l := range s.leases {
		if onlyAgent != "" && l.AgentID != onlyAgent {
			continue
		}
		if !l.Expired(now) {
			continue
		}
		t, ok := s.tasks[taskID]
		if !ok || !mafmodel.ActiveStates[t.State] {
			delete(s.leases, taskID)
			continue
		}
		delete(s.leases, taskID)
		t.State = mafmodel.TaskReady
		t.Attempts++
		t.UpdatedAt = now
		s.tasks[taskID] = t
		s.appendEventLocked(taskID, "LEASE_EXPIRED", nil)
		reclaimed = append(reclaimed, taskID)
	}
	return reclaimed, nil
}

// --- File reservations ---

func (s *Store) AcquireReservation(ctx context.Context, path, agentID string, duration time.Duration, reason string, metadata map[string]string) (*mafmodel.FileReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	if existing, ok := s.reservations[path]; ok && existing.Status == mafmodel.ReservationActive && !existing.Expired(now) {
		if existing.AgentID != agentID {
			return nil, &mafmodel.FileLeased{FilePath: path, Holder: existing.AgentID, ExpiresAt: existing.LeaseExpiresAt}
		}
		// Same agent re-acquiring is treated as a refresh.
		existing.LeaseExpiresAt = now.Add(duration)
		s.reservations[path] = existing
		out := existing
		return &out, nil
	}

	r := mafmodel.FileReservation{
		ID:             fmt.Sprintf("resv_%d", s.nextMsgID),
		FilePath:       path,
		AgentID:        agentID,
		LeaseExpiresAt: now.Add(duration),
		Status:         mafmodel.ReservationActive,
		LeaseReason:    reason,
		Metadata:       metadata,
	}
	s.nextMsgID++
	s.reservations[path] = r
	out := r
	return &out, nil
}

func (s *Store) RefreshReservation(ctx context.Context, path, agentID string, newExpiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[path]
	if !ok || r.Status != mafmodel.ReservationActive {
		return mafmodel.ErrNotFound
	}
	if r.AgentID != agentID {
		return mafmodel.ErrNotHeldByAgent
	}
	r.LeaseExpiresAt = newExpiry
	s.reservations[path] = r
	return nil
}

func (s *Store) ReleaseReservation(ctx context.Context, path, agentID string, override bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[path]
	if !ok {
		return nil // idempotent
	}
	if r.Status != mafmodel.ReservationActive {
		return nil // idempotent
	}
	if r.AgentID != agentID && !override {
		return mafmodel.ErrNotHeldByAgent
	}
	r.Status = mafmodel.ReservationReleased
	s.reservations[path] = r
	return nil
}

func (s *Store) GetActiveReservation(ctx context.Context, path string) (*mafmodel.FileReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[path]
	if !ok || r.Status != mafmodel.ReservationActive {
		return nil, mafmodel.ErrNotFound
	}
	out := r
	return &out, nil
}

func (s *Store) ListActiveReservationsByAgent(ctx context.Context, agentID string) ([]mafmodel.FileReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mafmodel.FileReservation
	for _, r := range s.reservations {
		if r.Status == mafmodel.ReservationActive && r.AgentID == agentID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) ReclaimExpiredReservations(ctx context.Context, now time.Time, onlyAgent string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed []string
	for path, r := range s.reservations {
		if r.Status != mafmodel.ReservationActive {
			continue
		}
		if onlyAgent != "" && r.AgentID != onlyAgent {
			continue
		}
		if !r.Expired(now) {
			continue
		}
		r.Status = mafmodel.ReservationExpired
		s.reservations[path] = r
		reclaimed = append(reclaimed, path)
	}
	return reclaimed, nil
}

// --- Agents ---

func (s *Store) UpsertAgentHeartbeat(ctx context.Context, agentID, name string, typ mafmodel.AgentType, status mafmodel.AgentStatus, now time.Time, capabilities []string, metadata map[string]string) (*mafmodel.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, existed := s.agents[agentID]
	if !existed {
		a = mafmodel.Agent{ID: agentID, Name: name, Type: typ}
	}
	if now.Before(a.LastSeen) {
		return nil, fmt.Errorf("%w: last_seen must be monotonically non-decreasing", mafmodel.ErrInvalidArgument)
	}
	if name != "" {
		a.Name = name
	}
	if typ != "" {
		a.Type = typ
	}
	a.Status = status
	a.LastSeen = now
	if capabilities != nil {
		a.Capabilities = capabilities
	}
	if metadata != nil {
		a.Metadata = metadata
	}
	s.agents[agentID] = a
	out := a
	return &out, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*mafmodel.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, mafmodel.ErrNotFound
	}
	out := a
	return &out, nil
}

func (s *Store) ListStaleAgents(ctx context.Context, cutoff time.Time) ([]mafmodel.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mafmodel.Agent
	for _, a := range s.agents {
		if a.Status == mafmodel.AgentActive && a.LastSeen.Before(cutoff) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetAgentStatus(ctx context.Context, id string, status mafmodel.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return mafmodel.ErrNotFound
	}
	a.Status = status
	s.agents[id] = a
	return nil
}

// --- Events & evidence ---

// appendEventLocked assumes s.mu is already held.
func (s *Store) appendEventLocked(taskID, kind string, data []byte) int64 {
	s.nextEventID++
	id := s.nextEventID
	s.events = append(s.events, mafmodel.Event{
		ID:     id,
		TaskID: taskID,
		TS:     s.clk.Now(),
		Kind:   kind,
		Data:   data,
	})
	return id
}

func (s *Store) AppendEvent(ctx context.Context, taskID, kind string, data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEventLocked(taskID, kind, data), nil
}

func (s *Store) QueryEvents(ctx context.Context, filter mafmodel.EventFilter) ([]mafmodel.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kindSet map[string]bool
	if len(filter.Kinds) > 0 {
		kindSet = make(map[string]bool, len(filter.Kinds))
		for _, k := range filter.Kinds {
			kindSet[k] = true
		}
	}

	matches := make([]mafmodel.Event, 0)
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if filter.TaskID != "" && e.TaskID != filter.TaskID {
			continue
		}
		if kindSet != nil && !kindSet[e.Kind] {
			continue
		}
		matches = append(matches, e)
	}

	cap := filter.Recent
	if cap <= 0 || cap > 1000 {
		cap = 1000
	}
	if len(matches) > cap {
		matches = matches[:cap]
	}
	return matches, nil
}

func (s *Store) RecordEvidence(ctx context.Context, e mafmodel.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[e.TaskID]
	if !ok {
		return fmt.Errorf("%w: task %s", mafmodel.ErrNotFound, e.TaskID)
	}
	if e.Attempt > t.Attempts {
		return fmt.Errorf("%w: attempt %d exceeds task attempts %d", mafmodel.ErrInvalidArgument, e.Attempt, t.Attempts)
	}
	key := evidenceKey{e.TaskID, e.Attempt, e.Verifier}
	if _, exists := s.evidence[key]; exists {
		return fmt.Errorf("%w: evidence already recorded for task=%s attempt=%d verifier=%s", mafmodel.ErrInvalidArgument, e.TaskID, e.Attempt, e.Verifier)
	}
	s.evidence[key] = e
	return nil
}

func (s *Store) ListEvidence(ctx context.Context, taskID string, attempt int) ([]mafmodel.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mafmodel.Evidence
	for k, e := range s.evidence {
		if k.taskID == taskID && k.attempt == attempt {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Verifier < out[j].Verifier })
	return out, nil
}

// --- Reservation conflicts ---

func (s *Store) RecordConflict(ctx context.Context, c mafmodel.ReservationConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.DetectedAt.IsZero() {
		c.DetectedAt = s.clk.Now()
	}
	s.conflicts = append(s.conflicts, c)
	return nil
}

func (s *Store) ListConflicts(ctx context.Context, openOnly bool) ([]mafmodel.ReservationConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mafmodel.ReservationConflict
	for _, c := range s.conflicts {
		if openOnly && c.Status != mafmodel.ConflictStatusOpen {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// --- Escalation channels ---

func (s *Store) RegisterChannel(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[name] = true
	if _, ok := s.envelopes[name]; !ok {
		s.envelopes[name] = nil
	}
	return nil
}

func (s *Store) ChannelExists(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[name], nil
}

func (s *Store) SendEnvelope(ctx context.Context, env store.Envelope) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.channels[env.ToChannel] {
		return "", mafmodel.ErrUnknownChannel
	}
	s.nextMsgID++
	env.ID = fmt.Sprintf("msg_%d", s.nextMsgID)
	if env.CreatedAt.IsZero() {
		env.CreatedAt = s.clk.Now()
	}
	env.Read = false
	s.envelopes[env.ToChannel] = append(s.envelopes[env.ToChannel], env)
	return env.ID, nil
}

func (s *Store) FetchEnvelopes(ctx context.Context, channel string, sinceID string, limit int) ([]store.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.envelopes[channel]
	out := make([]store.Envelope, 0, len(all))
	seenSince := sinceID == ""
	for _, e := range all {
		if !seenSince {
			if e.ID == sinceID {
				seenSince = true
			}
			continue
		}
		if e.Read {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkEnvelopeRead(ctx context.Context, channel, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.envelopes[channel]
	for i, e := range list {
		if e.ID == messageID {
			list[i].Read = true
			return nil
		}
	}
	return nil // idempotent even if unknown
}

var _ store.Store = (*Store)(nil)
