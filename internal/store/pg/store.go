package pg

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/maf/internal/clock"
	"github.com/codeready-toolchain/maf/internal/mafmodel"
	"github.com/codeready-toolchain/maf/internal/store"
)

// Store is the durable, Postgres-backed implementation of store.Store.
type Store struct {
	db *stdsql.DB
}

// DB exposes the underlying pool for health checks, mirroring the
// teacher's database.Client.DB().
func (s *Store) DB() *stdsql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func marshal(v interface{}) []byte {
	if v == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, t mafmodel.Task) (string, error) {
	if t.ID == "" {
		return "", fmt.Errorf("%w: task id required", mafmodel.ErrInvalidArgument)
	}
	if t.State == "" {
		t.State = mafmodel.TaskReady
	}
	err := withTx(ctx, s.db, func(tx *stdsql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, state, priority, payload, attempts, token_budget, cost_budget_cents, policy_label)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			t.ID, string(t.State), t.Priority, nullJSON(t.Payload), t.Attempts, t.TokenBudget, t.CostBudgetCents, t.PolicyLabel)
		if err != nil {
			return classifyUniqueViolation(err, fmt.Errorf("%w: task %s already exists", mafmodel.ErrInvalidArgument, t.ID))
		}
		return insertEvent(ctx, tx, t.ID, "CREATED", nil)
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

func nullJSON(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

func (s *Store) GetTask(ctx context.Context, id string) (*mafmodel.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, state, priority, payload, created_at, updated_at, attempts, token_budget, cost_budget_cents, policy_label
		FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", mafmodel.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*mafmodel.Task, error) {
	var t mafmodel.Task
	var state string
	var payload []byte
	if err := row.Scan(&t.ID, &state, &t.Priority, &payload, &t.CreatedAt, &t.UpdatedAt, &t.Attempts, &t.TokenBudget, &t.CostBudgetCents, &t.PolicyLabel); err != nil {
		return nil, err
	}
	t.State = mafmodel.TaskState(state)
	t.Payload = payload
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context, filter mafmodel.TaskFilter) ([]mafmodel.Task, error) {
	q := `SELECT id, state, priority, payload, created_at, updated_at, attempts, token_budget, cost_budget_cents, policy_label FROM tasks WHERE 1=1`
	var args []interface{}
	argN := 0
	next := func() int { argN++; return argN }

	if len(filter.States) > 0 {
		placeholders := ""
		for i, st := range filter.States {
			if i > 0 {
				placeholders += ","
			}
			placeholders += fmt.Sprintf("$%d", next())
			args = append(args, string(st))
		}
		q += fmt.Sprintf(" AND state IN (%s)", placeholders)
	}
	if filter.MinPriority != nil {
		q += fmt.Sprintf(" AND priority >= $%d", next())
		args = append(args, *filter.MinPriority)
	}
	if filter.MaxPriority != nil {
		q += fmt.Sprintf(" AND priority <= $%d", next())
		args = append(args, *filter.MaxPriority)
	}
	if filter.PolicyLabel != "" {
		q += fmt.Sprintf(" AND policy_label = $%d", next())
		args = append(args, filter.PolicyLabel)
	}
	q += " ORDER BY priority ASC, created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mafmodel.ErrTransient, err)
	}
	defer rows.Close()

	var out []mafmodel.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// legalEdge mirrors the transition table in spec §4.C.
func legalEdge(from, to mafmodel.TaskState) bool {
	edges := map[mafmodel.TaskState][]mafmodel.TaskState{
		mafmodel.TaskReady:     {mafmodel.TaskLeased},
		mafmodel.TaskLeased:    {mafmodel.TaskReady, mafmodel.TaskRunning},
		mafmodel.TaskRunning:   {mafmodel.TaskVerifying},
		mafmodel.TaskVerifying: {mafmodel.TaskCommitted, mafmodel.TaskRollback},
		mafmodel.TaskCommitted: {mafmodel.TaskDone},
		mafmodel.TaskRollback:  {mafmodel.TaskReady, mafmodel.TaskDead},
	}
	for _, candidate := range edges[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func (s *Store) TransitionTask(ctx context.Context, id string, from, to mafmodel.TaskState, kind string, patch func(*mafmodel.Task), eventData []byte) error {
	if !legalEdge(from, to) {
		return &mafmodel.IllegalTransition{TaskID: id, From: from, To: to}
	}
	return withTx(ctx, s.db, func(tx *stdsql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, state, priority, payload, created_at, updated_at, attempts, token_budget, cost_budget_cents, policy_label
			FROM tasks WHERE id = $1 FOR UPDATE`, id)
		t, err := scanTask(row)
		if errors.Is(err, stdsql.ErrNoRows) {
			return fmt.Errorf("%w: task %s", mafmodel.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if t.State != from {
			return &mafmodel.IllegalTransition{TaskID: id, From: from, To: to, Observed: t.State}
		}
		t.State = to
		if patch != nil {
			patch(t)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET state=$1, attempts=$2, updated_at=now(), priority=$3, policy_label=$4,
				token_budget=$5, cost_budget_cents=$6
			WHERE id=$7`,
			string(t.State), t.Attempts, t.Priority, t.PolicyLabel, t.TokenBudget, t.CostBudgetCents, id)
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, id, kind, eventData)
	})
}

func insertEvent(ctx context.Context, tx *stdsql.Tx, taskID, kind string, data []byte) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO events (task_id, kind, data) VALUES ($1,$2,$3)`, taskID, kind, nullJSON(data))
	return err
}

// --- Task leases ---

func (s *Store) AcquireLease(ctx context.Context, taskID, agentID string, duration time.Duration) (*mafmodel.Lease, error) {
	var out mafmodel.Lease
	err := withTx(ctx, s.db, func(tx *stdsql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT state, attempts FROM tasks WHERE id=$1 FOR UPDATE`, taskID)
		var state string
		var attempts int
		if err := row.Scan(&state, &attempts); err != nil {
			if errors.Is(err, stdsql.ErrNoRows) {
				return fmt.Errorf("%w: task %s", mafmodel.ErrNotFound, taskID)
			}
			return err
		}

		var holder string
		var expiresAt time.Time
		err := tx.QueryRowContext(ctx, `SELECT agent_id, lease_expires_at FROM leases WHERE task_id=$1 FOR UPDATE`, taskID).Scan(&holder, &expiresAt)
		if err == nil {
			return &mafmodel.LeaseConflict{TaskID: taskID, Holder: holder, ExpiresAt: expiresAt}
		}
		if !errors.Is(err, stdsql.ErrNoRows) {
			return err
		}

		if state != string(mafmodel.TaskReady) {
			return &mafmodel.IllegalTransition{TaskID: taskID, From: mafmodel.TaskReady, To: mafmodel.TaskLeased, Observed: mafmodel.TaskState(state)}
		}

		now := time.Now()
		expires := now.Add(duration)
		if _, err := tx.ExecContext(ctx, `INSERT INTO leases (task_id, agent_id, lease_expires_at, attempt) VALUES ($1,$2,$3,$4)`,
			taskID, agentID, expires, attempts); err != nil {
			return classifyUniqueViolation(err, &mafmodel.LeaseConflict{TaskID: taskID, Holder: agentID, ExpiresAt: expires})
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET state=$1, updated_at=now() WHERE id=$2`, string(mafmodel.TaskLeased), taskID); err != nil {
			return err
		}
		if err := insertEvent(ctx, tx, taskID, "CLAIMED", nil); err != nil {
			return err
		}
		out = mafmodel.Lease{TaskID: taskID, AgentID: agentID, LeaseExpiresAt: expires, Attempt: attempts}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) RefreshLease(ctx context.Context, taskID, agentID string, newExpiry time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE leases SET lease_expires_at=$1 WHERE task_id=$2 AND agent_id=$3`, newExpiry, taskID, agentID)
	if err != nil {
		return fmt.Errorf("%w: %v", mafmodel.ErrTransient, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists bool
		_ = s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM leases WHERE task_id=$1)`, taskID).Scan(&exists)
		if exists {
			return mafmodel.ErrNotHeldByAgent
		}
		return mafmodel.ErrNotFound
	}
	return nil
}

func (s *Store) ReleaseLease(ctx context.Context, taskID, agentID string) error {
	return withTx(ctx, s.db, func(tx *stdsql.Tx) error {
		var holder string
		err := tx.QueryRowContext(ctx, `SELECT agent_id FROM leases WHERE task_id=$1 FOR UPDATE`, taskID).Scan(&holder)
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil // idempotent
		}
		if err != nil {
			return err
		}
		if holder != agentID {
			return mafmodel.ErrNotHeldByAgent
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE task_id=$1`, taskID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET state=$1, updated_at=now() WHERE id=$2 AND state=$3`,
			string(mafmodel.TaskReady), taskID, string(mafmodel.TaskLeased))
		if err != nil {
			return err
		}
		_ = res
		return nil
	})
}

func (s *Store) GetLease(ctx context.Context, taskID string) (*mafmodel.Lease, error) {
	var l mafmodel.Lease
	l.TaskID = taskID
	err := s.db.QueryRowContext(ctx, `SELECT agent_id, lease_expires_at, attempt FROM leases WHERE task_id=$1`, taskID).
		Scan(&l.AgentID, &l.LeaseExpiresAt, &l.Attempt)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, mafmodel.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time, onlyAgent string) ([]string, error) {
	var reclaimed []string
	err := withTx(ctx, s.db, func(tx *stdsql.Tx) error {
		q := `SELECT task_id, agent_id FROM leases WHERE lease_expires_at < $1`
		args := []interface{}{now}
		if onlyAgent != "" {
			q += ` AND agent_id = $2`
			args = append(args, onlyAgent)
		}
		q += ` FOR UPDATE`
		rows, err := tx.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		type candidate struct{ taskID, agentID string }
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.taskID, &c.agentID); err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range candidates {
			var state string
			err := tx.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id=$1 FOR UPDATE`, c.taskID).Scan(&state)
			if errors.Is(err, stdsql.ErrNoRows) {
				_, _ = tx.ExecContext(ctx, `DELETE FROM leases WHERE task_id=$1`, c.taskID)
				continue
			}
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE task_id=$1`, c.taskID); err != nil {
				return err
			}
			if !isActiveState(state) {
				continue
			}
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET state=$1, attempts=attempts+1, updated_at=now() WHERE id=$2`,
				string(mafmodel.TaskReady), c.taskID); err != nil {
				return err
			}
			if err := insertEvent(ctx, tx, c.taskID, "LEASE_EXPIRED", nil); err != nil {
				return err
			}
			reclaimed = append(reclaimed, c.taskID)
		}
		return nil
	})
	return reclaimed, err
}

func isActiveState(s string) bool {
	return mafmodel.ActiveStates[mafmodel.TaskState(s)]
}

// --- File reservations ---

func (s *Store) AcquireReservation(ctx context.Context, path, agentID string, duration time.Duration, reason string, metadata map[string]string) (*mafmodel.FileReservation, error) {
	var out mafmodel.FileReservation
	err := withTx(ctx, s.db, func(tx *stdsql.Tx) error {
		var r mafmodel.FileReservation
		var status string
		err := tx.QueryRowContext(ctx, `
			SELECT id, agent_id, lease_expires_at, status FROM file_reservations
			WHERE file_path=$1 AND status='active' FOR UPDATE`, path).
			Scan(&r.ID, &r.AgentID, &r.LeaseExpiresAt, &status)
		now := time.Now()
		if err == nil {
			if r.LeaseExpiresAt.After(now) {
				if r.AgentID != agentID {
					return &mafmodel.FileLeased{FilePath: path, Holder: r.AgentID, ExpiresAt: r.LeaseExpiresAt}
				}
				newExpiry := now.Add(duration)
				if _, err := tx.ExecContext(ctx, `UPDATE file_reservations SET lease_expires_at=$1 WHERE id=$2`, newExpiry, r.ID); err != nil {
					return err
				}
				out = mafmodel.FileReservation{ID: r.ID, FilePath: path, AgentID: agentID, LeaseExpiresAt: newExpiry, Status: mafmodel.ReservationActive, LeaseReason: reason, Metadata: metadata}
				return nil
			}
			// Expired but not yet swept: mark the old row expired and insert a
			// fresh reservation below.
			if _, err := tx.ExecContext(ctx, `UPDATE file_reservations SET status='expired' WHERE id=$1`, r.ID); err != nil {
				return err
			}
		} else if !errors.Is(err, stdsql.ErrNoRows) {
			return err
		}

		id := fmt.Sprintf("resv_%d_%d", now.UnixNano(), len(path))
		expires := now.Add(duration)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO file_reservations (id, file_path, agent_id, lease_expires_at, status, lease_reason, metadata)
			VALUES ($1,$2,$3,$4,'active',$5,$6)`,
			id, path, agentID, expires, reason, marshal(metadata)); err != nil {
			return classifyUniqueViolation(err, &mafmodel.FileLeased{FilePath: path, Holder: agentID, ExpiresAt: expires})
		}
		out = mafmodel.FileReservation{ID: id, FilePath: path, AgentID: agentID, LeaseExpiresAt: expires, Status: mafmodel.ReservationActive, LeaseReason: reason, Metadata: metadata}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) RefreshReservation(ctx context.Context, path, agentID string, newExpiry time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE file_reservations SET lease_expires_at=$1
		WHERE file_path=$2 AND agent_id=$3 AND status='active'`, newExpiry, path, agentID)
	if err != nil {
		return fmt.Errorf("%w: %v", mafmodel.ErrTransient, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists bool
		_ = s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM file_reservations WHERE file_path=$1 AND status='active')`, path).Scan(&exists)
		if exists {
			return mafmodel.ErrNotHeldByAgent
		}
		return mafmodel.ErrNotFound
	}
	return nil
}

func (s *Store) ReleaseReservation(ctx context.Context, path, agentID string, override bool) error {
	q := `UPDATE file_reservations SET status='released' WHERE file_path=$1 AND status='active'`
	args := []interface{}{path}
	if !override {
		q += ` AND agent_id=$2`
		args = append(args, agentID)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%w: %v", mafmodel.ErrTransient, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 && !override {
		var holder string
		err := s.db.QueryRowContext(ctx, `SELECT agent_id FROM file_reservations WHERE file_path=$1 AND status='active'`, path).Scan(&holder)
		if err == nil && holder != agentID {
			return mafmodel.ErrNotHeldByAgent
		}
	}
	return nil // idempotent otherwise
}

func (s *Store) GetActiveReservation(ctx context.Context, path string) (*mafmodel.FileReservation, error) {
	var r mafmodel.FileReservation
	var metaRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, file_path, agent_id, lease_expires_at, status, lease_reason, metadata
		FROM file_reservations WHERE file_path=$1 AND status='active'`, path).
		Scan(&r.ID, &r.FilePath, &r.AgentID, &r.LeaseExpiresAt, &r.Status, &r.LeaseReason, &metaRaw)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, mafmodel.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(metaRaw, &r.Metadata)
	return &r, nil
}

func (s *Store) ListActiveReservationsByAgent(ctx context.Context, agentID string) ([]mafmodel.FileReservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_path, agent_id, lease_expires_at, status, lease_reason, metadata
		FROM file_reservations WHERE agent_id=$1 AND status='active'`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []mafmodel.FileReservation
	for rows.Next() {
		var r mafmodel.FileReservation
		var metaRaw []byte
		if err := rows.Scan(&r.ID, &r.FilePath, &r.AgentID, &r.LeaseExpiresAt, &r.Status, &r.LeaseReason, &metaRaw); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(metaRaw, &r.Metadata)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ReclaimExpiredReservations(ctx context.Context, now time.Time, onlyAgent string) ([]string, error) {
	q := `UPDATE file_reservations SET status='expired' WHERE status='active' AND lease_expires_at < $1`
	args := []interface{}{now}
	if onlyAgent != "" {
		q += ` AND agent_id = $2`
		args = append(args, onlyAgent)
	}
	q += ` RETURNING file_path`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mafmodel.ErrTransient, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Agents ---

func (s *Store) UpsertAgentHeartbeat(ctx context.Context, agentID, name string, typ mafmodel.AgentType, status mafmodel.AgentStatus, now time.Time, capabilities []string, metadata map[string]string) (*mafmodel.Agent, error) {
	var out mafmodel.Agent
	err := withTx(ctx, s.db, func(tx *stdsql.Tx) error {
		var lastSeen time.Time
		err := tx.QueryRowContext(ctx, `SELECT last_seen FROM agents WHERE id=$1 FOR UPDATE`, agentID).Scan(&lastSeen)
		if err != nil && !errors.Is(err, stdsql.ErrNoRows) {
			return err
		}
		if err == nil && now.Before(lastSeen) {
			return fmt.Errorf("%w: last_seen must be monotonically non-decreasing", mafmodel.ErrInvalidArgument)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO agents (id, name, type, status, last_seen, capabilities, metadata)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (id) DO UPDATE SET
				name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE agents.name END,
				type = CASE WHEN EXCLUDED.type <> '' THEN EXCLUDED.type ELSE agents.type END,
				status = EXCLUDED.status,
				last_seen = EXCLUDED.last_seen,
				capabilities = EXCLUDED.capabilities,
				metadata = EXCLUDED.metadata`,
			agentID, name, string(typ), string(status), now, marshal(capabilities), marshal(metadata))
		if err != nil {
			return err
		}
		out = mafmodel.Agent{ID: agentID, Name: name, Type: typ, Status: status, LastSeen: now, Capabilities: capabilities, Metadata: metadata}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*mafmodel.Agent, error) {
	var a mafmodel.Agent
	var typ, status string
	var caps, meta []byte
	err := s.db.QueryRowContext(ctx, `SELECT id, name, type, status, last_seen, capabilities, metadata FROM agents WHERE id=$1`, id).
		Scan(&a.ID, &a.Name, &typ, &status, &a.LastSeen, &caps, &meta)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, mafmodel.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Type = mafmodel.AgentType(typ)
	a.Status = mafmodel.AgentStatus(status)
	_ = json.Unmarshal(caps, &a.Capabilities)
	_ = json.Unmarshal(meta, &a.Metadata)
	return &a, nil
}

func (s *Store) ListStaleAgents(ctx context.Context, cutoff time.Time) ([]mafmodel.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, type, status, last_seen FROM agents WHERE status='active' AND last_seen < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []mafmodel.Agent
	for rows.Next() {
		var a mafmodel.Agent
		var typ, status string
		if err := rows.Scan(&a.ID, &a.Name, &typ, &status, &a.LastSeen); err != nil {
			return nil, err
		}
		a.Type, a.Status = mafmodel.AgentType(typ), mafmodel.AgentStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SetAgentStatus(ctx context.Context, id string, status mafmodel.AgentStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET status=$1 WHERE id=$2`, string(status), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return mafmodel.ErrNotFound
	}
	return nil
}

// --- Events & evidence ---

func (s *Store) AppendEvent(ctx context.Context, taskID, kind string, data []byte) (int64, error) {
	var id int64
	var taskArg interface{}
	if taskID != "" {
		taskArg = taskID
	}
	err := s.db.QueryRowContext(ctx, `INSERT INTO events (task_id, kind, data) VALUES ($1,$2,$3) RETURNING id`,
		taskArg, kind, nullJSON(data)).Scan(&id)
	return id, err
}

func (s *Store) QueryEvents(ctx context.Context, filter mafmodel.EventFilter) ([]mafmodel.Event, error) {
	q := `SELECT id, task_id, ts, kind, data FROM events WHERE 1=1`
	var args []interface{}
	argN := 0
	next := func() int { argN++; return argN }

	if filter.TaskID != "" {
		q += fmt.Sprintf(" AND task_id = $%d", next())
		args = append(args, filter.TaskID)
	}
	if len(filter.Kinds) > 0 {
		ph := ""
		for i, k := range filter.Kinds {
			if i > 0 {
				ph += ","
			}
			ph += fmt.Sprintf("$%d", next())
			args = append(args, k)
		}
		q += fmt.Sprintf(" AND kind IN (%s)", ph)
	}
	q += " ORDER BY ts DESC, id DESC"

	limit := filter.Recent
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	q += fmt.Sprintf(" LIMIT $%d", next())
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []mafmodel.Event
	for rows.Next() {
		var e mafmodel.Event
		var taskID stdsql.NullString
		if err := rows.Scan(&e.ID, &taskID, &e.TS, &e.Kind, &e.Data); err != nil {
			return nil, err
		}
		e.TaskID = taskID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) RecordEvidence(ctx context.Context, e mafmodel.Evidence) error {
	return withTx(ctx, s.db, func(tx *stdsql.Tx) error {
		var attempts int
		err := tx.QueryRowContext(ctx, `SELECT attempts FROM tasks WHERE id=$1 FOR UPDATE`, e.TaskID).Scan(&attempts)
		if errors.Is(err, stdsql.ErrNoRows) {
			return fmt.Errorf("%w: task %s", mafmodel.ErrNotFound, e.TaskID)
		}
		if err != nil {
			return err
		}
		if e.Attempt > attempts {
			return fmt.Errorf("%w: attempt %d exceeds task attempts %d", mafmodel.ErrInvalidArgument, e.Attempt, attempts)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO evidence (task_id, attempt, verifier, result, details) VALUES ($1,$2,$3,$4,$5)`,
			e.TaskID, e.Attempt, e.Verifier, string(e.Result), nullJSON(e.Details))
		return classifyUniqueViolation(err, fmt.Errorf("%w: evidence already recorded for task=%s attempt=%d verifier=%s", mafmodel.ErrInvalidArgument, e.TaskID, e.Attempt, e.Verifier))
	})
}

func (s *Store) ListEvidence(ctx context.Context, taskID string, attempt int) ([]mafmodel.Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, attempt, verifier, result, details FROM evidence WHERE task_id=$1 AND attempt=$2 ORDER BY verifier`, taskID, attempt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []mafmodel.Evidence
	for rows.Next() {
		var e mafmodel.Evidence
		var result string
		if err := rows.Scan(&e.TaskID, &e.Attempt, &e.Verifier, &result, &e.Details); err != nil {
			return nil, err
		}
		e.Result = mafmodel.EvidenceResult(result)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Reservation conflicts ---

func (s *Store) RecordConflict(ctx context.Context, c mafmodel.ReservationConflict) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reservation_conflicts (id, file_path, conflicting_agent, existing_agent, conflict_type, severity, status, evidence_ref)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID, c.FilePath, c.ConflictingAgent, c.ExistingAgent, string(c.ConflictType), string(c.Severity), string(c.Status), c.EvidenceRef)
	return err
}

func (s *Store) ListConflicts(ctx context.Context, openOnly bool) ([]mafmodel.ReservationConflict, error) {
	q := `SELECT id, file_path, conflicting_agent, existing_agent, conflict_type, severity, status, detected_at, resolved_at, resolution_strategy, evidence_ref FROM reservation_conflicts`
	if openOnly {
		q += ` WHERE status = 'open'`
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []mafmodel.ReservationConflict
	for rows.Next() {
		var c mafmodel.ReservationConflict
		var ctype, severity, status string
		var resolvedAt stdsql.NullTime
		if err := rows.Scan(&c.ID, &c.FilePath, &c.ConflictingAgent, &c.ExistingAgent, &ctype, &severity, &status, &c.DetectedAt, &resolvedAt, &c.ResolutionStrategy, &c.EvidenceRef); err != nil {
			return nil, err
		}
		c.ConflictType, c.Severity, c.Status = mafmodel.ConflictType(ctype), mafmodel.ConflictSeverity(severity), mafmodel.ReservationConflictStatus(status)
		if resolvedAt.Valid {
			c.ResolvedAt = &resolvedAt.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Escalation channels ---

func (s *Store) RegisterChannel(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO escalation_channels (name) VALUES ($1) ON CONFLICT DO NOTHING`, name)
	return err
}

func (s *Store) ChannelExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM escalation_channels WHERE name=$1)`, name).Scan(&exists)
	return exists, err
}

func (s *Store) SendEnvelope(ctx context.Context, env store.Envelope) (string, error) {
	exists, err := s.ChannelExists(ctx, env.ToChannel)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", mafmodel.ErrUnknownChannel
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO escalation_envelopes (kind, from_agent, to_channel, payload) VALUES ($1,$2,$3,$4) RETURNING id`,
		env.Kind, env.FromAgent, env.ToChannel, nullJSON(env.Payload)).Scan(&id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", id), nil
}

func (s *Store) FetchEnvelopes(ctx context.Context, channel string, sinceID string, limit int) ([]store.Envelope, error) {
	q := `SELECT id, kind, from_agent, to_channel, created_at, payload, read FROM escalation_envelopes WHERE to_channel=$1 AND read=false`
	args := []interface{}{channel}
	if sinceID != "" {
		q += ` AND id > $2`
		args = append(args, sinceID)
	}
	q += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Envelope
	for rows.Next() {
		var e store.Envelope
		var id int64
		if err := rows.Scan(&id, &e.Kind, &e.FromAgent, &e.ToChannel, &e.CreatedAt, &e.Payload, &e.Read); err != nil {
			return nil, err
		}
		e.ID = fmt.Sprintf("%d", id)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) MarkEnvelopeRead(ctx context.Context, channel, messageID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE escalation_envelopes SET read=true WHERE to_channel=$1 AND id=$2`, channel, messageID)
	return err
}

var _ store.Store = (*Store)(nil)
