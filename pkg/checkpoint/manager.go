package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nexus-automation/nexus/pkg/engine"
)

// Options configure a checkpoint for one playbook run.
type Options struct {
	// PlaybookPath identifies the checkpoint; one checkpoint per playbook.
	PlaybookPath string

	// PlaybookHash is the content hash of the playbook being run. A resume
	// is rejected when the stored hash differs.
	PlaybookHash string

	// RunID is the current run's identifier.
	RunID string

	// Resume loads an existing checkpoint instead of starting fresh.
	Resume bool
}

// hostSnapshot is the per-host state rebuilt from stored records.
type hostSnapshot struct {
	registered map[string]any
	notified   []string
	breakers   map[string]engine.BreakerSnapshot
}

// Manager writes each task outcome durably as it is recorded; a crash loses
// at most the in-flight task. All writes go through the manager, which
// serializes them over the store's single connection.
type Manager struct {
	store *Store
	id    string
	hash  string

	mu        sync.Mutex
	completed map[string]map[string]struct{}
	snapshots map[string]*hostSnapshot
	dirty     bool
	lastHost  string
	lastTask  string
}

// Open creates or resumes the checkpoint for a playbook. With Resume set it
// loads the stored record set and fails if the playbook has changed since
// the checkpoint was written; otherwise any stale checkpoint for the same
// playbook is replaced.
func Open(ctx context.Context, store *Store, opts Options) (*Manager, error) {
	m := &Manager{
		store:     store,
		hash:      opts.PlaybookHash,
		completed: make(map[string]map[string]struct{}),
		snapshots: make(map[string]*hostSnapshot),
	}

	if opts.Resume {
		if err := m.load(ctx, opts); err != nil {
			return nil, err
		}
		return m, nil
	}

	now := time.Now().UTC()
	m.id = uuid.New().String()

	tx, err := store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE playbook_path = ?`, opts.PlaybookPath); err != nil {
		return nil, fmt.Errorf("failed to clear stale checkpoint: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, playbook_path, playbook_hash, run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.id, opts.PlaybookPath, opts.PlaybookHash, opts.RunID, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return m, nil
}

func (m *Manager) load(ctx context.Context, opts Options) error {
	var storedHash string
	err := m.store.db.QueryRowContext(ctx, `
		SELECT id, playbook_hash FROM checkpoints WHERE playbook_path = ?
	`, opts.PlaybookPath).Scan(&m.id, &storedHash)
	if err == sql.ErrNoRows {
		return engine.NewConfigError(fmt.Sprintf("no checkpoint found for %s", opts.PlaybookPath), nil)
	}
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if storedHash != opts.PlaybookHash {
		return engine.NewConfigError("playbook modified since checkpoint was written", nil)
	}

	rows, err := m.store.db.QueryContext(ctx, `
		SELECT host, task_id, state, COALESCE(registered, ''), COALESCE(notified, ''), COALESCE(breakers, '')
		FROM checkpoint_tasks
		WHERE checkpoint_id = ?
		ORDER BY recorded_at ASC
	`, m.id)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint tasks: %w", err)
	}
	defer rows.Close()

	restored := 0
	for rows.Next() {
		var host, taskID, state, registered, notified, breakers string
		if err := rows.Scan(&host, &taskID, &state, &registered, &notified, &breakers); err != nil {
			return fmt.Errorf("failed to scan checkpoint task: %w", err)
		}

		rec := engine.CheckpointRecord{Host: host, TaskID: taskID, State: engine.TaskState(state)}
		if registered != "" {
			if err := json.Unmarshal([]byte(registered), &rec.Registered); err != nil {
				return fmt.Errorf("corrupt registered data for %s/%s: %w", host, taskID, err)
			}
		}
		if notified != "" {
			if err := json.Unmarshal([]byte(notified), &rec.Notified); err != nil {
				return fmt.Errorf("corrupt notified data for %s/%s: %w", host, taskID, err)
			}
		}
		if breakers != "" {
			if err := json.Unmarshal([]byte(breakers), &rec.Breakers); err != nil {
				return fmt.Errorf("corrupt breaker data for %s/%s: %w", host, taskID, err)
			}
		}
		m.apply(rec)
		restored++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating checkpoint tasks: %w", err)
	}

	if _, err := m.store.db.ExecContext(ctx, `UPDATE checkpoints SET run_id = ? WHERE id = ?`, opts.RunID, m.id); err != nil {
		return fmt.Errorf("failed to update checkpoint run: %w", err)
	}

	log.Info().
		Str("playbook", opts.PlaybookPath).
		Int("tasks", restored).
		Msg("resuming from checkpoint")
	return nil
}

// apply folds a record into the in-memory view. Callers hold the mutex or
// run before the manager is shared.
func (m *Manager) apply(rec engine.CheckpointRecord) {
	if rec.State == engine.TaskStateCompleted {
		set, ok := m.completed[rec.Host]
		if !ok {
			set = make(map[string]struct{})
			m.completed[rec.Host] = set
		}
		set[rec.TaskID] = struct{}{}
	}

	snap, ok := m.snapshots[rec.Host]
	if !ok {
		snap = &hostSnapshot{registered: make(map[string]any)}
		m.snapshots[rec.Host] = snap
	}
	for k, v := range rec.Registered {
		snap.registered[k] = v
	}
	for _, name := range rec.Notified {
		if !slices.Contains(snap.notified, name) {
			snap.notified = append(snap.notified, name)
		}
	}
	// The latest record carries the host's current breaker positions.
	for taskID, b := range rec.Breakers {
		if snap.breakers == nil {
			snap.breakers = make(map[string]engine.BreakerSnapshot)
		}
		snap.breakers[taskID] = b
	}
}

// Completed reports whether a task already finished on a host.
func (m *Manager) Completed(host, taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.completed[host][taskID]
	return ok
}

// Restore returns a host's registered variables, pending handler
// notifications and breaker positions, rebuilt from everything recorded so
// far.
func (m *Manager) Restore(host string) (map[string]any, []string, map[string]engine.BreakerSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[host]
	if !ok {
		return nil, nil, nil
	}
	registered := make(map[string]any, len(snap.registered))
	for k, v := range snap.registered {
		registered[k] = v
	}
	var breakers map[string]engine.BreakerSnapshot
	if len(snap.breakers) > 0 {
		breakers = make(map[string]engine.BreakerSnapshot, len(snap.breakers))
		for taskID, b := range snap.breakers {
			breakers[taskID] = b
		}
	}
	return registered, append([]string(nil), snap.notified...), breakers
}

// Record durably appends a task outcome. Each append commits on its own so
// a crash loses at most the in-flight task; the store's single connection
// serializes concurrent workers.
func (m *Manager) Record(ctx context.Context, rec engine.CheckpointRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.apply(rec)
	m.lastHost = rec.Host
	m.lastTask = rec.TaskID
	m.dirty = true

	registered, err := marshalJSON(rec.Registered)
	if err != nil {
		return engine.NewError(engine.ErrKindCheckpoint,
			fmt.Sprintf("failed to encode registered data for %s/%s", rec.Host, rec.TaskID), err)
	}
	notified, err := marshalJSON(rec.Notified)
	if err != nil {
		return engine.NewError(engine.ErrKindCheckpoint,
			fmt.Sprintf("failed to encode notified data for %s/%s", rec.Host, rec.TaskID), err)
	}
	breakers, err := marshalJSON(rec.Breakers)
	if err != nil {
		return engine.NewError(engine.ErrKindCheckpoint,
			fmt.Sprintf("failed to encode breaker data for %s/%s", rec.Host, rec.TaskID), err)
	}

	_, err = m.store.db.ExecContext(ctx, `
		INSERT INTO checkpoint_tasks (checkpoint_id, host, task_id, state, registered, notified, breakers, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(checkpoint_id, host, task_id) DO UPDATE SET
			state = excluded.state,
			registered = excluded.registered,
			notified = excluded.notified,
			breakers = excluded.breakers,
			recorded_at = excluded.recorded_at
	`, m.id, rec.Host, rec.TaskID, string(rec.State), registered, notified, breakers, time.Now().UTC())
	if err != nil {
		return engine.NewError(engine.ErrKindCheckpoint,
			fmt.Sprintf("failed to write record for %s/%s", rec.Host, rec.TaskID), err)
	}
	return nil
}

// Flush updates the checkpoint's summary row. Records are already durable;
// this only refreshes last_host, last_task and updated_at after a batch.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	dirty := m.dirty
	m.dirty = false
	lastHost, lastTask := m.lastHost, m.lastTask
	m.mu.Unlock()

	if !dirty {
		return nil
	}

	_, err := m.store.db.ExecContext(ctx, `
		UPDATE checkpoints SET last_host = ?, last_task = ?, updated_at = ? WHERE id = ?
	`, lastHost, lastTask, time.Now().UTC(), m.id)
	if err != nil {
		return engine.NewError(engine.ErrKindCheckpoint, "failed to update checkpoint", err)
	}
	return nil
}

// Discard removes the checkpoint after a fully successful run.
func (m *Manager) Discard(ctx context.Context) error {
	m.mu.Lock()
	m.dirty = false
	m.completed = make(map[string]map[string]struct{})
	m.snapshots = make(map[string]*hostSnapshot)
	m.mu.Unlock()

	if _, err := m.store.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, m.id); err != nil {
		return engine.NewError(engine.ErrKindCheckpoint, "failed to discard checkpoint", err)
	}
	return nil
}

func marshalJSON(v any) (*string, error) {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]engine.BreakerSnapshot:
		if len(val) == 0 {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(raw)
	return &s, nil
}
