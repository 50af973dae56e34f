// Package sqlitestore is a modernc.org/sqlite-backed reference
// implementation of store.Store — a pure-Go (no cgo) embedded database
// suitable for running orchestratord as a standalone process.
// Optimistic concurrency is enforced by reading the row and then writing
// with an UPDATE conditioned on updated_at, so a losing writer gets an
// orcherr.Conflict error instead of a torn update.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stoneforge-ai/orchestrator/internal/model"
	"github.com/stoneforge-ai/orchestrator/internal/orcherr"
	"github.com/stoneforge-ai/orchestrator/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL,
	complexity INTEGER NOT NULL,
	task_type TEXT NOT NULL,
	assignee TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	orchestrator TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	role TEXT NOT NULL,
	session_status TEXT NOT NULL,
	max_concurrent_tasks INTEGER NOT NULL
);
`

// Store is a *sql.DB-backed store.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, orcherr.Wrap("sqlitestore.Open", orcherr.External, "open database", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, orcherr.Wrap("sqlitestore.Open", orcherr.External, "apply schema", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func rowToTask(id, title, status string, priority, complexity int, taskType, assignee, tagsJSON, orchJSON string, createdAt, updatedAt int64, version int) (*model.Task, error) {
	t := &model.Task{
		ID:         id,
		Title:      title,
		Status:     model.TaskStatus(status),
		Priority:   priority,
		Complexity: complexity,
		TaskType:   model.TaskType(taskType),
		Assignee:   assignee,
		CreatedAt:  time.Unix(0, createdAt),
		UpdatedAt:  time.Unix(0, updatedAt),
		Version:    version,
	}
	if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(orchJSON), &t.Orchestrator); err != nil {
		return nil, fmt.Errorf("decode orchestrator metadata: %w", err)
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	const op = "sqlitestore.GetTask"
	row := s.db.QueryRowContext(ctx, `SELECT id, title, status, priority, complexity, task_type, assignee, tags, orchestrator, created_at, updated_at, version FROM tasks WHERE id = ?`, id)

	var (
		title, status, taskType, assignee, tagsJSON, orchJSON string
		priority, complexity, version                         int
		createdAt, updatedAt                                  int64
	)
	if err := row.Scan(&id, &title, &status, &priority, &complexity, &taskType, &assignee, &tagsJSON, &orchJSON, &createdAt, &updatedAt, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, orcherr.New(op, orcherr.NotFound, "task "+id+" not found")
		}
		return nil, orcherr.Wrap(op, orcherr.External, "query task", err)
	}
	t, err := rowToTask(id, title, status, priority, complexity, taskType, assignee, tagsJSON, orchJSON, createdAt, updatedAt, version)
	if err != nil {
		return nil, orcherr.Wrap(op, orcherr.External, "decode task", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, filter store.Filter) ([]*model.Task, error) {
	const op = "sqlitestore.ListTasks"

	query := `SELECT id, title, status, priority, complexity, task_type, assignee, tags, orchestrator, created_at, updated_at, version FROM tasks WHERE 1=1`
	var args []any

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(placeholders, ",") + ")"
	}
	if filter.Assignee != "" {
		query += " AND assignee = ?"
		args = append(args, filter.Assignee)
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, orcherr.Wrap(op, orcherr.External, "query tasks", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		var (
			id, title, status, taskType, assignee, tagsJSON, orchJSON string
			priority, complexity, version                            int
			createdAt, updatedAt                                     int64
		)
		if err := rows.Scan(&id, &title, &status, &priority, &complexity, &taskType, &assignee, &tagsJSON, &orchJSON, &createdAt, &updatedAt, &version); err != nil {
			return nil, orcherr.Wrap(op, orcherr.External, "scan task row", err)
		}
		t, err := rowToTask(id, title, status, priority, complexity, taskType, assignee, tagsJSON, orchJSON, createdAt, updatedAt, version)
		if err != nil {
			return nil, orcherr.Wrap(op, orcherr.External, "decode task", err)
		}
		if !containsAllTags(t.Tags, filter.Tags) {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func containsAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *Store) CreateTask(ctx context.Context, t *model.Task) (*model.Task, error) {
	const op = "sqlitestore.CreateTask"
	now := time.Now()
	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return nil, orcherr.Wrap(op, orcherr.External, "encode tags", err)
	}
	orchJSON, err := json.Marshal(t.Orchestrator)
	if err != nil {
		return nil, orcherr.Wrap(op, orcherr.External, "encode orchestrator metadata", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (id, title, status, priority, complexity, task_type, assignee, tags, orchestrator, created_at, updated_at, version) VALUES (?,?,?,?,?,?,?,?,?,?,?,1)`,
		t.ID, t.Title, string(t.Status), t.Priority, t.Complexity, string(t.TaskType), t.Assignee, string(tagsJSON), string(orchJSON), now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, orcherr.Wrap(op, orcherr.External, "insert task", err)
	}

	cp := *t
	cp.CreatedAt, cp.UpdatedAt, cp.Version = now, now, 1
	return &cp, nil
}

// UpdateTask reads the current row, applies mutate, and writes it back
// with a conditional UPDATE gated on the row's current updated_at,
// implementing the Store's optimistic-concurrency contract in a single
// statement.
func (s *Store) UpdateTask(ctx context.Context, id string, mutate func(*model.Task), opts store.UpdateOpts) (*model.Task, error) {
	const op = "sqlitestore.UpdateTask"
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if opts.ExpectedUpdatedAt != nil && *opts.ExpectedUpdatedAt != current.UpdatedAt.UnixNano() {
		return nil, orcherr.New(op, orcherr.Conflict, "version mismatch")
	}

	mutate(current)
	now := time.Now()
	tagsJSON, err := json.Marshal(current.Tags)
	if err != nil {
		return nil, orcherr.Wrap(op, orcherr.External, "encode tags", err)
	}
	orchJSON, err := json.Marshal(current.Orchestrator)
	if err != nil {
		return nil, orcherr.Wrap(op, orcherr.External, "encode orchestrator metadata", err)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET title=?, status=?, priority=?, complexity=?, task_type=?, assignee=?, tags=?, orchestrator=?, updated_at=?, version=version+1 WHERE id=? AND updated_at=?`,
		current.Title, string(current.Status), current.Priority, current.Complexity, string(current.TaskType), current.Assignee, string(tagsJSON), string(orchJSON), now.UnixNano(), id, current.UpdatedAt.UnixNano())
	if err != nil {
		return nil, orcherr.Wrap(op, orcherr.External, "update task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, orcherr.Wrap(op, orcherr.External, "rows affected", err)
	}
	if n == 0 {
		return nil, orcherr.New(op, orcherr.Conflict, "version mismatch")
	}

	current.UpdatedAt = now
	current.Version++
	return current, nil
}

func (s *Store) DeleteTask(ctx context.Context, id string, opts store.DeleteOpts) error {
	const op = "sqlitestore.DeleteTask"
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return orcherr.Wrap(op, orcherr.External, "delete task", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return orcherr.New(op, orcherr.NotFound, "task "+id+" not found")
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	const op = "sqlitestore.GetAgent"
	row := s.db.QueryRowContext(ctx, `SELECT id, name, role, session_status, max_concurrent_tasks FROM agents WHERE id = ?`, id)
	a := &model.Agent{}
	var role, sessionStatus string
	if err := row.Scan(&a.ID, &a.Name, &role, &sessionStatus, &a.MaxConcurrentTasks); err != nil {
		if err == sql.ErrNoRows {
			return nil, orcherr.New(op, orcherr.NotFound, "agent "+id+" not found")
		}
		return nil, orcherr.Wrap(op, orcherr.External, "query agent", err)
	}
	a.Role = model.AgentRole(role)
	a.SessionStatus = model.SessionStatus(sessionStatus)
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	const op = "sqlitestore.ListAgents"
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, role, session_status, max_concurrent_tasks FROM agents ORDER BY id`)
	if err != nil {
		return nil, orcherr.Wrap(op, orcherr.External, "query agents", err)
	}
	defer rows.Close()

	var out []*model.Agent
	for rows.Next() {
		a := &model.Agent{}
		var role, sessionStatus string
		if err := rows.Scan(&a.ID, &a.Name, &role, &sessionStatus, &a.MaxConcurrentTasks); err != nil {
			return nil, orcherr.Wrap(op, orcherr.External, "scan agent row", err)
		}
		a.Role = model.AgentRole(role)
		a.SessionStatus = model.SessionStatus(sessionStatus)
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertAgent inserts or replaces an agent row; used by AgentRegistry
// implementations to seed/refresh the catalog from discovery.
func (s *Store) UpsertAgent(ctx context.Context, a *model.Agent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO agents (id, name, role, session_status, max_concurrent_tasks) VALUES (?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, role=excluded.role, session_status=excluded.session_status, max_concurrent_tasks=excluded.max_concurrent_tasks`,
		a.ID, a.Name, string(a.Role), string(a.SessionStatus), a.MaxConcurrentTasks)
	if err != nil {
		return orcherr.Wrap("sqlitestore.UpsertAgent", orcherr.External, "upsert agent", err)
	}
	return nil
}
