// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tasks is a concrete, SQLite-backed implementation of the
// external task manager adapter: a durable index over task rows (id,
// status, iteration, branch, container id) under a project's tasks/
// directory. It exists so the core's TaskManager interface has a real
// persistence-backed implementation to run integration tests against,
// not merely an in-memory stub.
package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tombee/rover-autopilot/internal/autopilot"
	"github.com/tombee/rover-autopilot/internal/autopilot/adapters"
)

// Store is a SQLite-backed TaskManager.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// migrates its schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	connStr := path
	if path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to task store: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			description  TEXT NOT NULL,
			status       TEXT NOT NULL,
			iteration    INTEGER NOT NULL DEFAULT 0,
			branch_name  TEXT NOT NULL DEFAULT '',
			base_commit  TEXT NOT NULL DEFAULT '',
			workspace    TEXT NOT NULL DEFAULT '',
			container_id TEXT NOT NULL DEFAULT '',
			agent_image  TEXT NOT NULL DEFAULT '',
			error        TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate task store: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateTask implements adapters.TaskManager.
func (s *Store) CreateTask(ctx context.Context, description string) (adapters.Task, error) {
	task := adapters.Task{
		ID:          uuid.NewString(),
		Description: description,
		Status:      autopilot.TaskNew,
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, task.ID, task.Description, string(task.Status), now, now)
	if err != nil {
		return adapters.Task{}, fmt.Errorf("failed to create task: %w", err)
	}
	return task, nil
}

// GetTask implements adapters.TaskManager.
func (s *Store) GetTask(ctx context.Context, id string) (adapters.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, description, status, iteration, branch_name, base_commit, workspace, container_id, agent_image, error
		FROM tasks WHERE id = ?
	`, id)
	return scanTask(row)
}

// ListTasks implements adapters.TaskManager.
func (s *Store) ListTasks(ctx context.Context) ([]adapters.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, status, iteration, branch_name, base_commit, workspace, container_id, agent_image, error
		FROM tasks ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []adapters.Task
	for rows.Next() {
		task, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row *sql.Row) (adapters.Task, error) {
	return scanInto(row)
}

func scanTaskRows(rows *sql.Rows) (adapters.Task, error) {
	return scanInto(rows)
}

func scanInto(r rowScanner) (adapters.Task, error) {
	var t adapters.Task
	var status string
	err := r.Scan(&t.ID, &t.Description, &status, &t.Iteration, &t.BranchName, &t.BaseCommit, &t.Workspace, &t.ContainerID, &t.AgentImage, &t.Error)
	if err != nil {
		if err == sql.ErrNoRows {
			return adapters.Task{}, fmt.Errorf("task not found: %w", err)
		}
		return adapters.Task{}, fmt.Errorf("failed to scan task: %w", err)
	}
	t.Status = autopilot.TaskStatus(status)
	return t, nil
}

func (s *Store) setStatus(ctx context.Context, id string, status autopilot.TaskStatus, errMessage string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, string(status), errMessage, now, id)
	if err != nil {
		return fmt.Errorf("failed to update task %s status: %w", id, err)
	}
	return nil
}

// MarkInProgress implements adapters.TaskManager.
func (s *Store) MarkInProgress(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, autopilot.TaskInProgress, "")
}

// MarkIterating implements adapters.TaskManager.
func (s *Store) MarkIterating(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, autopilot.TaskIterating, "")
}

// IncrementIteration implements adapters.TaskManager.
func (s *Store) IncrementIteration(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET iteration = iteration + 1, updated_at = ? WHERE id = ?
	`, now, id)
	if err != nil {
		return fmt.Errorf("failed to increment iteration for task %s: %w", id, err)
	}
	return nil
}

// SetBaseCommit implements adapters.TaskManager.
func (s *Store) SetBaseCommit(ctx context.Context, id, commit string) error {
	return s.updateField(ctx, id, "base_commit", commit)
}

// SetWorkspace implements adapters.TaskManager.
func (s *Store) SetWorkspace(ctx context.Context, id, path string) error {
	return s.updateField(ctx, id, "workspace", path)
}

// SetContainerInfo implements adapters.TaskManager.
func (s *Store) SetContainerInfo(ctx context.Context, id, containerID string) error {
	return s.updateField(ctx, id, "container_id", containerID)
}

// SetAgentImage implements adapters.TaskManager.
func (s *Store) SetAgentImage(ctx context.Context, id, image string) error {
	return s.updateField(ctx, id, "agent_image", image)
}

// ResetToNew implements adapters.TaskManager.
func (s *Store) ResetToNew(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, autopilot.TaskNew, "")
}

// UpdateStatusFromIteration implements adapters.TaskManager.
func (s *Store) UpdateStatusFromIteration(ctx context.Context, id string, status autopilot.TaskStatus, errMessage string) error {
	return s.setStatus(ctx, id, status, errMessage)
}

func (s *Store) updateField(ctx context.Context, id, column, value string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	query := fmt.Sprintf(`UPDATE tasks SET %s = ?, updated_at = ? WHERE id = ?`, column)
	if _, err := s.db.ExecContext(ctx, query, value, now, id); err != nil {
		return fmt.Errorf("failed to update task %s %s: %w", id, column, err)
	}
	return nil
}

var _ adapters.TaskManager = (*Store)(nil)
