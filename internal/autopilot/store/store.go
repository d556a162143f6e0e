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

package store

import (
	"os"
	"path/filepath"
	"sync"

	conductorerrors "github.com/tombee/rover-autopilot/pkg/errors"

	"github.com/tombee/rover-autopilot/internal/autopilot"
)

// Store is the sole durable interface for a single project's autopilot
// state. It is constructed once per project and shared by pointer with
// every stage; the cursor and state files on disk remain the authoritative
// truth, any in-memory cache here is advisory.
type Store struct {
	// root is "<data>/projects/<projectId>".
	root string

	// logMu serializes all writes to log.jsonl, including rotation.
	logMu sync.Mutex

	maxLogBytes int64
	logKeep     int
}

// New constructs a Store rooted at dataDir/projects/projectID.
func New(dataDir, projectID string, maxLogBytes int64, logKeep int) *Store {
	if maxLogBytes <= 0 {
		maxLogBytes = 5 * 1024 * 1024
	}
	if logKeep <= 0 {
		logKeep = 3
	}
	return &Store{
		root:        filepath.Join(dataDir, "projects", projectID),
		maxLogBytes: maxLogBytes,
		logKeep:     logKeep,
	}
}

func (s *Store) autopilotDir() string { return filepath.Join(s.root, "autopilot") }
func (s *Store) spansDir() string     { return filepath.Join(s.root, "spans") }
func (s *Store) actionsDir() string   { return filepath.Join(s.root, "actions") }
func (s *Store) tasksDir() string     { return filepath.Join(s.root, "tasks") }

func (s *Store) cursorPath() string { return filepath.Join(s.autopilotDir(), "cursor.json") }
func (s *Store) statePath() string  { return filepath.Join(s.autopilotDir(), "state.json") }
func (s *Store) logPath() string    { return filepath.Join(s.autopilotDir(), "log.jsonl") }
func (s *Store) tracesPath() string { return filepath.Join(s.autopilotDir(), "traces.json") }

// TasksDir returns the directory owned by the external task manager for
// this project, referenced by TaskMappings.
func (s *Store) TasksDir() string { return s.tasksDir() }

// Ensure creates the project's base directories and an empty cursor and
// state file if they do not already exist. Failure here is system-fatal:
// the autopilot must never partially start.
func (s *Store) Ensure() error {
	for _, dir := range []string{s.autopilotDir(), s.spansDir(), s.actionsDir(), s.tasksDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &conductorerrors.SystemFatalError{
				Reason: "cannot create project directory " + dir,
				Cause:  err,
			}
		}
	}

	if _, err := os.Stat(s.cursorPath()); os.IsNotExist(err) {
		if err := s.SaveCursor(autopilot.Cursor{ProcessedEventIDs: []string{}}); err != nil {
			return &conductorerrors.SystemFatalError{Reason: "cannot write initial cursor", Cause: err}
		}
	}

	if _, err := os.Stat(s.statePath()); os.IsNotExist(err) {
		st := autopilot.State{Version: 1, Pending: []autopilot.PendingAction{}, TaskMappings: map[string]autopilot.TaskMapping{}}
		if err := s.SaveState(st); err != nil {
			return &conductorerrors.SystemFatalError{Reason: "cannot write initial state", Cause: err}
		}
	}

	return nil
}
