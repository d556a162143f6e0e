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
	"sync"
	"time"

	"github.com/tombee/rover-autopilot/internal/autopilot"
)

// stateMu serializes read-modify-write cycles against state.json across
// every Store instance in this process. The file itself is the
// authoritative truth; this mutex only protects the read-modify-write
// window, not cross-process concurrency.
var stateMu sync.Mutex

// LoadState reads the pending queue and task mappings, returning an empty
// State if one has never been written.
func (s *Store) LoadState() (autopilot.State, error) {
	var st autopilot.State
	if err := readJSONFile(s.statePath(), &st); err != nil {
		if os.IsNotExist(err) {
			return autopilot.State{Version: 1, Pending: []autopilot.PendingAction{}, TaskMappings: map[string]autopilot.TaskMapping{}}, nil
		}
		return autopilot.State{}, err
	}
	if st.Pending == nil {
		st.Pending = []autopilot.PendingAction{}
	}
	if st.TaskMappings == nil {
		st.TaskMappings = map[string]autopilot.TaskMapping{}
	}
	return st, nil
}

// SaveState writes the pending queue and task mappings, stamping UpdatedAt.
func (s *Store) SaveState(st autopilot.State) error {
	st.UpdatedAt = time.Now().UTC()
	return atomicWriteFile(s.statePath(), st)
}

// AddPending appends a PendingAction to the queue.
func (s *Store) AddPending(p autopilot.PendingAction) error {
	stateMu.Lock()
	defer stateMu.Unlock()

	st, err := s.LoadState()
	if err != nil {
		return err
	}
	st.Pending = append(st.Pending, p)
	return s.SaveState(st)
}

// RemovePending removes the PendingAction with the given actionID. It is
// idempotent: removing an absent actionID is not an error.
func (s *Store) RemovePending(actionID string) error {
	stateMu.Lock()
	defer stateMu.Unlock()

	st, err := s.LoadState()
	if err != nil {
		return err
	}

	filtered := make([]autopilot.PendingAction, 0, len(st.Pending))
	for _, p := range st.Pending {
		if p.ActionID != actionID {
			filtered = append(filtered, p)
		}
	}
	st.Pending = filtered
	return s.SaveState(st)
}

// GetPending returns every PendingAction whose Action field equals kind.
func (s *Store) GetPending(kind autopilot.ActionKind) ([]autopilot.PendingAction, error) {
	st, err := s.LoadState()
	if err != nil {
		return nil, err
	}

	var out []autopilot.PendingAction
	for _, p := range st.Pending {
		if p.Action == kind {
			out = append(out, p)
		}
	}
	return out, nil
}

// AllPending returns the entire pending queue.
func (s *Store) AllPending() ([]autopilot.PendingAction, error) {
	st, err := s.LoadState()
	if err != nil {
		return nil, err
	}
	return st.Pending, nil
}

// SetTaskMapping records or overwrites the mapping for actionID.
func (s *Store) SetTaskMapping(actionID string, m autopilot.TaskMapping) error {
	stateMu.Lock()
	defer stateMu.Unlock()

	st, err := s.LoadState()
	if err != nil {
		return err
	}
	st.TaskMappings[actionID] = m
	return s.SaveState(st)
}

// GetTaskMapping returns the mapping for actionID, if any.
func (s *Store) GetTaskMapping(actionID string) (autopilot.TaskMapping, bool, error) {
	st, err := s.LoadState()
	if err != nil {
		return autopilot.TaskMapping{}, false, err
	}
	m, ok := st.TaskMappings[actionID]
	return m, ok, nil
}

// AllTaskMappings returns every recorded task mapping.
func (s *Store) AllTaskMappings() (map[string]autopilot.TaskMapping, error) {
	st, err := s.LoadState()
	if err != nil {
		return nil, err
	}
	return st.TaskMappings, nil
}
