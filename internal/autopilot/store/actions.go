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
	"fmt"
	"path/filepath"

	conductorerrors "github.com/tombee/rover-autopilot/pkg/errors"

	"github.com/tombee/rover-autopilot/internal/autopilot"
)

func (s *Store) actionPath(actionID string) string {
	return filepath.Join(s.actionsDir(), actionID+".json")
}

// WriteAction persists a newly created action. Actions are immutable once
// written.
func (s *Store) WriteAction(action autopilot.Action) error {
	return atomicWriteFile(s.actionPath(action.ID), action)
}

// ReadAction reads the action with the given id.
func (s *Store) ReadAction(actionID string) (autopilot.Action, error) {
	var action autopilot.Action
	if err := readJSONFile(s.actionPath(actionID), &action); err != nil {
		return autopilot.Action{}, &conductorerrors.TraceFatalError{
			Reason: fmt.Sprintf("action %s not found", actionID),
			Cause:  err,
		}
	}
	return action, nil
}
