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

	"github.com/tombee/rover-autopilot/internal/autopilot"
)

// SaveTraces persists an optional trace-index snapshot for fast restart.
// The authoritative source of truth remains the spans and actions files;
// this is purely an acceleration.
func (s *Store) SaveTraces(snapshots map[string]autopilot.TraceSnapshot) error {
	return atomicWriteFile(s.tracesPath(), snapshots)
}

// LoadTraces reads the trace-index snapshot, returning (nil, false, nil)
// if one has never been written.
func (s *Store) LoadTraces() (map[string]autopilot.TraceSnapshot, bool, error) {
	var snapshots map[string]autopilot.TraceSnapshot
	if err := readJSONFile(s.tracesPath(), &snapshots); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return snapshots, true, nil
}
