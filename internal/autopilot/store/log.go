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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	conductorerrors "github.com/tombee/rover-autopilot/pkg/errors"

	"github.com/tombee/rover-autopilot/internal/autopilot"
)

// AppendLog writes one diagnostic log line, rotating log.jsonl into
// log.1.jsonl..log.<keep>.jsonl when it would reach maxLogBytes. All
// writers are serialized through logMu so rotation never races a
// concurrent append: callers that assume atomicity at the entry (line)
// level are correct only because every write funnels through here.
func (s *Store) AppendLog(entry autopilot.LogEntry) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return &conductorerrors.TraceFatalError{Reason: "failed to marshal log entry", Cause: err}
	}
	line = append(line, '\n')

	path := s.logPath()
	if err := s.rotateIfNeeded(path, int64(len(line))); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return &conductorerrors.TransientError{Operation: "open " + path, Cause: err}
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return &conductorerrors.TransientError{Operation: "append " + path, Cause: err}
	}

	return nil
}

// rotateIfNeeded rotates path when its current size plus incoming would
// reach or exceed maxLogBytes, keeping logKeep rotated copies and discarding the
// oldest.
func (s *Store) rotateIfNeeded(path string, incoming int64) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &conductorerrors.TransientError{Operation: "stat " + path, Cause: err}
	}

	if info.Size()+incoming < s.maxLogBytes {
		return nil
	}

	oldest := rotatedPath(path, s.logKeep)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return &conductorerrors.TransientError{Operation: "remove " + oldest, Cause: err}
		}
	}

	for i := s.logKeep - 1; i >= 1; i-- {
		from := rotatedPath(path, i)
		to := rotatedPath(path, i+1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return &conductorerrors.TransientError{Operation: "rotate " + from + " -> " + to, Cause: err}
			}
		}
	}

	if err := os.Rename(path, rotatedPath(path, 1)); err != nil {
		return &conductorerrors.TransientError{Operation: "rotate " + path, Cause: err}
	}

	return nil
}

// rotatedPath returns "<dir>/<base>.<n>.jsonl" for log.jsonl style paths.
func rotatedPath(path string, n int) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	return filepath.Join(dir, fmt.Sprintf("%s.%d%s", name, n, ext))
}
