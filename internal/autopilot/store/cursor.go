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
	"time"

	"github.com/tombee/rover-autopilot/internal/autopilot"
)

// LoadCursor reads the cursor, returning an empty one if it has never been
// written.
func (s *Store) LoadCursor() (autopilot.Cursor, error) {
	var c autopilot.Cursor
	if err := readJSONFile(s.cursorPath(), &c); err != nil {
		if os.IsNotExist(err) {
			return autopilot.Cursor{ProcessedEventIDs: []string{}}, nil
		}
		return autopilot.Cursor{}, err
	}
	if c.ProcessedEventIDs == nil {
		c.ProcessedEventIDs = []string{}
	}
	return c, nil
}

// SaveCursor writes the cursor, stamping UpdatedAt.
func (s *Store) SaveCursor(c autopilot.Cursor) error {
	c.UpdatedAt = time.Now().UTC()
	return atomicWriteFile(s.cursorPath(), c)
}

// IsEventProcessed reports whether eventID appears in the cursor's tail.
func (s *Store) IsEventProcessed(eventID string) (bool, error) {
	c, err := s.LoadCursor()
	if err != nil {
		return false, err
	}
	for _, id := range c.ProcessedEventIDs {
		if id == eventID {
			return true, nil
		}
	}
	return false, nil
}

// MarkEventsProcessed appends eventIDs to the cursor tail and trims it to
// the last CursorTailSize entries. Ordering within the tail is irrelevant.
func (s *Store) MarkEventsProcessed(eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	c, err := s.LoadCursor()
	if err != nil {
		return err
	}

	c.ProcessedEventIDs = append(c.ProcessedEventIDs, eventIDs...)
	if len(c.ProcessedEventIDs) > autopilot.CursorTailSize {
		c.ProcessedEventIDs = c.ProcessedEventIDs[len(c.ProcessedEventIDs)-autopilot.CursorTailSize:]
	}

	return s.SaveCursor(c)
}
