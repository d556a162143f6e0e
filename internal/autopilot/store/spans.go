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

func (s *Store) spanPath(spanID string) string {
	return filepath.Join(s.spansDir(), spanID+".json")
}

// WriteSpan persists span, creating or finalizing it.
func (s *Store) WriteSpan(span autopilot.Span) error {
	return atomicWriteFile(s.spanPath(span.ID), span)
}

// ReadSpan reads the span with the given id.
func (s *Store) ReadSpan(spanID string) (autopilot.Span, error) {
	var span autopilot.Span
	if err := readJSONFile(s.spanPath(spanID), &span); err != nil {
		return autopilot.Span{}, &conductorerrors.TraceFatalError{
			Reason: fmt.Sprintf("span %s not found", spanID),
			Cause:  err,
		}
	}
	return span, nil
}

// GetSpanTrace walks parent links from leafID to the root span (parent ==
// nil), returning the chain oldest-first.
func (s *Store) GetSpanTrace(leafID string) ([]autopilot.Span, error) {
	var chain []autopilot.Span

	id := leafID
	for depth := 0; depth < 64; depth++ {
		span, err := s.ReadSpan(id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, span)
		if span.Parent == nil {
			// Reverse to oldest-first.
			for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
				chain[i], chain[j] = chain[j], chain[i]
			}
			return chain, nil
		}
		id = *span.Parent
	}

	return nil, &conductorerrors.TraceFatalError{
		Reason: fmt.Sprintf("span chain from %s exceeded maximum depth without reaching a root", leafID),
	}
}
