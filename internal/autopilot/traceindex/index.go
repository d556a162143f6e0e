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

// Package traceindex holds the in-memory projection of every trace's
// causal DAG into an ordered step list, behind a single mutex for the
// whole index, per the concurrency model's single-writer discipline.
package traceindex

import (
	"sync"

	"github.com/tombee/rover-autopilot/internal/autopilot"
	"github.com/tombee/rover-autopilot/internal/autopilot/store"
)

// Index is the shared, read-mostly trace projection. Mutations go through
// its methods only, which serialize on a single RWMutex for the whole
// index, matching spec's "single mutex for the whole index" recommendation.
type Index struct {
	mu     sync.RWMutex
	traces map[string]*autopilot.TraceSnapshot
}

// New constructs an empty Index.
func New() *Index {
	return &Index{traces: map[string]*autopilot.TraceSnapshot{}}
}

// Recover loads a persisted snapshot if present; otherwise it leaves the
// index empty, to be lazily reconstructed as stages touch traces.
func Recover(st *store.Store) (*Index, error) {
	idx := New()

	snapshots, ok, err := st.LoadTraces()
	if err != nil {
		return nil, err
	}
	if !ok {
		return idx, nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for traceID, snap := range snapshots {
		snapCopy := snap
		idx.traces[traceID] = &snapCopy
	}
	return idx, nil
}

// Snapshot returns a deep-enough copy of every trace's steps, suitable for
// persisting via Store.SaveTraces.
func (idx *Index) Snapshot() map[string]autopilot.TraceSnapshot {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[string]autopilot.TraceSnapshot, len(idx.traces))
	for traceID, snap := range idx.traces {
		steps := make([]autopilot.ActionStep, len(snap.Steps))
		copy(steps, snap.Steps)
		out[traceID] = autopilot.TraceSnapshot{TraceID: snap.TraceID, Steps: steps, RetryCount: snap.RetryCount}
	}
	return out
}

// Steps returns the step list for traceID, or nil if unknown.
func (idx *Index) Steps(traceID string) []autopilot.ActionStep {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	snap, ok := idx.traces[traceID]
	if !ok {
		return nil
	}
	steps := make([]autopilot.ActionStep, len(snap.Steps))
	copy(steps, snap.Steps)
	return steps
}

// RetryCount returns the current retry count for traceID.
func (idx *Index) RetryCount(traceID string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	snap, ok := idx.traces[traceID]
	if !ok {
		return 0
	}
	return snap.RetryCount
}

// IncrementRetry bumps traceID's retry count and returns the new value.
func (idx *Index) IncrementRetry(traceID string) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	snap := idx.ensureLocked(traceID)
	snap.RetryCount++
	return snap.RetryCount
}

// AppendStep appends a new step to traceID's step list with the status
// the caller set on it (used by the planner when it creates new workflow
// actions).
func (idx *Index) AppendStep(traceID string, step autopilot.ActionStep) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	snap := idx.ensureLocked(traceID)
	snap.Steps = append(snap.Steps, step)
}

// UpdateStepStatus updates the status (and optionally reasoning) of the
// step identified by actionID within traceID. It is a no-op if the step is
// not present, since recovery may race a stage that already removed its
// pending entry.
func (idx *Index) UpdateStepStatus(traceID, actionID string, status autopilot.SpanStatus, reasoning string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	snap, ok := idx.traces[traceID]
	if !ok {
		return
	}
	for i := range snap.Steps {
		if snap.Steps[i].ActionID == actionID {
			snap.Steps[i].Status = status
			if reasoning != "" {
				snap.Steps[i].Reasoning = reasoning
			}
			return
		}
	}
}

// MarkPendingStepsFailed marks every step in traceID currently not in a
// terminal status as failed, used when the resolver decides fail.
func (idx *Index) MarkPendingStepsFailed(traceID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	snap, ok := idx.traces[traceID]
	if !ok {
		return
	}
	for i := range snap.Steps {
		if snap.Steps[i].Status == autopilot.SpanRunning {
			snap.Steps[i].Status = autopilot.SpanFailed
		}
	}
}

// ensureLocked returns (creating if absent) the snapshot for traceID.
// Caller must hold idx.mu for writing.
func (idx *Index) ensureLocked(traceID string) *autopilot.TraceSnapshot {
	snap, ok := idx.traces[traceID]
	if !ok {
		snap = &autopilot.TraceSnapshot{TraceID: traceID}
		idx.traces[traceID] = snap
	}
	return snap
}
