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

package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/rover-autopilot/internal/autopilot"
	"github.com/tombee/rover-autopilot/internal/autopilot/adapters"
	"github.com/tombee/rover-autopilot/internal/autopilot/causal"
	"github.com/tombee/rover-autopilot/internal/autopilot/store"
	"github.com/tombee/rover-autopilot/internal/autopilot/traceindex"
)

type fakeAgent struct {
	response string
	err      error
}

func (f *fakeAgent) Invoke(ctx context.Context, prompt string, opts adapters.CompletionOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(t.TempDir(), "proj", 0, 0)
	require.NoError(t, st.Ensure())
	return st
}

func enqueueCoordinate(t *testing.T, st *store.Store) autopilot.PendingAction {
	t.Helper()
	root, err := causal.SpanWriter(st, autopilot.StepEvent, nil, autopilot.Meta{"type": "IssueOpened"})
	require.NoError(t, err)
	action, err := causal.ActionWriter(st, autopilot.ActionCoordinate, root.ID(), "", autopilot.Meta{"type": "IssueOpened"})
	require.NoError(t, err)
	require.NoError(t, causal.EnqueueAction(st, root.ID(), action, autopilot.StepEvent, "new event"))

	pending, err := st.GetPending(autopilot.ActionCoordinate)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	return pending[0]
}

func TestTickWritesDecidedAction(t *testing.T) {
	st := newTestStore(t)
	p := enqueueCoordinate(t, st)

	agent := &fakeAgent{response: `{"action":"workflow","reasoning":"fix it","confidence":0.9,"meta":{"title":"Fix bug"}}`}
	idx := traceindex.New()
	s := New(st, idx, agent, nil)

	require.NoError(t, s.Tick(context.Background()))

	remaining, err := st.GetPending(autopilot.ActionCoordinate)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	workflowPending, err := st.GetPending(autopilot.ActionWorkflow)
	require.NoError(t, err)
	require.Len(t, workflowPending, 1)
	assert.Equal(t, p.TraceID, workflowPending[0].TraceID)

	steps := idx.Steps(p.TraceID)
	require.Len(t, steps, 1)
	assert.Equal(t, autopilot.ActionWorkflow, steps[0].Action)
}

func TestCoordinateIsForcedToNoopAndTerminatesTrace(t *testing.T) {
	st := newTestStore(t)
	p := enqueueCoordinate(t, st)

	agent := &fakeAgent{response: `{"action":"coordinate","reasoning":"loopy","confidence":0.5}`}
	s := New(st, traceindex.New(), agent, nil)

	require.NoError(t, s.Tick(context.Background()))

	// noop has no consuming stage, so it must never sit in the pending
	// queue: the trace is finalized directly instead.
	noopPending, err := st.GetPending(autopilot.ActionNoop)
	require.NoError(t, err)
	assert.Empty(t, noopPending)

	coordinatePending, err := st.GetPending(autopilot.ActionCoordinate)
	require.NoError(t, err)
	assert.Empty(t, coordinatePending)

	root, err := st.ReadSpan(p.TraceID)
	require.NoError(t, err)
	assert.Equal(t, autopilot.SpanCompleted, root.Status)
}

func TestClarifyRewritesToNotify(t *testing.T) {
	st := newTestStore(t)
	enqueueCoordinate(t, st)

	agent := &fakeAgent{response: `{"action":"clarify","reasoning":"ambiguous","confidence":0.3}`}
	s := New(st, traceindex.New(), agent, nil)

	require.NoError(t, s.Tick(context.Background()))

	notifyPending, err := st.GetPending(autopilot.ActionNotify)
	require.NoError(t, err)
	require.Len(t, notifyPending, 1)
	assert.Equal(t, "clarify", notifyPending[0].Meta["originalAction"])
}

func TestAgentFailureLeavesActionPending(t *testing.T) {
	st := newTestStore(t)
	p := enqueueCoordinate(t, st)

	agent := &fakeAgent{err: assertErr("provider unavailable")}
	s := New(st, traceindex.New(), agent, nil)

	require.NoError(t, s.Tick(context.Background()))

	remaining, err := st.GetPending(autopilot.ActionCoordinate)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, p.ActionID, remaining[0].ActionID)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
