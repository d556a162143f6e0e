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

// Package causal provides the only authorized writers of spans, actions,
// and pending-queue entries: SpanWriter, ActionWriter, and EnqueueAction.
package causal

import (
	"time"

	"github.com/google/uuid"

	"github.com/tombee/rover-autopilot/internal/autopilot"
	"github.com/tombee/rover-autopilot/internal/autopilot/store"
)

// SpanHandle wraps a running span, letting a stage finalize it exactly
// once via Complete, Fail, or Error.
type SpanHandle struct {
	store *store.Store
	span  autopilot.Span
}

// SpanWriter opens a new running span, writing it immediately so a crash
// mid-stage still leaves a discoverable (if never-finalized) span.
func SpanWriter(st *store.Store, step autopilot.StepKind, parentID *string, meta autopilot.Meta) (*SpanHandle, error) {
	span := autopilot.Span{
		ID:        uuid.NewString(),
		Parent:    parentID,
		Step:      step,
		Timestamp: time.Now().UTC(),
		Status:    autopilot.SpanRunning,
		Meta:      meta,
	}
	if err := st.WriteSpan(span); err != nil {
		return nil, err
	}
	return &SpanHandle{store: st, span: span}, nil
}

// ResumeSpan reopens a previously written span (by id) so a later tick, in
// a different stage, can finalize it. It is the only way to obtain a
// SpanHandle for a span this process did not itself just create.
func ResumeSpan(st *store.Store, spanID string) (*SpanHandle, error) {
	span, err := st.ReadSpan(spanID)
	if err != nil {
		return nil, err
	}
	return &SpanHandle{store: st, span: span}, nil
}

// Span returns the current (running) span value.
func (h *SpanHandle) Span() autopilot.Span { return h.span }

// ID returns the span's id.
func (h *SpanHandle) ID() string { return h.span.ID }

func (h *SpanHandle) finalize(status autopilot.SpanStatus, summary string, extraMeta autopilot.Meta) error {
	now := time.Now().UTC()
	h.span.Status = status
	h.span.Summary = summary
	h.span.Completed = &now
	if extraMeta != nil {
		if h.span.Meta == nil {
			h.span.Meta = autopilot.Meta{}
		}
		for k, v := range extraMeta {
			h.span.Meta[k] = v
		}
	}
	return h.store.WriteSpan(h.span)
}

// Complete finalizes the span as completed.
func (h *SpanHandle) Complete(summary string, extraMeta autopilot.Meta) error {
	return h.finalize(autopilot.SpanCompleted, summary, extraMeta)
}

// Fail finalizes the span as failed (an expected, handled failure).
func (h *SpanHandle) Fail(summary string) error {
	return h.finalize(autopilot.SpanFailed, summary, nil)
}

// ErrorOut finalizes the span as error (an invariant violation or
// unexpected condition requiring operator attention).
func (h *SpanHandle) ErrorOut(summary string) error {
	return h.finalize(autopilot.SpanError, summary, nil)
}

// ActionWriter writes a new, immutable action record.
func ActionWriter(st *store.Store, kind autopilot.ActionKind, spanID, reasoning string, meta autopilot.Meta) (autopilot.Action, error) {
	action := autopilot.Action{
		ID:        uuid.NewString(),
		Action:    kind,
		SpanID:    spanID,
		Timestamp: time.Now().UTC(),
		Meta:      meta,
		Reasoning: reasoning,
	}
	if err := st.WriteAction(action); err != nil {
		return autopilot.Action{}, err
	}
	return action, nil
}

// FinalizeTrace resumes a trace's root event span and finalizes it.
// traceID is always the id of the root span itself (see poller.ingest),
// so this is the one place that closes out a trace once the last stage
// to touch it removes the final PendingAction without enqueuing a
// successor. status selects Complete, Fail, or Error finalization.
func FinalizeTrace(st *store.Store, traceID string, status autopilot.SpanStatus, summary string) error {
	root, err := ResumeSpan(st, traceID)
	if err != nil {
		return err
	}
	switch status {
	case autopilot.SpanFailed:
		return root.Fail(summary)
	case autopilot.SpanError:
		return root.ErrorOut(summary)
	default:
		return root.Complete(summary, nil)
	}
}

// EnqueueAction adds a PendingAction referencing action and writes the
// joining log line. It is the one authorized place where the pending
// queue grows.
func EnqueueAction(st *store.Store, traceID string, action autopilot.Action, step autopilot.StepKind, summary string) error {
	pending := autopilot.PendingAction{
		TraceID:   traceID,
		ActionID:  action.ID,
		SpanID:    action.SpanID,
		Action:    action.Action,
		Summary:   summary,
		CreatedAt: time.Now().UTC(),
		Meta:      action.Meta,
	}

	if err := st.AddPending(pending); err != nil {
		return err
	}

	return st.AppendLog(autopilot.LogEntry{
		TraceID:  traceID,
		SpanID:   action.SpanID,
		ActionID: action.ID,
		Step:     step,
		Action:   action.Action,
		Summary:  summary,
	})
}
