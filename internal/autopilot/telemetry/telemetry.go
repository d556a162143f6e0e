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

// Package telemetry mirrors the causal trace index into OpenTelemetry
// spans, so an operator's existing tracing backend shows the same
// timeline the autopilot's own JSONL log and trace index record. It
// never influences autopilot decisions; it only observes.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tombee/rover-autopilot/internal/autopilot"
	"github.com/tombee/rover-autopilot/internal/autopilot/traceindex"
	"github.com/tombee/rover-autopilot/pkg/observability"
)

// Mirror periodically diffs the trace index against what it has already
// emitted and opens/closes OTel spans for the difference.
type Mirror struct {
	tracer observability.Tracer
	index  *traceindex.Index
	logger *slog.Logger

	mu       sync.Mutex
	roots    map[string]rootSpan
	lastSeen map[string]map[string]autopilot.SpanStatus
}

type rootSpan struct {
	ctx    context.Context
	handle observability.SpanHandle
}

// New constructs a Mirror against the given trace index, using tracerName
// as the instrumentation scope passed to provider.Tracer.
func New(provider observability.TracerProvider, index *traceindex.Index, tracerName string, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	if tracerName == "" {
		tracerName = "rover.autopilot"
	}
	return &Mirror{
		tracer:   provider.Tracer(tracerName),
		index:    index,
		logger:   logger.With("stage", "telemetry"),
		roots:    map[string]rootSpan{},
		lastSeen: map[string]map[string]autopilot.SpanStatus{},
	}
}

// Name implements stage.Runner.
func (m *Mirror) Name() string { return "telemetry" }

// MaxParallel implements stage.Runner. Mirroring is a single in-memory
// scan; there is nothing to parallelize across.
func (m *Mirror) MaxParallel() int { return 1 }

// Tick implements stage.Runner: it snapshots every trace's steps and
// mirrors whatever has changed since the previous tick.
func (m *Mirror) Tick(ctx context.Context) error {
	snapshot := m.index.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()

	for traceID, trace := range snapshot {
		m.mirrorTraceLocked(traceID, trace)
	}
	return nil
}

func (m *Mirror) mirrorTraceLocked(traceID string, trace autopilot.TraceSnapshot) {
	seen, ok := m.lastSeen[traceID]
	if !ok {
		seen = map[string]autopilot.SpanStatus{}
		m.lastSeen[traceID] = seen
	}

	// A root span is (re)opened only when some step has not been mirrored
	// yet or has changed status, so a finished trace is not re-emitted.
	pending := false
	for _, step := range trace.Steps {
		if prior, seenBefore := seen[step.ActionID]; !seenBefore || prior != step.Status {
			pending = true
			break
		}
	}

	root, hasRoot := m.roots[traceID]
	if !hasRoot && pending {
		root = m.openRootLocked(traceID, trace.Steps[0])
		m.roots[traceID] = root
	}

	allTerminal := len(trace.Steps) > 0
	anyFailed := false

	for _, step := range trace.Steps {
		if !isTerminal(step.Status) {
			allTerminal = false
			continue
		}
		if step.Status != autopilot.SpanCompleted {
			anyFailed = true
		}
		if prior, seenBefore := seen[step.ActionID]; seenBefore && prior == step.Status {
			continue
		}
		seen[step.ActionID] = step.Status
		m.mirrorStepLocked(traceID, root, step)
	}

	if allTerminal {
		if root.handle != nil {
			code := observability.StatusCodeOK
			if anyFailed {
				code = observability.StatusCodeError
			}
			root.handle.SetStatus(code, "trace finished")
			root.handle.End()
		}
		delete(m.roots, traceID)
	}
}

func (m *Mirror) openRootLocked(traceID string, first autopilot.ActionStep) rootSpan {
	ctx, handle := m.tracer.Start(context.Background(), "trace",
		observability.WithSpanKind(observability.SpanKindInternal),
		observability.WithAttributes(map[string]any{
			"rover.trace_id": traceID,
		}),
		observability.WithTimestamp(first.Timestamp.UnixNano()),
	)
	return rootSpan{ctx: ctx, handle: handle}
}

func (m *Mirror) mirrorStepLocked(traceID string, root rootSpan, step autopilot.ActionStep) {
	parent := root.ctx
	if parent == nil {
		parent = context.Background()
	}

	_, handle := m.tracer.Start(parent, string(step.Action),
		observability.WithAttributes(map[string]any{
			"rover.trace_id":  traceID,
			"rover.action_id": step.ActionID,
			"rover.action":    string(step.Action),
			"rover.status":    string(step.Status),
			"rover.retry":     step.RetryCount,
		}),
		observability.WithTimestamp(step.Timestamp.UnixNano()),
	)

	switch step.Status {
	case autopilot.SpanCompleted:
		handle.SetStatus(observability.StatusCodeOK, step.Reasoning)
	case autopilot.SpanFailed, autopilot.SpanError:
		handle.SetStatus(observability.StatusCodeError, step.Reasoning)
	}

	// ActionStep carries a single timestamp, not a start/end pair, so the
	// mirrored span's duration collapses to zero. This is a deliberate
	// simplification: the causal Span (not the trace-index projection)
	// is the source of truth for real start/end times, but the index
	// doesn't retain it once a step is folded in.
	handle.End(observability.WithEndTimestamp(step.Timestamp.UnixNano()))
}

func isTerminal(status autopilot.SpanStatus) bool {
	switch status {
	case autopilot.SpanCompleted, autopilot.SpanFailed, autopilot.SpanError:
		return true
	default:
		return false
	}
}
