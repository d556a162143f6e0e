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

// Package metrics collects Prometheus-compatible metrics for the
// autopilot's own stages, mirroring the shape of the teacher's workflow
// metrics collector but scoped to traces, actions, and agent calls
// instead of workflow runs and steps.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QueueDepthSource reports the current size of the pending-action queue
// for a given action kind, so it can be exposed as an observable gauge
// without the collector polling the store itself.
type QueueDepthSource interface {
	PendingCount(action string) int
}

// Collector collects rover_* metrics for the autopilot's stage loop.
type Collector struct {
	meter metric.Meter

	tracesTotal      metric.Int64Counter
	actionsTotal     metric.Int64Counter
	agentRequests    metric.Int64Counter
	agentTokensTotal metric.Int64Counter

	traceDuration metric.Float64Histogram
	actionLatency metric.Float64Histogram
	agentLatency  metric.Float64Histogram

	activeTraces   map[string]bool
	activeTracesMu sync.RWMutex

	totalCostUSD float64
	totalCostMu  sync.RWMutex

	queueSource   QueueDepthSource
	queueSourceMu sync.RWMutex
}

// New creates a Collector using the given meter provider. Pass the
// *tracing.OTelProvider's meter provider (or any other
// observability/metric.MeterProvider implementation).
func New(meterProvider metric.MeterProvider) (*Collector, error) {
	meter := meterProvider.Meter("rover.autopilot")

	c := &Collector{
		meter:        meter,
		activeTraces: make(map[string]bool),
	}

	var err error

	c.tracesTotal, err = meter.Int64Counter(
		"rover_traces_total",
		metric.WithDescription("Total number of traces started"),
		metric.WithUnit("{trace}"),
	)
	if err != nil {
		return nil, err
	}

	c.actionsTotal, err = meter.Int64Counter(
		"rover_actions_total",
		metric.WithDescription("Total number of stage actions processed"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, err
	}

	c.agentRequests, err = meter.Int64Counter(
		"rover_agent_requests_total",
		metric.WithDescription("Total number of AI agent invocations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	c.agentTokensTotal, err = meter.Int64Counter(
		"rover_agent_tokens_total",
		metric.WithDescription("Total number of tokens processed by agent calls"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	c.traceDuration, err = meter.Float64Histogram(
		"rover_trace_duration_seconds",
		metric.WithDescription("Trace duration from event ingestion to terminal notify/push"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.actionLatency, err = meter.Float64Histogram(
		"rover_action_duration_seconds",
		metric.WithDescription("Stage action processing duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.agentLatency, err = meter.Float64Histogram(
		"rover_agent_latency_seconds",
		metric.WithDescription("AI agent invocation latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"rover_active_traces",
		metric.WithDescription("Number of traces not yet terminal"),
		metric.WithUnit("{trace}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			c.activeTracesMu.RLock()
			count := len(c.activeTraces)
			c.activeTracesMu.RUnlock()
			observer.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Float64ObservableGauge(
		"rover_agent_cost_usd",
		metric.WithDescription("Total AI agent cost in USD"),
		metric.WithUnit("USD"),
		metric.WithFloat64Callback(func(ctx context.Context, observer metric.Float64Observer) error {
			c.totalCostMu.RLock()
			cost := c.totalCostUSD
			c.totalCostMu.RUnlock()
			observer.Observe(cost)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	for _, kind := range []string{"workflow", "commit", "resolve", "push", "notify"} {
		kind := kind
		_, err = meter.Int64ObservableGauge(
			"rover_pending_queue_depth",
			metric.WithDescription("Number of pending actions awaiting a stage, by action kind"),
			metric.WithUnit("{action}"),
			metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
				c.queueSourceMu.RLock()
				source := c.queueSource
				c.queueSourceMu.RUnlock()
				if source == nil {
					return nil
				}
				observer.Observe(int64(source.PendingCount(kind)), metric.WithAttributes(attribute.String("action", kind)))
				return nil
			}),
		)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

// RecordTraceStart marks traceID active.
func (c *Collector) RecordTraceStart(traceID string) {
	c.activeTracesMu.Lock()
	c.activeTraces[traceID] = true
	c.activeTracesMu.Unlock()
}

// RecordTraceComplete marks traceID terminal and records its total
// duration since the root event span.
func (c *Collector) RecordTraceComplete(ctx context.Context, traceID, outcome string, duration time.Duration) {
	c.activeTracesMu.Lock()
	delete(c.activeTraces, traceID)
	c.activeTracesMu.Unlock()

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	c.tracesTotal.Add(ctx, 1, attrs)
	c.traceDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordAction records one stage's processing of one action.
func (c *Collector) RecordAction(ctx context.Context, stage, action, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("action", action),
		attribute.String("status", status),
	)
	c.actionsTotal.Add(ctx, 1, attrs)
	c.actionLatency.Record(ctx, duration.Seconds(), attrs)
}

// RecordAgentRequest records one AI agent invocation.
func (c *Collector) RecordAgentRequest(ctx context.Context, caller, status string, promptTokens, completionTokens int, costUSD float64, latency time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("caller", caller),
		attribute.String("status", status),
	)
	c.agentRequests.Add(ctx, 1, attrs)
	c.agentLatency.Record(ctx, latency.Seconds(), attrs)

	if promptTokens > 0 {
		c.agentTokensTotal.Add(ctx, int64(promptTokens), metric.WithAttributes(
			attribute.String("caller", caller), attribute.String("type", "prompt"),
		))
	}
	if completionTokens > 0 {
		c.agentTokensTotal.Add(ctx, int64(completionTokens), metric.WithAttributes(
			attribute.String("caller", caller), attribute.String("type", "completion"),
		))
	}
	if costUSD > 0 {
		c.totalCostMu.Lock()
		c.totalCostUSD += costUSD
		c.totalCostMu.Unlock()
	}
}

// SetQueueDepthSource wires the observable queue-depth gauges to a
// live source, typically an adapter over *store.Store.GetPending.
func (c *Collector) SetQueueDepthSource(source QueueDepthSource) {
	c.queueSourceMu.Lock()
	c.queueSource = source
	c.queueSourceMu.Unlock()
}
