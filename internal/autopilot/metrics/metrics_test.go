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

package metrics

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/tombee/rover-autopilot/internal/autopilot/adapters"
)

func TestNewCollector(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	c, err := New(provider)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.meter == nil {
		t.Error("expected meter to be set")
	}
	if c.activeTraces == nil {
		t.Error("expected activeTraces map to be initialized")
	}
}

func TestRecordTraceStartAndComplete(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	c, err := New(provider)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.RecordTraceStart("trace-1")
	c.activeTracesMu.RLock()
	_, active := c.activeTraces["trace-1"]
	c.activeTracesMu.RUnlock()
	if !active {
		t.Error("expected trace-1 to be tracked as active")
	}

	c.RecordTraceComplete(context.Background(), "trace-1", "pushed", 2*time.Second)
	c.activeTracesMu.RLock()
	_, stillActive := c.activeTraces["trace-1"]
	c.activeTracesMu.RUnlock()
	if stillActive {
		t.Error("expected trace-1 to be removed from active set after completion")
	}
}

func TestRecordAgentRequestAccumulatesCost(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	c, err := New(provider)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.RecordAgentRequest(context.Background(), "resolver", "ok", 100, 50, 0.02, 300*time.Millisecond)
	c.RecordAgentRequest(context.Background(), "resolver", "ok", 10, 5, 0.01, 50*time.Millisecond)

	c.totalCostMu.RLock()
	cost := c.totalCostUSD
	c.totalCostMu.RUnlock()

	if cost < 0.0299 || cost > 0.0301 {
		t.Errorf("expected accumulated cost ~0.03, got %f", cost)
	}
}

type fakeQueueSource struct{ depth int }

func (f fakeQueueSource) PendingCount(action string) int { return f.depth }

func TestSetQueueDepthSource(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	c, err := New(provider)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.SetQueueDepthSource(fakeQueueSource{depth: 3})

	c.queueSourceMu.RLock()
	source := c.queueSource
	c.queueSourceMu.RUnlock()
	if source == nil {
		t.Fatal("expected queue source to be set")
	}
	if got := source.PendingCount("push"); got != 3 {
		t.Errorf("expected PendingCount 3, got %d", got)
	}
}

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

func TestWrapAgentRecordsLatency(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	c, err := New(provider)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wrapped := WrapAgent(&fakeAgent{response: "ok"}, c, "resolver")
	resp, err := wrapped.Invoke(context.Background(), "prompt", adapters.CompletionOptions{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp != "ok" {
		t.Errorf("expected response passthrough, got %q", resp)
	}
}

func TestWrapAgentNilCollectorPassesThrough(t *testing.T) {
	agent := &fakeAgent{response: "ok"}
	wrapped := WrapAgent(agent, nil, "resolver")
	if wrapped != adapters.AIAgent(agent) {
		t.Error("expected WrapAgent to return the original agent when collector is nil")
	}
}
