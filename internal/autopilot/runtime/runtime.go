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

// Package runtime wires the causal store, the trace index, and every
// pipeline stage into one runnable unit: Start launches each stage on
// its own staggered scheduler, Stop drains them, and StatusSnapshot
// reports each stage's point-in-time health. It is the one package
// that imports every stage package, so it lives outside package
// autopilot itself to avoid an import cycle with traceindex (which
// depends on autopilot's core types).
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/rover-autopilot/internal/autopilot"
	"github.com/tombee/rover-autopilot/internal/autopilot/adapters"
	"github.com/tombee/rover-autopilot/internal/autopilot/committer"
	"github.com/tombee/rover-autopilot/internal/autopilot/coordinator"
	"github.com/tombee/rover-autopilot/internal/autopilot/launch"
	"github.com/tombee/rover-autopilot/internal/autopilot/metrics"
	"github.com/tombee/rover-autopilot/internal/autopilot/notify"
	"github.com/tombee/rover-autopilot/internal/autopilot/planner"
	"github.com/tombee/rover-autopilot/internal/autopilot/poller"
	"github.com/tombee/rover-autopilot/internal/autopilot/push"
	"github.com/tombee/rover-autopilot/internal/autopilot/resolver"
	"github.com/tombee/rover-autopilot/internal/autopilot/stage"
	"github.com/tombee/rover-autopilot/internal/autopilot/store"
	"github.com/tombee/rover-autopilot/internal/autopilot/telemetry"
	"github.com/tombee/rover-autopilot/internal/autopilot/traceindex"
	"github.com/tombee/rover-autopilot/internal/tracing"
)

// Steady-state tick intervals and initial staggers, per spec.md §5: the
// event poller ticks first, then coordinator, planner, workflow,
// committer, and resolver each five seconds apart, settling into a 30s
// steady-state period (the poller alone runs every 60s). Push and notify continue the same +5s
// pattern past resolver; telemetry/metrics are pure observers with no
// ordering dependency on the causal chain, so they run on their own,
// faster interval instead of slotting into the stagger.
const (
	steadyStatePeriod = 30 * time.Second

	pollerInitialDelay      = 0 * time.Second
	coordinatorInitialDelay = 5 * time.Second
	plannerInitialDelay     = 10 * time.Second
	launchInitialDelay      = 15 * time.Second
	committerInitialDelay   = 20 * time.Second
	resolverInitialDelay    = 25 * time.Second
	pushInitialDelay        = 30 * time.Second
	notifyInitialDelay      = 35 * time.Second

	pollerInterval = 60 * time.Second

	telemetryInterval     = 15 * time.Second
	telemetryInitialDelay = 2 * time.Second
	checkpointInterval    = 20 * time.Second
	checkpointInitial     = 3 * time.Second
)

// Config aggregates every dependency and tunable needed to construct an
// Autopilot. Fields left zero get a sensible default where one exists
// (see New); adapters have no default and must be supplied by the host.
type Config struct {
	DataDir     string
	ProjectID   string
	MaxLogBytes int64
	LogKeep     int

	EventSource adapters.EventSource
	TaskManager adapters.TaskManager
	Git         adapters.GitAdapter
	Sandboxes   adapters.SandboxFactory
	Hosting     adapters.HostingAdapter
	Agent       adapters.AIAgent

	Launch    launch.Options
	Committer committer.Options

	PollRatePerSecond float64

	// Tracing configures the OTel provider telemetry/metrics mirror
	// into. Leaving ServiceName empty defaults to "rover-autopilot".
	Tracing tracing.Config

	Logger *slog.Logger
}

// Autopilot owns the store, trace index, every stage's scheduler, and
// the telemetry/metrics mirrors layered on top of them.
type Autopilot struct {
	store  *store.Store
	index  *traceindex.Index
	logger *slog.Logger

	otel       *tracing.OTelProvider
	mirror     *telemetry.Mirror
	collector  *metrics.Collector
	schedulers []*stage.Scheduler
}

// New constructs an Autopilot from cfg. It does not start anything;
// call Start to launch the stage schedulers.
func New(cfg Config) (*Autopilot, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "rover-autopilot"
	}

	st := store.New(cfg.DataDir, cfg.ProjectID, cfg.MaxLogBytes, cfg.LogKeep)
	if err := st.Ensure(); err != nil {
		return nil, fmt.Errorf("runtime: preparing store: %w", err)
	}

	idx, err := traceindex.Recover(st)
	if err != nil {
		return nil, fmt.Errorf("runtime: recovering trace index: %w", err)
	}

	otelProvider, err := tracing.NewOTelProviderWithConfig(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("runtime: constructing tracing provider: %w", err)
	}

	collector, err := metrics.New(otelProvider.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("runtime: constructing metrics collector: %w", err)
	}
	collector.SetQueueDepthSource(queueDepthSource{store: st})

	mirror := telemetry.New(otelProvider, idx, "rover.autopilot", cfg.Logger)

	ap := &Autopilot{
		store:     st,
		index:     idx,
		logger:    cfg.Logger,
		otel:      otelProvider,
		mirror:    mirror,
		collector: collector,
	}

	pollStage := poller.New(st, cfg.EventSource, cfg.PollRatePerSecond, cfg.Logger)
	coordinatorStage := coordinator.New(st, idx, cfg.Agent, cfg.Logger)
	plannerStage := planner.New(st, idx, cfg.Agent, cfg.Logger)
	launchStage := launch.New(st, idx, cfg.TaskManager, cfg.Git, cfg.Sandboxes, cfg.Launch, cfg.Logger)
	committerStage := committer.New(st, idx, cfg.TaskManager, cfg.Git,
		metrics.WrapAgent(cfg.Agent, collector, "committer"), cfg.Committer, cfg.Logger)
	resolverStage := resolver.New(st, idx, cfg.TaskManager,
		metrics.WrapAgent(cfg.Agent, collector, "resolver"), cfg.Logger)
	pushStage := push.New(st, cfg.TaskManager, cfg.Git, cfg.Logger)
	notifyStage := notify.New(st, metrics.WrapAgent(cfg.Agent, collector, "notify"), cfg.Hosting, cfg.Logger)

	checkpoint := checkpointRunner{store: st, index: idx}

	ap.schedulers = []*stage.Scheduler{
		stage.New(pollStage, pollerInterval, pollerInitialDelay, cfg.Logger),
		stage.New(coordinatorStage, steadyStatePeriod, coordinatorInitialDelay, cfg.Logger),
		stage.New(plannerStage, steadyStatePeriod, plannerInitialDelay, cfg.Logger),
		stage.New(launchStage, steadyStatePeriod, launchInitialDelay, cfg.Logger),
		stage.New(committerStage, steadyStatePeriod, committerInitialDelay, cfg.Logger),
		stage.New(resolverStage, steadyStatePeriod, resolverInitialDelay, cfg.Logger),
		stage.New(pushStage, steadyStatePeriod, pushInitialDelay, cfg.Logger),
		stage.New(notifyStage, steadyStatePeriod, notifyInitialDelay, cfg.Logger),
		stage.New(mirror, telemetryInterval, telemetryInitialDelay, cfg.Logger),
		stage.New(checkpoint, checkpointInterval, checkpointInitial, cfg.Logger),
	}

	return ap, nil
}

// Start launches every stage's scheduler. It returns immediately.
func (ap *Autopilot) Start(ctx context.Context) {
	for _, sch := range ap.schedulers {
		sch.Start(ctx)
	}
}

// Stop drains every stage's scheduler, waiting up to drainTimeout per
// stage for an in-flight tick to finish, then flushes the tracing
// provider.
func (ap *Autopilot) Stop(drainTimeout time.Duration) {
	for _, sch := range ap.schedulers {
		sch.Stop(drainTimeout)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := ap.otel.Shutdown(shutdownCtx); err != nil {
		ap.logger.Warn("tracing provider shutdown failed", "error", err)
	}
}

// StatusSnapshot reports every stage's point-in-time scheduler status.
func (ap *Autopilot) StatusSnapshot() []stage.Status {
	out := make([]stage.Status, 0, len(ap.schedulers))
	for _, sch := range ap.schedulers {
		out = append(out, sch.Status())
	}
	return out
}

// MetricsHandler exposes the Prometheus scrape endpoint for this
// process's rover_* and otel-internal metrics.
func (ap *Autopilot) MetricsHandler() http.Handler {
	return ap.otel.MetricsHandler()
}

type checkpointRunner struct {
	store *store.Store
	index *traceindex.Index
}

func (c checkpointRunner) Name() string     { return "checkpoint" }
func (c checkpointRunner) MaxParallel() int { return 1 }
func (c checkpointRunner) Tick(ctx context.Context) error {
	return c.store.SaveTraces(c.index.Snapshot())
}

type queueDepthSource struct {
	store *store.Store
}

func (q queueDepthSource) PendingCount(action string) int {
	pending, err := q.store.GetPending(autopilot.ActionKind(action))
	if err != nil {
		return 0
	}
	return len(pending)
}
