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

// Package stage provides the generic periodic-scheduler runtime shared by
// every pipeline stage: a Runner interface each stage implements, and a
// Scheduler that ticks it on its own timer, skipping re-entry while a
// previous tick is still running and bounding per-tick parallelism.
package stage

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Runner is the contract every pipeline stage implements. Adding a stage
// to the autopilot is adding one Runner to the table the top-level
// scheduler drives; there is no other dispatch mechanism.
type Runner interface {
	// Name identifies the stage for logging and metrics, e.g. "coordinator".
	Name() string

	// Tick processes whatever work is currently eligible, bounded by
	// MaxParallel, and returns once the tick's work has been dispatched
	// (not necessarily completed — Tick may itself block on bounded
	// parallel handlers joining).
	Tick(ctx context.Context) error

	// MaxParallel bounds how many items this stage may process
	// concurrently within a single tick.
	MaxParallel() int
}

// Status is a stage's point-in-time observability snapshot, returned per
// stage by the runtime's StatusSnapshot.
type Status struct {
	Name            string
	LastTick        time.Time
	InFlight        int
	LastError       error
	ProcessedCount  int64
	TickCount       int64
}

// Scheduler drives one Runner on its own ticker, with an initial stagger,
// jitter to avoid thundering herd against shared resources, and a
// skip-if-already-running guard so overlapping ticks never run
// concurrently for the same stage.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	initial  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	running  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}

	lastTick       atomic.Value // time.Time
	inFlight       atomic.Int64
	lastErr        atomic.Value // error
	processedCount atomic.Int64
	tickCount      atomic.Int64
}

// New constructs a Scheduler for runner, ticking every interval after an
// initial delay.
func New(runner Runner, interval, initial time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		initial:  initial,
		logger:   logger.With("component", runner.Name()),
	}
}

// Start launches the scheduler's goroutine. It returns immediately; call
// Stop to drain and halt it.
func (sch *Scheduler) Start(ctx context.Context) {
	sch.mu.Lock()
	if sch.cancel != nil {
		sch.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	sch.cancel = cancel
	sch.done = make(chan struct{})
	sch.mu.Unlock()

	go sch.run(runCtx)
}

// Stop signals the scheduler to stop accepting new ticks and waits
// (bounded by drainTimeout) for any in-flight tick to finish.
func (sch *Scheduler) Stop(drainTimeout time.Duration) {
	sch.mu.Lock()
	if sch.stopped {
		sch.mu.Unlock()
		return
	}
	sch.stopped = true
	cancel := sch.cancel
	done := sch.done
	sch.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done == nil {
		return
	}

	select {
	case <-done:
	case <-time.After(drainTimeout):
		sch.logger.Warn("drain timeout exceeded, abandoning in-flight tick")
	}
}

func (sch *Scheduler) run(ctx context.Context) {
	defer close(sch.done)

	if sch.initial > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(addJitter(sch.initial)):
		}
	}

	ticker := time.NewTicker(addJitter(sch.interval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sch.tryTick(ctx)
			ticker.Reset(addJitter(sch.interval))
		}
	}
}

// tryTick runs one tick if the previous one has finished; overlapping
// ticks are skipped, not queued.
func (sch *Scheduler) tryTick(ctx context.Context) {
	sch.mu.Lock()
	if sch.running {
		sch.mu.Unlock()
		sch.logger.Debug("tick skipped, previous tick still running")
		return
	}
	sch.running = true
	sch.mu.Unlock()

	defer func() {
		sch.mu.Lock()
		sch.running = false
		sch.mu.Unlock()
	}()

	sch.inFlight.Add(1)
	defer sch.inFlight.Add(-1)

	sch.lastTick.Store(time.Now().UTC())
	sch.tickCount.Add(1)

	if err := sch.runner.Tick(ctx); err != nil {
		sch.lastErr.Store(err)
		sch.logger.Error("tick failed", "error", err)
		return
	}

	sch.lastErr.Store(error(nil))
	sch.processedCount.Add(1)
}

// Status returns the scheduler's current observability snapshot.
func (sch *Scheduler) Status() Status {
	var lastTick time.Time
	if v, ok := sch.lastTick.Load().(time.Time); ok {
		lastTick = v
	}
	var lastErr error
	if v, ok := sch.lastErr.Load().(error); ok {
		lastErr = v
	}
	return Status{
		Name:           sch.runner.Name(),
		LastTick:       lastTick,
		InFlight:       int(sch.inFlight.Load()),
		LastError:      lastErr,
		ProcessedCount: sch.processedCount.Load(),
		TickCount:      sch.tickCount.Load(),
	}
}

// addJitter adds +/-10% jitter to a duration to avoid every stage's
// ticker firing in lockstep against shared resources (store, AI adapter).
func addJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	jitterRange := float64(d) * 0.1
	jitter := (rand.Float64()*2 - 1) * jitterRange
	return d + time.Duration(jitter)
}

// InProgressGuard prevents re-entry on the same key (an actionId) within
// one tick: a stage claims a key before processing it and releases it
// when done, so a slow handler can't be picked up twice by an overlapping
// bounded-parallel dispatch within the same tick.
type InProgressGuard struct {
	mu  sync.Mutex
	set map[string]struct{}
}

// NewInProgressGuard constructs an empty guard.
func NewInProgressGuard() *InProgressGuard {
	return &InProgressGuard{set: map[string]struct{}{}}
}

// TryClaim claims key, returning false if it is already claimed.
func (g *InProgressGuard) TryClaim(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.set[key]; ok {
		return false
	}
	g.set[key] = struct{}{}
	return true
}

// Release releases key, allowing a future tick to claim it again.
func (g *InProgressGuard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.set, key)
}

// BoundedParallel runs fn(items[i]) for every item, at most maxParallel at
// once, and waits for all to finish.
func BoundedParallel[T any](ctx context.Context, items []T, maxParallel int, fn func(context.Context, T)) {
	if maxParallel < 1 {
		maxParallel = 1
	}
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup

	for _, item := range items {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		default:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(it T) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(ctx, it)
		}(item)
	}

	wg.Wait()
}
