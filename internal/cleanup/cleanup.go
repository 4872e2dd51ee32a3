// Package cleanup implements the Cleanup Coordinator: the ordered shutdown
// sequence that stops new work, drains in-flight requests, tears down voice
// sessions, unloads resident models, and closes store handles, per the
// ordered list in spec.md §4.11.
//
// The shape is grounded on the teacher's internal/app.App.Shutdown: a
// sync.Once-guarded sequence of steps, each bounded by the caller's context
// and tolerant of its own failure, with an overall success/failure report
// instead of a first-error-wins return.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// RequestDrainer stops the Queue Worker from accepting new work and reports
// how many requests are still in flight.
type RequestDrainer interface {
	Stop(ctx context.Context) error
	Len() int
}

// VoiceCleaner runs the cleanup transition for every open voice session and
// deletes any channel left on the pending-deletion list.
type VoiceCleaner interface {
	Shutdown(ctx context.Context)
}

// ModelUnloader drops model residency (keep-alive = 0 equivalent).
type ModelUnloader interface {
	Shutdown()
}

// StoreCloser closes a durable-store handle. Both the Conversation Store
// and the Vector Store Facade satisfy this with their existing Close().
type StoreCloser interface {
	Close()
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDrainTimeout bounds how long step 2 (in-flight drain) waits before
// giving up and proceeding anyway.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.drainTimeout = d }
}

// WithStepTimeout bounds each remaining step's budget.
func WithStepTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.stepTimeout = d }
}

const (
	defaultDrainTimeout = 30 * time.Second
	defaultStepTimeout  = 15 * time.Second
	drainPollInterval   = 200 * time.Millisecond
)

// Coordinator runs the ordered shutdown sequence described in spec.md
// §4.11. Each step catches its own errors and proceeds; Run's return value
// reports whether every step reported success.
type Coordinator struct {
	worker RequestDrainer
	voice  VoiceCleaner
	model  ModelUnloader
	stores []StoreCloser

	drainTimeout time.Duration
	stepTimeout  time.Duration

	once    sync.Once
	results []StepResult
}

// New constructs a Coordinator. stores are closed concurrently in step 5,
// bounded by an errgroup per SPEC_FULL's domain-stack mapping of
// golang.org/x/sync to this coordinator.
func New(worker RequestDrainer, voice VoiceCleaner, model ModelUnloader, stores []StoreCloser, opts ...Option) *Coordinator {
	c := &Coordinator{
		worker:       worker,
		voice:        voice,
		model:        model,
		stores:       stores,
		drainTimeout: defaultDrainTimeout,
		stepTimeout:  defaultStepTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StepResult reports one shutdown step's outcome.
type StepResult struct {
	Name string
	Err  error
}

// Run executes the ordered shutdown sequence exactly once; concurrent or
// repeated calls after the first block until the first completes and then
// return its results. It never returns an error itself — callers inspect
// the per-step results to decide the process exit code, per spec.md's "exit
// code reflects whether all steps reported success".
func (c *Coordinator) Run(ctx context.Context) []StepResult {
	c.once.Do(func() {
		c.results = c.run(ctx)
	})
	return c.results
}

func (c *Coordinator) run(ctx context.Context) []StepResult {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"stop_accepting", c.stepStopAccepting},
		{"drain_inflight", c.stepDrainInFlight},
		{"voice_cleanup", c.stepVoiceCleanup},
		{"unload_models", c.stepUnloadModels},
		{"close_stores", c.stepCloseStores},
	}

	results := make([]StepResult, 0, len(steps))
	for _, step := range steps {
		stepCtx, cancel := context.WithTimeout(ctx, c.stepTimeout)
		err := step.fn(stepCtx)
		cancel()
		if err != nil {
			slog.Warn("cleanup step failed, proceeding", "step", step.name, "error", err)
		} else {
			slog.Info("cleanup step complete", "step", step.name)
		}
		results = append(results, StepResult{Name: step.name, Err: err})
	}
	return results
}

// Success reports whether every step in results succeeded.
func Success(results []StepResult) bool {
	for _, r := range results {
		if r.Err != nil {
			return false
		}
	}
	return true
}

func (c *Coordinator) stepStopAccepting(ctx context.Context) error {
	return c.worker.Stop(ctx)
}

// stepDrainInFlight polls the queue's remaining length until it empties or
// c.drainTimeout (capped further by ctx) elapses.
func (c *Coordinator) stepDrainInFlight(ctx context.Context) error {
	deadline := time.Now().Add(c.drainTimeout)
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if c.worker.Len() == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("cleanup: %d requests still in flight after drain timeout", c.worker.Len())
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("cleanup: drain in-flight: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) stepVoiceCleanup(ctx context.Context) error {
	c.voice.Shutdown(ctx)
	return nil
}

func (c *Coordinator) stepUnloadModels(_ context.Context) error {
	c.model.Shutdown()
	return nil
}

// stepCloseStores closes every store concurrently, bounded by an errgroup so
// a slow store doesn't serialize behind the others within the step's
// timeout.
func (c *Coordinator) stepCloseStores(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, store := range c.stores {
		store := store
		g.Go(func() error {
			store.Close()
			return nil
		})
	}
	return g.Wait()
}

// ExitCode maps a Run result to a process exit status: 0 if every step
// succeeded, 1 otherwise.
func ExitCode(results []StepResult) int {
	if Success(results) {
		return 0
	}
	return 1
}
