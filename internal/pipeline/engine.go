// Package pipeline drives pipeline runs through their definitions.
//
// The engine owns no run state between calls: every operation loads the run from the
// injected RunStore, works on a copy, and saves it back at each step boundary. A run
// paused for review therefore survives restarts and can be resumed by another process.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/storyforge/internal/definition"
	"github.com/jonathan/storyforge/internal/eventlog"
	"github.com/jonathan/storyforge/internal/pipeline/steps"
	"github.com/jonathan/storyforge/internal/runstore"
	"github.com/jonathan/storyforge/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Defaults for Options.
const (
	DefaultBranch      = "main"
	DefaultAuditBranch = "_runs"
)

// EventRunFinished is the event type of the audit record committed for a finished run.
const EventRunFinished = types.EventRunFinished

// Options configures an Engine.
type Options struct {
	Store   runstore.Store
	Catalog *definition.Catalog
	Log     *eventlog.Log
	// Deps are passed to the step executors. Deps.Log defaults to Log.
	Deps          steps.Deps
	DefaultBranch string
	AuditBranch   string
	Logger        zerolog.Logger
	Registerer    prometheus.Registerer
	Tracer        trace.Tracer
	Clock         func() time.Time
}

// StartOptions holds per-run settings for Start.
type StartOptions struct {
	// Branch is the id or name of the branch COMMIT steps write to.
	Branch string
}

// Engine is the Pipeline Run Engine.
type Engine struct {
	store         runstore.Store
	catalog       *definition.Catalog
	log           *eventlog.Log
	registry      steps.Registry
	defaultBranch string
	auditBranch   string
	logger        zerolog.Logger
	tracer        trace.Tracer
	clock         func() time.Time
	metrics       *metrics
	broker        *broker

	mu       sync.Mutex
	controls map[string]*control
}

// control serializes work on one run and carries a pending abort request.
type control struct {
	mu    sync.Mutex
	abort atomic.Bool
	// refs counts the calls holding this control; guarded by Engine.mu.
	refs int
}

// New creates an engine. Store and Log are required.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("pipeline engine requires a run store")
	}
	if opts.Log == nil {
		return nil, fmt.Errorf("pipeline engine requires an event log")
	}
	if opts.Catalog == nil {
		opts.Catalog = definition.NewCatalog(opts.Logger)
	}
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = DefaultBranch
	}
	if opts.AuditBranch == "" {
		opts.AuditBranch = DefaultAuditBranch
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("storyforge/pipeline")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	e := &Engine{
		store:         opts.Store,
		catalog:       opts.Catalog,
		log:           opts.Log,
		defaultBranch: opts.DefaultBranch,
		auditBranch:   opts.AuditBranch,
		logger:        opts.Logger,
		tracer:        opts.Tracer,
		clock:         opts.Clock,
		metrics:       newMetrics(opts.Registerer),
		broker:        newBroker(),
		controls:      make(map[string]*control),
	}

	deps := opts.Deps
	if deps.Log == nil {
		deps.Log = opts.Log
	}
	if deps.Tracer == nil {
		deps.Tracer = opts.Tracer
	}
	if deps.Clock == nil {
		deps.Clock = opts.Clock
	}
	deps.Logger = opts.Logger
	onRetry := deps.OnRetry
	deps.OnRetry = func(stepID string, attempt int, err error) {
		e.metrics.generationRetries.Inc()
		if onRetry != nil {
			onRetry(stepID, attempt, err)
		}
	}
	e.registry = steps.NewRegistry(deps)
	return e, nil
}

// Catalog returns the definition catalog runs are started from.
func (e *Engine) Catalog() *definition.Catalog { return e.catalog }

// control returns the control for runID. Every call must be paired with forget.
func (e *Engine) control(runID string) *control {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.controls[runID]
	if !ok {
		c = &control{}
		e.controls[runID] = c
	}
	c.refs++
	return c
}

// forget drops the caller's hold on c. The entry is removed once no call holds it and
// no abort is pending, so unknown and long-paused runs do not accumulate.
func (e *Engine) forget(runID string, c *control) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c.refs--
	if c.refs <= 0 && !c.abort.Load() && e.controls[runID] == c {
		delete(e.controls, runID)
	}
}

// release unlocks c, applies an abort that arrived while it was held, and forgets c.
func (e *Engine) release(runID string, c *control) {
	defer e.forget(runID, c)
	c.mu.Unlock()
	if c.abort.Load() && c.mu.TryLock() {
		defer c.mu.Unlock()
		run, err := e.store.Get(context.Background(), runID)
		if err != nil {
			if types.IsNotFound(err) {
				c.abort.Store(false)
			}
			e.logger.Error().Err(err).Str("run_id", runID).Msg("failed to load run for pending abort")
			return
		}
		if _, err := e.abortLocked(context.Background(), c, run); err != nil {
			e.logger.Error().Err(err).Str("run_id", runID).Msg("failed to apply pending abort")
		}
	}
}

// Start registers def, creates a run seeded with payload and advances it until it
// pauses or finishes. The run id is returned even when advancing fails.
func (e *Engine) Start(ctx context.Context, def *types.PipelineDefinition, payload map[string]any, opts StartOptions) (string, error) {
	runID, err := e.Create(ctx, def, payload, opts)
	if err != nil {
		return "", err
	}
	_, err = e.Advance(ctx, runID)
	return runID, err
}

// Create registers def and stores a new RUNNING run positioned at the first step
// without executing anything.
func (e *Engine) Create(ctx context.Context, def *types.PipelineDefinition, payload map[string]any, opts StartOptions) (string, error) {
	if def == nil || len(def.Steps) == 0 {
		return "", types.NewValidationError("definition has zero steps")
	}
	registered, err := e.catalog.Put(def)
	if err != nil {
		return "", err
	}

	branch, err := e.branchFor(ctx, opts.Branch)
	if err != nil {
		return "", err
	}

	now := e.clock().UTC()
	run := &types.PipelineRun{
		ID:                uuid.NewString(),
		DefinitionID:      registered.ID,
		DefinitionVersion: registered.Version,
		Definition:        registered,
		BranchID:          branch.ID,
		State:             types.RunRunning,
		CurrentStepID:     registered.Steps[0].ID,
		Payload:           types.CloneMap(payload),
		LoopCounters:      make(map[string]int),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if run.Payload == nil {
		run.Payload = make(map[string]any)
	}
	if err := e.store.Create(ctx, run); err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	e.metrics.runsStarted.Inc()
	e.logger.Info().Str("run_id", run.ID).Str("definition_id", run.DefinitionID).
		Str("definition_version", run.DefinitionVersion).Str("branch", branch.Name).Msg("run started")
	e.publish(run, EventStarted, nil)
	return run.ID, nil
}

func (e *Engine) branchFor(ctx context.Context, ref string) (*types.Branch, error) {
	if ref == "" {
		ref = e.defaultBranch
	}
	b, err := e.log.ResolveBranch(ctx, ref)
	if types.IsNotFound(err) {
		return e.log.EnsureBranch(ctx, ref)
	}
	return b, err
}

// Advance executes steps until the run pauses, finishes or is aborted.
// Step failures are reported in the returned status, not as errors.
func (e *Engine) Advance(ctx context.Context, runID string) (*types.RunStatus, error) {
	return e.drive(ctx, runID, -1)
}

// Step executes exactly one step.
func (e *Engine) Step(ctx context.Context, runID string) (*types.RunStatus, error) {
	return e.drive(ctx, runID, 1)
}

func (e *Engine) drive(ctx context.Context, runID string, limit int) (*types.RunStatus, error) {
	c := e.control(runID)
	c.mu.Lock()
	defer e.release(runID, c)

	run, err := e.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State != types.RunRunning {
		return nil, &types.StateError{RunID: run.ID, State: run.State, Operation: "advance"}
	}
	run, err = e.loop(ctx, c, run, limit)
	if err != nil {
		return nil, err
	}
	return run.Status(), nil
}

// loop runs up to limit steps (unbounded when negative) while the run is RUNNING.
// The caller holds c.mu.
func (e *Engine) loop(ctx context.Context, c *control, run *types.PipelineRun, limit int) (*types.PipelineRun, error) {
	for n := 0; run.State == types.RunRunning && (limit < 0 || n < limit); n++ {
		if c.abort.Load() {
			return e.abortLocked(ctx, c, run)
		}
		if err := ctx.Err(); err != nil {
			return run, err
		}
		next, err := e.execStep(ctx, run)
		if err != nil {
			return run, err
		}
		run = next
	}
	if c.abort.Load() && !run.State.IsTerminal() {
		return e.abortLocked(ctx, c, run)
	}
	return run, nil
}

// Resume merges userPayload into a paused run and continues past the intercept.
// A run in any other state is left untouched and a *types.StateError is returned.
func (e *Engine) Resume(ctx context.Context, runID string, userPayload map[string]any) (*types.RunStatus, error) {
	c := e.control(runID)
	c.mu.Lock()
	defer e.release(runID, c)

	run, err := e.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State != types.RunPausedForUser {
		return nil, &types.StateError{RunID: run.ID, State: run.State, Operation: "resume"}
	}
	def, err := e.definitionFor(run)
	if err != nil {
		return nil, err
	}

	stepID := run.CurrentStepID
	if run.Pending != nil {
		stepID = run.Pending.StepID
	}
	idx := def.StepIndex(stepID)
	if idx < 0 {
		return nil, fmt.Errorf("paused step %q is not in definition %s@%s", stepID, def.ID, def.Version)
	}

	work := run.Clone()
	for k, v := range types.CloneMap(userPayload) {
		work.Payload[k] = v
	}
	next := following(def, idx)
	result := types.StepResult{
		StepID:    stepID,
		StepType:  def.Steps[idx].Type,
		Outcome:   types.OutcomeResumed,
		Output:    sortedKeys(userPayload),
		NextStep:  next,
		Timestamp: e.clock().UTC(),
	}
	work.History = append(work.History, result)
	work.Pending = nil
	work.State = types.RunRunning
	work.CurrentStepID = next
	if next == "" {
		work.State = types.RunCompleted
	}
	work.UpdatedAt = result.Timestamp

	if err := e.store.Save(ctx, work); err != nil {
		return nil, fmt.Errorf("failed to save run %s: %w", work.ID, err)
	}
	e.logger.Info().Str("run_id", work.ID).Str("step_id", stepID).Strs("keys", sortedKeys(userPayload)).Msg("run resumed")
	e.publish(work, EventResumed, &result)
	if work.State.IsTerminal() {
		if err := e.finish(ctx, work); err != nil {
			return nil, err
		}
		return work.Status(), nil
	}

	work, err = e.loop(ctx, c, work, -1)
	if err != nil {
		return nil, err
	}
	return work.Status(), nil
}

// Abort stops a run at its next step boundary. An idle run is aborted immediately; a
// run with a step in flight is flagged and aborted when that step completes, in which
// case the returned status still shows the in-flight state. Aborting a terminal run
// is a no-op.
func (e *Engine) Abort(ctx context.Context, runID string) (*types.RunStatus, error) {
	c := e.control(runID)
	defer e.forget(runID, c)
	c.abort.Store(true)
	if !c.mu.TryLock() {
		run, err := e.store.Get(ctx, runID)
		if err != nil {
			return nil, err
		}
		e.logger.Info().Str("run_id", runID).Msg("abort requested while a step is in flight")
		return run.Status(), nil
	}
	defer c.mu.Unlock()

	run, err := e.store.Get(ctx, runID)
	if err != nil {
		c.abort.Store(false)
		return nil, err
	}
	run, err = e.abortLocked(ctx, c, run)
	if err != nil {
		return nil, err
	}
	return run.Status(), nil
}

// abortLocked moves run to ABORTED. The caller holds c.mu.
func (e *Engine) abortLocked(ctx context.Context, c *control, run *types.PipelineRun) (*types.PipelineRun, error) {
	c.abort.Store(false)
	if run.State.IsTerminal() {
		return run, nil
	}
	work := run.Clone()
	work.State = types.RunAborted
	work.Pending = nil
	work.UpdatedAt = e.clock().UTC()
	if err := e.store.Save(ctx, work); err != nil {
		return run, fmt.Errorf("failed to save run %s: %w", work.ID, err)
	}
	e.logger.Info().Str("run_id", work.ID).Str("step_id", work.CurrentStepID).Msg("run aborted")
	if err := e.finish(ctx, work); err != nil {
		return work, err
	}
	return work, nil
}

// Status returns the externally visible snapshot of a run.
func (e *Engine) Status(ctx context.Context, runID string) (*types.RunStatus, error) {
	run, err := e.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run.Status(), nil
}

// Run returns a copy of the full run, including history.
func (e *Engine) Run(ctx context.Context, runID string) (*types.PipelineRun, error) {
	return e.store.Get(ctx, runID)
}

// List returns run snapshots matching filter, newest first.
func (e *Engine) List(ctx context.Context, filter types.RunFilter) ([]*types.RunStatus, error) {
	runs, err := e.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*types.RunStatus, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Status())
	}
	return out, nil
}

// Subscribe streams progress events for runID until the run reaches a terminal state.
// The returned cancel func must be called when the caller stops reading; it is safe to
// call after the channel has been closed.
func (e *Engine) Subscribe(ctx context.Context, runID string) (<-chan ProgressEvent, func(), error) {
	run, err := e.store.Get(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	ch := e.broker.subscribe(runID)
	cancel := func() { e.broker.unsubscribe(runID, ch) }
	if run.State.IsTerminal() {
		e.broker.publish(e.event(run, EventFinished, nil))
		e.broker.closeRun(runID)
		return ch, cancel, nil
	}
	// the run may have finished between the read and the subscription
	if latest, err := e.store.Get(ctx, runID); err == nil && latest.State.IsTerminal() {
		e.broker.publish(e.event(latest, EventFinished, nil))
		e.broker.closeRun(runID)
	}
	return ch, cancel, nil
}

func (e *Engine) event(run *types.PipelineRun, typ string, result *types.StepResult) ProgressEvent {
	return ProgressEvent{
		RunID:         run.ID,
		Type:          typ,
		State:         run.State,
		CurrentStepID: run.CurrentStepID,
		Result:        result,
		Timestamp:     e.clock().UTC(),
	}
}

func (e *Engine) publish(run *types.PipelineRun, typ string, result *types.StepResult) {
	e.broker.publish(e.event(run, typ, result))
}

func (e *Engine) definitionFor(run *types.PipelineRun) (*types.PipelineDefinition, error) {
	if run.Definition != nil {
		return run.Definition, nil
	}
	return e.catalog.Get(run.DefinitionID, run.DefinitionVersion)
}

// following returns the id of the step after idx, or "" at the end of the definition.
func following(def *types.PipelineDefinition, idx int) string {
	if idx+1 < len(def.Steps) {
		return def.Steps[idx+1].ID
	}
	return ""
}
