// Package steps provides the executors for each pipeline step type.
//
// An executor reads and mutates the working copy of a run it is handed and reports what
// happened in a Result. It never persists the run and never decides the run's state;
// the engine does both from the Result.
package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonathan/storyforge/internal/contextgate"
	"github.com/jonathan/storyforge/internal/critique"
	"github.com/jonathan/storyforge/internal/expr"
	"github.com/jonathan/storyforge/internal/llm"
	"github.com/jonathan/storyforge/internal/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// StepContext is what an executor sees of the run.
type StepContext struct {
	// Run is a working copy. Executors may mutate Payload and LoopCounters.
	Run        *types.PipelineRun
	Definition *types.PipelineDefinition
	Step       *types.StepDefinition
}

// Result describes the outcome of executing one step
type Result struct {
	Outcome string
	Output  any
	// Next is the step to run next. Empty means the step that follows in the definition.
	Next     string
	Pause    *types.Intercept
	Warnings []string
	Attempts int
}

// Executor defines the interface for executing pipeline steps
type Executor interface {
	Execute(ctx context.Context, sc *StepContext) (*Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, sc *StepContext) (*Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, sc *StepContext) (*Result, error) {
	return f(ctx, sc)
}

// ContextResolver is the context gate as seen by CONTEXT_GATHERING.
type ContextResolver interface {
	Resolve(ctx context.Context, queries []contextgate.Query, level string) (map[string][]*types.Container, error)
}

// Renderer is the template collaborator.
type Renderer interface {
	Render(templateID string, vars map[string]any) (string, error)
}

// Committer writes a container and its event atomically.
type Committer interface {
	CommitContainer(ctx context.Context, branchRef, eventType string, c *types.Container) (*types.Event, error)
}

// RetryPolicy bounds EXECUTION retries.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used for zero fields of Deps.Retry.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
}

// Deps are the collaborators executors call out to.
type Deps struct {
	Gate      ContextResolver
	Renderer  Renderer
	Generator llm.Generator
	Critic    critique.Critic
	Log       Committer
	Retry     RetryPolicy
	// CritiqueMaxRetries caps max_retries of every CRITIQUE step when positive.
	CritiqueMaxRetries int
	Tracer             trace.Tracer
	// OnRetry is called before each EXECUTION retry.
	OnRetry func(stepID string, attempt int, err error)
	Clock   func() time.Time
	Logger  zerolog.Logger
}

// Registry maps each step type to its executor.
type Registry map[types.StepType]Executor

// NewRegistry binds an executor for every step type to deps.
func NewRegistry(deps Deps) Registry {
	if deps.Critic == nil {
		deps.Critic = critique.RuleCritic{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("storyforge/pipeline")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Retry.MaxAttempts <= 0 {
		deps.Retry.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if deps.Retry.InitialInterval <= 0 {
		deps.Retry.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if deps.Retry.MaxInterval <= 0 {
		deps.Retry.MaxInterval = DefaultRetryPolicy.MaxInterval
	}

	x := &executors{deps: deps}
	return Registry{
		types.StepContextGathering: ExecutorFunc(x.contextGathering),
		types.StepPromptAssembly:   ExecutorFunc(x.promptAssembly),
		types.StepUserIntercept:    ExecutorFunc(x.userIntercept),
		types.StepExecution:        ExecutorFunc(x.execution),
		types.StepCritique:         ExecutorFunc(x.critique),
		types.StepCommit:           ExecutorFunc(x.commit),
		types.StepIfElse:           ExecutorFunc(x.ifElse),
		types.StepLoop:             ExecutorFunc(x.loop),
		types.StepMergeOutputs:     ExecutorFunc(x.mergeOutputs),
	}
}

// Execute runs sc.Step with the registered executor.
func (r Registry) Execute(ctx context.Context, sc *StepContext) (*Result, error) {
	ex, ok := r[sc.Step.Type]
	if !ok {
		return nil, &FatalError{Err: types.NewValidationError("no executor for step type %q", sc.Step.Type)}
	}
	return ex.Execute(ctx, sc)
}

type executors struct {
	deps Deps
}

// FatalError marks a step failure that fails the run even when the step is optional.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err must fail the run regardless of the step's optional flag.
// Context isolation violations are always fatal.
func IsFatal(err error) bool {
	var fe *FatalError
	if errors.As(err, &fe) {
		return true
	}
	return types.KindOf(err) == types.KindContextIsolation
}

// Scope resolves condition identifiers against a run.
// "payload.x" and bare "x" read the payload; "loop.<step_id>" reads that step's counter.
func Scope(run *types.PipelineRun) expr.LookupFunc {
	counters := make(map[string]any, len(run.LoopCounters))
	for k, v := range run.LoopCounters {
		counters[k] = v
	}
	base := expr.MapLookup(map[string]any{"payload": run.Payload, "loop": counters})
	return func(path string) (any, bool) {
		if path == "payload" || strings.HasPrefix(path, "payload.") || strings.HasPrefix(path, "loop.") {
			return base(path)
		}
		return base("payload." + path)
	}
}

// evalCondition evaluates src against run. Any failure other than cancellation is a
// fatal ValidationError.
func evalCondition(ctx context.Context, src string, run *types.PipelineRun) (bool, error) {
	ok, err := expr.Evaluate(ctx, src, Scope(run))
	if err == nil {
		return ok, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, &FatalError{Err: &types.ValidationError{
		Message: fmt.Sprintf("condition %q cannot be evaluated", src),
		Cause:   err,
	}}
}

// lookupPayload reads a possibly dotted key from the payload.
func lookupPayload(payload map[string]any, key string) (any, bool) {
	if v, ok := payload[key]; ok {
		return v, true
	}
	if !strings.Contains(key, ".") {
		return nil, false
	}
	return expr.MapLookup(payload)(key)
}

// payloadString reads a required string value.
func payloadString(run *types.PipelineRun, key string) (string, error) {
	v, ok := lookupPayload(run.Payload, key)
	if !ok || v == nil {
		return "", types.NewValidationError("payload has no value for %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", types.NewValidationError("payload value %q is %T, not a string", key, v)
	}
	return s, nil
}
