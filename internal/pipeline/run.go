package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
	"github.com/jonathan/storyforge/internal/pipeline/steps"
	"github.com/jonathan/storyforge/internal/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// execStep executes the current step of run and persists the outcome.
// When ctx is cancelled mid-step nothing is persisted and the run stays where it was.
func (e *Engine) execStep(ctx context.Context, run *types.PipelineRun) (*types.PipelineRun, error) {
	def, err := e.definitionFor(run)
	if err != nil {
		return run, err
	}
	work := run.Clone()
	idx := def.StepIndex(run.CurrentStepID)
	if idx < 0 {
		err := types.NewValidationError("current step %q is not in definition %s@%s", run.CurrentStepID, def.ID, def.Version)
		return e.commitStep(ctx, work, types.StepResult{StepID: run.CurrentStepID}, err)
	}
	step := &def.Steps[idx]

	start := e.clock()
	stepCtx, span := e.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("step.id", step.ID),
		attribute.String("step.type", string(step.Type)),
	))
	res, execErr := e.registry.Execute(stepCtx, &steps.StepContext{Run: work, Definition: def, Step: step})
	if execErr != nil && ctx.Err() != nil {
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, "cancelled")
		span.End()
		return run, ctx.Err()
	}

	result := types.StepResult{StepID: step.ID, StepType: step.Type, Timestamp: start.UTC()}
	if res != nil {
		result.Attempts = res.Attempts
		result.Warnings = res.Warnings
	}

	switch {
	case execErr == nil:
		result.Outcome = res.Outcome
		result.Output = res.Output
		work.Warnings = append(work.Warnings, res.Warnings...)
		if res.Pause != nil {
			work.State = types.RunPausedForUser
			work.Pending = res.Pause
			break
		}
		result.NextStep = res.Next
		if result.NextStep == "" {
			result.NextStep = following(def, idx)
		}
		e.moveTo(work, result.NextStep)
	case step.Optional && !steps.IsFatal(execErr):
		result.Outcome = types.OutcomeSkipped
		result.Error = stepError(execErr)
		warning := fmt.Sprintf("skipped optional step %q: %v", step.ID, execErr)
		result.Warnings = append(result.Warnings, warning)
		work.Warnings = append(work.Warnings, warning)
		result.NextStep = following(def, idx)
		e.moveTo(work, result.NextStep)
	}

	span.SetAttributes(attribute.String("step.outcome", outcomeOf(result, execErr)))
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
	}
	span.End()
	e.metrics.stepDuration.WithLabelValues(string(step.Type)).Observe(e.clock().Sub(start).Seconds())

	if result.Outcome != "" {
		execErr = nil
	}
	next, err := e.commitStep(ctx, work, result, execErr)
	if err != nil {
		return run, err
	}

	ev := e.logger.Info()
	if len(result.Warnings) > 0 || result.Outcome == types.OutcomeFailed {
		ev = e.logger.Warn()
	}
	ev.Str("run_id", next.ID).Str("step_id", step.ID).Str("step_type", string(step.Type)).
		Str("outcome", result.Outcome).Dur("duration", e.clock().Sub(start)).
		Strs("warnings", result.Warnings).Msg("step finished")
	return next, nil
}

// moveTo points work at stepID, or completes it when stepID is empty.
func (e *Engine) moveTo(work *types.PipelineRun, stepID string) {
	work.CurrentStepID = stepID
	if stepID == "" {
		work.State = types.RunCompleted
	}
}

// commitStep records result on work, failing the run when stepErr is set, then saves
// and publishes it.
func (e *Engine) commitStep(ctx context.Context, work *types.PipelineRun, result types.StepResult, stepErr error) (*types.PipelineRun, error) {
	if stepErr != nil {
		result.Outcome = types.OutcomeFailed
		result.Error = stepError(stepErr)
		work.State = types.RunFailed
		work.Failure = &types.Failure{StepID: result.StepID, Kind: types.KindOf(stepErr), Message: stepErr.Error()}
		if work.Failure.Kind == types.KindContextIsolation {
			e.metrics.isolationViolations.Inc()
			e.logger.Error().Str("kind", string(types.KindContextIsolation)).Str("run_id", work.ID).
				Str("step_id", result.StepID).Msg(stepErr.Error())
		}
	}
	work.History = append(work.History, result)
	work.UpdatedAt = e.clock().UTC()

	if err := e.store.Save(ctx, work); err != nil {
		return nil, fmt.Errorf("failed to save run %s: %w", work.ID, err)
	}
	e.metrics.steps.WithLabelValues(string(result.StepType), result.Outcome).Inc()
	e.publish(work, EventStep, &result)

	if work.State.IsTerminal() {
		if err := e.finish(ctx, work); err != nil {
			return work, err
		}
	}
	return work, nil
}

// finish records a terminal run. COMPLETED and FAILED runs are committed as a secret
// pipeline_run container on the audit branch; ABORTED runs leave no record.
func (e *Engine) finish(ctx context.Context, run *types.PipelineRun) error {
	e.metrics.runsFinished.WithLabelValues(string(run.State)).Inc()
	defer func() {
		e.publish(run, EventFinished, nil)
		e.broker.closeRun(run.ID)
	}()

	logEv := e.logger.Info()
	if run.State == types.RunFailed {
		logEv = e.logger.Warn().Str("failed_step", run.Failure.StepID).Str("kind", string(run.Failure.Kind))
	}
	logEv.Str("run_id", run.ID).Str("state", string(run.State)).Int("steps", len(run.History)).Msg("run finished")

	if run.State == types.RunAborted {
		return nil
	}
	record, err := auditRecord(run)
	if err != nil {
		return err
	}
	if _, err := e.log.EnsureBranch(ctx, e.auditBranch); err != nil {
		return fmt.Errorf("failed to ensure audit branch: %w", err)
	}
	if _, err := e.log.CommitContainer(ctx, e.auditBranch, EventRunFinished, record); err != nil {
		e.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to commit run audit record")
		return fmt.Errorf("failed to commit audit record for run %s: %w", run.ID, err)
	}
	return nil
}

// auditRecord captures a finished run as a container. Values are converted to their
// JSON shape so the record replays identically from any store.
func auditRecord(run *types.PipelineRun) (*types.Container, error) {
	attrs := map[string]any{
		"run_id":             run.ID,
		"definition_id":      run.DefinitionID,
		"definition_version": run.DefinitionVersion,
		"branch_id":          run.BranchID,
		"state":              string(run.State),
		"history":            run.History,
		"warnings":           run.Warnings,
		"payload_keys":       sortedKeys(run.Payload),
		"created_at":         run.CreatedAt,
		"finished_at":        run.UpdatedAt,
	}
	if run.Failure != nil {
		attrs["failure"] = run.Failure
	}
	data, err := sonic.ConfigStd.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit record: %w", err)
	}
	var shaped map[string]any
	if err := sonic.ConfigStd.Unmarshal(data, &shaped); err != nil {
		return nil, fmt.Errorf("failed to decode audit record: %w", err)
	}
	return &types.Container{
		ID:            run.ID,
		ContainerType: types.ContainerTypePipelineRun,
		Attributes:    shaped,
		IsSecret:      true,
		UpdatedAt:     run.UpdatedAt,
	}, nil
}

func stepError(err error) *types.StepError {
	return &types.StepError{Kind: types.KindOf(err), Message: err.Error()}
}

func outcomeOf(r types.StepResult, err error) string {
	if r.Outcome != "" {
		return r.Outcome
	}
	if err != nil {
		return types.OutcomeFailed
	}
	return ""
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
