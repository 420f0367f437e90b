package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jonathan/storyforge/internal/types"
)

func (x *executors) ifElse(ctx context.Context, sc *StepContext) (*Result, error) {
	cfg := sc.Step.Config.(*types.IfElseConfig)
	ok, err := evalCondition(ctx, cfg.Condition, sc.Run)
	if err != nil {
		return nil, err
	}
	target := cfg.FalseTarget
	if ok {
		target = cfg.TrueTarget
	}
	return &Result{
		Outcome: types.OutcomeRouted,
		Output:  map[string]any{"condition": ok, "target": target},
		Next:    target,
	}, nil
}

// loop exits when its condition holds. Otherwise it loops back until the counter
// reaches max_iterations, then proceeds with a LoopBudgetExceeded warning.
func (x *executors) loop(ctx context.Context, sc *StepContext) (*Result, error) {
	cfg := sc.Step.Config.(*types.LoopConfig)
	done, err := evalCondition(ctx, cfg.Condition, sc.Run)
	if err != nil {
		return nil, err
	}

	count := sc.Run.LoopCounters[sc.Step.ID]
	if done {
		return &Result{Outcome: types.OutcomeSuccess, Output: map[string]any{"exit": true, "iterations": count}}, nil
	}
	if count < cfg.MaxIterations {
		sc.Run.LoopCounters[sc.Step.ID] = count + 1
		return &Result{
			Outcome: types.OutcomeLooped,
			Output:  map[string]any{"exit": false, "iterations": count + 1},
			Next:    cfg.LoopBackTo,
		}, nil
	}
	return &Result{
		Outcome:  types.OutcomeSuccess,
		Output:   map[string]any{"exit": false, "iterations": count},
		Warnings: []string{fmt.Sprintf("%s: loop %q reached max_iterations %d", types.KindLoopBudgetExceeded, sc.Step.ID, cfg.MaxIterations)},
	}, nil
}

// mergeOutputs combines the latest outputs of the listed steps. The latest result of
// every listed step must have produced output: a skipped or failed input is not ready.
func (x *executors) mergeOutputs(_ context.Context, sc *StepContext) (*Result, error) {
	cfg := sc.Step.Config.(*types.MergeOutputsConfig)

	outputs := make([]any, 0, len(cfg.StepIDs))
	var missing []string
	for _, id := range cfg.StepIDs {
		r, ok := sc.Run.LastResult(id)
		switch {
		case !ok:
			missing = append(missing, id)
			continue
		case r.Outcome == types.OutcomeSkipped || r.Outcome == types.OutcomeFailed:
			missing = append(missing, fmt.Sprintf("%s (%s)", id, r.Outcome))
			continue
		}
		outputs = append(outputs, r.Output)
	}
	if len(missing) > 0 {
		return nil, &types.ValidationError{Message: "merge inputs have no usable result", Issues: missing}
	}

	var merged any
	switch cfg.Strategy {
	case types.MergeNamespaced:
		m := make(map[string]any, len(outputs))
		for i, id := range cfg.StepIDs {
			m[id] = outputs[i]
		}
		merged = m
	case types.MergeConcatenate:
		sep := types.DefaultMergeSeparator
		if cfg.Separator != nil {
			sep = *cfg.Separator
		}
		parts := make([]string, 0, len(outputs))
		for _, o := range outputs {
			if o == nil {
				continue
			}
			parts = append(parts, mergeText(o))
		}
		merged = strings.Join(parts, sep)
	default:
		return nil, &FatalError{Err: types.NewValidationError("unknown merge strategy %q", cfg.Strategy)}
	}

	sc.Run.Payload[cfg.OutputKey] = merged
	return &Result{Outcome: types.OutcomeSuccess, Output: merged}, nil
}

func mergeText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
