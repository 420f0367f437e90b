package steps

import (
	"context"
	"fmt"

	"github.com/jonathan/storyforge/internal/types"
)

// critique judges the target text. A failing verdict rewinds to loop_back_to while
// retries remain; the retry count shares the run's loop counters, keyed by step id.
func (x *executors) critique(ctx context.Context, sc *StepContext) (*Result, error) {
	cfg := sc.Step.Config.(*types.CritiqueConfig)

	text, err := payloadString(sc.Run, types.Or(cfg.TargetKey, types.DefaultOutputKey))
	if err != nil {
		return nil, err
	}

	verdict, err := x.deps.Critic.Critique(ctx, text, cfg)
	if err != nil {
		return nil, fmt.Errorf("critique failed: %w", err)
	}
	if verdict.Pass && cfg.Condition != "" {
		ok, err := evalCondition(ctx, cfg.Condition, sc.Run)
		if err != nil {
			return nil, err
		}
		if !ok {
			issue := fmt.Sprintf("condition %q is not met", cfg.Condition)
			verdict.Pass = false
			verdict.Issues = append(verdict.Issues, issue)
			verdict.Feedback = "Fix the following: " + issue + "."
		}
	}

	if verdict.Pass {
		delete(sc.Run.Payload, types.PayloadCritiqueFeedback)
		return &Result{Outcome: types.OutcomeSuccess, Output: verdict}, nil
	}

	limit := cfg.MaxRetries
	if x.deps.CritiqueMaxRetries > 0 && limit > x.deps.CritiqueMaxRetries {
		limit = x.deps.CritiqueMaxRetries
	}
	used := sc.Run.LoopCounters[sc.Step.ID]
	if used < limit {
		sc.Run.LoopCounters[sc.Step.ID] = used + 1
		sc.Run.Payload[types.PayloadCritiqueFeedback] = verdict.Feedback
		return &Result{Outcome: types.OutcomeLooped, Output: verdict, Next: cfg.LoopBackTo}, nil
	}

	sc.Run.Payload[types.PayloadNeedsReview] = true
	return &Result{
		Outcome:  types.OutcomeNeedsReview,
		Output:   verdict,
		Warnings: []string{fmt.Sprintf("%s: critique %q still failing after %d retries", types.OutcomeNeedsReview, sc.Step.ID, used)},
	}, nil
}
