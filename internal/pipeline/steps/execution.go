package steps

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonathan/storyforge/internal/llm"
	"github.com/jonathan/storyforge/internal/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// execution calls the generator, retrying transient failures with exponential backoff.
func (x *executors) execution(ctx context.Context, sc *StepContext) (*Result, error) {
	cfg := sc.Step.Config.(*types.ExecutionConfig)
	if x.deps.Generator == nil {
		return nil, types.NewValidationError("no generator is configured")
	}

	prompt, err := payloadString(sc.Run, types.Or(cfg.PromptKey, types.DefaultPromptKey))
	if err != nil {
		return nil, err
	}

	mc := llm.ModelConfig{Model: cfg.Model, Temperature: cfg.Temperature}
	if v, ok := sc.Run.Payload[types.PayloadTemperature]; ok && v != nil {
		t, err := temperature(v)
		if err != nil {
			return nil, err
		}
		mc.Temperature = &t
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = x.deps.Retry.MaxAttempts
	}

	ctx, span := x.deps.Tracer.Start(ctx, "pipeline.generate", trace.WithAttributes(
		attribute.String("run.id", sc.Run.ID),
		attribute.String("step.id", sc.Step.ID),
		attribute.String("model", mc.Model),
	))
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = x.deps.Retry.InitialInterval
	b.MaxInterval = x.deps.Retry.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)

	var text string
	attempts := 0
	op := func() error {
		attempts++
		out, err := x.deps.Generator.Generate(ctx, prompt, mc)
		if err != nil {
			if types.KindOf(err) == types.KindTransientExternal {
				return err
			}
			return backoff.Permanent(err)
		}
		text = out
		return nil
	}
	notify := func(err error, wait time.Duration) {
		x.deps.Logger.Warn().Err(err).Str("run_id", sc.Run.ID).Str("step_id", sc.Step.ID).
			Int("attempt", attempts).Dur("backoff", wait).Msg("generation failed, retrying")
		if x.deps.OnRetry != nil {
			x.deps.OnRetry(sc.Step.ID, attempts, err)
		}
	}

	err = backoff.RetryNotify(op, policy, notify)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &Result{Outcome: types.OutcomeFailed, Attempts: attempts}, err
	}

	sc.Run.Payload[types.Or(cfg.OutputKey, types.DefaultOutputKey)] = text
	return &Result{Outcome: types.OutcomeSuccess, Output: text, Attempts: attempts}, nil
}

func temperature(v any) (float64, error) {
	var t float64
	switch n := v.(type) {
	case float64:
		t = n
	case float32:
		t = float64(n)
	case int:
		t = float64(n)
	case int64:
		t = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, types.NewValidationError("%s %q is not a number", types.PayloadTemperature, n)
		}
		t = f
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, types.NewValidationError("%s %q is not a number", types.PayloadTemperature, n)
		}
		t = f
	default:
		return 0, types.NewValidationError("%s is %T, not a number", types.PayloadTemperature, v)
	}
	if t < 0 || t > 2 {
		return 0, types.NewValidationError("%s %v is outside [0, 2]", types.PayloadTemperature, t)
	}
	return t, nil
}
