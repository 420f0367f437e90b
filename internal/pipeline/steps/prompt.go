package steps

import (
	"context"

	"github.com/jonathan/storyforge/internal/types"
)

func (x *executors) promptAssembly(_ context.Context, sc *StepContext) (*Result, error) {
	cfg := sc.Step.Config.(*types.PromptAssemblyConfig)
	if x.deps.Renderer == nil {
		return nil, types.NewValidationError("no template renderer is configured")
	}

	vars := sc.Run.Payload
	if len(cfg.Variables) > 0 {
		vars = make(map[string]any, len(cfg.Variables))
		for _, name := range cfg.Variables {
			if v, ok := lookupPayload(sc.Run.Payload, name); ok {
				vars[name] = v
			}
		}
	}

	text, err := x.deps.Renderer.Render(cfg.TemplateID, vars)
	if err != nil {
		return nil, err
	}
	sc.Run.Payload[types.Or(cfg.OutputKey, types.DefaultPromptKey)] = text
	return &Result{Outcome: types.OutcomeSuccess, Output: text}, nil
}

// userIntercept suspends the run. The prompt shown to the human is the payload value
// under prompt_key, falling back to the configured message.
func (x *executors) userIntercept(_ context.Context, sc *StepContext) (*Result, error) {
	cfg := sc.Step.Config.(*types.UserInterceptConfig)

	prompt := cfg.Message
	if v, ok := lookupPayload(sc.Run.Payload, types.Or(cfg.PromptKey, types.DefaultPromptKey)); ok {
		if s, ok := v.(string); ok && s != "" {
			prompt = s
		}
	}
	return &Result{
		Outcome: types.OutcomePaused,
		Output:  prompt,
		Pause:   &types.Intercept{StepID: sc.Step.ID, Message: cfg.Message, Prompt: prompt},
	}, nil
}
