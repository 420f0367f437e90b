package definition

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/jonathan/storyforge/internal/expr"
	"github.com/jonathan/storyforge/internal/types"
)

var validate = validator.New()

// Validate checks a definition before any run may reference it.
// It returns a *types.ValidationError listing every issue, or nil.
func Validate(def *types.PipelineDefinition) error {
	if def == nil {
		return types.NewValidationError("definition is nil")
	}
	var issues []string
	if def.ID == "" {
		issues = append(issues, "id is required")
	}
	if len(def.Steps) == 0 {
		issues = append(issues, "definition has zero steps")
	}

	index := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		if step.ID == "" {
			issues = append(issues, fmt.Sprintf("steps[%d]: step_id is required", i))
			continue
		}
		if _, dup := index[step.ID]; dup {
			issues = append(issues, fmt.Sprintf("duplicate step_id %q", step.ID))
			continue
		}
		index[step.ID] = i
	}

	for i := range def.Steps {
		issues = append(issues, validateStep(&def.Steps[i], i, index)...)
	}

	if len(issues) > 0 {
		return &types.ValidationError{Message: fmt.Sprintf("definition %q is invalid", def.ID), Issues: issues}
	}
	return nil
}

func validateStep(step *types.StepDefinition, pos int, index map[string]int) []string {
	var issues []string
	addf := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf("step %q: ", step.ID)+fmt.Sprintf(format, args...))
	}

	if step.Config == nil {
		cfg, err := types.NewStepConfig(step.Type)
		if err != nil {
			addf("%v", err)
			return issues
		}
		step.Config = cfg
	}
	if step.Config.StepType() != step.Type {
		addf("config is for %s, step_type is %s", step.Config.StepType(), step.Type)
		return issues
	}

	if err := validate.Struct(step.Config); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				addf("config.%s fails %q%s", fe.Field(), fe.Tag(), paramSuffix(fe.Param()))
			}
		} else {
			addf("config: %v", err)
			return issues
		}
	}

	// Only LOOP and CRITIQUE may route backwards; they carry their own iteration bound.
	target := func(field, id string, mustPrecede bool) {
		if id == "" {
			return
		}
		at, ok := index[id]
		if !ok {
			addf("%s references unknown step %q", field, id)
			return
		}
		if at == pos {
			addf("%s may not reference the step itself", field)
			return
		}
		if mustPrecede && at > pos {
			addf("%s %q must precede the step", field, id)
		}
		if !mustPrecede && at < pos {
			addf("%s %q must follow the step", field, id)
		}
	}
	condition := func(field, src string) {
		if src == "" {
			return
		}
		if _, err := expr.Compile(src); err != nil {
			addf("%s: %v", field, err)
		}
	}

	switch cfg := step.Config.(type) {
	case *types.ContextGatheringConfig:
		for i, q := range cfg.Queries {
			sel := types.ContainerQuery{ContainerType: q.ContainerType, ParentID: q.ParentID}
			if q.ContainerID != "" {
				sel.IDs = []string{q.ContainerID}
			}
			if sel.IsEmpty() && q.ContainerIDFrom == "" && q.ParentIDFrom == "" {
				addf("queries[%d] (%s) has no selector", i, q.Key)
			}
		}
	case *types.CritiqueConfig:
		target("loop_back_to", cfg.LoopBackTo, true)
		condition("condition", cfg.Condition)
		if cfg.MaxLength > 0 && cfg.MinLength > cfg.MaxLength {
			addf("min_length %d exceeds max_length %d", cfg.MinLength, cfg.MaxLength)
		}
	case *types.IfElseConfig:
		target("true_target", cfg.TrueTarget, false)
		target("false_target", cfg.FalseTarget, false)
		condition("condition", cfg.Condition)
	case *types.LoopConfig:
		target("loop_back_to", cfg.LoopBackTo, true)
		condition("condition", cfg.Condition)
	case *types.MergeOutputsConfig:
		for _, id := range cfg.StepIDs {
			target("step_ids", id, true)
		}
	}
	return issues
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return " (" + p + ")"
}
