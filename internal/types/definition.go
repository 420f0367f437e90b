package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// StepType identifies the variant of a pipeline step.
type StepType string

const (
	StepContextGathering StepType = "CONTEXT_GATHERING"
	StepPromptAssembly   StepType = "PROMPT_ASSEMBLY"
	StepUserIntercept    StepType = "USER_INTERCEPT"
	StepExecution        StepType = "EXECUTION"
	StepCritique         StepType = "CRITIQUE"
	StepCommit           StepType = "COMMIT"
	StepIfElse           StepType = "IF_ELSE"
	StepLoop             StepType = "LOOP"
	StepMergeOutputs     StepType = "MERGE_OUTPUTS"
)

// AllStepTypes lists every supported step type in declaration order.
var AllStepTypes = []StepType{
	StepContextGathering, StepPromptAssembly, StepUserIntercept, StepExecution,
	StepCritique, StepCommit, StepIfElse, StepLoop, StepMergeOutputs,
}

// Access levels understood by the context gate.
const (
	AccessStory  = "story"
	AccessAuthor = "author"
)

// Merge strategies for MERGE_OUTPUTS.
const (
	MergeConcatenate = "concatenate"
	MergeNamespaced  = "namespaced"
)

// PipelineDefinition is an ordered set of typed steps with explicit control edges.
type PipelineDefinition struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
	// Version is the content hash assigned when the definition is registered.
	Version string `json:"version,omitempty" yaml:"-"`
}

// StepIndex returns the position of stepID, or -1.
func (d *PipelineDefinition) StepIndex(stepID string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// Step returns the step with the given id.
func (d *PipelineDefinition) Step(stepID string) (*StepDefinition, bool) {
	i := d.StepIndex(stepID)
	if i < 0 {
		return nil, false
	}
	return &d.Steps[i], true
}

// StepDefinition is one typed unit of execution. Config holds the variant for Type.
type StepDefinition struct {
	ID       string     `json:"step_id"`
	Type     StepType   `json:"step_type"`
	Optional bool       `json:"optional,omitempty"`
	Config   StepConfig `json:"config"`
}

// StepConfig is implemented by exactly one config struct per StepType.
type StepConfig interface {
	StepType() StepType
}

// NewStepConfig returns an empty config for t.
func NewStepConfig(t StepType) (StepConfig, error) {
	switch t {
	case StepContextGathering:
		return &ContextGatheringConfig{}, nil
	case StepPromptAssembly:
		return &PromptAssemblyConfig{}, nil
	case StepUserIntercept:
		return &UserInterceptConfig{}, nil
	case StepExecution:
		return &ExecutionConfig{}, nil
	case StepCritique:
		return &CritiqueConfig{}, nil
	case StepCommit:
		return &CommitConfig{}, nil
	case StepIfElse:
		return &IfElseConfig{}, nil
	case StepLoop:
		return &LoopConfig{}, nil
	case StepMergeOutputs:
		return &MergeOutputsConfig{}, nil
	default:
		return nil, fmt.Errorf("unknown step_type %q", t)
	}
}

// UnmarshalJSON decodes config into the variant selected by step_type.
func (s *StepDefinition) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID       string          `json:"step_id"`
		Type     StepType        `json:"step_type"`
		Optional bool            `json:"optional"`
		Config   json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg, err := NewStepConfig(raw.Type)
	if err != nil {
		return fmt.Errorf("step %q: %w", raw.ID, err)
	}
	if len(raw.Config) > 0 && !bytes.Equal(raw.Config, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw.Config))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("step %q: invalid %s config: %w", raw.ID, raw.Type, err)
		}
	}
	s.ID = raw.ID
	s.Type = raw.Type
	s.Optional = raw.Optional
	s.Config = cfg
	return nil
}

// ContextQuery is one keyed read issued through the context gate.
type ContextQuery struct {
	Key             string `json:"key" validate:"required"`
	ContainerID     string `json:"container_id,omitempty"`
	ContainerIDFrom string `json:"container_id_from,omitempty"`
	ContainerType   string `json:"container_type,omitempty"`
	ParentID        string `json:"parent_id,omitempty"`
	ParentIDFrom    string `json:"parent_id_from,omitempty"`
}

// ContextGatheringConfig configures a CONTEXT_GATHERING step.
type ContextGatheringConfig struct {
	AccessLevel   string         `json:"access_level" validate:"required,oneof=story author"`
	Queries       []ContextQuery `json:"queries" validate:"required,min=1,dive"`
	IncludePinned bool           `json:"include_pinned,omitempty"`
}

// PromptAssemblyConfig configures a PROMPT_ASSEMBLY step.
type PromptAssemblyConfig struct {
	TemplateID string   `json:"template_id" validate:"required"`
	OutputKey  string   `json:"output_key,omitempty"`
	Variables  []string `json:"variables,omitempty"`
}

// UserInterceptConfig configures a USER_INTERCEPT step.
type UserInterceptConfig struct {
	Message   string `json:"message,omitempty"`
	PromptKey string `json:"prompt_key,omitempty"`
}

// ExecutionConfig configures an EXECUTION step.
type ExecutionConfig struct {
	PromptKey   string   `json:"prompt_key,omitempty"`
	OutputKey   string   `json:"output_key,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxAttempts int      `json:"max_attempts,omitempty" validate:"omitempty,min=1,max=10"`
}

// CritiqueConfig configures a CRITIQUE step.
type CritiqueConfig struct {
	TargetKey        string   `json:"target_key,omitempty"`
	LoopBackTo       string   `json:"loop_back_to" validate:"required"`
	MaxRetries       int      `json:"max_retries" validate:"min=0,max=10"`
	MinLength        int      `json:"min_length,omitempty" validate:"min=0"`
	MaxLength        int      `json:"max_length,omitempty" validate:"min=0"`
	ForbiddenPhrases []string `json:"forbidden_phrases,omitempty"`
	RequiredPhrases  []string `json:"required_phrases,omitempty"`
	Condition        string   `json:"condition,omitempty"`
}

// CommitConfig configures a COMMIT step.
type CommitConfig struct {
	ContainerType   string            `json:"container_type" validate:"required"`
	ContainerIDFrom string            `json:"container_id_from,omitempty"`
	ParentIDFrom    string            `json:"parent_id_from,omitempty"`
	Attributes      map[string]string `json:"attributes" validate:"required,min=1"`
	EventType       string            `json:"event_type,omitempty"`
	OutputKey       string            `json:"output_key,omitempty"`
	IsSecret        bool              `json:"is_secret,omitempty"`
}

// IfElseConfig configures an IF_ELSE step.
type IfElseConfig struct {
	Condition   string `json:"condition" validate:"required"`
	TrueTarget  string `json:"true_target" validate:"required"`
	FalseTarget string `json:"false_target" validate:"required"`
}

// LoopConfig configures a LOOP step. Condition is the exit condition.
type LoopConfig struct {
	Condition     string `json:"condition" validate:"required"`
	LoopBackTo    string `json:"loop_back_to" validate:"required"`
	MaxIterations int    `json:"max_iterations" validate:"required,min=1"`
}

// MergeOutputsConfig configures a MERGE_OUTPUTS step.
type MergeOutputsConfig struct {
	StepIDs   []string `json:"step_ids" validate:"required,min=2,dive,required"`
	Strategy  string   `json:"strategy" validate:"required,oneof=concatenate namespaced"`
	OutputKey string   `json:"output_key" validate:"required"`
	Separator *string  `json:"separator,omitempty"`
}

func (*ContextGatheringConfig) StepType() StepType { return StepContextGathering }
func (*PromptAssemblyConfig) StepType() StepType   { return StepPromptAssembly }
func (*UserInterceptConfig) StepType() StepType    { return StepUserIntercept }
func (*ExecutionConfig) StepType() StepType        { return StepExecution }
func (*CritiqueConfig) StepType() StepType         { return StepCritique }
func (*CommitConfig) StepType() StepType           { return StepCommit }
func (*IfElseConfig) StepType() StepType           { return StepIfElse }
func (*LoopConfig) StepType() StepType             { return StepLoop }
func (*MergeOutputsConfig) StepType() StepType     { return StepMergeOutputs }

// Defaults applied when a config leaves an optional key empty.
const (
	DefaultPromptKey        = "prompt"
	DefaultOutputKey        = "output"
	DefaultCommitOutputKey  = "committed_container_id"
	DefaultMergeSeparator   = "\n\n"
	PayloadTemperature      = "temperature_override"
	PayloadPinnedContextIDs = "pinned_context_ids"
	PayloadPinnedContext    = "pinned_context"
	PayloadCritiqueFeedback = "critique_feedback"
	PayloadNeedsReview      = "needs_review"
)

// Or returns v, or def when v is empty.
func Or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
