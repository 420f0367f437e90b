package types

import (
	"sort"
	"time"
)

// RunState is the lifecycle state of a pipeline run.
type RunState string

const (
	RunRunning       RunState = "RUNNING"
	RunPausedForUser RunState = "PAUSED_FOR_USER"
	RunCompleted     RunState = "COMPLETED"
	RunFailed        RunState = "FAILED"
	RunAborted       RunState = "ABORTED"
)

// IsTerminal reports whether no step may execute in s.
func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunAborted
}

// CanTransition reports whether a run may move from s to next.
// Only PAUSED_FOR_USER and RUNNING cycle; every other move heads toward a terminal state.
func (s RunState) CanTransition(next RunState) bool {
	switch s {
	case RunRunning:
		return next == RunPausedForUser || next.IsTerminal()
	case RunPausedForUser:
		return next == RunRunning || next == RunAborted
	default:
		return false
	}
}

// Step outcomes recorded on StepResults.
const (
	OutcomeSuccess     = "success"
	OutcomePaused      = "paused"
	OutcomeResumed     = "resumed"
	OutcomeRouted      = "routed"
	OutcomeLooped      = "looped"
	OutcomeNeedsReview = "needs_review"
	OutcomeSkipped     = "skipped"
	OutcomeFailed      = "failed"
)

// StepError is the serializable form of a step failure.
type StepError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// StepResult records one execution of one step.
type StepResult struct {
	StepID    string     `json:"step_id"`
	StepType  StepType   `json:"step_type"`
	Outcome   string     `json:"outcome"`
	Output    any        `json:"output,omitempty"`
	Error     *StepError `json:"error,omitempty"`
	Warnings  []string   `json:"warnings,omitempty"`
	Attempts  int        `json:"attempts,omitempty"`
	NextStep  string     `json:"next_step,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Failure identifies the step and kind that ended a run.
type Failure struct {
	StepID  string    `json:"step_id"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Intercept describes what a paused run is waiting on.
type Intercept struct {
	StepID  string `json:"step_id"`
	Message string `json:"message,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
}

// PipelineRun is the full mutable state of one run. It is persisted at every step boundary.
type PipelineRun struct {
	ID                string `json:"id"`
	DefinitionID      string `json:"definition_id"`
	DefinitionVersion string `json:"definition_version"`
	// Definition is the snapshot the run executes, so a run can resume in another process.
	Definition    *PipelineDefinition `json:"definition,omitempty"`
	BranchID      string              `json:"branch_id"`
	State         RunState            `json:"state"`
	CurrentStepID string              `json:"current_step_id,omitempty"`
	Payload       map[string]any      `json:"payload"`
	History       []StepResult        `json:"history"`
	LoopCounters  map[string]int      `json:"loop_counters"`
	Pending       *Intercept          `json:"pending,omitempty"`
	Failure       *Failure            `json:"failure,omitempty"`
	Warnings      []string            `json:"warnings,omitempty"`
	// Version increments on every save and guards against concurrent writers.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone deep-copies the run.
func (r *PipelineRun) Clone() *PipelineRun {
	if r == nil {
		return nil
	}
	out := *r
	out.Payload = CloneMap(r.Payload)
	out.History = append([]StepResult(nil), r.History...)
	out.LoopCounters = make(map[string]int, len(r.LoopCounters))
	for k, v := range r.LoopCounters {
		out.LoopCounters[k] = v
	}
	out.Warnings = append([]string(nil), r.Warnings...)
	if r.Pending != nil {
		p := *r.Pending
		out.Pending = &p
	}
	if r.Failure != nil {
		f := *r.Failure
		out.Failure = &f
	}
	return &out
}

// LastResult returns the most recent result for stepID.
func (r *PipelineRun) LastResult(stepID string) (*StepResult, bool) {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].StepID == stepID {
			return &r.History[i], true
		}
	}
	return nil, false
}

// RunStatus is the externally visible snapshot of a run.
type RunStatus struct {
	RunID             string         `json:"run_id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion string         `json:"definition_version"`
	BranchID          string         `json:"branch_id"`
	State             RunState       `json:"state"`
	CurrentStepID     string         `json:"current_step_id,omitempty"`
	PayloadKeys       []string       `json:"payload_keys"`
	Payload           map[string]any `json:"payload,omitempty"`
	Prompt            string         `json:"prompt,omitempty"`
	LastError         *Failure       `json:"last_error,omitempty"`
	Warnings          []string       `json:"warnings,omitempty"`
	HistoryLen        int            `json:"history_len"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Status builds the snapshot. Payload is included only when a human has to act on it.
func (r *PipelineRun) Status() *RunStatus {
	keys := make([]string, 0, len(r.Payload))
	for k := range r.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	st := &RunStatus{
		RunID:             r.ID,
		DefinitionID:      r.DefinitionID,
		DefinitionVersion: r.DefinitionVersion,
		BranchID:          r.BranchID,
		State:             r.State,
		CurrentStepID:     r.CurrentStepID,
		PayloadKeys:       keys,
		Warnings:          append([]string(nil), r.Warnings...),
		HistoryLen:        len(r.History),
		UpdatedAt:         r.UpdatedAt,
	}
	if r.Failure != nil {
		f := *r.Failure
		st.LastError = &f
	}
	if r.State == RunPausedForUser || r.State == RunFailed {
		st.Payload = CloneMap(r.Payload)
	}
	if r.State == RunPausedForUser && r.Pending != nil {
		st.Prompt = r.Pending.Prompt
	}
	return st
}

// RunFilter narrows run listings. Zero fields do not constrain.
type RunFilter struct {
	State        RunState
	DefinitionID string
	Limit        int
}
