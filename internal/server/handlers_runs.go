package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jonathan/storyforge/internal/definition"
	"github.com/jonathan/storyforge/internal/pipeline"
	"github.com/jonathan/storyforge/internal/schemas"
	"github.com/jonathan/storyforge/internal/types"
	rootschemas "github.com/jonathan/storyforge/schemas"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// StartRunRequest is the body of POST /runs. Either DefinitionID or an inline
// Definition is required.
type StartRunRequest struct {
	DefinitionID      string          `json:"definition_id,omitempty"`
	DefinitionVersion string          `json:"definition_version,omitempty"`
	Definition        json.RawMessage `json:"definition,omitempty"`
	Payload           map[string]any  `json:"payload,omitempty"`
	Branch            string          `json:"branch,omitempty"`
	// Async returns as soon as the run exists and advances it in the background.
	Async bool `json:"async,omitempty"`
}

// ResumeRequest is the body of POST /runs/{run_id}/resume.
type ResumeRequest struct {
	Payload map[string]any `json:"payload"`
}

// AdvanceRequest is the optional body of POST /runs/{run_id}/advance.
type AdvanceRequest struct {
	// Single executes exactly one step.
	Single bool `json:"single,omitempty"`
	Async  bool `json:"async,omitempty"`
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	_, err := readJSON(w, r, v)
	return err
}

// decodeValidated reads a JSON body into v and checks it against an embedded
// schema. An empty body is validated as {}.
func decodeValidated(w http.ResponseWriter, r *http.Request, schema string, v any) error {
	data, err := readJSON(w, r, v)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := schemas.Validate(schema, data); err != nil {
		var ve *schemas.ValidationError
		if errors.As(err, &ve) {
			return &errRequest{Field: ve.Errors[0].Field, Message: strings.Join(ve.Issues(), "; ")}
		}
		return err
	}
	return nil
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, &errRequest{Field: "body", Message: err.Error()}
	}
	if len(data) == 0 {
		return nil, nil
	}
	if err := sonic.ConfigStd.Unmarshal(data, v); err != nil {
		return nil, &errRequest{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return data, nil
}

func (s *Server) resolveDefinition(req *StartRunRequest) (*types.PipelineDefinition, error) {
	if len(req.Definition) > 0 {
		return definition.Parse(req.Definition, definition.FormatJSON)
	}
	if req.DefinitionID == "" {
		return nil, &errRequest{Field: "definition_id", Message: "definition_id or definition is required"}
	}
	return s.engine.Catalog().Get(req.DefinitionID, req.DefinitionVersion)
}

// handleStartRun creates a run and advances it until it pauses or finishes.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := decodeValidated(w, r, rootschemas.StartRequest, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	def, err := s.resolveDefinition(&req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opts := pipeline.StartOptions{Branch: req.Branch}

	if req.Async {
		runID, err := s.engine.Create(r.Context(), def, req.Payload, opts)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.advanceInBackground(runID, false)
		s.statusResponse(w, r, http.StatusAccepted, runID)
		return
	}

	runID, err := s.engine.Start(r.Context(), def, req.Payload, opts)
	if err != nil {
		if runID != "" {
			s.logger.Warn().Err(err).Str("run_id", runID).Msg("run created but advance failed")
		}
		s.writeError(w, r, err)
		return
	}
	s.statusResponse(w, r, http.StatusCreated, runID)
}

// advanceInBackground drives a run detached from the request. Cancellation on shutdown
// leaves the run RUNNING at a step boundary so it can be advanced again.
func (s *Server) advanceInBackground(runID string, single bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if single {
			_, err = s.engine.Step(s.bg, runID)
		} else {
			_, err = s.engine.Advance(s.bg, runID)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Str("run_id", runID).Msg("background advance failed")
		}
	}()
}

func (s *Server) statusResponse(w http.ResponseWriter, r *http.Request, code int, runID string) {
	st, err := s.engine.Status(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, code, st)
}

// handleListRuns lists run snapshots, filtered by ?state=, ?definition_id= and ?limit=.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.RunFilter{
		State:        types.RunState(q.Get("state")),
		DefinitionID: q.Get("definition_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, &errRequest{Field: "limit", Message: "must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}
	runs, err := s.engine.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleGetRun returns the status snapshot of a run.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	s.statusResponse(w, r, http.StatusOK, r.PathValue("run_id"))
}

// handleRunHistory returns the step results and warnings of a run.
func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Run(r.Context(), r.PathValue("run_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"run_id":   run.ID,
		"state":    run.State,
		"history":  run.History,
		"warnings": run.Warnings,
	})
}

// handleAdvanceRun continues a RUNNING run.
func (s *Server) handleAdvanceRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	var req AdvanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.Async {
		st, err := s.engine.Status(r.Context(), runID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if st.State != types.RunRunning {
			s.writeError(w, r, &types.StateError{RunID: runID, State: st.State, Operation: "advance"})
			return
		}
		s.advanceInBackground(runID, req.Single)
		s.jsonResponse(w, http.StatusAccepted, st)
		return
	}

	var (
		st  *types.RunStatus
		err error
	)
	if req.Single {
		st, err = s.engine.Step(r.Context(), runID)
	} else {
		st, err = s.engine.Advance(r.Context(), runID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, st)
}

// handleResumeRun merges the user payload into a paused run and advances it.
func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	var req ResumeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.engine.Resume(r.Context(), r.PathValue("run_id"), req.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, st)
}

// handleAbortRun aborts a run. A step in flight finishes first.
func (s *Server) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Abort(r.Context(), r.PathValue("run_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, st)
}

// handleStreamRun streams progress events as SSE until the run reaches a terminal
// state or the client goes away.
func (s *Server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	events, cancel, err := s.engine.Subscribe(ctx, r.PathValue("run_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer cancel()

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, string(types.KindInternal), err.Error())
		return
	}

	keepalive := time.NewTicker(s.keepAlive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if err := sse.WriteKeepAlive(); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sse.WriteEvent(ev.Type, ev); err != nil {
				return
			}
		}
	}
}
