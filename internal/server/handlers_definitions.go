package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/jonathan/storyforge/internal/definition"
	"github.com/jonathan/storyforge/internal/types"
)

// maxDefinitionBytes bounds definition uploads.
const maxDefinitionBytes = 1 << 20

type definitionSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
	Steps       int    `json:"steps"`
}

func summarize(def *types.PipelineDefinition) definitionSummary {
	return definitionSummary{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Version:     def.Version,
		Steps:       len(def.Steps),
	}
}

// handleListDefinitions returns the latest version of every registered definition.
func (s *Server) handleListDefinitions(w http.ResponseWriter, _ *http.Request) {
	defs := s.engine.Catalog().List()
	out := make([]definitionSummary, 0, len(defs))
	for _, d := range defs {
		out = append(out, summarize(d))
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"definitions": out})
}

// handlePutDefinition registers a definition document. YAML is accepted when the
// Content-Type says so; anything else is read as JSON with comments.
func (s *Server) handlePutDefinition(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDefinitionBytes))
	if err != nil {
		s.writeError(w, r, &errRequest{Field: "body", Message: err.Error()})
		return
	}
	format := definition.FormatJSON
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		format = definition.FormatYAML
	}
	def, err := definition.Parse(data, format)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stored, err := s.engine.Catalog().Put(def)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, stored)
}

// handleGetDefinition returns one definition, the latest unless ?version= is given.
func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.engine.Catalog().Get(r.PathValue("id"), r.URL.Query().Get("version"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, def)
}
