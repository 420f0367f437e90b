package server

import (
	"net/http"

	rootschemas "github.com/jonathan/storyforge/schemas"
)

// CreateBranchRequest is the body of POST /branches. With neither Source nor
// FromEventID the branch starts empty; with Source alone it forks at Source's head.
type CreateBranchRequest struct {
	Name        string `json:"name"`
	Source      string `json:"source,omitempty"`
	FromEventID string `json:"from_event_id,omitempty"`
}

// handleListBranches returns every branch.
func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := s.log.ListBranches(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"branches": branches})
}

// handleCreateBranch forks a branch.
func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var req CreateBranchRequest
	if err := decodeValidated(w, r, rootschemas.BranchCreate, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.log.CreateBranch(r.Context(), req.Name, req.FromEventID, req.Source)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, b)
}

// handleGetBranch returns a branch by id or name.
func (s *Server) handleGetBranch(w http.ResponseWriter, r *http.Request) {
	b, err := s.log.GetBranch(r.Context(), r.PathValue("branch_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, b)
}

// handleDeleteBranch removes a branch pointer; its events stay reachable from other
// branches.
func (s *Server) handleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	if err := s.log.DeleteBranch(r.Context(), r.PathValue("branch_id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBranchEvents returns the events of a branch from root to head.
func (s *Server) handleBranchEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.log.EventsForBranch(r.Context(), r.PathValue("branch_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"events": events})
}

// handleCompareBranches diffs the projections of ?a= and ?b=.
func (s *Server) handleCompareBranches(w http.ResponseWriter, r *http.Request) {
	a, b := r.URL.Query().Get("a"), r.URL.Query().Get("b")
	if a == "" || b == "" {
		s.writeError(w, r, &errRequest{Field: "a,b", Message: "both branches are required"})
		return
	}
	cmp, err := s.log.CompareBranches(r.Context(), a, b)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, cmp)
}

// handleProjection returns the container state as of an event.
func (s *Server) handleProjection(w http.ResponseWriter, r *http.Request) {
	proj, err := s.log.ProjectionAt(r.Context(), r.PathValue("event_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"containers": proj})
}
