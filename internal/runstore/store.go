// Package runstore persists pipeline runs between step boundaries so a paused run survives a
// process restart.
package runstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jonathan/storyforge/internal/types"
)

// ErrConflict is returned by Save when the stored run has a different Version than the
// one being saved.
var ErrConflict = errors.New("run was modified concurrently")

// Store persists runs. Implementations copy values in and out.
type Store interface {
	// Create stores a new run at Version 1.
	Create(ctx context.Context, run *types.PipelineRun) error
	// Get returns *types.NotFoundError for unknown ids.
	Get(ctx context.Context, id string) (*types.PipelineRun, error)
	// Save replaces the run if its Version matches the stored one, then increments run.Version.
	Save(ctx context.Context, run *types.PipelineRun) error
	// List returns runs matching f, newest first.
	List(ctx context.Context, f types.RunFilter) ([]*types.PipelineRun, error)
}

// Memory is a Store held in process memory.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]*types.PipelineRun
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{runs: make(map[string]*types.PipelineRun)}
}

func (m *Memory) Create(_ context.Context, run *types.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return types.NewValidationError("run %s already exists", run.ID)
	}
	run.Version = 1
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*types.PipelineRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, &types.NotFoundError{Resource: "run", ID: id}
	}
	return r.Clone(), nil
}

func (m *Memory) Save(_ context.Context, run *types.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[run.ID]
	if !ok {
		return &types.NotFoundError{Resource: "run", ID: run.ID}
	}
	if cur.Version != run.Version {
		return ErrConflict
	}
	run.Version++
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *Memory) List(_ context.Context, f types.RunFilter) ([]*types.PipelineRun, error) {
	m.mu.RLock()
	var out []*types.PipelineRun
	for _, r := range m.runs {
		if Matches(r, f) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	return Limit(out, f.Limit), nil
}

// Matches reports whether r passes the filter's state and definition constraints.
func Matches(r *types.PipelineRun, f types.RunFilter) bool {
	if f.State != "" && r.State != f.State {
		return false
	}
	if f.DefinitionID != "" && r.DefinitionID != f.DefinitionID {
		return false
	}
	return true
}

// Limit sorts runs newest first and truncates to limit when limit > 0.
func Limit(runs []*types.PipelineRun, limit int) []*types.PipelineRun {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}
