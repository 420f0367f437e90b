// Package repository defines the generic container repository the rest of the system reads
// and writes through, with an in-memory implementation.
package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonathan/storyforge/internal/types"
)

// Reader is the read side of a container repository.
type Reader interface {
	Get(ctx context.Context, id string) (*types.Container, error)
	Query(ctx context.Context, q types.ContainerQuery) ([]*types.Container, error)
}

// Repository is a generic store of containers.
type Repository interface {
	Reader
	Upsert(ctx context.Context, c *types.Container) error
}

// SortContainers orders containers by parent, sort_order and id.
func SortContainers(cs []*types.Container) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].ParentID != cs[j].ParentID {
			return cs[i].ParentID < cs[j].ParentID
		}
		if cs[i].SortOrder != cs[j].SortOrder {
			return cs[i].SortOrder < cs[j].SortOrder
		}
		return cs[i].ID < cs[j].ID
	})
}

// Memory is a Repository held in process memory. Values are copied in and out.
type Memory struct {
	mu    sync.RWMutex
	items map[string]*types.Container
	now   func() time.Time
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]*types.Container), now: time.Now}
}

// Get returns the container with id.
func (m *Memory) Get(_ context.Context, id string) (*types.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.items[id]
	if !ok {
		return nil, &types.NotFoundError{Resource: "container", ID: id}
	}
	return c.Clone(), nil
}

// Query returns every container matching q.
func (m *Memory) Query(_ context.Context, q types.ContainerQuery) ([]*types.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Container
	for _, c := range m.items {
		if q.Matches(c) {
			out = append(out, c.Clone())
		}
	}
	SortContainers(out)
	return out, nil
}

// Upsert inserts or replaces c.
func (m *Memory) Upsert(_ context.Context, c *types.Container) error {
	if c == nil || c.ID == "" {
		return types.NewValidationError("container id is required")
	}
	stored := c.Clone()
	stored.UpdatedAt = m.now().UTC()
	m.mu.Lock()
	m.items[c.ID] = stored
	m.mu.Unlock()
	return nil
}

// Delete removes a container. Missing ids are ignored.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.items, id)
	m.mu.Unlock()
	return nil
}
