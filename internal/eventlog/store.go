package eventlog

import (
	"context"
	"sort"
	"sync"

	"github.com/jonathan/storyforge/internal/repository"
	"github.com/jonathan/storyforge/internal/types"
)

// Store persists events and branch pointers.
type Store interface {
	GetBranch(ctx context.Context, id string) (*types.Branch, error)
	GetBranchByName(ctx context.Context, name string) (*types.Branch, error)
	ListBranches(ctx context.Context) ([]*types.Branch, error)
	CreateBranch(ctx context.Context, b *types.Branch) error
	// DeleteBranch removes the pointer only. Events stay.
	DeleteBranch(ctx context.Context, id string) error

	GetEvent(ctx context.Context, id string) (*types.Event, error)
	// AppendEvent stores ev and moves the head of ev.BranchID from expectedHead to ev.ID
	// in one step, assigning ev.Sequence. Any other head yields *types.BranchConflictError.
	AppendEvent(ctx context.Context, ev *types.Event, expectedHead string) error
	// CommitContainer upserts c and appends ev as one atomic unit.
	CommitContainer(ctx context.Context, c *types.Container, ev *types.Event, expectedHead string) error
}

// MemoryStore is a Store held in process memory. Containers committed through it are
// written to repo.
type MemoryStore struct {
	mu       sync.Mutex
	branches map[string]*types.Branch
	events   map[string]*types.Event
	seq      map[string]int64
	repo     repository.Repository
}

// NewMemoryStore creates an empty store writing committed containers to repo.
func NewMemoryStore(repo repository.Repository) *MemoryStore {
	return &MemoryStore{
		branches: make(map[string]*types.Branch),
		events:   make(map[string]*types.Event),
		seq:      make(map[string]int64),
		repo:     repo,
	}
}

func (s *MemoryStore) GetBranch(_ context.Context, id string) (*types.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[id]
	if !ok {
		return nil, &types.NotFoundError{Resource: "branch", ID: id}
	}
	out := *b
	return &out, nil
}

func (s *MemoryStore) GetBranchByName(_ context.Context, name string) (*types.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.branches {
		if b.Name == name {
			out := *b
			return &out, nil
		}
	}
	return nil, &types.NotFoundError{Resource: "branch", ID: name}
}

func (s *MemoryStore) ListBranches(_ context.Context) ([]*types.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Branch, 0, len(s.branches))
	for _, b := range s.branches {
		c := *b
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) CreateBranch(_ context.Context, b *types.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.branches {
		if existing.Name == b.Name {
			return types.NewValidationError("branch name %q already exists", b.Name)
		}
	}
	stored := *b
	s.branches[b.ID] = &stored
	return nil
}

func (s *MemoryStore) DeleteBranch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.branches[id]; !ok {
		return &types.NotFoundError{Resource: "branch", ID: id}
	}
	delete(s.branches, id)
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, &types.NotFoundError{Resource: "event", ID: id}
	}
	out := *ev
	out.Payload = types.CloneMap(ev.Payload)
	return &out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev *types.Event, expectedHead string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(ev, expectedHead)
}

func (s *MemoryStore) CommitContainer(ctx context.Context, c *types.Container, ev *types.Event, expectedHead string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkHead(ev.BranchID, expectedHead); err != nil {
		return err
	}
	if err := s.repo.Upsert(ctx, c); err != nil {
		return err
	}
	return s.appendLocked(ev, expectedHead)
}

func (s *MemoryStore) checkHead(branchID, expectedHead string) error {
	b, ok := s.branches[branchID]
	if !ok {
		return &types.NotFoundError{Resource: "branch", ID: branchID}
	}
	if b.HeadEventID != expectedHead {
		return &types.BranchConflictError{BranchID: branchID, ExpectedHead: expectedHead, ActualHead: b.HeadEventID}
	}
	return nil
}

func (s *MemoryStore) appendLocked(ev *types.Event, expectedHead string) error {
	if err := s.checkHead(ev.BranchID, expectedHead); err != nil {
		return err
	}
	s.seq[ev.BranchID]++
	ev.Sequence = s.seq[ev.BranchID]
	stored := *ev
	stored.Payload = types.CloneMap(ev.Payload)
	s.events[ev.ID] = &stored
	s.branches[ev.BranchID].HeadEventID = ev.ID
	return nil
}
