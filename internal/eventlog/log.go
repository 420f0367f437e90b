// Package eventlog is the append-only, branch-aware log of container mutations.
//
// Events form chains through parent_event_id. A branch is a named pointer to the head of
// one chain; forking creates a new pointer at any historical event. Appends are
// serialized per branch and never coordinate across branches.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/storyforge/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Options configures a Log.
type Options struct {
	Logger     zerolog.Logger
	Registerer prometheus.Registerer
	Clock      func() time.Time
}

// Log is the Event Log and Branch Manager.
type Log struct {
	store  Store
	logger zerolog.Logger
	clock  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	// index caches each branch's chain, root first. It is extended on every append and
	// rebuilt from the parent chain when missing or stale.
	index map[string][]*types.Event

	appended  *prometheus.CounterVec
	conflicts prometheus.Counter
}

// New creates a Log over store.
func New(store Store, opts Options) *Log {
	l := &Log{
		store:  store,
		logger: opts.Logger,
		clock:  opts.Clock,
		locks:  make(map[string]*sync.Mutex),
		index:  make(map[string][]*types.Event),
		appended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_events_appended_total",
			Help: "Events appended to the log, by event type.",
		}, []string{"event_type"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storyforge_branch_conflicts_total",
			Help: "Appends rejected because the branch head had moved.",
		}),
	}
	if l.clock == nil {
		l.clock = time.Now
	}
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(l.appended, l.conflicts)
	}
	return l
}

func (l *Log) lockFor(branchID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[branchID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[branchID] = m
	}
	return m
}

// ResolveBranch finds a branch by id, falling back to name.
func (l *Log) ResolveBranch(ctx context.Context, ref string) (*types.Branch, error) {
	b, err := l.store.GetBranch(ctx, ref)
	if err == nil {
		return b, nil
	}
	if !types.IsNotFound(err) {
		return nil, err
	}
	return l.store.GetBranchByName(ctx, ref)
}

// EnsureBranch returns the branch named name, creating an empty root branch if needed.
func (l *Log) EnsureBranch(ctx context.Context, name string) (*types.Branch, error) {
	b, err := l.store.GetBranchByName(ctx, name)
	if err == nil {
		return b, nil
	}
	if !types.IsNotFound(err) {
		return nil, err
	}
	b, err = l.CreateBranch(ctx, name, "", "")
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		// lost a creation race; the other writer's branch is the one we want
		return l.store.GetBranchByName(ctx, name)
	}
	return b, err
}

// Append adds an event to the head of a branch.
func (l *Log) Append(ctx context.Context, branchRef, eventType, containerID string, payload map[string]any) (*types.Event, error) {
	return l.append(ctx, branchRef, nil, eventType, containerID, payload, nil)
}

// AppendAt is Append for callers that read the head earlier. If the head has moved since,
// it fails with *types.BranchConflictError and the caller must refetch and retry.
func (l *Log) AppendAt(ctx context.Context, branchRef, expectedHead, eventType, containerID string, payload map[string]any) (*types.Event, error) {
	return l.append(ctx, branchRef, &expectedHead, eventType, containerID, payload, nil)
}

// CommitContainer upserts c into the container repository and appends one event
// referencing it, atomically.
func (l *Log) CommitContainer(ctx context.Context, branchRef, eventType string, c *types.Container) (*types.Event, error) {
	if c == nil || c.ID == "" {
		return nil, types.NewValidationError("container id is required")
	}
	if eventType == "" {
		eventType = types.EventContainerUpserted
	}
	return l.append(ctx, branchRef, nil, eventType, c.ID, c.Snapshot(), c)
}

func (l *Log) append(ctx context.Context, branchRef string, expectedHead *string, eventType, containerID string, payload map[string]any, c *types.Container) (*types.Event, error) {
	if eventType == "" {
		return nil, types.NewValidationError("event_type is required")
	}
	b, err := l.ResolveBranch(ctx, branchRef)
	if err != nil {
		return nil, err
	}

	mu := l.lockFor(b.ID)
	mu.Lock()
	defer mu.Unlock()

	// re-read under the lock; another append may have moved the head
	b, err = l.store.GetBranch(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	head := b.HeadEventID
	if expectedHead != nil && *expectedHead != head {
		l.conflicts.Inc()
		return nil, &types.BranchConflictError{BranchID: b.ID, ExpectedHead: *expectedHead, ActualHead: head}
	}

	ev := &types.Event{
		ID:            uuid.NewString(),
		ParentEventID: head,
		BranchID:      b.ID,
		Timestamp:     l.clock().UTC(),
		EventType:     eventType,
		ContainerID:   containerID,
		Payload:       types.CloneMap(payload),
		Snapshot:      c != nil,
	}
	if ev.ContentHash, err = ContentHash(ev); err != nil {
		return nil, err
	}

	if c != nil {
		err = l.store.CommitContainer(ctx, c, ev, head)
	} else {
		err = l.store.AppendEvent(ctx, ev, head)
	}
	var conflict *types.BranchConflictError
	if errors.As(err, &conflict) {
		l.conflicts.Inc()
		l.dropIndex(b.ID)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to append event to branch %s: %w", b.Name, err)
	}

	l.extendIndex(b.ID, head, ev)
	l.appended.WithLabelValues(eventType).Inc()
	l.logger.Debug().Str("branch", b.Name).Str("event_id", ev.ID).Str("event_type", eventType).
		Int64("sequence", ev.Sequence).Msg("event appended")

	out := *ev
	out.Payload = types.CloneMap(ev.Payload)
	return &out, nil
}

// CreateBranch forks a new branch at parentEventID.
// With a source branch, parentEventID must lie on the source's chain; an empty
// parentEventID then forks at the source's head. With neither, the branch starts empty.
// The source branch is never modified.
func (l *Log) CreateBranch(ctx context.Context, name, parentEventID, sourceRef string) (*types.Branch, error) {
	if name == "" {
		return nil, types.NewValidationError("branch name is required")
	}

	nb := &types.Branch{
		ID:          uuid.NewString(),
		Name:        name,
		HeadEventID: parentEventID,
		ForkEventID: parentEventID,
		CreatedAt:   l.clock().UTC(),
	}

	var prefix []*types.Event
	switch {
	case sourceRef != "":
		src, err := l.ResolveBranch(ctx, sourceRef)
		if err != nil {
			return nil, err
		}
		chain, err := l.chain(ctx, src.ID)
		if err != nil {
			return nil, err
		}
		if parentEventID == "" {
			parentEventID = src.HeadEventID
			nb.HeadEventID, nb.ForkEventID = parentEventID, parentEventID
		}
		nb.ParentBranchID = src.ID
		if parentEventID != "" {
			at := -1
			for i, ev := range chain {
				if ev.ID == parentEventID {
					at = i
					break
				}
			}
			if at < 0 {
				return nil, types.NewValidationError("event %s is not on branch %s", parentEventID, src.Name)
			}
			prefix = append([]*types.Event(nil), chain[:at+1]...)
		}
	case parentEventID != "":
		ev, err := l.store.GetEvent(ctx, parentEventID)
		if err != nil {
			return nil, err
		}
		nb.ParentBranchID = ev.BranchID
	}

	if err := l.store.CreateBranch(ctx, nb); err != nil {
		return nil, err
	}
	if prefix != nil || parentEventID == "" {
		l.mu.Lock()
		l.index[nb.ID] = prefix
		l.mu.Unlock()
	}
	l.logger.Info().Str("branch", name).Str("fork_event_id", parentEventID).Msg("branch created")
	out := *nb
	return &out, nil
}

// GetBranch returns a branch by id or name.
func (l *Log) GetBranch(ctx context.Context, ref string) (*types.Branch, error) {
	return l.ResolveBranch(ctx, ref)
}

// ListBranches returns every branch.
func (l *Log) ListBranches(ctx context.Context) ([]*types.Branch, error) {
	return l.store.ListBranches(ctx)
}

// DeleteBranch removes a branch pointer. Its events remain reachable from other branches.
func (l *Log) DeleteBranch(ctx context.Context, ref string) error {
	b, err := l.ResolveBranch(ctx, ref)
	if err != nil {
		return err
	}
	mu := l.lockFor(b.ID)
	mu.Lock()
	defer mu.Unlock()
	if err := l.store.DeleteBranch(ctx, b.ID); err != nil {
		return err
	}
	l.dropIndex(b.ID)
	return nil
}

// EventsForBranch returns the branch's events ordered from root to head.
func (l *Log) EventsForBranch(ctx context.Context, ref string) ([]types.Event, error) {
	b, err := l.ResolveBranch(ctx, ref)
	if err != nil {
		return nil, err
	}
	chain, err := l.chain(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	out := make([]types.Event, len(chain))
	for i, ev := range chain {
		out[i] = *ev
		out[i].Payload = types.CloneMap(ev.Payload)
	}
	return out, nil
}

// chain returns the cached chain for branchID, extending or rebuilding it when the
// stored head is ahead of the cache.
func (l *Log) chain(ctx context.Context, branchID string) ([]*types.Event, error) {
	b, err := l.store.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	cached, ok := l.index[branchID]
	l.mu.Unlock()

	tail := ""
	if len(cached) > 0 {
		tail = cached[len(cached)-1].ID
	}
	if ok && tail == b.HeadEventID {
		return cached, nil
	}

	// walk back from the head until we meet the cached tail or the root
	var suffix []*types.Event
	seen := make(map[string]bool)
	for id := b.HeadEventID; id != ""; {
		if ok && id == tail {
			break
		}
		if seen[id] {
			return nil, fmt.Errorf("event chain of branch %s has a cycle at %s", b.Name, id)
		}
		seen[id] = true
		ev, err := l.store.GetEvent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to walk branch %s: %w", b.Name, err)
		}
		suffix = append(suffix, ev)
		id = ev.ParentEventID
	}
	reverse(suffix)

	var full []*types.Event
	if ok && (len(suffix) == 0 || suffix[0].ParentEventID == tail) {
		full = append(append([]*types.Event(nil), cached...), suffix...)
	} else {
		full = suffix
	}

	l.mu.Lock()
	l.index[branchID] = full
	l.mu.Unlock()
	return full, nil
}

func (l *Log) extendIndex(branchID, prevHead string, ev *types.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cached, ok := l.index[branchID]
	if !ok {
		return
	}
	tail := ""
	if len(cached) > 0 {
		tail = cached[len(cached)-1].ID
	}
	if tail != prevHead {
		delete(l.index, branchID)
		return
	}
	stored := *ev
	stored.Payload = types.CloneMap(ev.Payload)
	l.index[branchID] = append(cached[:len(cached):len(cached)], &stored)
}

func (l *Log) dropIndex(branchID string) {
	l.mu.Lock()
	delete(l.index, branchID)
	l.mu.Unlock()
}

// ProjectionAt replays the chain ending at eventID.
func (l *Log) ProjectionAt(ctx context.Context, eventID string) (types.Projection, error) {
	var chain []types.Event
	seen := make(map[string]bool)
	for id := eventID; id != ""; {
		if seen[id] {
			return nil, fmt.Errorf("event chain has a cycle at %s", id)
		}
		seen[id] = true
		ev, err := l.store.GetEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *ev)
		id = ev.ParentEventID
	}
	reverse(chain)
	return Replay(chain), nil
}

// CompareBranches replays both branches and diffs the projections by container id.
func (l *Log) CompareBranches(ctx context.Context, refA, refB string) (*types.BranchComparison, error) {
	var projA, projB types.Projection
	var nameA, nameB string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := l.ResolveBranch(gctx, refA)
		if err != nil {
			return err
		}
		events, err := l.EventsForBranch(gctx, b.ID)
		if err != nil {
			return err
		}
		nameA, projA = b.Name, Replay(events)
		return nil
	})
	g.Go(func() error {
		b, err := l.ResolveBranch(gctx, refB)
		if err != nil {
			return err
		}
		events, err := l.EventsForBranch(gctx, b.ID)
		if err != nil {
			return err
		}
		nameB, projB = b.Name, Replay(events)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cmp, err := Compare(projA, projB)
	if err != nil {
		return nil, err
	}
	cmp.BranchA, cmp.BranchB = nameA, nameB
	return cmp, nil
}

// Replay folds events onto an empty state. It is a pure function of the event order.
// Committed snapshots count as upserts regardless of their event type.
func Replay(events []types.Event) types.Projection {
	proj := make(types.Projection)
	for i := range events {
		ev := &events[i]
		switch {
		case ev.Snapshot || ev.EventType == types.EventContainerUpserted:
			if ev.ContainerID != "" {
				proj[ev.ContainerID] = types.CloneMap(ev.Payload)
			}
		case ev.EventType == types.EventContainerDeleted:
			delete(proj, ev.ContainerID)
		}
	}
	return proj
}

// Compare diffs two projections by container id and snapshot digest.
func Compare(a, b types.Projection) (*types.BranchComparison, error) {
	cmp := &types.BranchComparison{OnlyInA: []string{}, OnlyInB: []string{}, Differing: []string{}}
	for id, snapA := range a {
		snapB, ok := b[id]
		if !ok {
			cmp.OnlyInA = append(cmp.OnlyInA, id)
			continue
		}
		da, err := Digest(snapA)
		if err != nil {
			return nil, err
		}
		db, err := Digest(snapB)
		if err != nil {
			return nil, err
		}
		if da == db {
			cmp.SameCount++
		} else {
			cmp.Differing = append(cmp.Differing, id)
		}
	}
	for id := range b {
		if _, ok := a[id]; !ok {
			cmp.OnlyInB = append(cmp.OnlyInB, id)
		}
	}
	sort.Strings(cmp.OnlyInA)
	sort.Strings(cmp.OnlyInB)
	sort.Strings(cmp.Differing)
	return cmp, nil
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
