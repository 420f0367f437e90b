package eventlog

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/jonathan/storyforge/internal/repository"
	"github.com/jonathan/storyforge/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestLog(t *testing.T) (*Log, *MemoryStore, *repository.Memory) {
	t.Helper()
	repo := repository.NewMemory()
	store := NewMemoryStore(repo)
	return New(store, Options{Logger: zerolog.Nop(), Registerer: prometheus.NewRegistry()}), store, repo
}

func upsert(t *testing.T, l *Log, branch, id string, attrs map[string]any) *types.Event {
	t.Helper()
	ev, err := l.CommitContainer(context.Background(), branch, "", &types.Container{
		ID: id, ContainerType: "scene", Attributes: attrs,
	})
	require.NoError(t, err)
	return ev
}

func TestAppend_LinearChain(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLog(t)
	main, err := l.EnsureBranch(ctx, "main")
	require.NoError(t, err)

	e1, err := l.Append(ctx, "main", "note.added", "", map[string]any{"n": 1})
	require.NoError(t, err)
	e2, err := l.Append(ctx, main.ID, "note.added", "", map[string]any{"n": 2})
	require.NoError(t, err)

	assert.Empty(t, e1.ParentEventID)
	assert.Equal(t, e1.ID, e2.ParentEventID)
	assert.Equal(t, int64(1), e1.Sequence)
	assert.Equal(t, int64(2), e2.Sequence)
	assert.True(t, Verify(e2))

	b, err := l.GetBranch(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, e2.ID, b.HeadEventID)

	events, err := l.EventsForBranch(ctx, "main")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, []string{e1.ID, e2.ID}, []string{events[0].ID, events[1].ID})
}

func TestAppend_Validation(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLog(t)
	_, err := l.EnsureBranch(ctx, "main")
	require.NoError(t, err)

	_, err = l.Append(ctx, "main", "", "", nil)
	assert.Equal(t, types.KindValidation, types.KindOf(err))

	_, err = l.Append(ctx, "nowhere", "x", "", nil)
	assert.True(t, types.IsNotFound(err))

	_, err = l.CommitContainer(ctx, "main", "", &types.Container{})
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestAppendAt_StaleHeadConflicts(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLog(t)
	_, err := l.EnsureBranch(ctx, "main")
	require.NoError(t, err)

	e1, err := l.AppendAt(ctx, "main", "", "x", "", nil)
	require.NoError(t, err)

	_, err = l.AppendAt(ctx, "main", "", "x", "", nil)
	require.Error(t, err)
	assert.Equal(t, types.KindBranchConflict, types.KindOf(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(l.conflicts))

	_, err = l.AppendAt(ctx, "main", e1.ID, "x", "", nil)
	assert.NoError(t, err)
}

func TestAppend_ConcurrentSameBranchStaysLinear(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLog(t)
	_, err := l.EnsureBranch(ctx, "main")
	require.NoError(t, err)

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, "main", "note.added", "", map[string]any{"i": i})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	events, err := l.EventsForBranch(ctx, "main")
	require.NoError(t, err)
	require.Len(t, events, writers)
	parents := make(map[string]bool)
	for i, ev := range events {
		assert.False(t, parents[ev.ParentEventID], "two events share parent %q", ev.ParentEventID)
		parents[ev.ParentEventID] = true
		if i > 0 {
			assert.Equal(t, events[i-1].ID, ev.ParentEventID)
		}
	}
}

func TestAppendAt_ConcurrentSameHeadOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLog(t)
	_, err := l.EnsureBranch(ctx, "main")
	require.NoError(t, err)
	head, err := l.Append(ctx, "main", "x", "", nil)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.AppendAt(ctx, "main", head.ID, "x", "", nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if types.KindOf(err) == types.KindBranchConflict {
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
}

func TestCommitContainer_WritesRepositoryAndEvent(t *testing.T) {
	ctx := context.Background()
	l, _, repo := newTestLog(t)
	_, err := l.EnsureBranch(ctx, "main")
	require.NoError(t, err)

	ev := upsert(t, l, "main", "s1", map[string]any{"title": "Harbor"})
	assert.Equal(t, types.EventContainerUpserted, ev.EventType)
	assert.Equal(t, "s1", ev.ContainerID)

	c, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Harbor", c.Attributes["title"])
}

func TestCommitContainer_CustomEventTypeIsProjected(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLog(t)
	_, err := l.EnsureBranch(ctx, "main")
	require.NoError(t, err)
	_, err = l.CreateBranch(ctx, "empty", "", "")
	require.NoError(t, err)

	ev, err := l.CommitContainer(ctx, "main", "scene.drafted", &types.Container{ID: "d1", ContainerType: "scene_draft"})
	require.NoError(t, err)
	assert.Equal(t, "scene.drafted", ev.EventType)
	assert.True(t, ev.Snapshot)
	assert.True(t, Verify(ev))

	// plain appends of unknown types leave projections alone
	note, err := l.Append(ctx, "main", "note.added", "n1", map[string]any{"text": "aside"})
	require.NoError(t, err)
	assert.False(t, note.Snapshot)

	proj, err := l.ProjectionAt(ctx, note.ID)
	require.NoError(t, err)
	require.Contains(t, proj, "d1")
	assert.Equal(t, "scene_draft", proj["d1"]["container_type"])
	assert.NotContains(t, proj, "n1")

	cmp, err := l.CompareBranches(ctx, "main", "empty")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, cmp.OnlyInA)
	assert.Empty(t, cmp.OnlyInB)
	assert.Zero(t, cmp.SameCount)
}

func TestEvents_AreImmutableToCallers(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLog(t)
	_, err := l.EnsureBranch(ctx, "main")
	require.NoError(t, err)
	ev := upsert(t, l, "main", "s1", map[string]any{"title": "Harbor"})

	events, err := l.EventsForBranch(ctx, "main")
	require.NoError(t, err)
	events[0].Payload["attributes"] = "tampered"

	fetched, err := store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	fetched.Payload["attributes"].(map[string]any)["title"] = "Forged"

	again, err := l.EventsForBranch(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "Harbor"}, again[0].Payload["attributes"])
	assert.True(t, Verify(&again[0]))

	proj, err := l.ProjectionAt(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "Harbor"}, proj["s1"]["attributes"])
}

func TestCreateBranch_FromHistoricalEvent(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLog(t)
	_, err := l.EnsureBranch(ctx, "main")
	require.NoError(t, err)

	e1 := upsert(t, l, "main", "s1", map[string]any{"v": 1})
	e2 := upsert(t, l, "main", "s1", map[string]any{"v": 2})
	e3 := upsert(t, l, "main", "s2", map[string]any{"v": 1})

	alt, err := l.CreateBranch(ctx, "alt", e2.ID, "main")
	require.NoError(t, err)
	assert.Equal(t, e2.ID, alt.HeadEventID)

	main, err := l.GetBranch(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, e3.ID, main.HeadEventID, "source branch untouched")
	assert.Equal(t, main.ID, alt.ParentBranchID)

	events, err := l.EventsForBranch(ctx, "alt")
	require.NoError(t, err)
	assert.Equal(t, []string{e1.ID, e2.ID}, []string{events[0].ID, events[1].ID})

	proj, err := l.ProjectionAt(ctx, e2.ID)
	require.NoError(t, err)
	assert.Equal(t, Replay(events), proj)

	e4, err := l.Append(ctx, "alt", "note.added", "", nil)
	require.NoError(t, err)
	assert.Equal(t, e2.ID, e4.ParentEventID)
	assert.Equal(t, alt.ID, e4.BranchID)
	assert.Equal(t, int64(1), e4.Sequence)
}

func TestCreateBranch_Validation(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLog(t)
	_, err := l.EnsureBranch(ctx, "main")
	require.NoError(t, err)
	_, err = l.EnsureBranch(ctx, "other")
	require.NoError(t, err)
	foreign, err := l.Append(ctx, "other", "x", "", nil)
	require.NoError(t, err)

	_, err = l.CreateBranch(ctx, "", "", "main")
	assert.Equal(t, types.KindValidation, types.KindOf(err))

	_, err = l.CreateBranch(ctx, "main", "", "")
	assert.Equal(t, types.KindValidation, types.KindOf(err), "duplicate name")

	_, err = l.CreateBranch(ctx, "alt", foreign.ID, "main")
	assert.Equal(t, types.KindValidation, types.KindOf(err), "event not on source branch")

	_, err = l.CreateBranch(ctx, "alt", "", "missing")
	assert.True(t, types.IsNotFound(err))
}

func TestCreateBranch_ForkAtEventWithoutSource(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLog(t)
	main, err := l.EnsureBranch(ctx, "main")
	require.NoError(t, err)
	e1 := upsert(t, l, "main", "s1", nil)

	alt, err := l.CreateBranch(ctx, "alt", e1.ID, "")
	require.NoError(t, err)
	assert.Equal(t, main.ID, alt.ParentBranchID)

	events, err := l.EventsForBranch(ctx, "alt")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestEnsureBranch_Idempotent(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLog(t)
	a, err := l.EnsureBranch(ctx, "main")
	require.NoError(t, err)
	b, err := l.EnsureBranch(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	branches, err := l.ListBranches(ctx)
	require.NoError(t, err)
	assert.Len(t, branches, 1)
}

func TestDeleteBranch_KeepsEvents(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLog(t)
	_, err := l.EnsureBranch(ctx, "main")
	require.NoError(t, err)
	e1 := upsert(t, l, "main", "s1", nil)
	_, err = l.CreateBranch(ctx, "alt", "", "main")
	require.NoError(t, err)

	require.NoError(t, l.DeleteBranch(ctx, "main"))
	_, err = l.GetBranch(ctx, "main")
	assert.True(t, types.IsNotFound(err))

	_, err = store.GetEvent(ctx, e1.ID)
	require.NoError(t, err)
	events, err := l.EventsForBranch(ctx, "alt")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, e1.ID, events[0].ID)

	assert.True(t, types.IsNotFound(l.DeleteBranch(ctx, "main")))
}

func TestCompareBranches_DivergedAfterE3(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLog(t)
	_, err := l.EnsureBranch(ctx, "main")
	require.NoError(t, err)

	upsert(t, l, "main", "c1", map[string]any{"mood": "calm"})
	upsert(t, l, "main", "c2", map[string]any{"mood": "calm"})
	e3 := upsert(t, l, "main", "c3", map[string]any{"mood": "calm"})

	_, err = l.CreateBranch(ctx, "alt", e3.ID, "main")
	require.NoError(t, err)

	upsert(t, l, "main", "c1", map[string]any{"mood": "furious"})
	upsert(t, l, "alt", "c1", map[string]any{"mood": "serene"})

	cmp, err := l.CompareBranches(ctx, "main", "alt")
	require.NoError(t, err)
	assert.Equal(t, "main", cmp.BranchA)
	assert.Equal(t, "alt", cmp.BranchB)
	assert.Equal(t, []string{"c1"}, cmp.Differing)
	assert.Empty(t, cmp.OnlyInA)
	assert.Empty(t, cmp.OnlyInB)
	assert.Equal(t, 2, cmp.SameCount)
}

func TestCompareBranches_OnlyIn(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLog(t)
	_, err := l.EnsureBranch(ctx, "main")
	require.NoError(t, err)
	base := upsert(t, l, "main", "shared", nil)
	_, err = l.CreateBranch(ctx, "alt", base.ID, "main")
	require.NoError(t, err)

	upsert(t, l, "main", "a-only", nil)
	upsert(t, l, "alt", "b-only", nil)
	_, err = l.Append(ctx, "alt", types.EventContainerDeleted, "shared", nil)
	require.NoError(t, err)

	cmp, err := l.CompareBranches(ctx, "main", "alt")
	require.NoError(t, err)
	assert.Equal(t, []string{"a-only", "shared"}, cmp.OnlyInA)
	assert.Equal(t, []string{"b-only"}, cmp.OnlyInB)
	assert.Empty(t, cmp.Differing)
	assert.Zero(t, cmp.SameCount)
}

func TestEventsForBranch_RebuildsFromStore(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLog(t)
	_, err := l.EnsureBranch(ctx, "main")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		upsert(t, l, "main", fmt.Sprintf("s%d", i%2), map[string]any{"i": i})
	}

	// a second log over the same store has no cached index
	fresh := New(store, Options{})
	want, err := l.EventsForBranch(ctx, "main")
	require.NoError(t, err)
	got, err := fresh.EventsForBranch(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// the first log picks up appends made through the second
	_, err = fresh.Append(ctx, "main", "note.added", "", nil)
	require.NoError(t, err)
	events, err := l.EventsForBranch(ctx, "main")
	require.NoError(t, err)
	assert.Len(t, events, 6)
}

func TestDigest_NormalizesNumbers(t *testing.T) {
	a, err := Digest(map[string]any{"n": 1, "s": []any{"x"}})
	require.NoError(t, err)
	b, err := Digest(map[string]any{"s": []any{"x"}, "n": float64(1)})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Digest(map[string]any{"n": 2})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestVerify_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLog(t)
	_, err := l.EnsureBranch(ctx, "main")
	require.NoError(t, err)
	ev := upsert(t, l, "main", "s1", map[string]any{"title": "Harbor"})
	require.True(t, Verify(ev))

	ev.Payload["attributes"] = map[string]any{"title": "Forged"}
	assert.False(t, Verify(ev))
}

// opsGen draws a random sequence of upserts and deletes over a small id space.
func opsGen() *rapid.Generator[[]int] {
	return rapid.SliceOfN(rapid.IntRange(0, 9), 1, 30)
}

func applyOps(t *rapid.T, l *Log, branch string, ops []int) {
	for i, op := range ops {
		id := fmt.Sprintf("c%d", op%5)
		var err error
		if op >= 8 {
			_, err = l.Append(context.Background(), branch, types.EventContainerDeleted, id, nil)
		} else {
			_, err = l.CommitContainer(context.Background(), branch, "", &types.Container{
				ID: id, ContainerType: "scene", Attributes: map[string]any{"step": i},
			})
		}
		if err != nil {
			t.Fatalf("op %d: %v", i, err)
		}
	}
}

func TestReplay_DeterministicProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		store := NewMemoryStore(repository.NewMemory())
		l := New(store, Options{})
		if _, err := l.EnsureBranch(ctx, "main"); err != nil {
			rt.Fatalf("ensure: %v", err)
		}
		applyOps(rt, l, "main", opsGen().Draw(rt, "ops"))

		first, err := l.EventsForBranch(ctx, "main")
		if err != nil {
			rt.Fatalf("events: %v", err)
		}
		second, err := New(store, Options{}).EventsForBranch(ctx, "main")
		if err != nil {
			rt.Fatalf("events: %v", err)
		}
		a, b := Replay(first), Replay(second)
		cmp, err := Compare(a, b)
		if err != nil {
			rt.Fatalf("compare: %v", err)
		}
		if len(cmp.Differing)+len(cmp.OnlyInA)+len(cmp.OnlyInB) != 0 || cmp.SameCount != len(a) {
			rt.Fatalf("replay not deterministic: %+v", cmp)
		}
	})
}

func TestCompareBranches_ForkEqualsSourceProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		l := New(NewMemoryStore(repository.NewMemory()), Options{})
		if _, err := l.EnsureBranch(ctx, "main"); err != nil {
			rt.Fatalf("ensure: %v", err)
		}
		applyOps(rt, l, "main", opsGen().Draw(rt, "ops"))

		main, err := l.GetBranch(ctx, "main")
		if err != nil {
			rt.Fatalf("get: %v", err)
		}
		if _, err := l.CreateBranch(ctx, "fork", main.HeadEventID, "main"); err != nil {
			rt.Fatalf("fork: %v", err)
		}
		atFork, err := l.ProjectionAt(ctx, main.HeadEventID)
		if err != nil {
			rt.Fatalf("projection: %v", err)
		}

		cmp, err := l.CompareBranches(ctx, "main", "fork")
		if err != nil {
			rt.Fatalf("compare: %v", err)
		}
		if cmp.SameCount != len(atFork) || len(cmp.OnlyInA) != 0 || len(cmp.OnlyInB) != 0 || len(cmp.Differing) != 0 {
			rt.Fatalf("fork differs from source: %+v (containers at fork: %d)", cmp, len(atFork))
		}
	})
}
