package runstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/storyforge/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newRun(def string, state types.RunState, created time.Time) *types.PipelineRun {
	return &types.PipelineRun{
		ID:           uuid.NewString(),
		DefinitionID: def,
		State:        state,
		Payload:      map[string]any{"premise": "a lighthouse keeper", "tension": 7},
		LoopCounters: map[string]int{"loop": 1},
		History: []types.StepResult{
			{StepID: "gather", StepType: types.StepContextGathering, Outcome: types.OutcomeSuccess, Timestamp: created},
		},
		Pending:   &types.Intercept{StepID: "review", Prompt: "Approve?"},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// exerciseStore checks the contract every Store implementation must honor.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	def := "def-" + uuid.NewString()[:8]
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := newRun(def, types.RunPausedForUser, base)
	require.NoError(t, s.Create(ctx, run))
	assert.Equal(t, int64(1), run.Version)
	assert.Equal(t, types.KindValidation, types.KindOf(s.Create(ctx, run)), "duplicate id")

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.State, got.State)
	assert.Equal(t, "a lighthouse keeper", got.Payload["premise"])
	assert.EqualValues(t, 7, got.Payload["tension"])
	assert.Equal(t, 1, got.LoopCounters["loop"])
	require.NotNil(t, got.Pending)
	assert.Equal(t, "Approve?", got.Pending.Prompt)
	require.Len(t, got.History, 1)

	got.State = types.RunRunning
	require.NoError(t, s.Save(ctx, got))
	assert.Equal(t, int64(2), got.Version)

	// run still carries version 1
	run.State = types.RunAborted
	assert.ErrorIs(t, s.Save(ctx, run), ErrConflict)

	again, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, again.State)
	assert.Equal(t, int64(2), again.Version)

	_, err = s.Get(ctx, "missing")
	assert.True(t, types.IsNotFound(err))
	assert.True(t, types.IsNotFound(s.Save(ctx, &types.PipelineRun{ID: "missing"})))

	older := newRun(def, types.RunCompleted, base.Add(-time.Hour))
	require.NoError(t, s.Create(ctx, older))
	other := newRun(def+"-other", types.RunCompleted, base.Add(time.Hour))
	require.NoError(t, s.Create(ctx, other))

	all, err := s.List(ctx, types.RunFilter{DefinitionID: def})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, run.ID, all[0].ID, "newest first")

	completed, err := s.List(ctx, types.RunFilter{DefinitionID: def, State: types.RunCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, older.ID, completed[0].ID)

	limited, err := s.List(ctx, types.RunFilter{DefinitionID: def, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// exerciseConcurrentSaves checks that of many writers holding the same version, one wins.
func exerciseConcurrentSaves(t *testing.T, s Store) {
	ctx := context.Background()
	run := newRun("concurrent", types.RunRunning, time.Now().UTC())
	require.NoError(t, s.Create(ctx, run))

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mine := run.Clone()
			mine.Payload["writer"] = i
			results <- s.Save(ctx, mine)
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrConflict)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryStore_ConcurrentSaves(t *testing.T) {
	exerciseConcurrentSaves(t, NewMemory())
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	run := newRun("d", types.RunRunning, time.Now())
	require.NoError(t, s.Create(ctx, run))

	run.Payload["premise"] = "mutated"
	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "a lighthouse keeper", got.Payload["premise"])
}

func setupRedis(t *testing.T) *Redis {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	ctx := context.Background()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			t.Skipf("Skipping integration test: redis unavailable: %v", err)
		}
		t.Cleanup(func() { _ = c.Terminate(context.Background()) })
		host, err := c.Host(ctx)
		require.NoError(t, err)
		port, err := c.MappedPort(ctx, "6379")
		require.NoError(t, err)
		url = fmt.Sprintf("redis://%s:%s/0", host, port.Port())
	}

	s, err := NewRedis(ctx, url, time.Hour, zerolog.Nop())
	if err != nil {
		t.Skipf("Skipping integration test: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStore_Integration(t *testing.T) {
	s := setupRedis(t)
	exerciseStore(t, s)
	exerciseConcurrentSaves(t, s)
}

func TestRedisStore_PrunesExpiredFromIndex_Integration(t *testing.T) {
	s := setupRedis(t)
	ctx := context.Background()
	run := newRun("expiring", types.RunCompleted, time.Now().UTC())
	require.NoError(t, s.Create(ctx, run))
	require.NoError(t, s.client.Del(ctx, s.key(run.ID)).Err())

	runs, err := s.List(ctx, types.RunFilter{DefinitionID: "expiring"})
	require.NoError(t, err)
	assert.Empty(t, runs)

	member, err := s.client.SIsMember(ctx, runIndex, run.ID).Result()
	require.NoError(t, err)
	assert.False(t, member)
}

func TestRedisStore_BadURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "not a url", 0, zerolog.Nop())
	assert.Error(t, err)
}
