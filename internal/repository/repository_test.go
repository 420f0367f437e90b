package repository

import (
	"context"
	"testing"

	"github.com/jonathan/storyforge/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_UpsertGet(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	c := &types.Container{ID: "c1", ContainerType: "character", Attributes: map[string]any{"name": "Mira"}}
	require.NoError(t, repo.Upsert(ctx, c))

	// mutating the caller's copy does not leak into the store
	c.Attributes["name"] = "changed"

	got, err := repo.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Mira", got.Attributes["name"])
	assert.False(t, got.UpdatedAt.IsZero())

	got.Attributes["name"] = "changed again"
	again, err := repo.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Mira", again.Attributes["name"])
}

func TestMemory_GetMissing(t *testing.T) {
	_, err := NewMemory().Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
}

func TestMemory_UpsertRequiresID(t *testing.T) {
	err := NewMemory().Upsert(context.Background(), &types.Container{})
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestMemory_Query(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	for _, c := range []*types.Container{
		{ID: "s2", ContainerType: "scene", ParentID: "ch1", SortOrder: 2},
		{ID: "s1", ContainerType: "scene", ParentID: "ch1", SortOrder: 1},
		{ID: "s3", ContainerType: "scene", ParentID: "ch2", SortOrder: 0},
		{ID: "ch1", ContainerType: "chapter"},
	} {
		require.NoError(t, repo.Upsert(ctx, c))
	}

	tests := []struct {
		name  string
		query types.ContainerQuery
		want  []string
	}{
		{"by type", types.ContainerQuery{ContainerType: "scene"}, []string{"s1", "s2", "s3"}},
		{"by parent", types.ContainerQuery{ParentID: "ch1"}, []string{"s1", "s2"}},
		{"by ids", types.ContainerQuery{IDs: []string{"s3", "ch1"}}, []string{"ch1", "s3"}},
		{"combined", types.ContainerQuery{ContainerType: "scene", IDs: []string{"s3", "ch1"}}, []string{"s3"}},
		{"no match", types.ContainerQuery{ContainerType: "villain"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.Query(ctx, tt.query)
			require.NoError(t, err)
			var ids []string
			for _, c := range got {
				ids = append(ids, c.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestMemory_Delete(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	require.NoError(t, repo.Upsert(ctx, &types.Container{ID: "x", ContainerType: "note"}))
	require.NoError(t, repo.Delete(ctx, "x"))
	_, err := repo.Get(ctx, "x")
	assert.True(t, types.IsNotFound(err))
}
