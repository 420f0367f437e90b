package db

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonathan/storyforge/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestContainerQuery(t *testing.T) {
	tests := []struct {
		name      string
		q         types.ContainerQuery
		wantWhere string
		wantArgs  int
	}{
		{"unconstrained", types.ContainerQuery{}, "", 0},
		{"by ids", types.ContainerQuery{IDs: []string{"a", "b"}}, " WHERE id = ANY($1)", 1},
		{"type and parent", types.ContainerQuery{ContainerType: "character", ParentID: "scene-1"},
			" WHERE container_type = $1 AND parent_id = $2", 2},
		{"all selectors", types.ContainerQuery{IDs: []string{"a"}, ContainerType: "scene", ParentID: "ch-1"},
			" WHERE id = ANY($1) AND container_type = $2 AND parent_id = $3", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := containerQuery(tt.q)
			assert.Equal(t, `SELECT `+containerColumns+` FROM containers`+tt.wantWhere, query)
			assert.Len(t, args, tt.wantArgs)
		})
	}
}

func TestNullableRoundTrip(t *testing.T) {
	assert.Nil(t, nullable(""))
	assert.Equal(t, "", deref(nil))
	assert.Equal(t, "head", deref(nullable("head")))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(fmt.Errorf("boom")))
}
