package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jonathan/storyforge/internal/repository"
	"github.com/jonathan/storyforge/internal/types"
)

// -----------------------------------------------------------------------------
// Container Methods
// -----------------------------------------------------------------------------

const containerColumns = `id, container_type, parent_id, sort_order, is_secret, attributes, relationships, updated_at`

func scanContainer(row pgx.Row) (*types.Container, error) {
	var c types.Container
	var parent *string
	var attrs, rels []byte
	if err := row.Scan(&c.ID, &c.ContainerType, &parent, &c.SortOrder, &c.IsSecret, &attrs, &rels, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.ParentID = deref(parent)
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &c.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes of %s: %w", c.ID, err)
		}
	}
	if len(rels) > 0 {
		if err := json.Unmarshal(rels, &c.Relationships); err != nil {
			return nil, fmt.Errorf("failed to decode relationships of %s: %w", c.ID, err)
		}
	}
	if len(c.Relationships) == 0 {
		c.Relationships = nil
	}
	return &c, nil
}

// Get retrieves a container by id
func (db *DB) Get(ctx context.Context, id string) (*types.Container, error) {
	c, err := scanContainer(db.pool.QueryRow(ctx,
		`SELECT `+containerColumns+` FROM containers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "container", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get container: %w", err)
	}
	return c, nil
}

// containerQuery builds the SELECT for q. Unset selectors do not constrain.
func containerQuery(q types.ContainerQuery) (string, []any) {
	var where []string
	var args []any
	if len(q.IDs) > 0 {
		args = append(args, q.IDs)
		where = append(where, fmt.Sprintf("id = ANY($%d)", len(args)))
	}
	if q.ContainerType != "" {
		args = append(args, q.ContainerType)
		where = append(where, fmt.Sprintf("container_type = $%d", len(args)))
	}
	if q.ParentID != "" {
		args = append(args, q.ParentID)
		where = append(where, fmt.Sprintf("parent_id = $%d", len(args)))
	}

	query := `SELECT ` + containerColumns + ` FROM containers`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	return query, args
}

// Query returns containers matching every set selector of q
func (db *DB) Query(ctx context.Context, q types.ContainerQuery) ([]*types.Container, error) {
	query, args := containerQuery(q)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query containers: %w", err)
	}
	defer rows.Close()

	var out []*types.Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan container: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate containers: %w", err)
	}
	// collation-independent ordering, identical to the in-memory repository
	repository.SortContainers(out)
	return out, nil
}

// Upsert inserts or replaces a container
func (db *DB) Upsert(ctx context.Context, c *types.Container) error {
	if c == nil || c.ID == "" {
		return types.NewValidationError("container id is required")
	}
	return upsertContainer(ctx, db.pool, c)
}

func upsertContainer(ctx context.Context, q querier, c *types.Container) error {
	attrs, err := json.Marshal(c.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	if c.Attributes == nil {
		attrs = []byte("{}")
	}
	rels, err := json.Marshal(c.Relationships)
	if err != nil {
		return fmt.Errorf("failed to marshal relationships: %w", err)
	}
	if c.Relationships == nil {
		rels = []byte("[]")
	}
	_, err = q.Exec(ctx,
		`INSERT INTO containers (id, container_type, parent_id, sort_order, is_secret, attributes, relationships, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 ON CONFLICT (id) DO UPDATE SET
		     container_type = EXCLUDED.container_type,
		     parent_id      = EXCLUDED.parent_id,
		     sort_order     = EXCLUDED.sort_order,
		     is_secret      = EXCLUDED.is_secret,
		     attributes     = EXCLUDED.attributes,
		     relationships  = EXCLUDED.relationships,
		     updated_at     = NOW()`,
		c.ID, c.ContainerType, nullable(c.ParentID), c.SortOrder, c.IsSecret, attrs, rels,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert container %s: %w", c.ID, err)
	}
	return nil
}
