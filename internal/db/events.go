package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonathan/storyforge/internal/eventlog"
	"github.com/jonathan/storyforge/internal/repository"
	"github.com/jonathan/storyforge/internal/types"
)

var (
	_ eventlog.Store        = (*DB)(nil)
	_ repository.Repository = (*DB)(nil)
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// -----------------------------------------------------------------------------
// Branch Methods
// -----------------------------------------------------------------------------

const branchColumns = `id, name, head_event_id, parent_branch_id, fork_event_id, created_at`

func scanBranch(row pgx.Row) (*types.Branch, error) {
	var b types.Branch
	var head, parent, fork *string
	if err := row.Scan(&b.ID, &b.Name, &head, &parent, &fork, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.HeadEventID, b.ParentBranchID, b.ForkEventID = deref(head), deref(parent), deref(fork)
	return &b, nil
}

// GetBranch retrieves a branch by id
func (db *DB) GetBranch(ctx context.Context, id string) (*types.Branch, error) {
	b, err := scanBranch(db.pool.QueryRow(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "branch", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch: %w", err)
	}
	return b, nil
}

// GetBranchByName retrieves a branch by its unique name
func (db *DB) GetBranchByName(ctx context.Context, name string) (*types.Branch, error) {
	b, err := scanBranch(db.pool.QueryRow(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "branch", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch: %w", err)
	}
	return b, nil
}

// ListBranches returns all branches ordered by name
func (db *DB) ListBranches(ctx context.Context) ([]*types.Branch, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+branchColumns+` FROM branches ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	var out []*types.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan branch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CreateBranch inserts a new branch pointer
func (db *DB) CreateBranch(ctx context.Context, b *types.Branch) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO branches (id, name, head_event_id, parent_branch_id, fork_event_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.Name, nullable(b.HeadEventID), nullable(b.ParentBranchID), nullable(b.ForkEventID), b.CreatedAt,
	)
	if isUniqueViolation(err) {
		return types.NewValidationError("branch name %q already exists", b.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to create branch: %w", err)
	}
	return nil
}

// DeleteBranch removes a branch pointer. Events are kept.
func (db *DB) DeleteBranch(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM branches WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete branch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &types.NotFoundError{Resource: "branch", ID: id}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Event Methods
// -----------------------------------------------------------------------------

// GetEvent retrieves an event by id
func (db *DB) GetEvent(ctx context.Context, id string) (*types.Event, error) {
	var ev types.Event
	var parent, container *string
	var payload []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, parent_event_id, branch_id, sequence, created_at, event_type, container_id, payload, snapshot, content_hash
		 FROM events WHERE id = $1`, id,
	).Scan(&ev.ID, &parent, &ev.BranchID, &ev.Sequence, &ev.Timestamp, &ev.EventType, &container, &payload, &ev.Snapshot, &ev.ContentHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "event", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	ev.ParentEventID, ev.ContainerID = deref(parent), deref(container)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of event %s: %w", id, err)
		}
	}
	return &ev, nil
}

// AppendEvent stores ev and moves its branch head from expectedHead in one transaction.
func (db *DB) AppendEvent(ctx context.Context, ev *types.Event, expectedHead string) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		return db.appendTx(ctx, tx, ev, expectedHead)
	})
}

// CommitContainer upserts c and appends ev in one transaction.
func (db *DB) CommitContainer(ctx context.Context, c *types.Container, ev *types.Event, expectedHead string) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if err := db.appendTx(ctx, tx, ev, expectedHead); err != nil {
			return err
		}
		return upsertContainer(ctx, tx, c)
	})
}

func (db *DB) appendTx(ctx context.Context, tx pgx.Tx, ev *types.Event, expectedHead string) error {
	// compare-and-swap on the head; the row lock serializes concurrent appenders
	var seq int64
	err := tx.QueryRow(ctx,
		`UPDATE branches SET head_event_id = $2, last_sequence = last_sequence + 1
		 WHERE id = $1 AND head_event_id IS NOT DISTINCT FROM $3
		 RETURNING last_sequence`,
		ev.BranchID, ev.ID, nullable(expectedHead),
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return headMismatch(ctx, tx, ev.BranchID, expectedHead)
	}
	if err != nil {
		return fmt.Errorf("failed to advance branch head: %w", err)
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if ev.Payload == nil {
		payload = []byte("{}")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO events (id, parent_event_id, branch_id, sequence, created_at, event_type, container_id, payload, snapshot, content_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, nullable(ev.ParentEventID), ev.BranchID, seq, ev.Timestamp, ev.EventType,
		nullable(ev.ContainerID), payload, ev.Snapshot, ev.ContentHash,
	); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	ev.Sequence = seq
	db.logger.Debug().Str("branch_id", ev.BranchID).Int64("sequence", seq).Msg("event stored")
	return nil
}

func headMismatch(ctx context.Context, q querier, branchID, expectedHead string) error {
	var head *string
	err := q.QueryRow(ctx, `SELECT head_event_id FROM branches WHERE id = $1`, branchID).Scan(&head)
	if errors.Is(err, pgx.ErrNoRows) {
		return &types.NotFoundError{Resource: "branch", ID: branchID}
	}
	if err != nil {
		return fmt.Errorf("failed to read branch head: %w", err)
	}
	return &types.BranchConflictError{BranchID: branchID, ExpectedHead: expectedHead, ActualHead: deref(head)}
}
