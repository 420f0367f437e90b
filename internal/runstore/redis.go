package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jonathan/storyforge/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	runPrefix = "storyforge:run:"
	runIndex  = "storyforge:runs"
)

// codec matches encoding/json output so stored runs stay readable by other tools.
var codec = sonic.ConfigStd

// Redis is a Store backed by Redis. Saves use WATCH on the run key so a concurrent writer
// turns into ErrConflict instead of a lost update.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedis connects to redisURL. A zero ttl keeps runs forever.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration, logger zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisWithClient(client, ttl, logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *Redis {
	return &Redis{client: client, ttl: ttl, logger: logger.With().Str("component", "runstore").Logger()}
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(id string) string {
	return runPrefix + id
}

func (r *Redis) Create(ctx context.Context, run *types.PipelineRun) error {
	run.Version = 1
	data, err := codec.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.key(run.ID), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	if !ok {
		return types.NewValidationError("run %s already exists", run.ID)
	}
	if err := r.client.SAdd(ctx, runIndex, run.ID).Err(); err != nil {
		return fmt.Errorf("failed to index run: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (*types.PipelineRun, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &types.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return decodeRun(data)
}

func decodeRun(data []byte) (*types.PipelineRun, error) {
	var run types.PipelineRun
	if err := codec.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	if run.LoopCounters == nil {
		run.LoopCounters = map[string]int{}
	}
	return &run, nil
}

func (r *Redis) Save(ctx context.Context, run *types.PipelineRun) error {
	key := r.key(run.ID)
	next := run.Clone()
	next.Version = run.Version + 1
	data, err := codec.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return &types.NotFoundError{Resource: "run", ID: run.ID}
		}
		if err != nil {
			return err
		}
		var stored struct {
			Version int64 `json:"version"`
		}
		if err := codec.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("failed to decode stored run: %w", err)
		}
		if stored.Version != run.Version {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, r.ttl)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	case err != nil:
		var nf *types.NotFoundError
		if errors.As(err, &nf) || errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("failed to save run: %w", err)
	}
	run.Version = next.Version
	return nil
}

func (r *Redis) List(ctx context.Context, f types.RunFilter) ([]*types.PipelineRun, error) {
	ids, err := r.client.SMembers(ctx, runIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load runs: %w", err)
	}

	var out []*types.PipelineRun
	var expired []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		run, err := decodeRun([]byte(s))
		if err != nil {
			r.logger.Warn().Err(err).Str("run_id", ids[i]).Msg("skipping undecodable run")
			continue
		}
		if Matches(run, f) {
			out = append(out, run)
		}
	}
	if len(expired) > 0 {
		if err := r.client.SRem(ctx, runIndex, expired...).Err(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to prune expired runs from index")
		}
	}
	return Limit(out, f.Limit), nil
}
