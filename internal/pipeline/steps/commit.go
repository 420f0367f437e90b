package steps

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/jonathan/storyforge/internal/types"
)

// maxCommitConflicts bounds how often a commit is retried after losing a head race.
const maxCommitConflicts = 3

// commit builds a container from payload values and commits it on the run's branch.
func (x *executors) commit(ctx context.Context, sc *StepContext) (*Result, error) {
	cfg := sc.Step.Config.(*types.CommitConfig)
	if x.deps.Log == nil {
		return nil, types.NewValidationError("no event log is configured")
	}

	attrs := make(map[string]any, len(cfg.Attributes))
	var missing []string
	for attr, key := range cfg.Attributes {
		v, ok := lookupPayload(sc.Run.Payload, key)
		if !ok {
			missing = append(missing, key)
			continue
		}
		attrs[attr] = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &types.ValidationError{Message: "commit attributes reference missing payload keys", Issues: missing}
	}

	id := ""
	if cfg.ContainerIDFrom != "" {
		if v, ok := lookupPayload(sc.Run.Payload, cfg.ContainerIDFrom); ok && v != nil {
			s, ok := v.(string)
			if !ok {
				return nil, types.NewValidationError("payload value %q is %T, not a container id", cfg.ContainerIDFrom, v)
			}
			id = s
		}
	}
	if id == "" {
		id = uuid.NewString()
	}

	c := &types.Container{
		ID:            id,
		ContainerType: cfg.ContainerType,
		Attributes:    types.CloneMap(attrs),
		IsSecret:      cfg.IsSecret,
		UpdatedAt:     x.deps.Clock().UTC(),
	}
	if cfg.ParentIDFrom != "" {
		parent, err := payloadString(sc.Run, cfg.ParentIDFrom)
		if err != nil {
			return nil, err
		}
		c.ParentID = parent
	}

	var ev *types.Event
	var err error
	for attempt := 1; ; attempt++ {
		ev, err = x.deps.Log.CommitContainer(ctx, sc.Run.BranchID, types.Or(cfg.EventType, types.EventContainerUpserted), c)
		var conflict *types.BranchConflictError
		if err == nil || !errors.As(err, &conflict) || attempt >= maxCommitConflicts {
			break
		}
		x.deps.Logger.Debug().Str("run_id", sc.Run.ID).Str("branch", sc.Run.BranchID).Msg("commit lost head race, retrying")
	}
	if err != nil {
		return nil, err
	}

	sc.Run.Payload[types.Or(cfg.OutputKey, types.DefaultCommitOutputKey)] = id
	return &Result{
		Outcome: types.OutcomeSuccess,
		Output:  map[string]any{"container_id": id, "event_id": ev.ID},
	}, nil
}
