package steps

import (
	"context"
	"fmt"
	"sort"

	"github.com/jonathan/storyforge/internal/contextgate"
	"github.com/jonathan/storyforge/internal/types"
)

// contextGathering resolves the step's queries through the gate and stores the visible
// snapshots in the payload under each query key.
func (x *executors) contextGathering(ctx context.Context, sc *StepContext) (*Result, error) {
	cfg := sc.Step.Config.(*types.ContextGatheringConfig)
	if x.deps.Gate == nil {
		return nil, types.NewValidationError("no context gate is configured")
	}

	queries := make([]contextgate.Query, 0, len(cfg.Queries)+1)
	for _, q := range cfg.Queries {
		sel := types.ContainerQuery{ContainerType: q.ContainerType, ParentID: q.ParentID}
		if q.ContainerID != "" {
			sel.IDs = append(sel.IDs, q.ContainerID)
		}
		if q.ContainerIDFrom != "" {
			ids, err := payloadIDs(sc.Run, q.ContainerIDFrom)
			if err != nil {
				return nil, err
			}
			sel.IDs = append(sel.IDs, ids...)
		}
		if q.ParentIDFrom != "" {
			id, err := payloadString(sc.Run, q.ParentIDFrom)
			if err != nil {
				return nil, err
			}
			sel.ParentID = id
		}
		queries = append(queries, contextgate.Query{Key: q.Key, ContainerQuery: sel})
	}

	if cfg.IncludePinned {
		if _, present := sc.Run.Payload[types.PayloadPinnedContextIDs]; present {
			ids, err := payloadIDs(sc.Run, types.PayloadPinnedContextIDs)
			if err != nil {
				return nil, err
			}
			if len(ids) > 0 {
				queries = append(queries, contextgate.Query{
					Key:            types.PayloadPinnedContext,
					ContainerQuery: types.ContainerQuery{IDs: ids},
				})
			}
		}
	}

	resolved, err := x.deps.Gate.Resolve(ctx, queries, cfg.AccessLevel)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(resolved))
	for k := range resolved {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	found := make(map[string]any, len(resolved))
	for _, k := range keys {
		sc.Run.Payload[k] = contextgate.Snapshots(resolved[k])
		ids := make([]any, 0, len(resolved[k]))
		for _, c := range resolved[k] {
			ids = append(ids, c.ID)
		}
		found[k] = ids
	}
	return &Result{Outcome: types.OutcomeSuccess, Output: found}, nil
}

// payloadIDs reads a string or a list of strings.
func payloadIDs(run *types.PipelineRun, key string) ([]string, error) {
	v, ok := lookupPayload(run.Payload, key)
	if !ok || v == nil {
		return nil, types.NewValidationError("payload has no value for %q", key)
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil, types.NewValidationError("payload value %q is empty", key)
		}
		return []string{t}, nil
	case []string:
		return append([]string(nil), t...), nil
	case []any:
		out := make([]string, 0, len(t))
		for i, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, types.NewValidationError("payload value %s[%d] is %T, not a string", key, i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, &types.ValidationError{Message: fmt.Sprintf("payload value %q is %T, not an id list", key, v)}
	}
}
