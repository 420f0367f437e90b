// Package contextgate resolves container queries under an access level. It is the only
// path by which pipeline steps read containers.
package contextgate

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jonathan/storyforge/internal/repository"
	"github.com/jonathan/storyforge/internal/types"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

//go:embed policy.rego
var policySource string

const policyQuery = "data.storyforge.context.decision"

// maxAncestorDepth bounds the parent walk so a cyclic parent chain cannot hang a read.
const maxAncestorDepth = 64

// Query is one keyed read. Results land under Key.
type Query struct {
	Key string `json:"key"`
	types.ContainerQuery
}

// Gate enforces isolation for every context read.
type Gate struct {
	repo   repository.Reader
	policy rego.PreparedEvalQuery
	logger zerolog.Logger
}

// New prepares the visibility policy and returns a gate over repo.
func New(ctx context.Context, repo repository.Reader, logger zerolog.Logger) (*Gate, error) {
	prepared, err := rego.New(
		rego.Query(policyQuery),
		rego.Module("policy.rego", policySource),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare context policy: %w", err)
	}
	return &Gate{repo: repo, policy: prepared, logger: logger}, nil
}

// Resolve runs every query at level and returns the visible containers per key.
//
// At story level secret containers and relationships unknown to the reader are stripped,
// containers found incidentally inside a creative room are dropped, and a query that
// names the creative room or anything under it fails the whole call with a
// *types.ContextIsolationError. At author level nothing is filtered.
func (g *Gate) Resolve(ctx context.Context, queries []Query, level string) (map[string][]*types.Container, error) {
	if level != types.AccessStory && level != types.AccessAuthor {
		return nil, types.NewValidationError("unknown access level %q", level)
	}

	rooms := make(map[string]bool)
	if level == types.AccessStory {
		for _, q := range queries {
			if err := g.checkTarget(ctx, q, rooms); err != nil {
				g.logger.Error().Str("kind", string(types.KindContextIsolation)).Str("query", q.Key).Msg(err.Error())
				return nil, err
			}
		}
	}

	out := make(map[string][]*types.Container, len(queries))
	for _, q := range queries {
		if q.Key == "" {
			return nil, types.NewValidationError("context query without key")
		}
		if q.IsEmpty() {
			return nil, types.NewValidationError("context query %q has no selector", q.Key)
		}
		found, err := g.repo.Query(ctx, q.ContainerQuery)
		if err != nil {
			return nil, fmt.Errorf("failed to query containers for %q: %w", q.Key, err)
		}

		visible := make([]*types.Container, 0, len(found))
		for _, c := range found {
			inRoom := false
			if level == types.AccessStory {
				if inRoom, err = g.inCreativeRoom(ctx, c, rooms); err != nil {
					return nil, err
				}
			}
			kept, err := g.filter(ctx, c, level, inRoom)
			if err != nil {
				return nil, err
			}
			if kept != nil {
				visible = append(visible, kept)
			}
		}
		out[q.Key] = visible
	}
	return out, nil
}

// checkTarget rejects story-level queries aimed at the creative room.
func (g *Gate) checkTarget(ctx context.Context, q Query, rooms map[string]bool) error {
	if q.ContainerType == types.ContainerTypeCreativeRoom {
		return &types.ContextIsolationError{Message: "story-level query targets the creative room", QueryKey: q.Key}
	}
	targets := append([]string(nil), q.IDs...)
	if q.ParentID != "" {
		targets = append(targets, q.ParentID)
	}
	for _, id := range targets {
		c, err := g.repo.Get(ctx, id)
		if types.IsNotFound(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load container %s: %w", id, err)
		}
		in, err := g.inCreativeRoom(ctx, c, rooms)
		if err != nil {
			return err
		}
		if in {
			return &types.ContextIsolationError{
				Message:     "story-level query targets the creative-room subtree",
				QueryKey:    q.Key,
				ContainerID: id,
			}
		}
	}
	return nil
}

// inCreativeRoom reports whether c is a creative room or lies beneath one.
// memo caches answers per container id for the duration of one Resolve call.
func (g *Gate) inCreativeRoom(ctx context.Context, c *types.Container, memo map[string]bool) (bool, error) {
	var path []string
	cur := c
	result := false
	for depth := 0; cur != nil && depth < maxAncestorDepth; depth++ {
		if known, ok := memo[cur.ID]; ok {
			result = known
			break
		}
		path = append(path, cur.ID)
		if cur.ContainerType == types.ContainerTypeCreativeRoom {
			result = true
			break
		}
		if cur.ParentID == "" {
			break
		}
		parent, err := g.repo.Get(ctx, cur.ParentID)
		if types.IsNotFound(err) {
			break
		}
		if err != nil {
			return false, fmt.Errorf("failed to load container %s: %w", cur.ParentID, err)
		}
		cur = parent
	}
	for _, id := range path {
		memo[id] = result
	}
	return result, nil
}

// filter asks the policy whether c is visible and which relationships survive.
// It returns nil when the container must be dropped.
func (g *Gate) filter(ctx context.Context, c *types.Container, level string, inRoom bool) (*types.Container, error) {
	rels := make([]any, 0, len(c.Relationships))
	for _, r := range c.Relationships {
		rels = append(rels, map[string]any{
			"target_id":       r.TargetID,
			"kind":            r.Kind,
			"known_to_reader": r.KnownToReader,
		})
	}
	input := map[string]any{
		"access_level": level,
		"container": map[string]any{
			"id":               c.ID,
			"container_type":   c.ContainerType,
			"is_secret":        c.IsSecret,
			"in_creative_room": inRoom,
			"relationships":    rels,
		},
	}

	results, err := g.policy.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("context policy evaluation: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}
	decision, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("context policy: unexpected result type %T", results[0].Expressions[0].Value)
	}
	if allow, _ := decision["allow"].(bool); !allow {
		return nil, nil
	}

	keep, err := indexSet(decision["visible_relationships"])
	if err != nil {
		return nil, err
	}
	out := c.Clone()
	out.Relationships = nil
	for i, r := range c.Relationships {
		if keep[i] {
			out.Relationships = append(out.Relationships, r)
		}
	}
	return out, nil
}

func indexSet(v any) (map[int]bool, error) {
	items, ok := v.([]any)
	if !ok && v != nil {
		return nil, fmt.Errorf("context policy: unexpected relationship set %T", v)
	}
	out := make(map[int]bool, len(items))
	for _, item := range items {
		var (
			n   int
			err error
		)
		switch t := item.(type) {
		case json.Number:
			n, err = strconv.Atoi(t.String())
		case float64:
			n = int(t)
		case int:
			n = t
		default:
			err = fmt.Errorf("unexpected index %T", item)
		}
		if err != nil {
			return nil, fmt.Errorf("context policy: %w", err)
		}
		out[n] = true
	}
	return out, nil
}

// Snapshots converts resolved containers into payload values.
func Snapshots(cs []*types.Container) []any {
	out := make([]any, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Snapshot())
	}
	return out
}
