package types

import "time"

// Well-known container types.
const (
	// ContainerTypeCreativeRoom roots the author-only subtree that story-level reads may never reach.
	ContainerTypeCreativeRoom = "creative_room"
	// ContainerTypePipelineRun is the audit record of a finished run.
	ContainerTypePipelineRun = "pipeline_run"
)

// Container is a generic typed entity (character, scene, pipeline_run, ...).
type Container struct {
	ID            string         `json:"id"`
	ContainerType string         `json:"container_type"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	ParentID      string         `json:"parent_id,omitempty"`
	SortOrder     int            `json:"sort_order"`
	IsSecret      bool           `json:"is_secret"`
	Relationships []Relationship `json:"relationships,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at,omitempty"`
}

// Relationship links a container to another one.
type Relationship struct {
	TargetID      string `json:"target_id"`
	Kind          string `json:"kind"`
	KnownToReader bool   `json:"known_to_reader"`
}

// Clone returns a deep copy of the container.
func (c *Container) Clone() *Container {
	if c == nil {
		return nil
	}
	out := *c
	out.Attributes = CloneMap(c.Attributes)
	if c.Relationships != nil {
		out.Relationships = append([]Relationship(nil), c.Relationships...)
	}
	return &out
}

// Snapshot renders the container as the plain map stored in event payloads and run payloads.
func (c *Container) Snapshot() map[string]any {
	rels := make([]any, 0, len(c.Relationships))
	for _, r := range c.Relationships {
		rels = append(rels, map[string]any{
			"target_id":       r.TargetID,
			"kind":            r.Kind,
			"known_to_reader": r.KnownToReader,
		})
	}
	snap := map[string]any{
		"id":             c.ID,
		"container_type": c.ContainerType,
		"attributes":     CloneMap(c.Attributes),
		"sort_order":     c.SortOrder,
		"is_secret":      c.IsSecret,
		"relationships":  rels,
	}
	if snap["attributes"] == nil {
		snap["attributes"] = map[string]any{}
	}
	if c.ParentID != "" {
		snap["parent_id"] = c.ParentID
	}
	return snap
}

// ContainerQuery selects containers from a repository. Zero fields do not constrain.
type ContainerQuery struct {
	IDs           []string `json:"ids,omitempty"`
	ContainerType string   `json:"container_type,omitempty"`
	ParentID      string   `json:"parent_id,omitempty"`
}

// IsEmpty reports whether the query has no selector at all.
func (q ContainerQuery) IsEmpty() bool {
	return len(q.IDs) == 0 && q.ContainerType == "" && q.ParentID == ""
}

// Matches reports whether c satisfies every set selector of q.
func (q ContainerQuery) Matches(c *Container) bool {
	if len(q.IDs) > 0 {
		found := false
		for _, id := range q.IDs {
			if id == c.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.ContainerType != "" && q.ContainerType != c.ContainerType {
		return false
	}
	if q.ParentID != "" && q.ParentID != c.ParentID {
		return false
	}
	return true
}

// CloneMap deep-copies nested maps and slices of a JSON-shaped value tree.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
