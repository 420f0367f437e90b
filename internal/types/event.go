package types

import "time"

// Event types understood by replay. Snapshot events of any type also update projections;
// other types are kept in the log but do not change them.
const (
	EventContainerUpserted = "container.upserted"
	EventContainerDeleted  = "container.deleted"
	EventRunFinished       = "pipeline_run.finished"
)

// Event is an immutable record of one container mutation.
type Event struct {
	ID            string         `json:"id"`
	ParentEventID string         `json:"parent_event_id,omitempty"`
	BranchID      string         `json:"branch_id"`
	Sequence      int64          `json:"sequence"`
	Timestamp     time.Time      `json:"timestamp"`
	EventType     string         `json:"event_type"`
	ContainerID   string         `json:"container_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	// Snapshot marks Payload as the full committed state of ContainerID, whatever the
	// event type.
	Snapshot    bool   `json:"snapshot,omitempty"`
	ContentHash string `json:"content_hash"`
}

// Branch is a named pointer to the head of an event chain.
type Branch struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	HeadEventID    string    `json:"head_event_id,omitempty"`
	ParentBranchID string    `json:"parent_branch_id,omitempty"`
	ForkEventID    string    `json:"fork_event_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Projection is the container state produced by replaying a chain of events.
type Projection map[string]map[string]any

// BranchComparison is the diff of two branch projections keyed by container id.
type BranchComparison struct {
	BranchA   string   `json:"branch_a"`
	BranchB   string   `json:"branch_b"`
	OnlyInA   []string `json:"only_in_a"`
	OnlyInB   []string `json:"only_in_b"`
	Differing []string `json:"differing"`
	SameCount int      `json:"same_count"`
}
