package eventlog

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/jonathan/storyforge/internal/types"
	"github.com/zeebo/blake3"
)

var canonical cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("eventlog: cbor encoder: %v", err))
	}
	canonical = em
}

// Digest hashes a JSON-shaped value. Values that encode to the same JSON share a digest,
// so a snapshot read back from a JSON column hashes like the one that was written.
func Digest(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to normalize value: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return "", fmt.Errorf("failed to normalize value: %w", err)
	}
	data, err := canonical.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ContentHash computes the hash of an event's causal content.
// Timestamps and sequence numbers are excluded; they are assigned by storage.
func ContentHash(ev *types.Event) (string, error) {
	content := map[string]any{
		"parent_event_id": ev.ParentEventID,
		"branch_id":       ev.BranchID,
		"event_type":      ev.EventType,
		"container_id":    ev.ContainerID,
		"payload":         ev.Payload,
	}
	if ev.Snapshot {
		content["snapshot"] = true
	}
	return Digest(content)
}

// Verify reports whether ev still matches its recorded content hash.
func Verify(ev *types.Event) bool {
	h, err := ContentHash(ev)
	return err == nil && h == ev.ContentHash
}
