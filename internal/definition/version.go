package definition

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/jonathan/storyforge/internal/types"
	"github.com/zeebo/blake3"
)

// Version returns the content hash of def, ignoring any version already assigned.
// Two definitions with the same id and steps always share a version.
func Version(def *types.PipelineDefinition) (string, error) {
	clone := *def
	clone.Version = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("failed to encode definition %s: %w", def.ID, err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16]), nil
}
