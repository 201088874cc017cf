package engine

import (
	"encoding/json"
	"fmt"
)

// mergeGameState applies top-level deltas to a game state document. Keys
// present in deltas replace (or add to) the existing top-level keys; a
// JSON null delta removes the key. Nested structures are replaced whole,
// never merged.
func mergeGameState(state json.RawMessage, deltas map[string]json.RawMessage) (json.RawMessage, error) {
	if len(deltas) == 0 {
		return state, nil
	}

	doc := make(map[string]json.RawMessage)
	if len(state) > 0 {
		if err := json.Unmarshal(state, &doc); err != nil {
			return nil, fmt.Errorf("game state is not a JSON object: %w", err)
		}
	}
	for key, val := range deltas {
		if string(val) == "null" {
			delete(doc, key)
			continue
		}
		doc[key] = val
	}
	return json.Marshal(doc)
}
