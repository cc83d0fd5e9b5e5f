package stitch

import (
	"encoding/json"
	"fmt"
)

// MergeFragments folds fragment payloads into a single document, applying
// them in the order given (callers pass ingestion order, so later sources
// win on key conflicts). Each payload must be a JSON object. Zero fragments
// yield an empty document.
func MergeFragments(fragments []Fragment) (json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)

	for _, f := range fragments {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(f.Payload, &fields); err != nil {
			return nil, fmt.Errorf("fragment from %q for %s: %w", f.Source, f.EntityRef, err)
		}
		for k, v := range fields {
			doc[k] = v
		}
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal merged document: %w", err)
	}
	return merged, nil
}
