package models

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/omarels/haaq/backend/internal/logging"
)

// RawCollection turns a stored value into a JSON document fragment.
// Values that are not valid JSON are carried as JSON strings.
func RawCollection(value string) json.RawMessage {
	if json.Valid([]byte(value)) {
		return json.RawMessage(value)
	}
	quoted, _ := json.Marshal(value)
	return json.RawMessage(quoted)
}

// encodeFlat writes collections and the metadata object side by side in one
// JSON object. encoding/json sorts map keys, so the output is deterministic.
func encodeFlat(collections map[string]json.RawMessage, metaKey string, meta interface{}) ([]byte, error) {
	doc := make(map[string]json.RawMessage, len(collections)+1)
	for k, v := range collections {
		if k == metaKey {
			logging.Warn("Dropping collection that collides with document metadata",
				map[string]interface{}{"key": k})
			continue
		}
		doc[k] = v
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	doc[metaKey] = metaJSON
	return json.Marshal(doc)
}

// decodeFlat splits a flat document into its collections and metadata.
func decodeFlat(data []byte, metaKey string, meta interface{}) (map[string]json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	rawMeta, ok := doc[metaKey]
	if !ok {
		return nil, fmt.Errorf("document has no %q object", metaKey)
	}
	if err := json.Unmarshal(rawMeta, meta); err != nil {
		return nil, fmt.Errorf("invalid %q object: %w", metaKey, err)
	}
	delete(doc, metaKey)
	return doc, nil
}

// SortedKeys returns the collection names in sorted order.
func SortedKeys(collections map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(collections))
	for k := range collections {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
