package subscriber

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/threadsync/threadsync/internal/schema"
)

// structuredFields lists, per collection, the fields that hold JSON arrays
// or objects. Older writers stored some of them as JSON-encoded strings.
var structuredFields = map[string][]string{
	schema.CollectionThreads:  {"tags"},
	schema.CollectionMessages: {"attachments", "search_urls"},
}

// normalize repairs the structured fields of a record. A field that is a
// JSON string holding (possibly broken) JSON is replaced with the decoded
// value; a field that cannot be repaired is dropped. It returns the record
// and the names of dropped fields.
func normalize(collection string, raw json.RawMessage) (json.RawMessage, []string, error) {
	names := structuredFields[collection]
	if len(names) == 0 {
		return raw, nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, fmt.Errorf("failed to decode record: %w", err)
	}

	var dropped []string
	changed := false
	for _, name := range names {
		v, ok := fields[name]
		if !ok {
			continue
		}
		fixed, same, ok := repairField(v)
		switch {
		case !ok:
			delete(fields, name)
			dropped = append(dropped, name)
			changed = true
		case !same:
			fields[name] = fixed
			changed = true
		}
	}
	if !changed {
		return raw, nil, nil
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode repaired record: %w", err)
	}
	return out, dropped, nil
}

// repairField returns a JSON array, object or null for v. same reports that
// v was already well-formed.
func repairField(v json.RawMessage) (fixed json.RawMessage, same, ok bool) {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 {
		return nil, false, false
	}
	switch trimmed[0] {
	case '[', '{', 'n':
		return v, true, true
	case '"':
	default:
		return nil, false, false
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil, false, false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return json.RawMessage("null"), false, true
	}
	if !structured(s) {
		return nil, false, false
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s), false, true
	}

	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil || !structured(repaired) || !json.Valid([]byte(repaired)) {
		return nil, false, false
	}
	return json.RawMessage(repaired), false, true
}

func structured(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{")
}
