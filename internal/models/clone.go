package models

import "encoding/json"

// cloneValue deep-copies v through a JSON round-trip so callers mutating
// their original payload cannot corrupt stored state. Values that cannot
// survive the round trip (cycles, channels, ...) come back as the original
// reference rather than failing the reduction.
func cloneValue(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// cloneBody clones an update body, preserving the map shape.
func cloneBody(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	if mm, ok := cloneValue(m).(map[string]any); ok {
		return mm
	}
	return m
}

// commandNames extracts command names from an available-commands payload,
// accepting either bare strings or {name: ...} objects and discarding
// anything empty or non-string.
func commandNames(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var names []string
	for _, item := range items {
		switch t := item.(type) {
		case string:
			if t != "" {
				names = append(names, t)
			}
		case map[string]any:
			if name, ok := t["name"].(string); ok && name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}
