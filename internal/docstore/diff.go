package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Diff returns the changes that turn previous into current. Both slices are query results; documents
// are matched by path. Output is ordered removals first, then additions and modifications in path order.
func Diff(previous, current []*Document) []Change {
	prev := make(map[string]*Document, len(previous))
	for _, d := range previous {
		prev[d.Path] = d
	}
	cur := make(map[string]*Document, len(current))
	for _, d := range current {
		cur[d.Path] = d
	}
	var removed, rest []Change
	for path, d := range prev {
		if _, ok := cur[path]; !ok {
			removed = append(removed, Change{Type: ChangeRemoved, Doc: d})
		}
	}
	for path, d := range cur {
		old, ok := prev[path]
		switch {
		case !ok:
			rest = append(rest, Change{Type: ChangeAdded, Doc: d})
		case !old.UpdateTime.Equal(d.UpdateTime) || !reflect.DeepEqual(old.Data, d.Data):
			rest = append(rest, Change{Type: ChangeModified, Doc: d})
		}
	}
	byPath := func(cs []Change) {
		sort.Slice(cs, func(i, j int) bool { return cs[i].Doc.Path < cs[j].Doc.Path })
	}
	byPath(removed)
	byPath(rest)
	return append(removed, rest...)
}

// InitialChanges reports every document as added.
func InitialChanges(docs []*Document) []Change {
	changes := make([]Change, 0, len(docs))
	for _, d := range docs {
		changes = append(changes, Change{Type: ChangeAdded, Doc: d})
	}
	return changes
}

// Normalize round-trips data through JSON so every backend stores and compares the same shapes:
// numbers become float64, nested structs become map[string]any.
func Normalize(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode document: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("docstore: decode document: %w", err)
	}
	return out, nil
}

// NormalizeValue normalizes a single filter value.
func NormalizeValue(v any) (any, error) {
	m, err := Normalize(map[string]any{"v": v})
	if err != nil {
		return nil, err
	}
	return m["v"], nil
}

// Matches reports whether data satisfies every filter. Filter values must already be normalized.
func Matches(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		v, ok := data[f.Field]
		if !ok || !reflect.DeepEqual(v, f.Value) {
			return false
		}
	}
	return true
}
