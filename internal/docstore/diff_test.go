package docstore

import (
	"errors"
	"testing"
	"time"
)

func TestDiff(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &Document{Path: "c/a", Data: map[string]any{"n": 1.0}, UpdateTime: t0}
	b := &Document{Path: "c/b", Data: map[string]any{"n": 1.0}, UpdateTime: t0}
	b2 := &Document{Path: "c/b", Data: map[string]any{"n": 2.0}, UpdateTime: t0.Add(time.Second)}
	c := &Document{Path: "c/c", Data: map[string]any{}, UpdateTime: t0}

	changes := Diff([]*Document{a, b}, []*Document{b2, c})
	if len(changes) != 3 {
		t.Fatalf("len(changes) = %d, want 3", len(changes))
	}
	want := []struct {
		typ  ChangeType
		path string
	}{
		{ChangeRemoved, "c/a"},
		{ChangeModified, "c/b"},
		{ChangeAdded, "c/c"},
	}
	for i, w := range want {
		if changes[i].Type != w.typ || changes[i].Doc.Path != w.path {
			t.Errorf("changes[%d] = %s %s, want %s %s", i, changes[i].Type, changes[i].Doc.Path, w.typ, w.path)
		}
	}
	if got := Diff([]*Document{a}, []*Document{a}); len(got) != 0 {
		t.Errorf("Diff of identical sets = %v, want empty", got)
	}
}

func TestMatchesNormalizedNumbers(t *testing.T) {
	data, err := Normalize(map[string]any{"count": 3, "flag": true})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	v, _ := NormalizeValue(3)
	if !Matches(data, []Filter{{Field: "count", Value: v}, {Field: "flag", Value: true}}) {
		t.Error("Matches = false, want true")
	}
	if Matches(data, []Filter{{Field: "missing", Value: true}}) {
		t.Error("Matches on missing field = true")
	}
}

func TestPaths(t *testing.T) {
	p, err := Join("users", "u1", "sessions", "s1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	coll, id, err := Split(p)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if coll != "users/u1/sessions" || id != "s1" {
		t.Errorf("Split = %q, %q", coll, id)
	}
	if _, err := Join("users", "a/b"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Join with slash err = %v, want ErrInvalidPath", err)
	}
	if _, _, err := Split("users"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Split collection err = %v, want ErrInvalidPath", err)
	}
	if !ValidCollection("users/u1/sessions") || ValidCollection("users/u1") {
		t.Error("ValidCollection mismatch")
	}
}
