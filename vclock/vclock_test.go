package vclock

import (
	"encoding/json"
	"testing"
)

func TestIncAndGet(t *testing.T) {
	c := New()
	if c.Get("a") != 0 {
		t.Errorf("fresh clock Get = %d, want 0", c.Get("a"))
	}
	c.Inc("a").Inc("a").Inc("b")
	if c.Get("a") != 2 || c.Get("b") != 1 {
		t.Errorf("counters = a:%d b:%d, want a:2 b:1", c.Get("a"), c.Get("b"))
	}
}

func TestMergePointwiseMax(t *testing.T) {
	a := Clock{"a": 3, "b": 1}
	b := Clock{"b": 5, "c": 2}
	a.Merge(b)

	want := Clock{"a": 3, "b": 5, "c": 2}
	for n, v := range want {
		if a[n] != v {
			t.Errorf("merged[%s] = %d, want %d", n, a[n], v)
		}
	}
}

func TestHappensBefore(t *testing.T) {
	cases := []struct {
		name   string
		a, b   Clock
		before bool
	}{
		{"strictly smaller", Clock{"a": 1}, Clock{"a": 2}, true},
		{"equal", Clock{"a": 1}, Clock{"a": 1}, false},
		{"sparse ancestor", Clock{}, Clock{"a": 1}, true},
		{"missing key reads zero", Clock{"a": 1}, Clock{"a": 1, "b": 1}, true},
		{"diverged", Clock{"a": 2, "b": 1}, Clock{"a": 1, "b": 2}, false},
		{"greater", Clock{"a": 3}, Clock{"a": 2}, false},
		{"both empty", Clock{}, Clock{}, false},
	}
	for _, tc := range cases {
		if got := tc.a.HappensBefore(tc.b); got != tc.before {
			t.Errorf("%s: HappensBefore = %v, want %v", tc.name, got, tc.before)
		}
	}
}

func TestConcurrent(t *testing.T) {
	a := Clock{"a": 1}
	b := Clock{"b": 1}
	if !a.Concurrent(b) || !b.Concurrent(a) {
		t.Error("independent single-writer clocks should be concurrent")
	}

	parent := Clock{"a": 1}
	child := Clock{"a": 1, "b": 1}
	if parent.Concurrent(child) {
		t.Error("causally related clocks reported concurrent")
	}
}

func TestEqualClocksNotConcurrent(t *testing.T) {
	// Equal clocks are neither before nor after; the resolver treats
	// them as concurrent by the two-way HappensBefore test.
	a := Clock{"a": 2}
	b := Clock{"a": 2}
	if !a.Concurrent(b) {
		t.Error("equal clocks should fall into the concurrent branch")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	c := Clock{"user-1": 4, "user-2": 7}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	back := FromAny(decoded)
	if back.Get("user-1") != 4 || back.Get("user-2") != 7 {
		t.Errorf("round trip lost counters: %v", back)
	}
}

func TestFromAnyGarbage(t *testing.T) {
	if c := FromAny("nonsense"); len(c) != 0 {
		t.Errorf("FromAny on non-map should be empty, got %v", c)
	}
	if c := FromAny(nil); len(c) != 0 {
		t.Errorf("FromAny(nil) should be empty, got %v", c)
	}
}
