package gamebus

import (
	"encoding/json"
	"testing"
)

func filterEvent() Event {
	e := NewEvent(CategoryPlayerAction, "bomb_place", "p1",
		json.RawMessage(`{"x":10,"room":"r7","nested":{"hp":42}}`),
		EventTarget{Type: TargetGame, ID: "g1"})
	e.Meta.Priority = PriorityHigh
	e.Meta.Tags = []string{"combat", "pvp"}
	return e
}

func TestFilter_Operators(t *testing.T) {
	e := filterEvent()
	cases := []struct {
		name string
		rule FilterRule
		want bool
	}{
		{"equals hit", FilterRule{Field: "room", Op: OpEquals, Value: "r7"}, true},
		{"equals miss", FilterRule{Field: "room", Op: OpEquals, Value: "r8"}, false},
		{"notEquals", FilterRule{Field: "room", Op: OpNotEquals, Value: "r8"}, true},
		{"greaterThan", FilterRule{Field: "x", Op: OpGreaterThan, Value: 5}, true},
		{"greaterThan miss", FilterRule{Field: "x", Op: OpGreaterThan, Value: 10}, false},
		{"lessThan", FilterRule{Field: "x", Op: OpLessThan, Value: 11.0}, true},
		{"nested path", FilterRule{Field: "nested.hp", Op: OpGreaterThan, Value: 40}, true},
		{"in", FilterRule{Field: "room", Op: OpIn, Value: []string{"r1", "r7"}}, true},
		{"in miss", FilterRule{Field: "room", Op: OpIn, Value: []interface{}{"r1", "r2"}}, false},
		{"missing field", FilterRule{Field: "absent", Op: OpEquals, Value: "x"}, false},
	}
	for _, tc := range cases {
		if got := matchRule(tc.rule, e); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestFilter_UnknownOperatorFailsClosed(t *testing.T) {
	e := filterEvent()
	if matchRule(FilterRule{Field: "room", Op: "regex", Value: "r.*"}, e) {
		t.Fatalf("unknown operator must not match")
	}
}

func TestFilter_Metadata(t *testing.T) {
	e := filterEvent()
	if !matchRule(FilterRule{Field: "metadata.priority", Op: OpEquals, Value: "high"}, e) {
		t.Fatalf("metadata.priority equals")
	}
	if !matchRule(FilterRule{Field: "metadata.tags", Op: OpIn, Value: []string{"pvp"}}, e) {
		t.Fatalf("metadata.tags in")
	}
	if matchRule(FilterRule{Field: "metadata.unknown", Op: OpEquals, Value: "x"}, e) {
		t.Fatalf("unknown metadata field fails closed")
	}
}

func TestFilter_AllRulesMustHold(t *testing.T) {
	e := filterEvent()
	rules := []FilterRule{
		{Field: "room", Op: OpEquals, Value: "r7"},
		{Field: "x", Op: OpLessThan, Value: 5},
	}
	if matchFilters(rules, e) {
		t.Fatalf("conjunction: one failing rule must reject")
	}
	if !matchFilters(nil, e) {
		t.Fatalf("no rules matches everything")
	}
}
