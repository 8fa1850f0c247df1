package evaluator

import (
	"testing"

	"github.com/nexus-automation/nexus/pkg/engine"
)

func TestEvaluate(t *testing.T) {
	e := New()
	vars := map[string]any{
		"env":   "production",
		"count": 3,
		"result": map[string]any{
			"exit_code": 0,
			"stdout":    "ready",
		},
	}

	tests := []struct {
		expr string
		want any
	}{
		{`env == "production"`, true},
		{`count > 5`, false},
		{`result.exit_code == 0`, true},
		{`result.stdout`, "ready"},
		{`count * 2`, 6},
	}
	for _, tt := range tests {
		got, err := e.Evaluate(tt.expr, vars)
		if err != nil {
			t.Fatalf("Evaluate(%q): %v", tt.expr, err)
		}
		if got != tt.want {
			t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEvaluateUndefinedReference(t *testing.T) {
	e := New()
	_, err := e.Evaluate("no_such_var == 1", map[string]any{"other": 1})
	if err == nil {
		t.Fatal("expected error for undefined reference")
	}
	if !engine.IsKind(err, engine.ErrKindEval) {
		t.Errorf("kind = %v, want eval", engine.KindOf(err))
	}
}

func TestEvaluateInvalidSyntax(t *testing.T) {
	e := New()
	_, err := e.Evaluate("1 ==", nil)
	if err == nil {
		t.Fatal("expected compile error")
	}
	if !engine.IsKind(err, engine.ErrKindEval) {
		t.Errorf("kind = %v, want eval", engine.KindOf(err))
	}
}

func TestEvaluateBool(t *testing.T) {
	e := New()
	vars := map[string]any{"enabled": true, "name": "", "items": []any{1}}

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"enabled", true},
		{"name", false},
		{"items", true},
		{"len(items) == 0", false},
	}
	for _, tt := range tests {
		got, err := e.EvaluateBool(tt.expr, vars)
		if err != nil {
			t.Fatalf("EvaluateBool(%q): %v", tt.expr, err)
		}
		if got != tt.want {
			t.Errorf("EvaluateBool(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEvaluateList(t *testing.T) {
	e := New()
	vars := map[string]any{"packages": []any{"nginx", "redis"}}

	items, err := e.EvaluateList("packages", vars)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0] != "nginx" {
		t.Errorf("unexpected items: %v", items)
	}

	if _, err := e.EvaluateList(`"not a list"`, vars); err == nil {
		t.Error("expected error for scalar loop expression")
	}
}

func TestEvaluateListRange(t *testing.T) {
	e := New()
	items, err := e.EvaluateList("1..3", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Errorf("range yielded %d items, want 3", len(items))
	}
}

func TestInterpolate(t *testing.T) {
	e := New()
	vars := map[string]any{
		"app":     "nexus",
		"version": 2,
		"host":    map[string]any{"name": "web1"},
	}

	tests := []struct {
		in   string
		want string
	}{
		{"plain string", "plain string"},
		{"{{ app }}", "nexus"},
		{"/opt/{{ app }}/v{{ version }}", "/opt/nexus/v2"},
		{"{{ host.name }}.example.com", "web1.example.com"},
	}
	for _, tt := range tests {
		got, err := e.Interpolate(tt.in, vars)
		if err != nil {
			t.Fatalf("Interpolate(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Interpolate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInterpolateUndefined(t *testing.T) {
	e := New()
	if _, err := e.Interpolate("{{ missing }}", map[string]any{}); err == nil {
		t.Error("expected error for undefined placeholder")
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		in   any
		want bool
	}{
		{nil, false},
		{true, true},
		{false, false},
		{"", false},
		{"x", true},
		{0, false},
		{1, true},
		{0.0, false},
		{[]any{}, false},
		{[]any{1}, true},
		{map[string]any{}, false},
		{map[string]any{"k": 1}, true},
	}
	for _, tt := range tests {
		if got := Truthy(tt.in); got != tt.want {
			t.Errorf("Truthy(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
