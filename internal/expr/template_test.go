package expr

import (
	"context"
	"errors"
	"testing"

	"github.com/shaiso/conveyor/internal/domain"
)

func testMemory() *domain.Memory {
	mem := domain.NewMemory(map[string]any{
		"name":  "conveyor",
		"count": 3,
		"empty": "",
	})
	mem.SetNodeOutput("fetch", map[string]any{
		"status_code": 200,
		"body": map[string]any{
			"items": []any{"a", "b", "c"},
			"total": 3,
		},
	})
	return mem
}

func TestEvaluate_Render(t *testing.T) {
	e := NewEngine(map[string]string{"REGION": "eu-1"})
	mem := testMemory()

	tests := []struct {
		name     string
		expr     string
		expected any
	}{
		{
			name:     "plain text",
			expr:     "no templates here",
			expected: "no templates here",
		},
		{
			name:     "variable",
			expr:     "Hello, {{ .Vars.name }}!",
			expected: "Hello, conveyor!",
		},
		{
			name:     "node output",
			expr:     "status={{ .Nodes.fetch.status_code }}",
			expected: "status=200",
		},
		{
			name:     "environment",
			expr:     "region {{ .Env.REGION }}",
			expected: "region eu-1",
		},
		{
			name:     "mixed stays string",
			expr:     "total: {{ .Nodes.fetch.body.total }}",
			expected: "total: 3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(context.Background(), tt.expr, mem)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestEvaluate_NativeValues(t *testing.T) {
	// Строка из одного действия разрешается в нативное значение,
	// а не в его строковое представление
	e := NewEngine(nil)
	mem := testMemory()

	got, err := e.Evaluate(context.Background(), "{{ .Nodes.fetch.body.items }}", mem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	items, ok := got.([]any)
	if !ok {
		t.Fatalf("expected []any, got %T", got)
	}
	if len(items) != 3 || items[0] != "a" {
		t.Errorf("expected [a b c], got %v", items)
	}

	got, err = e.Evaluate(context.Background(), "{{ .Nodes.fetch.body }}", mem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := got.(map[string]any); !ok {
		t.Fatalf("expected map, got %T", got)
	}

	got, err = e.Evaluate(context.Background(), "{{ .Vars.count }}", mem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 3 {
		t.Errorf("expected native 3, got %v (%T)", got, got)
	}
}

func TestEvaluate_NativeWithFuncs(t *testing.T) {
	// Пайплайн с функцией внутри одиночного действия
	e := NewEngine(nil)
	mem := testMemory()

	got, err := e.Evaluate(context.Background(), `{{ upper .Vars.name }}`, mem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "CONVEYOR" {
		t.Errorf("expected CONVEYOR, got %v", got)
	}

	got, err = e.Evaluate(context.Background(), `{{ default "fallback" .Vars.empty }}`, mem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "fallback" {
		t.Errorf("expected fallback, got %v", got)
	}
}

func TestEvaluate_ParseError(t *testing.T) {
	e := NewEngine(nil)
	mem := testMemory()

	// Незакрытое действие
	_, err := e.Evaluate(context.Background(), "{{ .Vars.name", mem)
	if !errors.Is(err, ErrTemplateParse) {
		t.Errorf("expected ErrTemplateParse, got %v", err)
	}

	// Неизвестная функция
	_, err = e.Evaluate(context.Background(), "{{ bogusFunc 1 }}", mem)
	if !errors.Is(err, ErrTemplateParse) {
		t.Errorf("expected ErrTemplateParse, got %v", err)
	}
}

func TestEvaluateBool(t *testing.T) {
	e := NewEngine(nil)
	mem := testMemory()

	tests := []struct {
		name     string
		expr     string
		expected bool
	}{
		{name: "empty is true", expr: "", expected: true},
		{name: "bare comparison true", expr: "gt .Vars.count 1", expected: true},
		{name: "bare comparison false", expr: "gt .Vars.count 5", expected: false},
		{name: "bare field", expr: ".Vars.name", expected: true},
		{name: "templated true", expr: "{{ if eq .Vars.name \"conveyor\" }}true{{ else }}false{{ end }}", expected: true},
		{name: "templated literal", expr: "{{ .Vars.missing }}", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvaluateBool(context.Background(), tt.expr, mem)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestEvaluateBool_Error(t *testing.T) {
	e := NewEngine(nil)
	mem := testMemory()

	if _, err := e.EvaluateBool(context.Background(), "gt .Vars.name 1", mem); err == nil {
		t.Error("expected error comparing string with number")
	}
}

func TestRenderConfig(t *testing.T) {
	e := NewEngine(nil)
	mem := testMemory()

	config := map[string]any{
		"url":    "https://api.example.com/users/{{ .Vars.name }}",
		"items":  "{{ .Nodes.fetch.body.items }}",
		"limit":  10,
		"active": true,
		"nested": map[string]any{
			"greeting": "hi {{ .Vars.name }}",
		},
		"list": []any{"{{ .Vars.count }}", "plain"},
		"headers": map[string]string{
			"X-Name": "{{ .Vars.name }}",
		},
	}

	rendered, err := e.RenderConfig(context.Background(), config, mem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rendered["url"] != "https://api.example.com/users/conveyor" {
		t.Errorf("url not rendered: %v", rendered["url"])
	}
	// Одиночное действие в значении сохраняет нативный тип
	if items, ok := rendered["items"].([]any); !ok || len(items) != 3 {
		t.Errorf("items should stay a slice, got %T", rendered["items"])
	}
	// Нешаблонные значения проходят как есть
	if rendered["limit"] != 10 {
		t.Errorf("limit should pass through, got %v", rendered["limit"])
	}
	if rendered["active"] != true {
		t.Errorf("active should pass through, got %v", rendered["active"])
	}

	nested := rendered["nested"].(map[string]any)
	if nested["greeting"] != "hi conveyor" {
		t.Errorf("nested value not rendered: %v", nested["greeting"])
	}

	list := rendered["list"].([]any)
	if list[0] != 3 {
		t.Errorf("single action in list should resolve natively, got %v (%T)", list[0], list[0])
	}
	if list[1] != "plain" {
		t.Errorf("plain list value should pass through, got %v", list[1])
	}

	headers := rendered["headers"].(map[string]string)
	if headers["X-Name"] != "conveyor" {
		t.Errorf("string map value not rendered: %v", headers["X-Name"])
	}

	// Исходная конфигурация не мутируется
	if config["url"] != "https://api.example.com/users/{{ .Vars.name }}" {
		t.Error("original config should not be mutated")
	}
}

func TestRenderConfig_Nil(t *testing.T) {
	e := NewEngine(nil)

	rendered, err := e.RenderConfig(context.Background(), nil, domain.NewMemory(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rendered == nil {
		t.Error("nil config should render to empty map")
	}
}

func TestContextFor_LoopIteration(t *testing.T) {
	e := NewEngine(nil)
	mem := testMemory()

	// Вне цикла
	c := e.ContextFor(mem)
	if c.Index != -1 {
		t.Errorf("index outside a loop should be -1, got %d", c.Index)
	}
	if c.Item != nil {
		t.Errorf("item outside a loop should be nil, got %v", c.Item)
	}

	// Внутри цикла
	mem.PushLoop(&domain.LoopFrame{
		OwnerKey: "each",
		Index:    1,
		Size:     3,
		Items:    []any{"x", "y", "z"},
	})
	c = e.ContextFor(mem)
	if c.Item != "y" {
		t.Errorf("expected item y, got %v", c.Item)
	}
	if c.Index != 1 {
		t.Errorf("expected index 1, got %d", c.Index)
	}

	got, err := e.Evaluate(context.Background(), "processing {{ .Item }} at {{ .Index }}", mem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "processing y at 1" {
		t.Errorf("unexpected render: %v", got)
	}
}

func TestTemplateFuncs(t *testing.T) {
	e := NewEngine(nil)
	mem := testMemory()

	tests := []struct {
		name     string
		expr     string
		expected string
	}{
		{name: "json", expr: `{{ json .Nodes.fetch.body.items }}`, expected: `["a","b","c"]`},
		{name: "coalesce", expr: `{{ coalesce .Vars.missing .Vars.empty .Vars.name }}`, expected: "conveyor"},
		{name: "join", expr: `{{ join "," (split " " "a b c") }}`, expected: "a,b,c"},
		{name: "contains", expr: `{{ if contains .Vars.name "vey" }}yes{{ end }}`, expected: "yes"},
		{name: "trim and upper", expr: `{{ upper (trim "  abc  ") }}`, expected: "ABC"},
		{name: "replace", expr: `{{ replace .Vars.name "con" "sur" }}`, expected: "surveyor"},
		{name: "hasPrefix", expr: `{{ if hasPrefix .Vars.name "con" }}yes{{ end }}`, expected: "yes"},
		{name: "fromJSON", expr: `{{ (fromJSON "{\"k\":\"v\"}").k }}`, expected: "v"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(context.Background(), tt.expr, mem)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %q, got %v", tt.expected, got)
			}
		})
	}
}

func TestSingleAction(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		want bool
	}{
		{name: "single field", tmpl: "{{ .Vars.x }}", want: true},
		{name: "pipeline", tmpl: "{{ .Vars.x | upper }}", want: true},
		{name: "mixed text", tmpl: "x={{ .Vars.x }}", want: false},
		{name: "two actions", tmpl: "{{ .A }}{{ .B }}", want: false},
		{name: "control keyword", tmpl: "{{ if .A }}", want: false},
		{name: "range keyword", tmpl: "{{ range .A }}", want: false},
		{name: "empty action", tmpl: "{{ }}", want: false},
		{name: "plain text", tmpl: "hello", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := singleAction(tt.tmpl)
			if got != tt.want {
				t.Errorf("singleAction(%q) = %v, want %v", tt.tmpl, got, tt.want)
			}
		})
	}
}
