// Package expr — вычисление выражений конфигурации через Go templates.
//
// Движок рендерит строки вида "{{ .Vars.counter }}" против памяти
// выполнения и решает условия маршрутизации. Окружение процесса в
// выражения не утекает: доступен только явный allow-list переменных,
// переданный в NewEngine.
package expr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/shaiso/conveyor/internal/domain"
)

// Ошибки вычисления выражений.
var (
	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse error")

	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render error")
)

// Context — контекст для рендеринга выражений.
//
// Используется в Go templates для доступа к памяти выполнения:
//   - {{ .Vars.counter }}
//   - {{ .Nodes.fetch.body }}
//   - {{ .Item }} и {{ .Index }} внутри цикла
//   - {{ .Env.VAR_NAME }}
type Context struct {
	// Vars — переменные выполнения.
	Vars map[string]any `json:"vars"`

	// Nodes — выходы выполненных элементов (ключ → выход).
	Nodes map[string]any `json:"nodes"`

	// Item — элемент коллекции текущей итерации внутреннего цикла.
	Item any `json:"item"`

	// Index — индекс текущей итерации. -1 вне цикла.
	Index int `json:"index"`

	// Env — переменные окружения, разрешённые движку.
	Env map[string]string `json:"env"`
}

// Engine — вычислитель выражений над памятью выполнения.
//
// Окружение задаётся явно при создании: движок не читает os.Environ,
// чтобы выражения низкодоверенных определений не видели окружение
// процесса целиком.
type Engine struct {
	env map[string]string
}

// NewEngine создаёт вычислитель с разрешённым окружением.
func NewEngine(env map[string]string) *Engine {
	return &Engine{env: env}
}

// templateFuncs — дополнительные функции для выражений.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если второй аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	// coalesce — возвращает первое непустое значение
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if v != nil {
				if s, ok := v.(string); ok && s == "" {
					continue
				}
				return v
			}
		}
		return nil
	},

	// fromJSON — парсит JSON строку
	"fromJSON": func(s string) any {
		var result any
		if err := json.Unmarshal([]byte(s), &result); err != nil {
			return nil
		}
		return result
	},

	// join — объединяет слайс строк
	"join": func(sep string, items []string) string {
		return strings.Join(items, sep)
	},

	// split — разбивает строку на слайс
	"split": func(sep, s string) []string {
		return strings.Split(s, sep)
	},

	// contains — проверяет, содержит ли строка подстроку
	"contains": strings.Contains,

	// hasPrefix — проверяет префикс строки
	"hasPrefix": strings.HasPrefix,

	// hasSuffix — проверяет суффикс строки
	"hasSuffix": strings.HasSuffix,

	// lower — приводит к нижнему регистру
	"lower": strings.ToLower,

	// upper — приводит к верхнему регистру
	"upper": strings.ToUpper,

	// trim — удаляет пробелы по краям
	"trim": strings.TrimSpace,

	// replace — заменяет подстроку
	"replace": strings.ReplaceAll,
}

// ContextFor строит контекст выражений из памяти выполнения.
func (e *Engine) ContextFor(mem *domain.Memory) *Context {
	c := &Context{
		Vars:  mem.Variables,
		Nodes: mem.NodeOutputs,
		Index: -1,
		Env:   e.env,
	}
	if top := mem.TopLoop(); top != nil {
		c.Item = top.Item()
		c.Index = top.Index
	}
	return c
}

// Evaluate вычисляет выражение против памяти выполнения.
//
// Строка, целиком состоящая из одного template-действия, разрешается
// в нативное значение ({{ .Nodes.fetch.body.items }} возвращает слайс,
// а не его строковое представление). Смешанные строки рендерятся
// в строку.
func (e *Engine) Evaluate(_ context.Context, expr string, mem *domain.Memory) (any, error) {
	return e.renderAny(expr, e.ContextFor(mem))
}

// EvaluateBool вычисляет условие и приводит его к bool.
//
// Голое выражение (без {{}}) оборачивается в if, как в условиях
// связей: "gt .Vars.count 3". Выражение с {{}} рендерится, результат
// сравнивается со строкой "true".
func (e *Engine) EvaluateBool(_ context.Context, expr string, mem *domain.Memory) (bool, error) {
	if expr == "" {
		return true, nil
	}
	c := e.ContextFor(mem)

	tmpl := expr
	if !strings.Contains(expr, "{{") {
		tmpl = fmt.Sprintf(`{{if %s}}true{{else}}false{{end}}`, expr)
	}
	out, err := e.render(tmpl, c)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}

// RenderConfig рендерит выражения во всех значениях конфигурации,
// рекурсивно обходя map и slice. Возвращает отрендеренную копию,
// исходная конфигурация не мутируется.
func (e *Engine) RenderConfig(_ context.Context, config map[string]any, mem *domain.Memory) (map[string]any, error) {
	if config == nil {
		return map[string]any{}, nil
	}
	c := e.ContextFor(mem)
	rendered, err := e.renderValue(config, c)
	if err != nil {
		return nil, err
	}
	result, ok := rendered.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected map, got %T", ErrTemplateRender, rendered)
	}
	return result, nil
}

// renderValue рекурсивно рендерит произвольное значение.
func (e *Engine) renderValue(value any, c *Context) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch v := value.(type) {
	case string:
		return e.renderAny(v, c)

	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := e.renderValue(val, c)
			if err != nil {
				return nil, err
			}
			result[key] = rendered
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			rendered, err := e.renderValue(val, c)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	case map[string]string:
		result := make(map[string]string, len(v))
		for key, val := range v {
			rendered, err := e.render(val, c)
			if err != nil {
				return nil, err
			}
			result[key] = rendered
		}
		return result, nil

	case []string:
		result := make([]string, len(v))
		for i, val := range v {
			rendered, err := e.render(val, c)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	default:
		// Остальные типы (int, float, bool) возвращаются как есть
		return value, nil
	}
}

// renderAny рендерит строку, разрешая одиночные действия в нативные
// значения.
func (e *Engine) renderAny(tmpl string, c *Context) (any, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}
	if inner, ok := singleAction(tmpl); ok {
		return e.evalNative(inner, c)
	}
	return e.render(tmpl, c)
}

// render рендерит строковый шаблон в строку.
func (e *Engine) render(tmpl string, c *Context) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, c); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return buf.String(), nil
}

// evalNative вычисляет одиночное действие в нативное значение,
// дописывая к пайплайну функцию-перехватчик: любое выражение вида
// {{ X }} эквивалентно {{ X | перехват }}, а перехватчик забирает
// значение до его строкового представления.
func (e *Engine) evalNative(inner string, c *Context) (any, error) {
	var captured any
	funcs := template.FuncMap{
		"keepValue": func(v any) string {
			captured = v
			return ""
		},
	}
	for name, fn := range templateFuncs {
		funcs[name] = fn
	}

	t, err := template.New("").Funcs(funcs).Parse("{{" + inner + " | keepValue}}")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return captured, nil
}

// singleAction возвращает содержимое действия, если строка целиком —
// одно template-действие без управляющих конструкций.
func singleAction(tmpl string) (string, bool) {
	s := strings.TrimSpace(tmpl)
	if !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
		return "", false
	}
	inner := s[2 : len(s)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	switch first := strings.Fields(strings.TrimSpace(inner)); {
	case len(first) == 0:
		return "", false
	case first[0] == "if" || first[0] == "range" || first[0] == "with" ||
		first[0] == "template" || first[0] == "block" || first[0] == "define":
		return "", false
	}
	return inner, true
}
