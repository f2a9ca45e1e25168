package elements

import (
	"context"
	"fmt"
	"strings"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
)

const (
	// TypeIf — тип условного элемента.
	TypeIf = "if"

	// TypeSwitch — тип элемента множественного ветвления.
	TypeSwitch = "switch"
)

// ifConfig — конфигурация элемента if.
type ifConfig struct {
	// Condition — условие. Либо голое выражение ("gt .Vars.count 3"),
	// либо шаблон с {{}}, отрендеренный к этому моменту в "true"/"false".
	Condition string `mapstructure:"condition"`
}

// IfCapability — явное ветвление: управление уходит в порт "true"
// или "false". Ветвление — состояние маршрута, а не флаг в памяти.
type IfCapability struct {
	eval engine.Evaluator
}

// NewIfCapability создаёт capability условия.
func NewIfCapability(eval engine.Evaluator) *IfCapability {
	return &IfCapability{eval: eval}
}

// Type возвращает тип элемента.
func (c *IfCapability) Type() string {
	return TypeIf
}

// Validate проверяет наличие условия.
func (c *IfCapability) Validate(_ context.Context, ectx *engine.ElementContext) error {
	var cfg ifConfig
	if err := decodeConfig(ectx.Config, &cfg); err != nil {
		return err
	}
	if cfg.Condition == "" {
		return domain.NewValidationError(ectx.Element.Key, "condition", "condition is required")
	}
	return nil
}

// Execute вычисляет условие и выбирает порт.
//
// В отличие от условий на связях, ошибка вычисления здесь фатальна
// для элемента: if без ответа — ошибка конфигурации, а не "false".
func (c *IfCapability) Execute(ctx context.Context, ectx *engine.ElementContext) (*domain.Result, error) {
	var cfg ifConfig
	if err := decodeConfig(ectx.Config, &cfg); err != nil {
		return nil, err
	}

	var ok bool
	switch strings.TrimSpace(cfg.Condition) {
	case "true":
		ok = true
	case "false":
		ok = false
	default:
		if c.eval == nil {
			return domain.Fail(domain.KindValidation, "no expression evaluator configured"), nil
		}
		var err error
		ok, err = c.eval.EvaluateBool(ctx, cfg.Condition, ectx.Memory())
		if err != nil {
			return domain.Fail(domain.KindValidation, fmt.Sprintf("condition: %v", err)), nil
		}
	}

	port := domain.PortFalse
	if ok {
		port = domain.PortTrue
	}
	return domain.SucceedPort(port, map[string]any{"condition": ok}), nil
}

// switchConfig — конфигурация элемента switch.
type switchConfig struct {
	// Value — сравниваемое значение (уже отрендеренное).
	Value any `mapstructure:"value"`

	// Cases — упорядоченный список вариантов. Первый совпавший выигрывает.
	Cases []switchCase `mapstructure:"cases"`

	// DefaultPort — порт, когда ни один вариант не совпал.
	// Пустая строка означает "default".
	DefaultPort string `mapstructure:"default_port"`
}

// switchCase — один вариант switch.
type switchCase struct {
	// Match — значение для сравнения.
	Match any `mapstructure:"match"`

	// Port — выходной порт при совпадении.
	Port string `mapstructure:"port"`
}

// SwitchCapability — ветвление по значению. Значения сравниваются
// в строковой форме: "3" совпадает и с числом 3, и со строкой "3".
type SwitchCapability struct{}

// NewSwitchCapability создаёт capability switch.
func NewSwitchCapability() *SwitchCapability {
	return &SwitchCapability{}
}

// Type возвращает тип элемента.
func (c *SwitchCapability) Type() string {
	return TypeSwitch
}

// Validate проверяет, что у каждого варианта указан порт.
func (c *SwitchCapability) Validate(_ context.Context, ectx *engine.ElementContext) error {
	var cfg switchConfig
	if err := decodeConfig(ectx.Config, &cfg); err != nil {
		return err
	}
	for i, cs := range cfg.Cases {
		if cs.Port == "" {
			return domain.NewValidationError(ectx.Element.Key,
				fmt.Sprintf("cases[%d].port", i), "port is required")
		}
	}
	return nil
}

// Execute выбирает порт по значению.
func (c *SwitchCapability) Execute(_ context.Context, ectx *engine.ElementContext) (*domain.Result, error) {
	var cfg switchConfig
	if err := decodeConfig(ectx.Config, &cfg); err != nil {
		return nil, err
	}

	value := fmt.Sprint(cfg.Value)
	for _, cs := range cfg.Cases {
		if fmt.Sprint(cs.Match) == value {
			return domain.SucceedPort(cs.Port, map[string]any{
				"value":   cfg.Value,
				"matched": cs.Port,
			}), nil
		}
	}

	port := cfg.DefaultPort
	if port == "" {
		port = "default"
	}
	return domain.SucceedPort(port, map[string]any{
		"value":   cfg.Value,
		"matched": nil,
	}), nil
}
