package elements

import (
	"context"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
)

// TypeSet — тип элемента записи переменных.
const TypeSet = "set"

// setConfig — конфигурация элемента set.
type setConfig struct {
	// Variables — переменные для записи (имя → значение).
	// Значения уже отрендерены против памяти выполнения.
	Variables map[string]any `mapstructure:"variables"`
}

// SetCapability — запись переменных выполнения.
//
// Записанные значения видны всем последующим элементам потока
// через {{ .Vars.имя }}.
type SetCapability struct{}

// NewSetCapability создаёт capability записи переменных.
func NewSetCapability() *SetCapability {
	return &SetCapability{}
}

// Type возвращает тип элемента.
func (c *SetCapability) Type() string {
	return TypeSet
}

// Validate проверяет, что есть что записывать.
func (c *SetCapability) Validate(_ context.Context, ectx *engine.ElementContext) error {
	var cfg setConfig
	if err := decodeConfig(ectx.Config, &cfg); err != nil {
		return err
	}
	if len(cfg.Variables) == 0 {
		return domain.NewValidationError(ectx.Element.Key, "variables", "variables is required")
	}
	return nil
}

// Execute записывает переменные и публикует их как выход.
func (c *SetCapability) Execute(_ context.Context, ectx *engine.ElementContext) (*domain.Result, error) {
	var cfg setConfig
	if err := decodeConfig(ectx.Config, &cfg); err != nil {
		return nil, err
	}

	mem := ectx.Memory()
	out := make(map[string]any, len(cfg.Variables))
	for name, value := range cfg.Variables {
		mem.SetVariable(name, value)
		out[name] = value
	}
	return domain.Succeed(out), nil
}
