package elements

import (
	"context"
	"fmt"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
)

const (
	// TypeLoop — тип элемента цикла.
	TypeLoop = "loop"

	// TypeBreak — тип элемента выхода из цикла.
	TypeBreak = "break"

	// TypeContinue — тип элемента перехода к следующей итерации.
	TypeContinue = "continue"
)

// loopConfig — конфигурация элемента loop.
type loopConfig struct {
	// Items — итерируемая коллекция (уже отрендеренная в слайс).
	Items any `mapstructure:"items"`

	// Count — число итераций (альтернатива items): коллекцией
	// становятся индексы 0..count-1.
	Count int `mapstructure:"count"`
}

// LoopCapability — итерация по коллекции.
//
// Первая активация открывает кадр цикла; каждая активация (включая
// повторные входы по обратному ребру "loop") продвигает итерацию,
// выставляет переменные item и index и открывает новую эпоху, чтобы
// тело выполнилось заново. Порт после активации ("loop" или "done")
// выбирает роутер по состоянию кадра.
type LoopCapability struct{}

// NewLoopCapability создаёт capability цикла.
func NewLoopCapability() *LoopCapability {
	return &LoopCapability{}
}

// Type возвращает тип элемента.
func (c *LoopCapability) Type() string {
	return TypeLoop
}

// Validate проверяет, что итерировать есть что.
func (c *LoopCapability) Validate(_ context.Context, ectx *engine.ElementContext) error {
	var cfg loopConfig
	if err := decodeConfig(ectx.Config, &cfg); err != nil {
		return err
	}
	if cfg.Items == nil && cfg.Count <= 0 {
		return domain.NewValidationError(ectx.Element.Key, "items", "items or count is required")
	}
	if cfg.Items != nil {
		if _, err := collectItems(cfg); err != nil {
			return domain.NewValidationError(ectx.Element.Key, "items", err.Error())
		}
	}
	return nil
}

// Execute открывает кадр (при первой активации) и продвигает итерацию.
func (c *LoopCapability) Execute(_ context.Context, ectx *engine.ElementContext) (*domain.Result, error) {
	el := ectx.Element
	mem := ectx.Memory()

	frame := mem.LoopByOwner(el.ID)
	if frame == nil {
		var cfg loopConfig
		if err := decodeConfig(ectx.Config, &cfg); err != nil {
			return nil, err
		}
		items, err := collectItems(cfg)
		if err != nil {
			return domain.Fail(domain.KindValidation, err.Error()), nil
		}
		frame = &domain.LoopFrame{
			OwnerID:   el.ID,
			OwnerKey:  el.Key,
			Index:     -1,
			Size:      len(items),
			Items:     items,
			StackMark: ectx.StackDepth,
		}
		mem.PushLoop(frame)
	}

	if !frame.Break {
		frame.Index++
		frame.Continue = false
		if !frame.Exhausted() {
			mem.SetVariable("item", frame.Item())
			mem.SetVariable("index", frame.Index)
			mem.BumpEpoch()
		}
	}

	return domain.Succeed(map[string]any{
		"index": frame.Index,
		"size":  frame.Size,
	}), nil
}

// collectItems нормализует конфигурацию в коллекцию.
func collectItems(cfg loopConfig) ([]any, error) {
	if cfg.Items != nil {
		items, ok := cfg.Items.([]any)
		if !ok {
			return nil, fmt.Errorf("items must be a list, got %T", cfg.Items)
		}
		return items, nil
	}
	items := make([]any, cfg.Count)
	for i := range items {
		items[i] = i
	}
	return items, nil
}

// BreakCapability — выход из внутреннего цикла.
//
// Выставляет флажок на кадре; подавление остатка итерации и возврат
// управления элементу цикла выполняет процессор.
type BreakCapability struct{}

// NewBreakCapability создаёт capability break.
func NewBreakCapability() *BreakCapability {
	return &BreakCapability{}
}

// Type возвращает тип элемента.
func (c *BreakCapability) Type() string {
	return TypeBreak
}

// Validate всегда успешен: наличие цикла — состояние выполнения,
// не конфигурации.
func (c *BreakCapability) Validate(_ context.Context, _ *engine.ElementContext) error {
	return nil
}

// Execute выставляет флажок break на внутреннем цикле.
func (c *BreakCapability) Execute(_ context.Context, ectx *engine.ElementContext) (*domain.Result, error) {
	top := ectx.Memory().TopLoop()
	if top == nil {
		return domain.Fail(domain.KindValidation, ErrLoopControl.Error()), nil
	}
	top.Break = true
	return domain.Succeed(map[string]any{"loop": top.OwnerKey}), nil
}

// ContinueCapability — переход к следующей итерации внутреннего цикла.
type ContinueCapability struct{}

// NewContinueCapability создаёт capability continue.
func NewContinueCapability() *ContinueCapability {
	return &ContinueCapability{}
}

// Type возвращает тип элемента.
func (c *ContinueCapability) Type() string {
	return TypeContinue
}

// Validate всегда успешен.
func (c *ContinueCapability) Validate(_ context.Context, _ *engine.ElementContext) error {
	return nil
}

// Execute выставляет флажок continue на внутреннем цикле.
func (c *ContinueCapability) Execute(_ context.Context, ectx *engine.ElementContext) (*domain.Result, error) {
	top := ectx.Memory().TopLoop()
	if top == nil {
		return domain.Fail(domain.KindValidation, ErrLoopControl.Error()), nil
	}
	top.Continue = true
	return domain.Succeed(map[string]any{"loop": top.OwnerKey}), nil
}
