package elements

import (
	"context"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
)

// TypeTransform — тип элемента трансформации данных.
const TypeTransform = "transform"

// TransformCapability — трансформация данных между элементами.
//
// Конфигурация к моменту выполнения уже отрендерена против памяти,
// поэтому capability просто возвращает её как выход: это pass-through
// с подстановкой выражений, способ собрать новую структуру из выходов
// предыдущих элементов.
type TransformCapability struct{}

// NewTransformCapability создаёт capability трансформации.
func NewTransformCapability() *TransformCapability {
	return &TransformCapability{}
}

// Type возвращает тип элемента.
func (c *TransformCapability) Type() string {
	return TypeTransform
}

// Validate проверяет конфигурацию. Любая map допустима.
func (c *TransformCapability) Validate(_ context.Context, _ *engine.ElementContext) error {
	return nil
}

// Execute возвращает отрендеренную конфигурацию как выход.
func (c *TransformCapability) Execute(_ context.Context, ectx *engine.ElementContext) (*domain.Result, error) {
	outputs := ectx.Config
	if outputs == nil {
		outputs = make(map[string]any)
	}
	return domain.Succeed(outputs), nil
}
