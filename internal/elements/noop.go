package elements

import (
	"context"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
)

// TypeNoop — тип пустого элемента.
const TypeNoop = "noop"

// NoopCapability — пустой элемент. Используется как точка схождения
// веток и как заглушка при отладке определений.
type NoopCapability struct{}

// NewNoopCapability создаёт пустую capability.
func NewNoopCapability() *NoopCapability {
	return &NoopCapability{}
}

// Type возвращает тип элемента.
func (c *NoopCapability) Type() string {
	return TypeNoop
}

// Validate всегда успешен.
func (c *NoopCapability) Validate(_ context.Context, _ *engine.ElementContext) error {
	return nil
}

// Execute ничего не делает.
func (c *NoopCapability) Execute(_ context.Context, _ *engine.ElementContext) (*domain.Result, error) {
	return domain.Succeed(nil), nil
}
