package engine

import (
	"context"

	"github.com/shaiso/conveyor/internal/domain"
)

// Capability — поведение одного типа элемента.
//
// Движок агностичен к набору типов: диспатч идёт через реестр
// "тег типа → реализация". Контракт из трёх методов:
//   - Type — тег типа, по которому элемент находит свою capability;
//   - Validate — проверка отрендеренной конфигурации; ошибка валидации
//     не повторяется и фатальна, если не перехвачена скоупом;
//   - Execute — сама работа. Логическая ошибка возвращается результатом
//     (OK=false + kind), инфраструктурная — ошибкой Go; диспетчер
//     нормализует обе формы.
//
// Execute обязан уважать контекст: таймаут элемента и отмена
// выполнения приходят через него.
type Capability interface {
	Type() string
	Validate(ctx context.Context, ectx *ElementContext) error
	Execute(ctx context.Context, ectx *ElementContext) (*domain.Result, error)
}

// CapabilityResolver — реестр capabilities по тегу типа.
type CapabilityResolver interface {
	// Resolve возвращает capability для типа элемента.
	// Неизвестный тип — ошибка (у диспетчера это ошибка валидации).
	Resolve(elementType string) (Capability, error)
}
