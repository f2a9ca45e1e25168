package elements

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/shaiso/conveyor/internal/engine"
)

// Deps — внешние зависимости capabilities.
type Deps struct {
	// HTTPClient — клиент для элемента http. Nil — клиент по умолчанию.
	HTTPClient *http.Client

	// Evaluator — вычислитель выражений для решающих элементов.
	Evaluator engine.Evaluator

	// Subflows — запуск дочерних потоков для элемента subflow.
	// Nil допустим: элемент subflow откажет валидацией.
	Subflows SubflowRunner

	// Logger — логгер. Nil — slog.Default().
	Logger *slog.Logger
}

// Registry — реестр capabilities по типу элемента.
//
// Реализует engine.CapabilityResolver. Потокобезопасен.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]engine.Capability
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[string]engine.Capability)}
}

// DefaultRegistry создаёт реестр со всеми стандартными capabilities.
func DefaultRegistry(deps Deps) *Registry {
	r := NewRegistry()

	r.Register(NewTriggerCapability())
	r.Register(NewScheduleCapability())
	r.Register(NewHTTPCapability(deps.HTTPClient))
	r.Register(NewDelayCapability())
	r.Register(NewSetCapability())
	r.Register(NewTransformCapability())
	r.Register(NewNoopCapability())
	r.Register(NewIfCapability(deps.Evaluator))
	r.Register(NewSwitchCapability())
	r.Register(NewLoopCapability())
	r.Register(NewBreakCapability())
	r.Register(NewContinueCapability())
	r.Register(NewTryCapability())
	r.Register(NewThrowCapability())
	r.Register(NewSubflowCapability(deps.Subflows))

	return r
}

// RestrictedRegistry создаёт реестр низкодоверенного агента.
//
// Агент получает срез памяти, а не саму память, поэтому control-flow
// capabilities (циклы, скоупы, переменные, subflow) ему недоступны —
// только чистые по отношению к памяти выполнения типы.
func RestrictedRegistry(deps Deps) *Registry {
	r := NewRegistry()

	r.Register(NewHTTPCapability(deps.HTTPClient))
	r.Register(NewDelayCapability())
	r.Register(NewTransformCapability())
	r.Register(NewNoopCapability())

	return r
}

// Register регистрирует capability, затирая предыдущую того же типа.
func (r *Registry) Register(c engine.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[c.Type()] = c
}

// Resolve возвращает capability по типу элемента.
func (r *Registry) Resolve(elementType string) (engine.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.capabilities[elementType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownCapability, elementType)
	}
	return c, nil
}

// Has проверяет, зарегистрирован ли тип.
func (r *Registry) Has(elementType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.capabilities[elementType]
	return ok
}

// Types возвращает отсортированный список зарегистрированных типов.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.capabilities))
	for t := range r.capabilities {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
