package elements

import (
	"context"
	"fmt"
	"strings"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
)

const (
	// TypeTry — тип элемента try-скоупа.
	TypeTry = "try"

	// TypeThrow — тип элемента явного выброса исключения.
	TypeThrow = "throw"
)

// tryConfig — конфигурация элемента try.
type tryConfig struct {
	// Catches — упорядоченный список обработчиков. Первый совпавший
	// выигрывает. Пустой список kinds внутри обработчика ловит любую
	// ошибку; отсутствие обработчиков делает скоуп чистым try/finally.
	Catches []catchConfig `mapstructure:"catches"`
}

// catchConfig — один обработчик.
type catchConfig struct {
	// Kinds — виды ошибок, которые ловит обработчик.
	Kinds []string `mapstructure:"kinds"`

	// Port — выходной порт ветки обработчика. Пустая строка — "catch".
	Port string `mapstructure:"port"`
}

// TryCapability — граница скоупа исключений.
//
// Первая активация открывает скоуп и отдаёт управление в порт "try".
// Ветки тела, catch и finally завершаются обратным ребром во входной
// порт "close" — повторная активация закрывает текущую фазу:
//
//	BODY       -> finally (если подключён) или закрытие через "done"
//	HANDLING   -> исключение обработано; finally или "done"
//	FINALIZING -> закрытие; неперехваченное исключение, пережившее
//	              finally, перебрасывается как ошибка элемента
//
// Маршрутизацию исключений В скоуп выполняет роутер; capability
// отвечает только за открытие и закрытие фаз.
type TryCapability struct{}

// NewTryCapability создаёт capability try.
func NewTryCapability() *TryCapability {
	return &TryCapability{}
}

// Type возвращает тип элемента.
func (c *TryCapability) Type() string {
	return TypeTry
}

// Validate проверяет список обработчиков.
func (c *TryCapability) Validate(_ context.Context, ectx *engine.ElementContext) error {
	var cfg tryConfig
	if err := decodeConfig(ectx.Config, &cfg); err != nil {
		return err
	}
	for i, catch := range cfg.Catches {
		for _, kind := range catch.Kinds {
			if !validKind(kind) {
				return domain.NewValidationError(ectx.Element.Key,
					fmt.Sprintf("catches[%d].kinds", i), fmt.Sprintf("unknown error kind %q", kind))
			}
		}
	}
	return nil
}

// Execute открывает скоуп или закрывает его текущую фазу.
func (c *TryCapability) Execute(_ context.Context, ectx *engine.ElementContext) (*domain.Result, error) {
	el := ectx.Element
	mem := ectx.Memory()

	scope := mem.ScopeByOwner(el.ID)
	if scope == nil {
		var cfg tryConfig
		if err := decodeConfig(ectx.Config, &cfg); err != nil {
			return nil, err
		}
		scope = &domain.ExceptionScope{
			OwnerID:    el.ID,
			OwnerKey:   el.Key,
			Catches:    buildCatches(cfg),
			HasFinally: c.hasFinally(ectx),
			Phase:      domain.ScopePhaseBody,
			LoopMark:   len(mem.LoopStack),
			StackMark:  ectx.StackDepth,
		}
		mem.PushScope(scope)
		return domain.SucceedPort(domain.PortTry, nil), nil
	}

	// Повторная активация по обратному ребру "close": закрываем фазу.
	switch scope.Phase {
	case domain.ScopePhaseBody:
		// Тело завершилось чисто.
		if scope.HasFinally {
			scope.Phase = domain.ScopePhaseFinalizing
			mem.BumpEpoch()
			return domain.SucceedPort(domain.PortFinally, nil), nil
		}
		mem.PopScope()
		return domain.SucceedPort(domain.PortDone, map[string]any{"caught": false}), nil

	case domain.ScopePhaseHandling:
		// Ветка catch завершилась — исключение обработано.
		scope.Exception = nil
		if scope.HasFinally {
			scope.Phase = domain.ScopePhaseFinalizing
			mem.BumpEpoch()
			return domain.SucceedPort(domain.PortFinally, nil), nil
		}
		mem.PopScope()
		return domain.SucceedPort(domain.PortDone, map[string]any{"caught": true}), nil

	default: // ScopePhaseFinalizing
		exc := scope.Exception
		mem.PopScope()
		if exc != nil {
			// Неперехваченное исключение пережило finally —
			// перебрасывается наружу.
			return domain.Fail(exc.Kind, exc.Message), nil
		}
		return domain.SucceedPort(domain.PortDone, nil), nil
	}
}

// hasFinally проверяет по графу, подключён ли порт "finally".
func (c *TryCapability) hasFinally(ectx *engine.ElementContext) bool {
	g := ectx.Thread.Graph
	if g == nil {
		return false
	}
	return len(g.Connections(ectx.Element.ID, domain.PortFinally)) > 0
}

// buildCatches переводит конфигурацию в обработчики скоупа.
func buildCatches(cfg tryConfig) []domain.CatchHandler {
	catches := make([]domain.CatchHandler, 0, len(cfg.Catches))
	for _, catch := range cfg.Catches {
		h := domain.CatchHandler{Port: catch.Port}
		for _, kind := range catch.Kinds {
			h.Kinds = append(h.Kinds, domain.ErrorKind(strings.ToUpper(kind)))
		}
		catches = append(catches, h)
	}
	return catches
}

// validKind проверяет имя вида ошибки.
func validKind(kind string) bool {
	switch domain.ErrorKind(strings.ToUpper(kind)) {
	case domain.KindValidation, domain.KindTimeout, domain.KindTransient,
		domain.KindException, domain.KindCancelled:
		return true
	default:
		return false
	}
}

// throwConfig — конфигурация элемента throw.
type throwConfig struct {
	// Kind — вид выбрасываемой ошибки. Пустая строка — EXCEPTION.
	Kind string `mapstructure:"kind"`

	// Message — текст исключения.
	Message string `mapstructure:"message"`
}

// ThrowCapability — явный выброс исключения. Результат элемента —
// всегда ошибка; дальше она идёт обычным путём эскалации и может
// быть перехвачена объемлющим скоупом.
type ThrowCapability struct{}

// NewThrowCapability создаёт capability throw.
func NewThrowCapability() *ThrowCapability {
	return &ThrowCapability{}
}

// Type возвращает тип элемента.
func (c *ThrowCapability) Type() string {
	return TypeThrow
}

// Validate проверяет вид ошибки.
func (c *ThrowCapability) Validate(_ context.Context, ectx *engine.ElementContext) error {
	var cfg throwConfig
	if err := decodeConfig(ectx.Config, &cfg); err != nil {
		return err
	}
	if cfg.Kind != "" && !validKind(cfg.Kind) {
		return domain.NewValidationError(ectx.Element.Key, "kind",
			fmt.Sprintf("unknown error kind %q", cfg.Kind))
	}
	return nil
}

// Execute возвращает исключение.
func (c *ThrowCapability) Execute(_ context.Context, ectx *engine.ElementContext) (*domain.Result, error) {
	var cfg throwConfig
	if err := decodeConfig(ectx.Config, &cfg); err != nil {
		return nil, err
	}

	kind := domain.KindException
	if cfg.Kind != "" {
		kind = domain.ErrorKind(strings.ToUpper(cfg.Kind))
	}
	message := cfg.Message
	if message == "" {
		message = "exception raised"
	}
	return domain.Fail(kind, message), nil
}
