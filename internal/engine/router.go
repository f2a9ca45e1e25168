package engine

import (
	"context"
	"log/slog"

	"github.com/shaiso/conveyor/internal/domain"
)

// Evaluator — внешняя capability вычисления выражений.
//
// Используется для условий на связях, решающих элементов (if/switch)
// и рендера конфигурации перед диспатчем. Контекст шаблона строится
// из памяти выполнения: переменные, выходы элементов, текущий элемент
// цикла.
type Evaluator interface {
	// Evaluate вычисляет выражение и возвращает значение.
	Evaluate(ctx context.Context, expr string, mem *domain.Memory) (any, error)

	// EvaluateBool вычисляет условие и приводит его к bool.
	EvaluateBool(ctx context.Context, expr string, mem *domain.Memory) (bool, error)

	// RenderConfig рендерит шаблоны во всех строковых значениях
	// конфигурации, возвращая отрендеренную копию.
	RenderConfig(ctx context.Context, config map[string]any, mem *domain.Memory) (map[string]any, error)
}

// Router — маршрутизация после выполнения элемента.
//
// Отвечает за три вещи: выбор следующих элементов по выходному порту
// (с фильтрацией условных связей), семантику циклов (порт тела против
// порта "done", break/continue) и маршрутизацию исключений по стеку
// try-скоупов.
type Router struct {
	eval   Evaluator
	logger *slog.Logger
}

// NewRouter создаёт роутер.
func NewRouter(eval Evaluator, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{eval: eval, logger: logger}
}

// Next возвращает следующие элементы для выходного порта
// в display-порядке связей.
//
// Условные связи делегируются вычислителю выражений; любая ошибка
// вычисления трактуется как "условие ложно" с предупреждением в логе,
// а не как фатальная ошибка выполнения.
func (r *Router) Next(ctx context.Context, g *Graph, el *domain.ElementDefinition, port string, mem *domain.Memory) []domain.StackFrame {
	conns := g.Connections(el.ID, port)
	if len(conns) == 0 {
		return nil
	}

	out := make([]domain.StackFrame, 0, len(conns))
	for _, conn := range conns {
		if conn.Condition != "" {
			ok, err := r.evalCondition(ctx, conn.Condition, mem)
			if err != nil {
				r.logger.Warn("edge condition evaluation failed, treating as false",
					"element", el.Key,
					"port", port,
					"error", err,
				)
				continue
			}
			if !ok {
				continue
			}
		}
		target := g.ByID(conn.TargetID)
		if target == nil {
			continue
		}
		out = append(out, domain.StackFrame{ElementID: target.ID, ElementKey: target.Key})
	}
	return out
}

func (r *Router) evalCondition(ctx context.Context, expr string, mem *domain.Memory) (bool, error) {
	if r.eval == nil {
		return false, ErrUnknownCapability
	}
	return r.eval.EvaluateBool(ctx, expr, mem)
}

// ResolveLoop выбирает порт элемента цикла после его активации:
// тело ("loop") на каждой итерации, "done" — когда индекс достиг
// размера коллекции или на кадре выставлен break. На выходе кадр
// снимается, а переменные item/index восстанавливаются из внешнего
// цикла, если он есть.
func (r *Router) ResolveLoop(mem *domain.Memory, el *domain.ElementDefinition) string {
	frame := mem.LoopByOwner(el.ID)
	if frame == nil {
		return domain.PortDone
	}
	if frame.Break || frame.Exhausted() {
		mem.PopLoop()
		if top := mem.TopLoop(); top != nil {
			mem.SetVariable("item", top.Item())
			mem.SetVariable("index", top.Index)
		}
		return domain.PortDone
	}
	return domain.PortLoop
}

// RouteException маршрутизирует финальную ошибку элемента по стеку
// try-скоупов. Возвращает true, если ошибка потреблена (запланирована
// ветка catch или finally); false — ловить некому, ошибка фатальна.
//
// Скоупы обходятся от внутреннего к внешнему; внутри скоупа выигрывает
// первый подходящий обработчик. Переход в скоуп усекает стек выполнения
// и стек циклов до отметок скоупа: исключение сильнее loop-control,
// циклы брошенного тела не переживают переход. Finally планируется
// безусловно — и при совпавшем обработчике (после его ветки), и без
// совпадения, после чего исключение перебрасывается наружу закрытием
// скоупа.
func (r *Router) RouteException(ctx context.Context, g *Graph, st *execStack, mem *domain.Memory, exc *domain.ExceptionInfo) bool {
	for mem.TopScope() != nil {
		scope := mem.TopScope()
		owner := g.ByID(scope.OwnerID)
		if owner == nil {
			mem.PopScope()
			continue
		}

		// Брошенные ветки не выполняются: усекаем оба стека
		// до отметок скоупа.
		mem.TruncateLoops(scope.LoopMark)
		mem.Counters.Skipped += len(st.TruncateTo(scope.StackMark))

		switch scope.Phase {
		case domain.ScopePhaseBody:
			if h := scope.Match(exc.Kind); h != nil {
				scope.Exception = exc
				scope.Phase = domain.ScopePhaseHandling
				mem.SetNodeOutput(owner.Key, exc.Output())
				mem.BumpEpoch()
				r.schedule(ctx, g, st, mem, owner, h.OutPort())
				r.logger.Debug("exception caught",
					"scope", owner.Key,
					"kind", exc.Kind,
					"source", exc.ElementKey,
				)
				return true
			}
			// Обработчик не совпал: finally всё равно выполняется,
			// исключение переживает его в слоте скоупа.
			scope.Exception = exc
			scope.Phase = domain.ScopePhaseFinalizing
			mem.BumpEpoch()
			if scope.HasFinally {
				r.schedule(ctx, g, st, mem, owner, domain.PortFinally)
				return true
			}
			mem.PopScope()

		case domain.ScopePhaseHandling:
			// Ошибка внутри ветки catch: скоуп ловить больше не может,
			// но его finally ещё должен выполниться.
			if scope.HasFinally {
				scope.Exception = exc
				scope.Phase = domain.ScopePhaseFinalizing
				mem.BumpEpoch()
				r.schedule(ctx, g, st, mem, owner, domain.PortFinally)
				return true
			}
			mem.PopScope()

		case domain.ScopePhaseFinalizing:
			// Ошибка внутри finally: скоуп закрывается, ошибка идёт выше.
			mem.PopScope()
		}
	}
	return false
}

// schedule кладёт на стек ветку скоупа: цели порта в display-порядке
// (разворачивая для LIFO) либо сам владеющий элемент, если порт
// не подключён — тогда его активация сразу закроет фазу.
func (r *Router) schedule(ctx context.Context, g *Graph, st *execStack, mem *domain.Memory, owner *domain.ElementDefinition, port string) {
	targets := r.Next(ctx, g, owner, port, mem)
	if len(targets) == 0 {
		st.PushElement(owner)
		return
	}
	for i := len(targets) - 1; i >= 0; i-- {
		st.Push(targets[i])
	}
}
