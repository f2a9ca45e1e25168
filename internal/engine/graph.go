package engine

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/shaiso/conveyor/internal/domain"
)

// Graph — скомпилированная форма ThreadDefinition.
//
// Строится один раз на версию определения и после этого только
// читается, поэтому безопасна для конкурентного использования
// несколькими выполнениями. Индексы:
//   - поиск элемента по id и по ключу;
//   - список триггеров в порядке объявления;
//   - смежность "источник → выходной порт → связи" (в display-порядке);
//   - число обычных (не обратных) входящих связей — для join-правила;
//   - полная достижимость — для отложенного диспатча сходящихся веток.
type Graph struct {
	def      *domain.ThreadDefinition
	byID     map[uuid.UUID]*domain.ElementDefinition
	byKey    map[string]*domain.ElementDefinition
	triggers []*domain.ElementDefinition
	outgoing map[uuid.UUID]map[string][]*domain.ConnectionDefinition
	incoming map[uuid.UUID]int
	reach    map[uuid.UUID]map[uuid.UUID]bool
}

// BuildGraph компилирует и валидирует определение потока.
//
// Проверяет:
// - наличие элементов и хотя бы одного триггера;
// - уникальность id и ключей элементов;
// - что связи ссылаются на существующие элементы.
//
// Циклы допустимы: обратные рёбра циклов и try-скоупов — легальная
// часть модели, поэтому топологической проверки здесь нет. От
// бесконечного выполнения защищает лимит активаций процессора.
func BuildGraph(def *domain.ThreadDefinition) (*Graph, error) {
	if def == nil || len(def.Elements) == 0 {
		return nil, ErrNoElements
	}

	g := &Graph{
		def:      def,
		byID:     make(map[uuid.UUID]*domain.ElementDefinition, len(def.Elements)),
		byKey:    make(map[string]*domain.ElementDefinition, len(def.Elements)),
		outgoing: make(map[uuid.UUID]map[string][]*domain.ConnectionDefinition),
		incoming: make(map[uuid.UUID]int),
	}

	for i := range def.Elements {
		el := &def.Elements[i]
		if el.Key == "" {
			return nil, fmt.Errorf("%w: element %s has empty key", ErrInvalidElement, el.ID)
		}
		if el.Type == "" {
			return nil, fmt.Errorf("%w: element %q has empty type", ErrInvalidElement, el.Key)
		}
		if _, ok := g.byID[el.ID]; ok {
			return nil, fmt.Errorf("%w: id %s", ErrDuplicateElement, el.ID)
		}
		if _, ok := g.byKey[el.Key]; ok {
			return nil, fmt.Errorf("%w: key %q", ErrDuplicateElement, el.Key)
		}
		g.byID[el.ID] = el
		g.byKey[el.Key] = el
		if el.IsTrigger {
			g.triggers = append(g.triggers, el)
		}
	}

	if len(g.triggers) == 0 {
		return nil, ErrNoTrigger
	}

	for i := range def.Connections {
		conn := &def.Connections[i]
		if _, ok := g.byID[conn.SourceID]; !ok {
			return nil, fmt.Errorf("%w: connection source %s", ErrUnknownElement, conn.SourceID)
		}
		if _, ok := g.byID[conn.TargetID]; !ok {
			return nil, fmt.Errorf("%w: connection target %s", ErrUnknownElement, conn.TargetID)
		}

		ports := g.outgoing[conn.SourceID]
		if ports == nil {
			ports = make(map[string][]*domain.ConnectionDefinition)
			g.outgoing[conn.SourceID] = ports
		}
		port := conn.FromPort()
		ports[port] = append(ports[port], conn)

		if !conn.IsBackEdge() {
			g.incoming[conn.TargetID]++
		}
	}

	// Сортируем связи каждого порта по display-порядку.
	// Стабильная сортировка сохраняет порядок объявления при равных Order.
	for _, ports := range g.outgoing {
		for _, conns := range ports {
			sort.SliceStable(conns, func(i, j int) bool {
				return conns[i].Order < conns[j].Order
			})
		}
	}

	g.buildReachability()
	return g, nil
}

// buildReachability строит полную матрицу достижимости обходом
// в ширину от каждого элемента. Обратные рёбра учитываются: кадр тела
// цикла достигает элементов после цикла через его порт "done".
func (g *Graph) buildReachability() {
	g.reach = make(map[uuid.UUID]map[uuid.UUID]bool, len(g.byID))
	for id := range g.byID {
		seen := make(map[uuid.UUID]bool)
		queue := []uuid.UUID{id}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, conns := range g.outgoing[cur] {
				for _, conn := range conns {
					if !seen[conn.TargetID] {
						seen[conn.TargetID] = true
						queue = append(queue, conn.TargetID)
					}
				}
			}
		}
		g.reach[id] = seen
	}
}

// ByID возвращает элемент по идентификатору или nil.
func (g *Graph) ByID(id uuid.UUID) *domain.ElementDefinition {
	return g.byID[id]
}

// ByKey возвращает элемент по стабильному ключу или nil.
func (g *Graph) ByKey(key string) *domain.ElementDefinition {
	return g.byKey[key]
}

// Triggers возвращает триггерные элементы в порядке объявления.
func (g *Graph) Triggers() []*domain.ElementDefinition {
	return g.triggers
}

// Connections возвращает связи с данного выходного порта элемента
// в display-порядке.
func (g *Graph) Connections(sourceID uuid.UUID, port string) []*domain.ConnectionDefinition {
	ports := g.outgoing[sourceID]
	if ports == nil {
		return nil
	}
	return ports[port]
}

// IncomingMain возвращает число обычных (не обратных) входящих связей.
func (g *Graph) IncomingMain(id uuid.UUID) int {
	return g.incoming[id]
}

// CanReach возвращает true, если от элемента from существует путь
// до элемента to.
func (g *Graph) CanReach(from, to uuid.UUID) bool {
	return g.reach[from][to]
}

// Size возвращает число элементов графа.
func (g *Graph) Size() int {
	return len(g.byID)
}
