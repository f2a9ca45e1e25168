package domain

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Memory — изменяемое состояние одного выполнения потока.
//
// Память принадлежит ровно одному thread-execution на всё время его жизни
// и никогда не разделяется между горутинами: цикл планирования
// однопоточный, поэтому блокировки не нужны. Содержимое целиком
// сериализуемо в JSON — это вторая половина снапшота паузы.
type Memory struct {
	// Variables — переменные выполнения (имя → значение).
	Variables map[string]any `json:"variables"`

	// NodeOutputs — последний выход каждого элемента (ключ → выход).
	// Перезаписывается при каждом выполнении элемента.
	NodeOutputs map[string]any `json:"node_outputs"`

	// LoopStack — стек активных циклов (внешний — внизу).
	LoopStack []*LoopFrame `json:"loop_stack,omitempty"`

	// ExceptionStack — стек активных try-скоупов (внешний — внизу).
	ExceptionStack []*ExceptionScope `json:"exception_stack,omitempty"`

	// Executed — дедупликация в рамках эпохи: ключ элемента → эпоха,
	// в которую он выполнился. Сходящиеся ветки не выполняют элемент
	// дважды, а новая итерация цикла (новая эпоха) выполняет тело заново.
	Executed map[string]int `json:"executed,omitempty"`

	// Epoch — текущая эпоха активации. Инкрементируется при переходе
	// к следующей итерации цикла и при маршрутизации исключения.
	Epoch int `json:"epoch"`

	// Counters — счётчики выполненных/упавших/пропущенных элементов.
	// Живут в памяти, а не в результате сегмента, чтобы пауза и resume
	// не обнуляли статистику потока.
	Counters CountStats `json:"counters"`
}

// CountStats — счётчики элементов одного выполнения потока.
type CountStats struct {
	// Completed — успешно выполненные элементы.
	Completed int `json:"completed"`

	// Failed — элементы, чей финальный исход — ошибка
	// (после повторов; включая перехваченные скоупом).
	Failed int `json:"failed"`

	// Skipped — пропущенные элементы: ложные условия и кадры,
	// усечённые break/continue или маршрутизацией исключения.
	Skipped int `json:"skipped"`
}

// NewMemory создаёт память выполнения с начальными переменными.
func NewMemory(vars map[string]any) *Memory {
	m := &Memory{
		Variables:   make(map[string]any),
		NodeOutputs: make(map[string]any),
		Executed:    make(map[string]int),
	}
	for k, v := range vars {
		m.Variables[k] = v
	}
	return m
}

// SetVariable записывает переменную.
func (m *Memory) SetVariable(name string, value any) {
	if m.Variables == nil {
		m.Variables = make(map[string]any)
	}
	m.Variables[name] = value
}

// Variable возвращает значение переменной и признак её наличия.
func (m *Memory) Variable(name string) (any, bool) {
	v, ok := m.Variables[name]
	return v, ok
}

// SetNodeOutput записывает выход элемента, затирая предыдущий.
func (m *Memory) SetNodeOutput(key string, output map[string]any) {
	if m.NodeOutputs == nil {
		m.NodeOutputs = make(map[string]any)
	}
	m.NodeOutputs[key] = output
}

// MarkExecuted отмечает элемент выполненным в текущей эпохе.
func (m *Memory) MarkExecuted(key string) {
	if m.Executed == nil {
		m.Executed = make(map[string]int)
	}
	m.Executed[key] = m.Epoch
}

// WasExecuted возвращает true, если элемент уже выполнялся в текущей эпохе.
func (m *Memory) WasExecuted(key string) bool {
	epoch, ok := m.Executed[key]
	return ok && epoch == m.Epoch
}

// BumpEpoch открывает новую эпоху активации: дедупликация прошлых
// эпох перестаёт действовать, тело цикла может выполниться заново.
func (m *Memory) BumpEpoch() {
	m.Epoch++
}

// Clear сбрасывает память. Вызывается при отмене выполнения.
func (m *Memory) Clear() {
	m.Variables = make(map[string]any)
	m.NodeOutputs = make(map[string]any)
	m.LoopStack = nil
	m.ExceptionStack = nil
	m.Executed = make(map[string]int)
	m.Epoch = 0
	m.Counters = CountStats{}
}

// Clone возвращает глубокую копию памяти через JSON round-trip.
func (m *Memory) Clone() (*Memory, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal memory: %w", err)
	}
	var out Memory
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal memory: %w", err)
	}
	return &out, nil
}

// --- Циклы ---

// LoopFrame — кадр активного цикла.
//
// Кадр создаётся элементом цикла при первой активации и живёт до выхода
// через порт "done". Break и Continue — явные флажки состояния, а не
// исключения: их выставляют элементы break/continue, а роутер по ним
// решает маршрут (требование явной маршрутизации ветвления).
type LoopFrame struct {
	// OwnerID и OwnerKey — элемент цикла, владеющий кадром.
	OwnerID  uuid.UUID `json:"owner_id"`
	OwnerKey string    `json:"owner_key"`

	// Index — индекс текущей итерации (0-based).
	Index int `json:"index"`

	// Size — размер коллекции.
	Size int `json:"size"`

	// Items — итерируемая коллекция.
	Items []any `json:"items,omitempty"`

	// Break — запрошен выход из цикла.
	Break bool `json:"break,omitempty"`

	// Continue — запрошен переход к следующей итерации.
	Continue bool `json:"continue,omitempty"`

	// StackMark — отметка глубины стека выполнения на момент начала
	// текущей итерации. Break/continue усекают стек до неё, чтобы
	// остаток тела этой итерации не выполнялся.
	StackMark int `json:"stack_mark"`
}

// Exhausted возвращает true, когда итерации закончились.
func (f *LoopFrame) Exhausted() bool {
	return f.Index >= f.Size
}

// Item возвращает элемент коллекции текущей итерации.
func (f *LoopFrame) Item() any {
	if f.Index < 0 || f.Index >= len(f.Items) {
		return nil
	}
	return f.Items[f.Index]
}

// PushLoop кладёт кадр цикла на вершину стека циклов.
func (m *Memory) PushLoop(frame *LoopFrame) {
	m.LoopStack = append(m.LoopStack, frame)
}

// TopLoop возвращает кадр внутреннего цикла или nil.
func (m *Memory) TopLoop() *LoopFrame {
	if len(m.LoopStack) == 0 {
		return nil
	}
	return m.LoopStack[len(m.LoopStack)-1]
}

// LoopByOwner возвращает кадр, принадлежащий элементу, или nil.
func (m *Memory) LoopByOwner(ownerID uuid.UUID) *LoopFrame {
	for i := len(m.LoopStack) - 1; i >= 0; i-- {
		if m.LoopStack[i].OwnerID == ownerID {
			return m.LoopStack[i]
		}
	}
	return nil
}

// PopLoop снимает кадр внутреннего цикла.
func (m *Memory) PopLoop() *LoopFrame {
	if len(m.LoopStack) == 0 {
		return nil
	}
	top := m.LoopStack[len(m.LoopStack)-1]
	m.LoopStack = m.LoopStack[:len(m.LoopStack)-1]
	return top
}

// TruncateLoops усекает стек циклов до глубины n. Используется
// при маршрутизации исключения во внешний скоуп: циклы, открытые
// внутри брошенного тела, не должны пережить переход.
func (m *Memory) TruncateLoops(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(m.LoopStack) {
		m.LoopStack = m.LoopStack[:n]
	}
}

// --- Exception-скоупы ---

// ScopePhase — фаза жизненного цикла try-скоупа.
type ScopePhase string

const (
	// ScopePhaseBody — выполняется тело скоупа.
	ScopePhaseBody ScopePhase = "BODY"

	// ScopePhaseHandling — выполняется ветка catch.
	ScopePhaseHandling ScopePhase = "HANDLING"

	// ScopePhaseFinalizing — выполняется ветка finally.
	ScopePhaseFinalizing ScopePhase = "FINALIZING"
)

// CatchHandler — типизированный обработчик внутри скоупа.
type CatchHandler struct {
	// Kinds — какие виды ошибок ловит обработчик.
	// Пустой список означает "любую".
	Kinds []ErrorKind `json:"kinds,omitempty"`

	// Port — выходной порт элемента try, в который уходит управление
	// при совпадении. Пустая строка означает "catch".
	Port string `json:"port,omitempty"`
}

// Matches возвращает true, если обработчик ловит данный kind.
func (h *CatchHandler) Matches(kind ErrorKind) bool {
	if len(h.Kinds) == 0 {
		return true
	}
	for _, k := range h.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// OutPort возвращает порт обработчика с учётом значения по умолчанию.
func (h *CatchHandler) OutPort() string {
	if h.Port == "" {
		return PortCatch
	}
	return h.Port
}

// ExceptionInfo — сведения о маршрутизируемом исключении.
type ExceptionInfo struct {
	// Kind — классификация.
	Kind ErrorKind `json:"kind"`

	// Message — текст.
	Message string `json:"message"`

	// ElementID и ElementKey — элемент-источник.
	ElementID  uuid.UUID `json:"element_id"`
	ElementKey string    `json:"element_key"`

	// Attempt — номер попытки, на которой исключение стало финальным.
	Attempt int `json:"attempt"`
}

// Output возвращает полезную нагрузку исключения для веток catch.
func (e *ExceptionInfo) Output() map[string]any {
	return map[string]any{
		"error":       e.Message,
		"error_kind":  string(e.Kind),
		"element_key": e.ElementKey,
		"attempt":     e.Attempt,
	}
}

// ExceptionScope — кадр активного try-скоупа.
//
// Инвариант: во всём стеке не больше одного скоупа с непустым слотом
// Exception — исключение обрабатывается строго по одному.
type ExceptionScope struct {
	// OwnerID и OwnerKey — элемент try, владеющий скоупом.
	OwnerID  uuid.UUID `json:"owner_id"`
	OwnerKey string    `json:"owner_key"`

	// Catches — упорядоченный список обработчиков.
	// Первый совпавший выигрывает.
	Catches []CatchHandler `json:"catches,omitempty"`

	// HasFinally — есть ли у скоупа finally-ветка.
	HasFinally bool `json:"has_finally,omitempty"`

	// Phase — текущая фаза скоупа.
	Phase ScopePhase `json:"phase"`

	// Exception — обрабатываемое исключение. Заполнен в фазе HANDLING
	// (совпал обработчик) и в фазе FINALIZING без совпадения (исключение
	// переживает finally и перебрасывается наружу при закрытии).
	Exception *ExceptionInfo `json:"exception,omitempty"`

	// LoopMark — глубина стека циклов на момент открытия скоупа.
	LoopMark int `json:"loop_mark"`

	// StackMark — отметка глубины стека выполнения на момент открытия.
	StackMark int `json:"stack_mark"`
}

// Match возвращает первый обработчик, ловящий данный kind, или nil.
func (s *ExceptionScope) Match(kind ErrorKind) *CatchHandler {
	for i := range s.Catches {
		if s.Catches[i].Matches(kind) {
			return &s.Catches[i]
		}
	}
	return nil
}

// PushScope кладёт скоуп на вершину стека скоупов.
func (m *Memory) PushScope(scope *ExceptionScope) {
	m.ExceptionStack = append(m.ExceptionStack, scope)
}

// TopScope возвращает внутренний скоуп или nil.
func (m *Memory) TopScope() *ExceptionScope {
	if len(m.ExceptionStack) == 0 {
		return nil
	}
	return m.ExceptionStack[len(m.ExceptionStack)-1]
}

// ScopeByOwner возвращает скоуп, принадлежащий элементу, или nil.
func (m *Memory) ScopeByOwner(ownerID uuid.UUID) *ExceptionScope {
	for i := len(m.ExceptionStack) - 1; i >= 0; i-- {
		if m.ExceptionStack[i].OwnerID == ownerID {
			return m.ExceptionStack[i]
		}
	}
	return nil
}

// PopScope снимает внутренний скоуп, очищая его состояние обработки.
func (m *Memory) PopScope() *ExceptionScope {
	if len(m.ExceptionStack) == 0 {
		return nil
	}
	top := m.ExceptionStack[len(m.ExceptionStack)-1]
	m.ExceptionStack = m.ExceptionStack[:len(m.ExceptionStack)-1]
	top.Exception = nil
	return top
}

// CurrentException возвращает исключение, обрабатываемое сейчас, или nil.
func (m *Memory) CurrentException() *ExceptionInfo {
	for i := len(m.ExceptionStack) - 1; i >= 0; i-- {
		if exc := m.ExceptionStack[i].Exception; exc != nil {
			return exc
		}
	}
	return nil
}
