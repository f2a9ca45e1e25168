package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/conveyor/internal/domain"
)

// ProcessContext — контекст выполнения процесса.
//
// Идентичность запуска (session) передаётся явным значением
// в конструктор — никакого ambient-состояния, чтобы конкурентные
// процессы не могли перепутать тенантов.
type ProcessContext struct {
	// ProcessID — идентификатор процесса.
	ProcessID uuid.UUID

	// Session — кто и откуда запустил процесс.
	Session domain.Session

	// StartedAt — время создания контекста.
	StartedAt time.Time
}

// NewProcessContext создаёт контекст процесса.
func NewProcessContext(processID uuid.UUID, session domain.Session) *ProcessContext {
	return &ProcessContext{
		ProcessID: processID,
		Session:   session,
		StartedAt: time.Now(),
	}
}

// ThreadContext — контекст выполнения одного потока.
//
// Владеет памятью выполнения. Память не разделяется: цикл планирования
// потока однопоточный, дочерние потоки (subflow) получают собственную
// свежую память.
type ThreadContext struct {
	// Process — процесс-владелец.
	Process *ProcessContext

	// ThreadID — идентификатор выполнения потока.
	ThreadID uuid.UUID

	// VersionID — закреплённая версия определения.
	VersionID uuid.UUID

	// Graph — скомпилированный граф версии. Проставляется процессором
	// перед запуском цикла; capabilities циклов и скоупов читают из него
	// подключённость своих портов.
	Graph *Graph

	// Memory — память выполнения.
	Memory *domain.Memory

	// Depth — глубина вложенности subflow. Главный поток — 0.
	Depth int

	// StartedAt — время создания контекста.
	StartedAt time.Time
}

// NewThreadContext создаёт контекст потока.
func NewThreadContext(process *ProcessContext, threadID, versionID uuid.UUID, memory *domain.Memory) *ThreadContext {
	return &ThreadContext{
		Process:   process,
		ThreadID:  threadID,
		VersionID: versionID,
		Memory:    memory,
		StartedAt: time.Now(),
	}
}

// Child создаёт контекст дочернего потока (subflow) в том же процессе:
// свежая память, та же идентичность, глубина на единицу больше.
func (t *ThreadContext) Child(threadID, versionID uuid.UUID, memory *domain.Memory) *ThreadContext {
	child := NewThreadContext(t.Process, threadID, versionID, memory)
	child.Depth = t.Depth + 1
	return child
}

// ElementContext — контекст одной попытки выполнения элемента.
//
// Создаётся процессором на каждую попытку; capability видит
// отрендеренную конфигурацию, а не сырую из определения.
type ElementContext struct {
	// Thread — поток-владелец.
	Thread *ThreadContext

	// Element — выполняемый элемент.
	Element *domain.ElementDefinition

	// Config — конфигурация элемента после рендера шаблонов
	// против памяти выполнения.
	Config map[string]any

	// Attempt — номер попытки (1-based).
	Attempt int

	// StackDepth — глубина стека выполнения на момент диспатча.
	// Элементы loop и try запоминают её как отметку усечения.
	StackDepth int

	// StartedAt — время начала попытки.
	StartedAt time.Time
}

// NewElementContext создаёт контекст попытки.
func NewElementContext(thread *ThreadContext, el *domain.ElementDefinition, attempt, stackDepth int) *ElementContext {
	return &ElementContext{
		Thread:     thread,
		Element:    el,
		Attempt:    attempt,
		StackDepth: stackDepth,
		StartedAt:  time.Now(),
	}
}

// Memory возвращает память потока-владельца.
func (e *ElementContext) Memory() *domain.Memory {
	return e.Thread.Memory
}
