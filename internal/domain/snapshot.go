package domain

import (
	"time"

	"github.com/google/uuid"
)

// StackFrame — ссылка на элемент в сохранённом стеке выполнения.
//
// Снапшот хранит только id и ключ: определения регидрируются против
// уже загруженной (той же самой) версии ThreadDefinition при resume.
type StackFrame struct {
	// ElementID — идентификатор элемента.
	ElementID uuid.UUID `json:"element_id"`

	// ElementKey — стабильный ключ элемента.
	ElementKey string `json:"element_key"`
}

// Snapshot — сохранённое состояние приостановленного потока.
//
// Жизненный цикл: создаётся при паузе, затирается свежим снапшотом при
// каждой следующей паузе, потребляется ровно один раз при resume
// (оптимистическая версия отсекает второй конкурентный resume)
// и помечается неактивным при отмене или успешном завершении.
type Snapshot struct {
	// ThreadExecutionID — поток, которому принадлежит снапшот.
	ThreadExecutionID uuid.UUID `json:"thread_execution_id"`

	// ProcessID — процесс-владелец потока.
	ProcessID uuid.UUID `json:"process_id"`

	// VersionID — версия definition, на которой шло выполнение.
	// Resume регидрирует граф именно этой версии.
	VersionID uuid.UUID `json:"version_id"`

	// Session — идентичность запуска.
	Session Session `json:"session"`

	// Frames — оставшийся стек выполнения (вершина — в конце).
	Frames []StackFrame `json:"frames"`

	// Memory — содержимое памяти выполнения на момент паузы.
	Memory *Memory `json:"memory"`

	// Version — оптимистическая версия снапшота. Инкрементируется
	// при каждой паузе; resume предъявляет её при потреблении.
	Version int `json:"version"`

	// Active — жив ли снапшот. Потребление и MarkInactive сбрасывают.
	Active bool `json:"active"`

	// CreatedAt — время создания снапшота.
	CreatedAt time.Time `json:"created_at"`
}
