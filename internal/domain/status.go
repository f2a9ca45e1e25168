package domain

// ExecutionStatus — статус выполнения (процесса или потока).
//
// Жизненный цикл:
//
//	PENDING → RUNNING → COMPLETED
//	                  ↘ FAILED
//	        RUNNING ⇄ PAUSED (по внешнему сигналу)
//	        (или)   → CANCELLED (из PENDING, RUNNING или PAUSED)
//
// Только PAUSED и CANCELLED достижимы по внешнему сигналу;
// остальные переходы делает сам цикл планирования.
type ExecutionStatus string

const (
	// StatusPending — выполнение создано, но ещё не подхвачено движком.
	StatusPending ExecutionStatus = "PENDING"

	// StatusRunning — цикл планирования выполняет элементы.
	StatusRunning ExecutionStatus = "RUNNING"

	// StatusPaused — выполнение приостановлено; стек и память
	// сохранены снапшотом и ждут resume.
	StatusPaused ExecutionStatus = "PAUSED"

	// StatusCompleted — все достижимые элементы выполнены успешно.
	StatusCompleted ExecutionStatus = "COMPLETED"

	// StatusFailed — выполнение завершилось фатальной ошибкой.
	StatusFailed ExecutionStatus = "FAILED"

	// StatusCancelled — выполнение отменено по внешнему сигналу.
	StatusCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanPause возвращает true, если из этого статуса допустима пауза.
func (s ExecutionStatus) CanPause() bool {
	return s == StatusRunning || s == StatusPending
}

// CanResume возвращает true, если из этого статуса допустим resume.
func (s ExecutionStatus) CanResume() bool {
	return s == StatusPaused
}

// CanCancel возвращает true, если из этого статуса допустима отмена.
func (s ExecutionStatus) CanCancel() bool {
	return !s.IsTerminal()
}

// EventStatus — статус одной попытки выполнения элемента в трейсе.
type EventStatus string

const (
	// EventStatusCompleted — попытка завершилась успехом.
	EventStatusCompleted EventStatus = "COMPLETED"

	// EventStatusFailed — попытка завершилась ошибкой (возможен retry).
	EventStatusFailed EventStatus = "FAILED"

	// EventStatusSkipped — элемент пропущен (условие, дедупликация
	// или усечение стека циклом/скоупом).
	EventStatusSkipped EventStatus = "SKIPPED"
)
