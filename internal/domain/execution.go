package domain

import (
	"time"

	"github.com/google/uuid"
)

// Session — явная идентичность выполнения: кто и в рамках какого
// тенанта запустил процесс.
//
// Передаётся значением в конструкторы контекстов и снапшоты — никакого
// ambient-состояния уровня горутины, чтобы конкурентность оставалась
// явной.
type Session struct {
	// TenantID — идентификатор тенанта.
	TenantID uuid.UUID `json:"tenant_id"`

	// UserID — идентификатор пользователя-инициатора.
	UserID uuid.UUID `json:"user_id,omitempty"`

	// Source — откуда пришёл запуск: "api", "cli", "schedule", "subflow".
	Source string `json:"source,omitempty"`
}

// ProcessExecution — выполнение процесса.
//
// Процесс группирует выполнения потоков: главный поток плюс дочерние,
// порождённые элементами subflow. Создаётся когда:
// - Пользователь запускает definition вручную (API/CLI)
// - Scheduler создаёт выполнение по расписанию
// - Элемент subflow порождает дочерний поток в том же процессе
type ProcessExecution struct {
	// ID — уникальный идентификатор процесса.
	ID uuid.UUID `json:"id"`

	// DefinitionID — ссылка на definition главного потока.
	DefinitionID uuid.UUID `json:"definition_id"`

	// VersionID — закреплённая версия definition.
	VersionID uuid.UUID `json:"version_id"`

	// Session — идентичность запуска.
	Session Session `json:"session"`

	// Status — агрегированный статус процесса.
	Status ExecutionStatus `json:"status"`

	// Inputs — входные переменные, переданные при запуске.
	Inputs map[string]any `json:"inputs,omitempty"`

	// IdempotencyKey — ключ идемпотентности.
	// Для scheduled выполнений: "{schedule_id}_{next_due_at_unix}".
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// StartedAt — время перехода в RUNNING. Nil до старта.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время финального перехода. Nil до завершения.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания записи.
	CreatedAt time.Time `json:"created_at"`
}

// IsFinished возвращает true, если процесс завершён.
func (p *ProcessExecution) IsFinished() bool {
	return p.Status.IsTerminal()
}

// MarkRunning переводит процесс в RUNNING.
func (p *ProcessExecution) MarkRunning() {
	now := time.Now()
	p.Status = StatusRunning
	p.StartedAt = &now
}

// MarkFinished переводит процесс в финальный статус.
func (p *ProcessExecution) MarkFinished(status ExecutionStatus) {
	now := time.Now()
	p.Status = status
	p.FinishedAt = &now
}

// MarkPaused переводит процесс в PAUSED.
func (p *ProcessExecution) MarkPaused() {
	p.Status = StatusPaused
}

// ThreadExecution — выполнение одного потока (экземпляра графа).
//
// Поток закрепляется за версией definition и владеет собственной
// памятью выполнения. Счётчики и ошибка заполняются движком
// по завершении (или по ходу — при паузе).
type ThreadExecution struct {
	// ID — уникальный идентификатор потока.
	ID uuid.UUID `json:"id"`

	// ProcessID — процесс-владелец.
	ProcessID uuid.UUID `json:"process_id"`

	// VersionID — закреплённая версия definition.
	VersionID uuid.UUID `json:"version_id"`

	// ParentThreadID — родительский поток для subflow-потоков.
	// Nil для главного потока процесса.
	ParentThreadID *uuid.UUID `json:"parent_thread_id,omitempty"`

	// Status — текущий статус потока.
	Status ExecutionStatus `json:"status"`

	// CompletedCount — число успешно выполненных элементов.
	CompletedCount int `json:"completed_count"`

	// FailedCount — число элементов, завершившихся ошибкой
	// (после исчерпания повторов).
	FailedCount int `json:"failed_count"`

	// SkippedCount — число пропущенных элементов (условия,
	// усечение стека, дедупликация не считается).
	SkippedCount int `json:"skipped_count"`

	// Error — фатальная ошибка потока (для FAILED).
	Error *ExecutionError `json:"error,omitempty"`

	// TraceRef — ключ архива трейса в объектном хранилище.
	// Заполняется после выгрузки трейса завершённого потока.
	TraceRef string `json:"trace_ref,omitempty"`

	// StartedAt — время перехода в RUNNING. Nil до старта.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время финального перехода. Nil до завершения.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания записи.
	CreatedAt time.Time `json:"created_at"`
}

// Duration возвращает продолжительность выполнения потока.
// Возвращает 0, если поток ещё не завершён.
func (t *ThreadExecution) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}

// IsFinished возвращает true, если поток завершён.
func (t *ThreadExecution) IsFinished() bool {
	return t.Status.IsTerminal()
}

// MarkRunning переводит поток в RUNNING.
func (t *ThreadExecution) MarkRunning() {
	now := time.Now()
	t.Status = StatusRunning
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
}

// MarkPaused переводит поток в PAUSED.
func (t *ThreadExecution) MarkPaused() {
	t.Status = StatusPaused
}

// MarkCompleted переводит поток в COMPLETED.
func (t *ThreadExecution) MarkCompleted() {
	now := time.Now()
	t.Status = StatusCompleted
	t.FinishedAt = &now
}

// MarkFailed переводит поток в FAILED с фатальной ошибкой.
func (t *ThreadExecution) MarkFailed(err *ExecutionError) {
	now := time.Now()
	t.Status = StatusFailed
	t.FinishedAt = &now
	t.Error = err
}

// MarkCancelled переводит поток в CANCELLED.
func (t *ThreadExecution) MarkCancelled() {
	now := time.Now()
	t.Status = StatusCancelled
	t.FinishedAt = &now
}
