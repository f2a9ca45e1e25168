package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorKind — классификация ошибки выполнения элемента.
//
// От kind зависит дальнейшая судьба попытки: повтор, continue_on_fail,
// маршрутизация в exception-скоуп или фатальное завершение потока.
type ErrorKind string

const (
	// KindValidation — ошибка валидации конфигурации элемента.
	// Не повторяется; фатальна, если не перехвачена скоупом.
	KindValidation ErrorKind = "VALIDATION"

	// KindTimeout — превышен таймаут элемента. Никогда не повторяется.
	KindTimeout ErrorKind = "TIMEOUT"

	// KindTransient — временная ошибка (сеть, 5xx, блокировки).
	// Повторяется согласно политике retry.
	KindTransient ErrorKind = "TRANSIENT"

	// KindException — явно брошенное или неперехваченное исключение.
	// Маршрутизируется через exception-скоупы.
	KindException ErrorKind = "EXCEPTION"

	// KindCancelled — запрошена отмена. Не ошибка, а управляющий сигнал:
	// попытка не повторяется, поток переходит в CANCELLED.
	KindCancelled ErrorKind = "CANCELLED"
)

// Retryable возвращает true, если ошибки этого kind повторяются
// по умолчанию. Явный allow-list политики может дополнительно включить
// KindException; таймауты, валидация и отмена не повторяются никогда.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient
}

// NeverRetryable возвращает true для kinds, которые не повторяются
// ни при какой политике.
func (k ErrorKind) NeverRetryable() bool {
	switch k {
	case KindValidation, KindTimeout, KindCancelled:
		return true
	default:
		return false
	}
}

// Classify определяет ErrorKind по ошибке Go.
//
// Контекстные ошибки распознаются первыми: дедлайн — таймаут,
// отмена — управляющий сигнал. Типизированная ValidationError даёт
// VALIDATION, всё остальное считается временной ошибкой.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		var verr *ValidationError
		if errors.As(err, &verr) {
			return KindValidation
		}
		return KindTransient
	}
}

// ValidationError — ошибка валидации конфигурации элемента.
type ValidationError struct {
	// ElementKey — ключ элемента с некорректной конфигурацией.
	ElementKey string

	// Field — имя поля конфигурации.
	Field string

	// Message — описание проблемы.
	Message string

	// Err — обёрнутая ошибка (если есть).
	Err error
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("element %q: field %q: %s", e.ElementKey, e.Field, e.Message)
	}
	return fmt.Sprintf("element %q: %s", e.ElementKey, e.Message)
}

// Unwrap возвращает обёрнутую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт ValidationError.
func NewValidationError(elementKey, field, message string) *ValidationError {
	return &ValidationError{
		ElementKey: elementKey,
		Field:      field,
		Message:    message,
	}
}

// ExecutionError — фатальная ошибка, привязанная к выполнению потока.
//
// Сохраняется на записи выполнения: элемент-источник, kind, сообщение
// и санированный след (без конфигурации и значений переменных).
type ExecutionError struct {
	// ElementID — идентификатор элемента-источника.
	ElementID uuid.UUID `json:"element_id"`

	// ElementKey — ключ элемента-источника.
	ElementKey string `json:"element_key"`

	// Kind — классификация ошибки.
	Kind ErrorKind `json:"kind"`

	// Message — текст ошибки.
	Message string `json:"message"`

	// Trace — санированный след: цепочка "элемент/попытка/kind"
	// от первого падения до фатального исхода.
	Trace []string `json:"trace,omitempty"`
}

// Error реализует интерфейс error.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("element %q (%s): %s", e.ElementKey, e.Kind, e.Message)
}
