package engine

import (
	"log/slog"
	"time"

	"github.com/shaiso/conveyor/internal/domain"
)

// Decision — решение обработчика ошибок по невосстановленной попытке.
type Decision int

const (
	// DecisionRetry — повторить попытку после задержки.
	DecisionRetry Decision = iota

	// DecisionContinue — принять ошибку как результат и продолжить
	// маршрутизацию через error-порт элемента.
	DecisionContinue

	// DecisionFatal — эскалировать: сначала стек исключений, затем
	// провал всего потока.
	DecisionFatal
)

// String возвращает имя решения для логов.
func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionContinue:
		return "continue"
	case DecisionFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrorContext — срез провалившейся попытки для принятия решения.
type ErrorContext struct {
	// Element — определение провалившегося элемента.
	Element *domain.ElementDefinition

	// Attempt — номер провалившейся попытки, с 1.
	Attempt int

	// Kind — классификация ошибки.
	Kind domain.ErrorKind

	// Message — текст ошибки.
	Message string

	// Duration — длительность попытки.
	Duration time.Duration
}

// Outcome — исход обработки ошибки.
type Outcome struct {
	// Decision — что делать дальше.
	Decision Decision

	// Delay — задержка перед повтором. Заполнена только для DecisionRetry.
	Delay time.Duration

	// Result — результат с error-портом для DecisionContinue.
	Result *domain.Result
}

// FailureHandler решает судьбу провалившейся попытки элемента.
type FailureHandler interface {
	HandleFailure(ectx ErrorContext, policy domain.RetryPolicy) Outcome
}

// RetryHandler принимает решение по провалившейся попытке элемента.
//
// Порядок эскалации фиксирован: повтор по политике → continue_on_fail →
// DecisionFatal. Ошибки валидации и таймауты не повторяются никогда,
// но continue_on_fail для них работает: неверная конфигурация не
// станет верной от повтора, а вот обойти её поток вправе.
type RetryHandler struct {
	logger *slog.Logger
}

// NewRetryHandler создаёт обработчик.
func NewRetryHandler(logger *slog.Logger) *RetryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryHandler{logger: logger}
}

// HandleFailure решает судьбу провалившейся попытки.
func (h *RetryHandler) HandleFailure(ectx ErrorContext, policy domain.RetryPolicy) Outcome {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	if ectx.Attempt < maxAttempts && policy.Allows(ectx.Kind) {
		delay := policy.NextDelay(ectx.Attempt)
		h.logger.Debug("retrying element",
			"element", ectx.Element.Key,
			"attempt", ectx.Attempt,
			"kind", ectx.Kind,
			"delay", delay,
		)
		return Outcome{Decision: DecisionRetry, Delay: delay}
	}

	if ectx.Element.ContinueOnFail {
		h.logger.Info("element failed, continuing via error output",
			"element", ectx.Element.Key,
			"attempt", ectx.Attempt,
			"kind", ectx.Kind,
		)
		res := domain.Fail(ectx.Kind, ectx.Message)
		res.Duration = ectx.Duration
		return Outcome{Decision: DecisionContinue, Result: res}
	}

	return Outcome{Decision: DecisionFatal}
}
