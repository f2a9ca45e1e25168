package domain

import (
	"strings"
	"time"
)

// RetryPolicy — политика повторных попыток элемента.
//
// Задержка перед попыткой n считается как base * multiplier^(n-1)
// и ограничивается сверху MaxDelay. Kinds сужает список повторяемых
// видов ошибок; таймауты и ошибки валидации не повторяются никогда,
// какой бы ни была политика.
type RetryPolicy struct {
	// MaxAttempts — максимум попыток всего (первая + повторы).
	MaxAttempts int `json:"max_attempts"`

	// BaseDelay — базовая задержка перед первым повтором.
	BaseDelay time.Duration `json:"base_delay"`

	// Multiplier — множитель экспоненциального роста задержки.
	// Значение <= 0 трактуется как 1 (фиксированная задержка).
	Multiplier float64 `json:"multiplier"`

	// MaxDelay — верхняя граница задержки. 0 — без ограничения.
	MaxDelay time.Duration `json:"max_delay"`

	// Kinds — allow-list повторяемых видов ошибок.
	// Пустой список означает "все повторяемые по своей природе".
	Kinds []ErrorKind `json:"kinds,omitempty"`
}

// Значения по умолчанию для канонических политик.
const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 1 * time.Second
	defaultMultiplier  = 2.0
	defaultMaxDelay    = 30 * time.Second
)

// DefaultRetryPolicy — экспоненциальная политика по умолчанию:
// 3 попытки, задержки 1s, 2s (с потолком 30s), любые повторяемые kinds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		Multiplier:  defaultMultiplier,
		MaxDelay:    defaultMaxDelay,
	}
}

// StrictRetryPolicy — строгая политика: повторяются только временные
// ошибки, два повтора с фиксированной задержкой.
func StrictRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   defaultBaseDelay,
		Multiplier:  1.0,
		MaxDelay:    defaultMaxDelay,
		Kinds:       []ErrorKind{KindTransient},
	}
}

// NoRetryPolicy — политика без повторов: единственная попытка.
func NoRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// PolicyFor строит политику из настроек элемента.
//
// MaxRetries — число повторов после первой попытки, поэтому
// MaxAttempts = MaxRetries + 1. Нулевой RetryWait наследует базовую
// задержку политики по умолчанию.
func PolicyFor(el *ElementDefinition) RetryPolicy {
	if el.MaxRetries <= 0 {
		return NoRetryPolicy()
	}
	p := DefaultRetryPolicy()
	p.MaxAttempts = el.MaxRetries + 1
	if wait := el.RetryWait(); wait > 0 {
		p.BaseDelay = wait
	}
	for _, kind := range el.RetryOn {
		p.Kinds = append(p.Kinds, ErrorKind(strings.ToUpper(kind)))
	}
	return p
}

// Allows возвращает true, если политика допускает повтор ошибки
// данного kind. Таймауты, валидация и отмена отсекаются всегда;
// явный allow-list может включить KindException.
func (p RetryPolicy) Allows(kind ErrorKind) bool {
	if kind.NeverRetryable() {
		return false
	}
	if len(p.Kinds) == 0 {
		return kind.Retryable()
	}
	for _, k := range p.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// NextDelay возвращает задержку перед попыткой attempt+1
// (attempt — номер только что провалившейся попытки, 1-based).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= mult
	}
	d := time.Duration(delay)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
