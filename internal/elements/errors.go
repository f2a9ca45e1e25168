package elements

import "errors"

// Ошибки capabilities.
var (
	// ErrInvalidConfig — невалидная конфигурация элемента.
	ErrInvalidConfig = errors.New("invalid element config")

	// ErrLoopControl — break или continue вне активного цикла.
	ErrLoopControl = errors.New("loop control outside of a loop")

	// ErrSubflowDepth — превышена глубина вложенности subflow.
	ErrSubflowDepth = errors.New("subflow nesting too deep")

	// ErrHTTPRequest — ошибка выполнения HTTP-запроса.
	ErrHTTPRequest = errors.New("http request failed")
)
