package agent

import "errors"

// Ошибки агента.
var (
	// ErrAgentStopped — агент остановлен.
	ErrAgentStopped = errors.New("agent stopped")
)
