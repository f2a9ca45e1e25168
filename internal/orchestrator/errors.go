package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrProcessNotFound — процесс не найден в БД.
	ErrProcessNotFound = errors.New("process execution not found")

	// ErrProcessNotPending — процесс не в статусе PENDING
	// (или его уже захватил другой экземпляр).
	ErrProcessNotPending = errors.New("process execution is not pending")

	// ErrThreadAlreadyActive — поток уже выполняется в этом экземпляре.
	ErrThreadAlreadyActive = errors.New("thread execution already active")

	// ErrDefinitionNotFound — definition по ключу не найден (subflow).
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrOrchestratorStopped — оркестратор останавливается и новую
	// работу не принимает.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)
