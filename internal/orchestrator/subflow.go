package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
	"github.com/shaiso/conveyor/internal/repo"
)

// RunSubflow запускает дочерний поток по ключу definition и ждёт его
// завершения. Реализует elements.SubflowRunner.
//
// Дочерний поток живёт в том же процессе, выполняет последнюю версию
// definition и получает собственную запись выполнения и свежую память.
// Проблемы резолва (нет definition, нет версий, definition выключен)
// возвращаются как провалившийся результат, а не как ошибка: для
// родителя это провал элемента subflow, и повторы тут бессмысленны.
func (o *Orchestrator) RunSubflow(ctx context.Context, parent *engine.ThreadContext, definitionKey string, inputs map[string]any) (*engine.ThreadResult, error) {
	if o.IsStopped() {
		return nil, ErrOrchestratorStopped
	}
	if o.definitions == nil || o.executions == nil {
		return nil, fmt.Errorf("subflow dependencies are not configured")
	}

	def, err := o.definitions.GetByKey(ctx, definitionKey)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return failedSubflowResult(fmt.Sprintf("%v: %s", ErrDefinitionNotFound, definitionKey)), nil
		}
		return nil, fmt.Errorf("get definition %q: %w", definitionKey, err)
	}
	if !def.IsActive {
		return failedSubflowResult(fmt.Sprintf("definition %q is not active", definitionKey)), nil
	}

	version, err := o.definitions.GetLatestVersion(ctx, def.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return failedSubflowResult(fmt.Sprintf("definition %q has no versions", definitionKey)), nil
		}
		return nil, fmt.Errorf("get latest version of %q: %w", definitionKey, err)
	}

	thread := &domain.ThreadExecution{
		ID:             uuid.New(),
		ProcessID:      parent.Process.ProcessID,
		VersionID:      version.ID,
		ParentThreadID: &parent.ThreadID,
		CreatedAt:      time.Now(),
	}
	thread.MarkRunning()
	if err := o.executions.CreateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("create child thread execution: %w", err)
	}

	run := &ThreadRun{
		ProcessID: thread.ProcessID,
		Thread:    thread,
		StartedAt: time.Now(),
	}
	if err := o.addActiveThread(run); err != nil {
		return nil, err
	}

	child := parent.Child(thread.ID, version.ID, domain.NewMemory(inputs))

	o.logger.Info("subflow started",
		"process_id", thread.ProcessID,
		"thread_execution_id", thread.ID,
		"parent_thread_id", parent.ThreadID,
		"definition_key", definitionKey,
		"version", version.Version,
		"depth", child.Depth,
	)

	res, err := o.processor.ExecuteThread(ctx, child, &version.Graph)
	if err != nil {
		res = &engine.ThreadResult{
			ThreadID:   thread.ID,
			Status:     domain.StatusFailed,
			Error:      &domain.ExecutionError{Kind: domain.KindValidation, Message: err.Error()},
			StartedAt:  run.StartedAt,
			FinishedAt: time.Now(),
		}
	}

	o.finishSegment(ctx, run, res)
	return res, nil
}

// failedSubflowResult — провал дочернего потока до его создания.
func failedSubflowResult(message string) *engine.ThreadResult {
	now := time.Now()
	return &engine.ThreadResult{
		Status:     domain.StatusFailed,
		Error:      &domain.ExecutionError{Kind: domain.KindValidation, Message: message},
		StartedAt:  now,
		FinishedAt: now,
	}
}
