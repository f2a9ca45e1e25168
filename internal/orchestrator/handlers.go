package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/repo"
	"github.com/shaiso/conveyor/internal/telemetry"
)

// handleExecutionPending обрабатывает событие о новом PENDING процессе.
func (o *Orchestrator) handleExecutionPending(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.ExecutionPendingPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse execution.pending payload", "error", err)
		return nil
	}

	o.logger.Debug("received execution.pending event", "process_id", payload.ProcessID)

	// Проверяем, не обрабатывается ли уже
	if o.isProcessActive(payload.ProcessID) {
		o.logger.Debug("process already active, skipping", "process_id", payload.ProcessID)
		return nil
	}

	if err := o.startProcess(ctx, payload.ProcessID); err != nil {
		switch {
		case errors.Is(err, ErrProcessNotPending), errors.Is(err, ErrThreadAlreadyActive):
			o.logger.Debug("process not started", "process_id", payload.ProcessID, "reason", err)
			return nil
		case errors.Is(err, ErrProcessNotFound):
			o.logger.Warn("pending event for unknown process", "process_id", payload.ProcessID)
			return nil
		case errors.Is(err, ErrOrchestratorStopped):
			// Вернётся в очередь — возьмёт другой экземпляр.
			return err
		}
		o.logger.Error("failed to start process", "process_id", payload.ProcessID, "error", err)
		return err
	}

	return nil
}

// handleExecutionResume обрабатывает запрос на возобновление потока.
func (o *Orchestrator) handleExecutionResume(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.ExecutionResumePayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse execution.resume payload", "error", err)
		return nil
	}

	o.logger.Debug("received execution.resume event",
		"process_id", payload.ProcessID,
		"thread_execution_id", payload.ThreadID,
	)

	if err := o.resumeThread(ctx, payload.ProcessID, payload.ThreadID); err != nil {
		switch {
		case errors.Is(err, ErrThreadAlreadyActive):
			o.logger.Debug("thread already active, skipping resume", "thread_execution_id", payload.ThreadID)
			return nil
		case errors.Is(err, ErrOrchestratorStopped):
			return err
		}
		o.logger.Error("failed to resume thread",
			"thread_execution_id", payload.ThreadID,
			"error", err,
		)
		return err
	}

	return nil
}

// handleControl обрабатывает control-сигнал из fanout.
//
// Сигнал получают все экземпляры; действует владелец потока. Отмену
// приостановленного потока, у которого владельца нет, разыгрывают
// между собой все экземпляры через потребление снапшота.
func (o *Orchestrator) handleControl(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.ControlPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse execution.control payload", "error", err)
		return nil
	}

	switch payload.Action {
	case mq.ControlPause:
		if o.isThreadActive(payload.ThreadID) {
			o.processor.Pause(payload.ThreadID)
			o.logger.Info("pause signal delivered", "thread_execution_id", payload.ThreadID)
		} else {
			o.logger.Debug("pause signal for thread not running here", "thread_execution_id", payload.ThreadID)
		}

	case mq.ControlCancel:
		if o.isThreadActive(payload.ThreadID) {
			o.processor.Cancel(payload.ThreadID)
			o.logger.Info("cancel signal delivered", "thread_execution_id", payload.ThreadID)
			return nil
		}
		if err := o.cancelDormantThread(ctx, payload.ThreadID); err != nil {
			o.logger.Error("failed to cancel dormant thread",
				"thread_execution_id", payload.ThreadID,
				"error", err,
			)
		}

	default:
		o.logger.Warn("unknown control action", "action", payload.Action)
	}

	return nil
}

// startProcess захватывает PENDING процесс и гоняет его главный поток.
func (o *Orchestrator) startProcess(ctx context.Context, processID uuid.UUID) error {
	if o.IsStopped() {
		return ErrOrchestratorStopped
	}

	// 1. Загружаем процесс из БД
	proc, err := o.executions.GetProcess(ctx, processID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
		}
		return fmt.Errorf("get process execution: %w", err)
	}

	// 2. Проверяем статус
	if proc.Status != domain.StatusPending {
		return ErrProcessNotPending
	}

	// 3. Атомарный захват: PENDING → RUNNING ровно у одного экземпляра
	if err := o.executions.ClaimPending(ctx, processID); err != nil {
		if errors.Is(err, repo.ErrInvalidState) {
			return ErrProcessNotPending
		}
		return fmt.Errorf("claim process execution: %w", err)
	}
	proc.MarkRunning()

	// 4. Загружаем версию определения
	def, err := o.loader.Load(ctx, proc.VersionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return o.failProcess(ctx, proc, fmt.Sprintf("definition version not found: %s", proc.VersionID))
		}
		o.unclaimProcess(ctx, proc)
		return fmt.Errorf("load definition version: %w", err)
	}

	// 5. Создаём главный поток процесса
	thread := &domain.ThreadExecution{
		ID:        uuid.New(),
		ProcessID: proc.ID,
		VersionID: proc.VersionID,
		CreatedAt: time.Now(),
	}
	thread.MarkRunning()
	if err := o.executions.CreateThread(ctx, thread); err != nil {
		o.unclaimProcess(ctx, proc)
		return fmt.Errorf("create thread execution: %w", err)
	}

	// 6. Добавляем в активные
	run := &ThreadRun{
		ProcessID: proc.ID,
		Thread:    thread,
		Process:   proc,
		StartedAt: time.Now(),
	}
	if err := o.addActiveThread(run); err != nil {
		return err
	}

	o.publishStatus(ctx, run, domain.StatusRunning, nil)

	o.logger.Info("process execution started",
		"process_id", proc.ID,
		"thread_execution_id", thread.ID,
		"definition_id", proc.DefinitionID,
		"version_id", proc.VersionID,
	)

	// 7. Гоним поток через движок
	pctx := engine.NewProcessContext(proc.ID, proc.Session)
	tctx := engine.NewThreadContext(pctx, thread.ID, proc.VersionID, domain.NewMemory(proc.Inputs))

	res, err := o.processor.ExecuteThread(ctx, tctx, def)
	if err != nil {
		// Граф не собрался — повторная доставка не поможет.
		res = &engine.ThreadResult{
			ThreadID:   thread.ID,
			Status:     domain.StatusFailed,
			Error:      &domain.ExecutionError{Kind: domain.KindValidation, Message: err.Error()},
			StartedAt:  run.StartedAt,
			FinishedAt: time.Now(),
		}
	}

	o.finishSegment(ctx, run, res)
	return nil
}

// resumeThread возобновляет приостановленный поток со снапшота.
//
// Право на возобновление даёт атомарное потребление снапшота внутри
// Resume: конкурирующий экземпляр получает ErrConflict и отходит.
// Статусы в БД вторичны — после краха строка может остаться RUNNING,
// и повторная доставка resume доведёт такой поток по живому снапшоту.
func (o *Orchestrator) resumeThread(ctx context.Context, processID, threadID uuid.UUID) error {
	if o.IsStopped() {
		return ErrOrchestratorStopped
	}

	thread, err := o.executions.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			o.logger.Warn("resume for unknown thread", "thread_execution_id", threadID)
			return nil
		}
		return fmt.Errorf("get thread execution: %w", err)
	}
	if thread.IsFinished() {
		o.logger.Debug("resume for finished thread",
			"thread_execution_id", threadID,
			"status", thread.Status,
		)
		return nil
	}

	proc, err := o.executions.GetProcess(ctx, processID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			o.logger.Warn("resume for unknown process", "process_id", processID)
			return nil
		}
		return fmt.Errorf("get process execution: %w", err)
	}

	run := &ThreadRun{
		ProcessID: proc.ID,
		Thread:    thread,
		Process:   proc,
		StartedAt: time.Now(),
	}
	if err := o.addActiveThread(run); err != nil {
		return err
	}

	// PAUSED → RUNNING, чтобы статус был виден на время сегмента.
	// Провал захвата не фатален: решает потребление снапшота.
	if err := o.executions.ClaimPausedThread(ctx, threadID); err == nil {
		thread.Status = domain.StatusRunning
		proc.MarkRunning()
		if uerr := o.executions.UpdateProcess(ctx, proc); uerr != nil {
			o.logger.Warn("failed to update process to running", "process_id", proc.ID, "error", uerr)
		}
		o.publishStatus(ctx, run, domain.StatusRunning, nil)
	} else if !errors.Is(err, repo.ErrInvalidState) {
		o.removeActiveThread(threadID)
		return fmt.Errorf("claim paused thread: %w", err)
	}

	res, err := o.processor.Resume(ctx, threadID)
	if err != nil {
		o.removeActiveThread(threadID)
		switch {
		case errors.Is(err, repo.ErrConflict):
			o.logger.Debug("snapshot already consumed", "thread_execution_id", threadID, "error", err)
			return nil
		case errors.Is(err, repo.ErrNotFound):
			o.logger.Debug("no active snapshot for thread", "thread_execution_id", threadID, "error", err)
			return nil
		case errors.Is(err, engine.ErrStoreRequired), errors.Is(err, engine.ErrLoaderRequired):
			o.logger.Error("resume is not configured", "thread_execution_id", threadID, "error", err)
			return nil
		}
		return fmt.Errorf("resume thread: %w", err)
	}

	o.finishSegment(ctx, run, res)
	return nil
}

// cancelDormantThread отменяет поток, которого нет в реестре экземпляра.
//
// Единственный отменяемый извне покой — пауза. Право на отмену даёт
// атомарное потребление снапшота, поэтому гонка с конкурентным resume
// разрешается в пользу ровно одного участника.
func (o *Orchestrator) cancelDormantThread(ctx context.Context, threadID uuid.UUID) error {
	thread, err := o.executions.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			o.logger.Debug("cancel for unknown thread", "thread_execution_id", threadID)
			return nil
		}
		return fmt.Errorf("get thread execution: %w", err)
	}
	if thread.IsFinished() {
		o.logger.Debug("cancel for finished thread",
			"thread_execution_id", threadID,
			"status", thread.Status,
		)
		return nil
	}
	if thread.Status != domain.StatusPaused {
		// RUNNING в другом экземпляре — сигнал доставит его владелец.
		o.logger.Debug("cancel for thread running elsewhere", "thread_execution_id", threadID)
		return nil
	}
	if o.store == nil {
		o.logger.Warn("cancel for paused thread without snapshot store", "thread_execution_id", threadID)
		return nil
	}

	if _, err := o.store.LoadStack(ctx, threadID); err != nil {
		if errors.Is(err, repo.ErrConflict) || errors.Is(err, repo.ErrNotFound) {
			o.logger.Debug("snapshot contested, cancel skipped", "thread_execution_id", threadID)
			return nil
		}
		return fmt.Errorf("consume snapshot: %w", err)
	}

	thread.MarkCancelled()
	if err := o.executions.UpdateThread(ctx, thread); err != nil {
		return fmt.Errorf("update thread execution: %w", err)
	}

	proc, err := o.executions.GetProcess(ctx, thread.ProcessID)
	if err != nil {
		return fmt.Errorf("get process execution: %w", err)
	}
	proc.MarkFinished(domain.StatusCancelled)
	if err := o.executions.UpdateProcess(ctx, proc); err != nil {
		return fmt.Errorf("update process execution: %w", err)
	}

	telemetry.ExecutionsTotal.WithLabelValues(string(domain.StatusCancelled)).Inc()

	run := &ThreadRun{ProcessID: proc.ID, Thread: thread, Process: proc}
	o.publishStatus(ctx, run, domain.StatusCancelled, nil)
	o.archiveTrace(ctx, thread)

	o.logger.Info("paused thread cancelled",
		"thread_execution_id", threadID,
		"process_id", thread.ProcessID,
	)
	return nil
}

// finishSegment записывает результат сегмента потока.
//
// Для главного потока (run.Process != nil) заодно ведёт статус
// процесса. Терминальные потоки архивируются; поток, снявшийся по
// drain-сигналу, передаётся дальше сообщением resume.
func (o *Orchestrator) finishSegment(ctx context.Context, run *ThreadRun, res *engine.ThreadResult) {
	// Результат уже вычислен — запись не должна сорваться отменой
	// контекста на остановке.
	ctx = context.WithoutCancel(ctx)

	thread := run.Thread
	thread.CompletedCount = res.Completed
	thread.FailedCount = res.Failed
	thread.SkippedCount = res.Skipped

	switch res.Status {
	case domain.StatusPaused:
		thread.MarkPaused()
	case domain.StatusCompleted:
		thread.MarkCompleted()
	case domain.StatusCancelled:
		thread.MarkCancelled()
	default:
		thread.MarkFailed(res.Error)
	}

	if err := o.executions.UpdateThread(ctx, thread); err != nil {
		o.logger.Error("failed to update thread execution",
			"thread_execution_id", thread.ID,
			"error", err,
		)
	}

	if run.Process != nil {
		proc := run.Process
		if res.Status == domain.StatusPaused {
			proc.MarkPaused()
		} else {
			proc.MarkFinished(res.Status)
		}
		if err := o.executions.UpdateProcess(ctx, proc); err != nil {
			o.logger.Error("failed to update process execution",
				"process_id", proc.ID,
				"error", err,
			)
		}
	}

	telemetry.ExecutionsTotal.WithLabelValues(string(res.Status)).Inc()

	if res.Status.IsTerminal() {
		o.archiveTrace(ctx, thread)
	}

	o.publishStatus(ctx, run, res.Status, res.Error)

	if res.Status == domain.StatusPaused && o.isDraining(thread.ID) && o.publisher != nil {
		if err := o.publisher.PublishExecutionResume(ctx, run.ProcessID, thread.ID); err != nil {
			o.logger.Warn("failed to hand off drained thread",
				"thread_execution_id", thread.ID,
				"error", err,
			)
		}
	}

	o.removeActiveThread(thread.ID)
	o.logSegment(run, res)
}

// logSegment пишет итоговую строку сегмента.
func (o *Orchestrator) logSegment(run *ThreadRun, res *engine.ThreadResult) {
	attrs := []any{
		"process_id", run.ProcessID,
		"thread_execution_id", run.Thread.ID,
		"completed", res.Completed,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"duration", res.FinishedAt.Sub(res.StartedAt),
	}

	switch res.Status {
	case domain.StatusCompleted:
		o.logger.Info("thread execution completed", attrs...)
	case domain.StatusPaused:
		o.logger.Info("thread execution paused", attrs...)
	case domain.StatusCancelled:
		o.logger.Info("thread execution cancelled", attrs...)
	default:
		if res.Error != nil {
			attrs = append(attrs, "error_kind", res.Error.Kind, "error", res.Error.Message)
		}
		o.logger.Warn("thread execution failed", attrs...)
	}
}

// failProcess переводит процесс в FAILED до того, как появился поток.
func (o *Orchestrator) failProcess(ctx context.Context, proc *domain.ProcessExecution, msg string) error {
	proc.MarkFinished(domain.StatusFailed)
	if err := o.executions.UpdateProcess(ctx, proc); err != nil {
		return fmt.Errorf("update process execution: %w", err)
	}

	if o.publisher != nil {
		payload := mq.ExecutionStatusPayload{
			ProcessID: proc.ID,
			Status:    domain.StatusFailed,
			Error:     msg,
		}
		if err := o.publisher.PublishExecutionStatus(ctx, payload); err != nil {
			o.logger.Warn("failed to publish execution.status", "process_id", proc.ID, "error", err)
		}
	}

	o.logger.Warn("process execution failed early",
		"process_id", proc.ID,
		"error", msg,
	)
	return nil
}

// unclaimProcess возвращает захваченный процесс в PENDING после
// транзиентной ошибки: повторная доставка захватит его заново.
func (o *Orchestrator) unclaimProcess(ctx context.Context, proc *domain.ProcessExecution) {
	proc.Status = domain.StatusPending
	proc.StartedAt = nil
	if err := o.executions.UpdateProcess(ctx, proc); err != nil {
		o.logger.Error("failed to return process to pending", "process_id", proc.ID, "error", err)
	}
}

// archiveTrace выгружает трейс завершённого потока в объектное
// хранилище и удаляет строки из БД. Любой сбой некритичен: трейс
// просто остаётся в БД.
func (o *Orchestrator) archiveTrace(ctx context.Context, thread *domain.ThreadExecution) {
	if o.archive == nil || o.traces == nil {
		return
	}

	events, err := o.traces.ListByThread(ctx, thread.ID)
	if err != nil {
		o.logger.Warn("failed to list trace events", "thread_execution_id", thread.ID, "error", err)
		return
	}
	if len(events) == 0 {
		return
	}

	key, err := o.archive.Archive(ctx, thread.ID, events)
	if err != nil {
		o.logger.Warn("failed to archive trace", "thread_execution_id", thread.ID, "error", err)
		return
	}
	if err := o.executions.SetTraceRef(ctx, thread.ID, key); err != nil {
		o.logger.Warn("failed to set trace ref", "thread_execution_id", thread.ID, "error", err)
		return
	}
	if err := o.traces.DeleteByThread(ctx, thread.ID); err != nil {
		o.logger.Warn("failed to delete archived trace events", "thread_execution_id", thread.ID, "error", err)
		return
	}
	thread.TraceRef = key

	o.logger.Debug("trace archived",
		"thread_execution_id", thread.ID,
		"trace_ref", key,
		"events", len(events),
	)
}

// publishStatus шлёт информационное статусное событие. Сбой не
// влияет на выполнение.
func (o *Orchestrator) publishStatus(ctx context.Context, run *ThreadRun, status domain.ExecutionStatus, execErr *domain.ExecutionError) {
	if o.publisher == nil {
		return
	}

	payload := mq.ExecutionStatusPayload{
		ProcessID: run.ProcessID,
		ThreadID:  run.Thread.ID,
		Status:    status,
	}
	if execErr != nil {
		payload.Error = execErr.Message
	}

	if err := o.publisher.PublishExecutionStatus(ctx, payload); err != nil {
		o.logger.Warn("failed to publish execution.status",
			"process_id", run.ProcessID,
			"thread_execution_id", run.Thread.ID,
			"error", err,
		)
	}
}
