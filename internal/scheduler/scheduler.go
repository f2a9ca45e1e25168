package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/repo"
	"github.com/shaiso/conveyor/internal/telemetry"
)

// defaultBatchSize — количество schedules за один тик.
const defaultBatchSize = 100

// Scheduler — планировщик, обрабатывающий due schedules.
type Scheduler struct {
	schedules   *repo.ScheduleRepo
	definitions *repo.DefinitionRepo
	executions  *repo.ExecutionRepo
	publisher   *mq.Publisher
	logger      *slog.Logger
	batchSize   int
}

// Config — конфигурация Scheduler.
type Config struct {
	Schedules   *repo.ScheduleRepo
	Definitions *repo.DefinitionRepo
	Executions  *repo.ExecutionRepo
	Publisher   *mq.Publisher
	Logger      *slog.Logger
	BatchSize   int // количество schedules за один тик (default: 100)
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		schedules:   cfg.Schedules,
		definitions: cfg.Definitions,
		executions:  cfg.Executions,
		publisher:   cfg.Publisher,
		logger:      logger,
		batchSize:   batchSize,
	}
}

// Tick выполняет один тик планировщика.
//
// 1. Находит due schedules (enabled=true, next_due_at <= now)
// 2. Для каждого schedule создаёт process execution
// 3. Обновляет next_due_at
// 4. Публикует execution.pending в RabbitMQ
//
// Ошибки одного schedule не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now()

	// 1. Находим due schedules
	schedules, err := s.schedules.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}

	if len(schedules) == 0 {
		return nil
	}

	s.logger.Debug("found due schedules", "count", len(schedules))

	// 2. Обрабатываем каждый schedule
	var processed, created int
	for i := range schedules {
		sched := &schedules[i]

		processCreated, err := s.processSchedule(ctx, sched, now)
		if err != nil {
			s.logger.Error("failed to process schedule",
				"schedule_id", sched.ID,
				"schedule_name", sched.Name,
				"error", err,
			)
			// Продолжаем обработку остальных
			continue
		}

		processed++
		if processCreated {
			created++
		}
	}

	s.logger.Info("scheduler tick completed",
		"due", len(schedules),
		"processed", processed,
		"executions_created", created,
	)

	return nil
}

// processSchedule обрабатывает один schedule.
// Возвращает true, если process execution был создан (не был дубликатом).
func (s *Scheduler) processSchedule(ctx context.Context, sched *domain.Schedule, now time.Time) (bool, error) {
	// 1. Definition должен существовать и быть активным
	def, err := s.definitions.GetByID(ctx, sched.DefinitionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.logger.Warn("definition not found for schedule, skipping",
				"schedule_id", sched.ID,
				"definition_id", sched.DefinitionID,
			)
			// Не возвращаем ошибку — просто пропускаем
			return false, nil
		}
		return false, fmt.Errorf("get definition: %w", err)
	}

	if !def.IsActive {
		// Неактивный definition не запускается; расписание двигается
		// дальше и сработает снова после реактивации.
		s.logger.Debug("definition is inactive, advancing schedule",
			"schedule_id", sched.ID,
			"definition_id", sched.DefinitionID,
		)
		return false, s.advanceSchedule(ctx, sched, now)
	}

	version, err := s.definitions.GetLatestVersion(ctx, sched.DefinitionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.logger.Warn("definition has no versions, skipping schedule",
				"schedule_id", sched.ID,
				"definition_id", sched.DefinitionID,
			)
			return false, nil
		}
		return false, fmt.Errorf("get latest definition version: %w", err)
	}

	// 2. Формируем idempotency key: "{schedule_id}_{next_due_at_unix}"
	// Это гарантирует, что для одного schedule и конкретного времени
	// будет создан только один process execution
	idempKey := fmt.Sprintf("%s_%d", sched.ID, sched.NextDueAt.Unix())

	// 3. Проверяем, не создан ли уже process execution (idempotency)
	existing, err := s.executions.GetProcessByIdempotencyKey(ctx, sched.DefinitionID, idempKey)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return false, fmt.Errorf("check idempotency: %w", err)
	}

	var processCreated bool
	var processID uuid.UUID

	if existing != nil {
		// Process execution уже существует — просто обновляем next_due_at
		s.logger.Debug("process execution already exists (idempotency)",
			"schedule_id", sched.ID,
			"process_id", existing.ID,
			"idempotency_key", idempKey,
		)
		processID = existing.ID
		processCreated = false
	} else {
		// 4. Создаём новый process execution
		proc := &domain.ProcessExecution{
			ID:             uuid.New(),
			DefinitionID:   sched.DefinitionID,
			VersionID:      version.ID,
			Session:        domain.Session{Source: "schedule"},
			Status:         domain.StatusPending,
			Inputs:         sched.Inputs,
			IdempotencyKey: idempKey,
			CreatedAt:      now,
		}

		if err := s.executions.CreateProcess(ctx, proc); err != nil {
			// Гонка по ключу идемпотентности: вставку выиграл другой
			// инстанс, его процесс и есть запуск этого слота.
			if !errors.Is(err, repo.ErrAlreadyExists) {
				return false, fmt.Errorf("create process execution: %w", err)
			}
			winner, getErr := s.executions.GetProcessByIdempotencyKey(ctx, sched.DefinitionID, idempKey)
			if getErr != nil {
				return false, fmt.Errorf("refetch process after idempotency conflict: %w", getErr)
			}
			processID = winner.ID
		} else {
			telemetry.ScheduledProcessesTotal.Inc()
			s.logger.Info("created process execution from schedule",
				"process_id", proc.ID,
				"schedule_id", sched.ID,
				"schedule_name", sched.Name,
				"definition_id", sched.DefinitionID,
				"version", version.Version,
			)
			processID = proc.ID
			processCreated = true
		}
	}

	// 5. Вычисляем следующее время выполнения
	nextDue, err := CalculateNextDue(sched, now)
	if err != nil {
		s.logger.Error("failed to calculate next due",
			"schedule_id", sched.ID,
			"error", err,
		)
		// Schedule некорректный — лучше не трогать next_due_at
		return processCreated, nil
	}

	// 6. Обновляем schedule
	sched.RecordRun(processID, nextDue)
	if err := s.schedules.Update(ctx, sched); err != nil {
		return processCreated, fmt.Errorf("update schedule: %w", err)
	}

	// 7. Публикуем событие в RabbitMQ (если publisher настроен и
	// execution создан)
	if s.publisher != nil && processCreated {
		if err := s.publisher.PublishExecutionPending(ctx, processID); err != nil {
			// Не фатальная ошибка — execution уже создан в БД,
			// Engine заберёт его через polling
			s.logger.Warn("failed to publish execution.pending",
				"process_id", processID,
				"error", err,
			)
		}
	}

	return processCreated, nil
}

// advanceSchedule двигает next_due_at без создания execution.
func (s *Scheduler) advanceSchedule(ctx context.Context, sched *domain.Schedule, now time.Time) error {
	nextDue, err := CalculateNextDue(sched, now)
	if err != nil {
		s.logger.Error("failed to calculate next due",
			"schedule_id", sched.ID,
			"error", err,
		)
		return nil
	}

	sched.NextDueAt = &nextDue
	sched.UpdatedAt = time.Now()

	if err := s.schedules.Update(ctx, sched); err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return nil
}
