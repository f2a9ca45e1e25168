package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/conveyor/internal/domain"
)

// TraceRepo — репозиторий трейса выполнения: одна строка на попытку
// элемента. Реализует engine.TraceSink.
type TraceRepo struct {
	pool *pgxpool.Pool
}

// NewTraceRepo создаёт новый TraceRepo.
func NewTraceRepo(pool *pgxpool.Pool) *TraceRepo {
	return &TraceRepo{pool: pool}
}

// Record записывает одно событие попытки элемента.
func (r *TraceRepo) Record(ctx context.Context, event *domain.ElementEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	query := `
		INSERT INTO element_events (id, thread_execution_id, element_id, element_key,
		                            element_type, attempt, status, error_kind,
		                            error_message, remote, duration_ms, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.pool.Exec(ctx, query,
		event.ID,
		event.ThreadExecutionID,
		event.ElementID,
		event.ElementKey,
		event.ElementType,
		event.Attempt,
		event.Status,
		nullString(string(event.ErrorKind)),
		nullString(event.ErrorMessage),
		event.Remote,
		event.Duration.Milliseconds(),
		event.At,
	)
	if err != nil {
		return fmt.Errorf("insert element event: %w", err)
	}
	return nil
}

// ListByThread возвращает трейс потока в порядке записи.
func (r *TraceRepo) ListByThread(ctx context.Context, threadExecutionID uuid.UUID) ([]domain.ElementEvent, error) {
	query := `
		SELECT id, thread_execution_id, element_id, element_key, element_type,
		       attempt, status, error_kind, error_message, remote, duration_ms, at
		FROM element_events
		WHERE thread_execution_id = $1
		ORDER BY at ASC, id ASC
	`
	rows, err := r.pool.Query(ctx, query, threadExecutionID)
	if err != nil {
		return nil, fmt.Errorf("list element events: %w", err)
	}
	defer rows.Close()

	var events []domain.ElementEvent
	for rows.Next() {
		var ev domain.ElementEvent
		var errorKind, errorMessage *string
		var durationMs int64

		if err := rows.Scan(
			&ev.ID,
			&ev.ThreadExecutionID,
			&ev.ElementID,
			&ev.ElementKey,
			&ev.ElementType,
			&ev.Attempt,
			&ev.Status,
			&errorKind,
			&errorMessage,
			&ev.Remote,
			&durationMs,
			&ev.At,
		); err != nil {
			return nil, fmt.Errorf("scan element event: %w", err)
		}

		if errorKind != nil {
			ev.ErrorKind = domain.ErrorKind(*errorKind)
		}
		if errorMessage != nil {
			ev.ErrorMessage = *errorMessage
		}
		ev.Duration = time.Duration(durationMs) * time.Millisecond

		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteByThread удаляет трейс потока. Вызывается оркестратором после
// успешной выгрузки архива в объектное хранилище.
func (r *TraceRepo) DeleteByThread(ctx context.Context, threadExecutionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM element_events WHERE thread_execution_id = $1
	`, threadExecutionID)
	if err != nil {
		return fmt.Errorf("delete element events: %w", err)
	}
	return nil
}
