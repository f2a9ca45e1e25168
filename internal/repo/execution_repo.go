package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/conveyor/internal/domain"
)

// ExecutionRepo — репозиторий для работы с process_executions
// и thread_executions.
//
// Процесс — агрегирующая запись; потоки (главный и дочерние subflow)
// ссылаются на него через process_id.
type ExecutionRepo struct {
	pool *pgxpool.Pool
}

// NewExecutionRepo создаёт новый ExecutionRepo.
func NewExecutionRepo(pool *pgxpool.Pool) *ExecutionRepo {
	return &ExecutionRepo{pool: pool}
}

// --- ProcessExecution ---

// CreateProcess создаёт новый process execution. Возвращает
// ErrAlreadyExists при гонке по ключу идемпотентности: вызывающий
// перечитывает существующий процесс через GetProcessByIdempotencyKey.
func (r *ExecutionRepo) CreateProcess(ctx context.Context, p *domain.ProcessExecution) error {
	inputsJSON, err := json.Marshal(p.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}

	query := `
		INSERT INTO process_executions (id, definition_id, version_id, tenant_id,
		                                user_id, source, status, inputs,
		                                idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.pool.Exec(ctx, query,
		p.ID,
		p.DefinitionID,
		p.VersionID,
		p.Session.TenantID,
		nullUUIDValue(p.Session.UserID),
		nullString(p.Session.Source),
		p.Status,
		inputsJSON,
		nullString(p.IdempotencyKey),
		p.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrUniqueViolation {
			return fmt.Errorf("%w: idempotency key %q", ErrAlreadyExists, p.IdempotencyKey)
		}
		return fmt.Errorf("insert process execution: %w", err)
	}
	return nil
}

// GetProcess возвращает process execution по ID.
func (r *ExecutionRepo) GetProcess(ctx context.Context, id uuid.UUID) (*domain.ProcessExecution, error) {
	query := processSelect + `WHERE id = $1`
	return r.scanProcess(r.pool.QueryRow(ctx, query, id))
}

// GetProcessByIdempotencyKey возвращает process execution по ключу
// идемпотентности.
func (r *ExecutionRepo) GetProcessByIdempotencyKey(ctx context.Context, definitionID uuid.UUID, key string) (*domain.ProcessExecution, error) {
	query := processSelect + `WHERE definition_id = $1 AND idempotency_key = $2`
	return r.scanProcess(r.pool.QueryRow(ctx, query, definitionID, key))
}

// ListProcesses возвращает список process executions с фильтрацией.
func (r *ExecutionRepo) ListProcesses(ctx context.Context, filter ProcessFilter) ([]domain.ProcessExecution, error) {
	query := processSelect + `
		WHERE ($1::uuid IS NULL OR definition_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query,
		nullUUID(filter.DefinitionID),
		nullString(string(filter.Status)),
		filter.Limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list process executions: %w", err)
	}
	defer rows.Close()

	var procs []domain.ProcessExecution
	for rows.Next() {
		p, err := r.scanProcess(rows)
		if err != nil {
			return nil, err
		}
		procs = append(procs, *p)
	}
	return procs, rows.Err()
}

// ListPendingProcesses возвращает process executions в статусе PENDING.
// Фолбэк для оркестратора на случай потери MQ-сообщения.
func (r *ExecutionRepo) ListPendingProcesses(ctx context.Context, limit int) ([]domain.ProcessExecution, error) {
	query := processSelect + `
		WHERE status = 'PENDING'
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending process executions: %w", err)
	}
	defer rows.Close()

	var procs []domain.ProcessExecution
	for rows.Next() {
		p, err := r.scanProcess(rows)
		if err != nil {
			return nil, err
		}
		procs = append(procs, *p)
	}
	return procs, rows.Err()
}

// UpdateProcess обновляет статус и времена process execution.
func (r *ExecutionRepo) UpdateProcess(ctx context.Context, p *domain.ProcessExecution) error {
	query := `
		UPDATE process_executions
		SET status = $2, started_at = $3, finished_at = $4
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		p.ID,
		p.Status,
		p.StartedAt,
		p.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update process execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimPending атомарно переводит PENDING-процесс в RUNNING.
// Возвращает ErrInvalidState, если процесс уже подхвачен другим
// оркестратором или не в PENDING.
func (r *ExecutionRepo) ClaimPending(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE process_executions
		SET status = 'RUNNING', started_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`, id)
	if err != nil {
		return fmt.Errorf("claim process execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// CancelPending атомарно отменяет PENDING-процесс, ещё не подхваченный
// оркестратором. Возвращает ErrInvalidState, если процесс уже захвачен:
// тогда отмена идёт через control-сигнал его потокам.
func (r *ExecutionRepo) CancelPending(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE process_executions
		SET status = 'CANCELLED', finished_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`, id)
	if err != nil {
		return fmt.Errorf("cancel pending process execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// --- ThreadExecution ---

// CreateThread создаёт новый thread execution.
func (r *ExecutionRepo) CreateThread(ctx context.Context, t *domain.ThreadExecution) error {
	errJSON, err := marshalExecError(t.Error)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO thread_executions (id, process_id, version_id, parent_thread_id,
		                               status, completed_count, failed_count,
		                               skipped_count, error, trace_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.pool.Exec(ctx, query,
		t.ID,
		t.ProcessID,
		t.VersionID,
		t.ParentThreadID,
		t.Status,
		t.CompletedCount,
		t.FailedCount,
		t.SkippedCount,
		errJSON,
		nullString(t.TraceRef),
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert thread execution: %w", err)
	}
	return nil
}

// GetThread возвращает thread execution по ID.
func (r *ExecutionRepo) GetThread(ctx context.Context, id uuid.UUID) (*domain.ThreadExecution, error) {
	query := threadSelect + `WHERE id = $1`
	return r.scanThread(r.pool.QueryRow(ctx, query, id))
}

// ListThreadsByProcess возвращает все потоки процесса
// в порядке создания.
func (r *ExecutionRepo) ListThreadsByProcess(ctx context.Context, processID uuid.UUID) ([]domain.ThreadExecution, error) {
	query := threadSelect + `
		WHERE process_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.pool.Query(ctx, query, processID)
	if err != nil {
		return nil, fmt.Errorf("list threads by process: %w", err)
	}
	defer rows.Close()

	var threads []domain.ThreadExecution
	for rows.Next() {
		t, err := r.scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, *t)
	}
	return threads, rows.Err()
}

// ClaimPausedThread атомарно переводит приостановленный поток в RUNNING.
// Возвращает ErrInvalidState, если поток уже не в статусе PAUSED.
func (r *ExecutionRepo) ClaimPausedThread(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE thread_executions
		SET status = 'RUNNING', started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND status = 'PAUSED'
	`, id)
	if err != nil {
		return fmt.Errorf("claim thread execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// UpdateThread обновляет thread execution.
func (r *ExecutionRepo) UpdateThread(ctx context.Context, t *domain.ThreadExecution) error {
	errJSON, err := marshalExecError(t.Error)
	if err != nil {
		return err
	}

	query := `
		UPDATE thread_executions
		SET status = $2, completed_count = $3, failed_count = $4,
		    skipped_count = $5, error = $6, started_at = $7, finished_at = $8
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		t.ID,
		t.Status,
		t.CompletedCount,
		t.FailedCount,
		t.SkippedCount,
		errJSON,
		t.StartedAt,
		t.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update thread execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTraceRef сохраняет ключ архива трейса на записи потока.
func (r *ExecutionRepo) SetTraceRef(ctx context.Context, threadID uuid.UUID, ref string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE thread_executions SET trace_ref = $2 WHERE id = $1
	`, threadID, ref)
	if err != nil {
		return fmt.Errorf("set trace ref: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Helpers ---

// ProcessFilter — параметры фильтрации process executions.
type ProcessFilter struct {
	DefinitionID *uuid.UUID
	Status       domain.ExecutionStatus
	Limit        int
	Offset       int
}

const processSelect = `
	SELECT id, definition_id, version_id, tenant_id, user_id, source,
	       status, inputs, idempotency_key, started_at, finished_at, created_at
	FROM process_executions
`

const threadSelect = `
	SELECT id, process_id, version_id, parent_thread_id, status,
	       completed_count, failed_count, skipped_count, error, trace_ref,
	       started_at, finished_at, created_at
	FROM thread_executions
`

// scanProcess сканирует одну строку в ProcessExecution.
func (r *ExecutionRepo) scanProcess(row pgx.Row) (*domain.ProcessExecution, error) {
	var p domain.ProcessExecution
	var userID *uuid.UUID
	var source, idempotencyKey *string
	var inputsJSON []byte

	err := row.Scan(
		&p.ID,
		&p.DefinitionID,
		&p.VersionID,
		&p.Session.TenantID,
		&userID,
		&source,
		&p.Status,
		&inputsJSON,
		&idempotencyKey,
		&p.StartedAt,
		&p.FinishedAt,
		&p.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan process execution: %w", err)
	}

	if userID != nil {
		p.Session.UserID = *userID
	}
	if source != nil {
		p.Session.Source = *source
	}
	if idempotencyKey != nil {
		p.IdempotencyKey = *idempotencyKey
	}
	if inputsJSON != nil {
		if err := json.Unmarshal(inputsJSON, &p.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
	}

	return &p, nil
}

// scanThread сканирует одну строку в ThreadExecution.
func (r *ExecutionRepo) scanThread(row pgx.Row) (*domain.ThreadExecution, error) {
	var t domain.ThreadExecution
	var errJSON []byte
	var traceRef *string

	err := row.Scan(
		&t.ID,
		&t.ProcessID,
		&t.VersionID,
		&t.ParentThreadID,
		&t.Status,
		&t.CompletedCount,
		&t.FailedCount,
		&t.SkippedCount,
		&errJSON,
		&traceRef,
		&t.StartedAt,
		&t.FinishedAt,
		&t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread execution: %w", err)
	}

	if errJSON != nil {
		if err := json.Unmarshal(errJSON, &t.Error); err != nil {
			return nil, fmt.Errorf("unmarshal thread error: %w", err)
		}
	}
	if traceRef != nil {
		t.TraceRef = *traceRef
	}

	return &t, nil
}

// marshalExecError сериализует фатальную ошибку потока (nil — NULL).
func marshalExecError(e *domain.ExecutionError) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal thread error: %w", err)
	}
	return data, nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullUUID возвращает nil для пустого UUID.
func nullUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return id
}

// nullUUIDValue возвращает nil для нулевого UUID-значения.
func nullUUIDValue(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
