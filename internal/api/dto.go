package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/conveyor/internal/domain"
)

// Definition DTOs

// CreateDefinitionRequest — запрос на создание definition.
type CreateDefinitionRequest struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// DefinitionResponse — ответ с definition.
type DefinitionResponse struct {
	ID        uuid.UUID `json:"id"`
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// DefinitionFromDomain конвертирует domain.Definition в DefinitionResponse.
func DefinitionFromDomain(d domain.Definition) DefinitionResponse {
	return DefinitionResponse{
		ID:        d.ID,
		Key:       d.Key,
		Name:      d.Name,
		IsActive:  d.IsActive,
		CreatedAt: d.CreatedAt,
	}
}

// Version DTOs

// PushVersionRequest — запрос на публикацию новой версии графа.
type PushVersionRequest struct {
	Graph domain.ThreadDefinition `json:"graph"`
}

// VersionResponse — ответ с версией definition.
type VersionResponse struct {
	ID           uuid.UUID               `json:"id"`
	DefinitionID uuid.UUID               `json:"definition_id"`
	Version      int                     `json:"version"`
	Graph        domain.ThreadDefinition `json:"graph"`
	CreatedAt    time.Time               `json:"created_at"`
}

// VersionFromDomain конвертирует domain.DefinitionVersion в VersionResponse.
func VersionFromDomain(v domain.DefinitionVersion) VersionResponse {
	return VersionResponse{
		ID:           v.ID,
		DefinitionID: v.DefinitionID,
		Version:      v.Version,
		Graph:        v.Graph,
		CreatedAt:    v.CreatedAt,
	}
}

// Execution DTOs

// StartExecutionRequest — запрос на запуск выполнения.
//
// VersionID закрепляет конкретную версию графа; без него берётся
// последняя. Source принимает только "api" и "cli".
type StartExecutionRequest struct {
	Inputs         map[string]any `json:"inputs,omitempty"`
	VersionID      *uuid.UUID     `json:"version_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	TenantID       uuid.UUID      `json:"tenant_id,omitempty"`
	UserID         uuid.UUID      `json:"user_id,omitempty"`
	Source         string         `json:"source,omitempty"`
}

// ProcessResponse — ответ с process execution.
type ProcessResponse struct {
	ID             uuid.UUID      `json:"id"`
	DefinitionID   uuid.UUID      `json:"definition_id"`
	VersionID      uuid.UUID      `json:"version_id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	UserID         uuid.UUID      `json:"user_id,omitempty"`
	Source         string         `json:"source,omitempty"`
	Status         string         `json:"status"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ProcessFromDomain конвертирует domain.ProcessExecution в ProcessResponse.
func ProcessFromDomain(p domain.ProcessExecution) ProcessResponse {
	return ProcessResponse{
		ID:             p.ID,
		DefinitionID:   p.DefinitionID,
		VersionID:      p.VersionID,
		TenantID:       p.Session.TenantID,
		UserID:         p.Session.UserID,
		Source:         p.Session.Source,
		Status:         string(p.Status),
		Inputs:         p.Inputs,
		IdempotencyKey: p.IdempotencyKey,
		StartedAt:      p.StartedAt,
		FinishedAt:     p.FinishedAt,
		CreatedAt:      p.CreatedAt,
	}
}

// ThreadResponse — ответ с thread execution.
type ThreadResponse struct {
	ID             uuid.UUID              `json:"id"`
	ProcessID      uuid.UUID              `json:"process_id"`
	VersionID      uuid.UUID              `json:"version_id"`
	ParentThreadID *uuid.UUID             `json:"parent_thread_id,omitempty"`
	Status         string                 `json:"status"`
	CompletedCount int                    `json:"completed_count"`
	FailedCount    int                    `json:"failed_count"`
	SkippedCount   int                    `json:"skipped_count"`
	Error          *domain.ExecutionError `json:"error,omitempty"`
	TraceRef       string                 `json:"trace_ref,omitempty"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	FinishedAt     *time.Time             `json:"finished_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// ThreadFromDomain конвертирует domain.ThreadExecution в ThreadResponse.
func ThreadFromDomain(t domain.ThreadExecution) ThreadResponse {
	return ThreadResponse{
		ID:             t.ID,
		ProcessID:      t.ProcessID,
		VersionID:      t.VersionID,
		ParentThreadID: t.ParentThreadID,
		Status:         string(t.Status),
		CompletedCount: t.CompletedCount,
		FailedCount:    t.FailedCount,
		SkippedCount:   t.SkippedCount,
		Error:          t.Error,
		TraceRef:       t.TraceRef,
		StartedAt:      t.StartedAt,
		FinishedAt:     t.FinishedAt,
		CreatedAt:      t.CreatedAt,
	}
}

// ExecutionDetailResponse — выполнение вместе с его потоками:
// главным и дочерними subflow.
type ExecutionDetailResponse struct {
	Process ProcessResponse  `json:"process"`
	Threads []ThreadResponse `json:"threads"`
}

// ControlAcceptedResponse — подтверждение принятого control-запроса.
// Сигнал опубликован; фактический переход статуса асинхронный.
type ControlAcceptedResponse struct {
	ProcessID         uuid.UUID  `json:"process_id"`
	ThreadExecutionID *uuid.UUID `json:"thread_execution_id,omitempty"`
	Action            string     `json:"action"`
}

// Trace DTOs

// TraceEventResponse — одна запись трейса выполнения.
type TraceEventResponse struct {
	ID                uuid.UUID `json:"id"`
	ThreadExecutionID uuid.UUID `json:"thread_execution_id"`
	ElementID         uuid.UUID `json:"element_id"`
	ElementKey        string    `json:"element_key"`
	ElementType       string    `json:"element_type"`
	Attempt           int       `json:"attempt"`
	Status            string    `json:"status"`
	ErrorKind         string    `json:"error_kind,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	Remote            bool      `json:"remote,omitempty"`
	DurationMs        int64     `json:"duration_ms,omitempty"`
	At                time.Time `json:"at"`
}

// TraceEventFromDomain конвертирует domain.ElementEvent в TraceEventResponse.
func TraceEventFromDomain(e domain.ElementEvent) TraceEventResponse {
	return TraceEventResponse{
		ID:                e.ID,
		ThreadExecutionID: e.ThreadExecutionID,
		ElementID:         e.ElementID,
		ElementKey:        e.ElementKey,
		ElementType:       e.ElementType,
		Attempt:           e.Attempt,
		Status:            string(e.Status),
		ErrorKind:         string(e.ErrorKind),
		ErrorMessage:      e.ErrorMessage,
		Remote:            e.Remote,
		DurationMs:        e.Duration.Milliseconds(),
		At:                e.At,
	}
}

// Schedule DTOs

// CreateScheduleRequest — запрос на создание schedule.
type CreateScheduleRequest struct {
	Name        string         `json:"name"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Enabled     bool           `json:"enabled"`
	Inputs      map[string]any `json:"inputs,omitempty"`
}

// UpdateScheduleRequest — запрос на обновление schedule.
type UpdateScheduleRequest struct {
	Name        *string         `json:"name,omitempty"`
	CronExpr    *string         `json:"cron_expr,omitempty"`
	IntervalSec *int            `json:"interval_sec,omitempty"`
	Timezone    *string         `json:"timezone,omitempty"`
	Inputs      *map[string]any `json:"inputs,omitempty"`
}

// SetEnabledRequest — запрос на включение/выключение.
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// ScheduleResponse — ответ с schedule.
type ScheduleResponse struct {
	ID            uuid.UUID      `json:"id"`
	DefinitionID  uuid.UUID      `json:"definition_id"`
	Name          string         `json:"name"`
	CronExpr      string         `json:"cron_expr,omitempty"`
	IntervalSec   int            `json:"interval_sec,omitempty"`
	Timezone      string         `json:"timezone"`
	Enabled       bool           `json:"enabled"`
	NextDueAt     *time.Time     `json:"next_due_at,omitempty"`
	LastRunAt     *time.Time     `json:"last_run_at,omitempty"`
	LastProcessID *uuid.UUID     `json:"last_process_id,omitempty"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ScheduleFromDomain конвертирует domain.Schedule в ScheduleResponse.
func ScheduleFromDomain(s *domain.Schedule) ScheduleResponse {
	if s == nil {
		return ScheduleResponse{}
	}
	return ScheduleResponse{
		ID:            s.ID,
		DefinitionID:  s.DefinitionID,
		Name:          s.Name,
		CronExpr:      s.CronExpr,
		IntervalSec:   s.IntervalSec,
		Timezone:      s.Timezone,
		Enabled:       s.Enabled,
		NextDueAt:     s.NextDueAt,
		LastRunAt:     s.LastRunAt,
		LastProcessID: s.LastProcessID,
		Inputs:        s.Inputs,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}
