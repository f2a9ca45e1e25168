package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/repo"
)

// StartExecution запускает новое выполнение definition.
// POST /api/v1/definitions/{id}/executions
func (h *Handler) StartExecution(w http.ResponseWriter, r *http.Request) {
	def := h.resolveDefinition(w, r)
	if def == nil {
		return
	}

	if !def.IsActive {
		InvalidState(w, "definition is not active")
		return
	}

	var req StartExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	source := req.Source
	if source == "" {
		source = "api"
	}
	if source != "api" && source != "cli" {
		BadRequest(w, "source must be \"api\" or \"cli\"")
		return
	}

	// Закрепляем версию: явно запрошенную или последнюю.
	var version *domain.DefinitionVersion
	if req.VersionID != nil {
		v, err := h.definitions.GetVersion(r.Context(), *req.VersionID)
		if HandleRepoError(w, h.logger, err, "definition version not found") {
			return
		}
		if v.DefinitionID != def.ID {
			BadRequest(w, "version belongs to another definition")
			return
		}
		version = v
	} else {
		v, err := h.definitions.GetLatestVersion(r.Context(), def.ID)
		if HandleRepoError(w, h.logger, err, "definition has no versions") {
			return
		}
		version = v
	}

	// Повторный запрос с тем же ключом идемпотентности возвращает
	// существующий процесс.
	if req.IdempotencyKey != "" {
		existing, err := h.executions.GetProcessByIdempotencyKey(r.Context(), def.ID, req.IdempotencyKey)
		if err == nil && existing != nil {
			Success(w, ProcessFromDomain(*existing))
			return
		}
	}

	proc := &domain.ProcessExecution{
		ID:           uuid.New(),
		DefinitionID: def.ID,
		VersionID:    version.ID,
		Session: domain.Session{
			TenantID: req.TenantID,
			UserID:   req.UserID,
			Source:   source,
		},
		Status:         domain.StatusPending,
		Inputs:         req.Inputs,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now(),
	}

	if err := h.executions.CreateProcess(r.Context(), proc); err != nil {
		// Гонка двух одинаковых запросов: вставку выиграл другой.
		if errors.Is(err, repo.ErrAlreadyExists) && req.IdempotencyKey != "" {
			existing, getErr := h.executions.GetProcessByIdempotencyKey(r.Context(), def.ID, req.IdempotencyKey)
			if getErr == nil {
				Success(w, ProcessFromDomain(*existing))
				return
			}
		}
		InternalError(w, h.logger, err)
		return
	}

	if h.publisher != nil {
		if err := h.publisher.PublishExecutionPending(r.Context(), proc.ID); err != nil {
			// Engine заберёт процесс через polling PENDING.
			h.logger.Warn("failed to publish execution.pending",
				"process_id", proc.ID,
				"error", err,
			)
		}
	}

	Created(w, ProcessFromDomain(*proc))
}

// ListExecutions возвращает список выполнений с фильтрацией.
// GET /api/v1/executions?definition_id=...&status=...&limit=...&offset=...
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := repo.ProcessFilter{Limit: 50}

	if defIDStr := r.URL.Query().Get("definition_id"); defIDStr != "" {
		defID, err := uuid.Parse(defIDStr)
		if err != nil {
			BadRequest(w, "invalid definition_id")
			return
		}
		filter.DefinitionID = &defID
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = domain.ExecutionStatus(status)
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		filter.Limit = parseIntOr(limitStr, 50)
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		filter.Offset = parseIntOr(offsetStr, 0)
	}

	procs, err := h.executions.ListProcesses(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]ProcessResponse, len(procs))
	for i, p := range procs {
		result[i] = ProcessFromDomain(p)
	}

	List(w, result, len(result))
}

// GetExecution возвращает выполнение вместе с его потоками.
// GET /api/v1/executions/{id}
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	proc, threads, ok := h.loadExecution(w, r)
	if !ok {
		return
	}

	detail := ExecutionDetailResponse{Process: ProcessFromDomain(*proc)}
	detail.Threads = make([]ThreadResponse, len(threads))
	for i, t := range threads {
		detail.Threads[i] = ThreadFromDomain(t)
	}

	Success(w, detail)
}

// PauseExecution запрашивает паузу выполнения.
//
// Сигнал адресуется главному потоку: дочерние subflow-потоки атомарны
// с точки зрения родителя и на паузу не ставятся. Пауза вступает
// в силу на ближайшей границе активации.
// POST /api/v1/executions/{id}/pause
func (h *Handler) PauseExecution(w http.ResponseWriter, r *http.Request) {
	proc, threads, ok := h.loadExecution(w, r)
	if !ok {
		return
	}

	if proc.IsFinished() {
		InvalidState(w, "execution is already finished")
		return
	}

	main := mainThread(threads)
	if main == nil {
		InvalidState(w, "execution has not started yet")
		return
	}
	if main.Status != domain.StatusRunning {
		InvalidState(w, "main thread is "+string(main.Status))
		return
	}

	if err := h.publishControl(r.Context(), main.ID, mq.ControlPause); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	Accepted(w, ControlAcceptedResponse{
		ProcessID:         proc.ID,
		ThreadExecutionID: &main.ID,
		Action:            string(mq.ControlPause),
	})
}

// ResumeExecution возобновляет приостановленное выполнение.
//
// Запрос уходит в очередь resume и потребляется ровно одним
// engine-инстансом; авторитет возобновления — атомарное потребление
// снапшота, поэтому двойной resume безопасен.
// POST /api/v1/executions/{id}/resume
func (h *Handler) ResumeExecution(w http.ResponseWriter, r *http.Request) {
	proc, threads, ok := h.loadExecution(w, r)
	if !ok {
		return
	}

	if proc.IsFinished() {
		InvalidState(w, "execution is already finished")
		return
	}

	main := mainThread(threads)
	if main == nil {
		InvalidState(w, "execution has not started yet")
		return
	}
	if main.Status != domain.StatusPaused {
		InvalidState(w, "main thread is "+string(main.Status))
		return
	}

	if h.publisher == nil {
		InternalError(w, h.logger, errNoPublisher)
		return
	}
	if err := h.publisher.PublishExecutionResume(r.Context(), proc.ID, main.ID); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	Accepted(w, ControlAcceptedResponse{
		ProcessID:         proc.ID,
		ThreadExecutionID: &main.ID,
		Action:            "resume",
	})
}

// CancelExecution отменяет выполнение.
//
// PENDING-процесс отменяется сразу атомарным переходом в БД: потоков
// ещё нет, сигналить некому. Запущенный процесс получает control-сигнал
// на каждый незавершённый поток; отмена дочернего subflow каскадно
// отменяет ожидающего родителя.
// POST /api/v1/executions/{id}/cancel
func (h *Handler) CancelExecution(w http.ResponseWriter, r *http.Request) {
	proc, threads, ok := h.loadExecution(w, r)
	if !ok {
		return
	}

	if proc.IsFinished() {
		InvalidState(w, "execution is already finished")
		return
	}

	if proc.Status == domain.StatusPending {
		err := h.executions.CancelPending(r.Context(), proc.ID)
		if err == nil {
			proc.MarkFinished(domain.StatusCancelled)
			if h.publisher != nil {
				if pubErr := h.publisher.PublishExecutionStatus(r.Context(), mq.ExecutionStatusPayload{
					ProcessID: proc.ID,
					Status:    domain.StatusCancelled,
				}); pubErr != nil {
					h.logger.Warn("failed to publish execution.status",
						"process_id", proc.ID,
						"error", pubErr,
					)
				}
			}
			Success(w, ProcessFromDomain(*proc))
			return
		}
		if !errors.Is(err, repo.ErrInvalidState) {
			InternalError(w, h.logger, err)
			return
		}
		// Процесс захвачен оркестратором между чтением и отменой:
		// перечитываем потоки и идём сигнальным путём.
		threads, err = h.executions.ListThreadsByProcess(r.Context(), proc.ID)
		if err != nil {
			InternalError(w, h.logger, err)
			return
		}
	}

	published := 0
	for i := range threads {
		t := &threads[i]
		if t.Status.IsTerminal() {
			continue
		}
		if err := h.publishControl(r.Context(), t.ID, mq.ControlCancel); err != nil {
			InternalError(w, h.logger, err)
			return
		}
		published++
	}
	if published == 0 {
		InvalidState(w, "execution has no active threads, retry cancel")
		return
	}

	Accepted(w, ControlAcceptedResponse{
		ProcessID: proc.ID,
		Action:    string(mq.ControlCancel),
	})
}

// GetExecutionTrace возвращает трейс выполнения: записи всех потоков
// процесса в хронологическом порядке. Трейсы завершённых потоков,
// выгруженные из БД в объектное хранилище, дочитываются оттуда.
// GET /api/v1/executions/{id}/trace
func (h *Handler) GetExecutionTrace(w http.ResponseWriter, r *http.Request) {
	proc, threads, ok := h.loadExecution(w, r)
	if !ok {
		return
	}

	var events []domain.ElementEvent
	for i := range threads {
		t := &threads[i]
		rows, err := h.traces.ListByThread(r.Context(), t.ID)
		if err != nil {
			InternalError(w, h.logger, err)
			return
		}
		if len(rows) == 0 && t.TraceRef != "" && h.archive != nil {
			archived, fetchErr := h.archive.Fetch(r.Context(), t.TraceRef)
			if fetchErr != nil {
				h.logger.Warn("failed to fetch archived trace",
					"process_id", proc.ID,
					"thread_execution_id", t.ID,
					"trace_ref", t.TraceRef,
					"error", fetchErr,
				)
				continue
			}
			rows = archived
		}
		events = append(events, rows...)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].At.Before(events[j].At)
	})

	result := make([]TraceEventResponse, len(events))
	for i, e := range events {
		result[i] = TraceEventFromDomain(e)
	}

	List(w, result, len(result))
}

var errNoPublisher = errors.New("publisher is not configured")

// loadExecution загружает процесс и его потоки по path-параметру id.
func (h *Handler) loadExecution(w http.ResponseWriter, r *http.Request) (*domain.ProcessExecution, []domain.ThreadExecution, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid execution id")
		return nil, nil, false
	}

	proc, err := h.executions.GetProcess(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "execution not found") {
		return nil, nil, false
	}

	threads, err := h.executions.ListThreadsByProcess(r.Context(), id)
	if err != nil {
		InternalError(w, h.logger, err)
		return nil, nil, false
	}

	return proc, threads, true
}

// mainThread возвращает главный поток процесса.
func mainThread(threads []domain.ThreadExecution) *domain.ThreadExecution {
	for i := range threads {
		if threads[i].ParentThreadID == nil {
			return &threads[i]
		}
	}
	return nil
}

func (h *Handler) publishControl(ctx context.Context, threadID uuid.UUID, action mq.ControlAction) error {
	if h.publisher == nil {
		return errNoPublisher
	}
	return h.publisher.PublishControl(ctx, mq.ControlPayload{
		ThreadID: threadID,
		Action:   action,
	})
}

// parseIntOr парсит строку в int с дефолтным значением.
func parseIntOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
