package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// DefinitionResponse — definition из API.
type DefinitionResponse struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	Name      string `json:"name"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at"`
}

// VersionResponse — версия definition из API.
type VersionResponse struct {
	ID           string          `json:"id"`
	DefinitionID string          `json:"definition_id"`
	Version      int             `json:"version"`
	Graph        json.RawMessage `json:"graph"`
	CreatedAt    string          `json:"created_at"`
}

// ProcessResponse — process execution из API.
type ProcessResponse struct {
	ID             string         `json:"id"`
	DefinitionID   string         `json:"definition_id"`
	VersionID      string         `json:"version_id"`
	TenantID       string         `json:"tenant_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	Source         string         `json:"source,omitempty"`
	Status         string         `json:"status"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	StartedAt      string         `json:"started_at,omitempty"`
	FinishedAt     string         `json:"finished_at,omitempty"`
	CreatedAt      string         `json:"created_at"`
}

// ExecError — ошибка потока из API.
type ExecError struct {
	ElementKey string `json:"element_key,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ThreadResponse — thread execution из API.
type ThreadResponse struct {
	ID             string     `json:"id"`
	ProcessID      string     `json:"process_id"`
	VersionID      string     `json:"version_id"`
	ParentThreadID string     `json:"parent_thread_id,omitempty"`
	Status         string     `json:"status"`
	CompletedCount int        `json:"completed_count"`
	FailedCount    int        `json:"failed_count"`
	SkippedCount   int        `json:"skipped_count"`
	Error          *ExecError `json:"error,omitempty"`
	TraceRef       string     `json:"trace_ref,omitempty"`
	StartedAt      string     `json:"started_at,omitempty"`
	FinishedAt     string     `json:"finished_at,omitempty"`
	CreatedAt      string     `json:"created_at"`
}

// ExecutionDetailResponse — выполнение вместе с потоками.
type ExecutionDetailResponse struct {
	Process ProcessResponse  `json:"process"`
	Threads []ThreadResponse `json:"threads"`
}

// ControlResponse — ответ на pause/resume/cancel. Асинхронный путь
// заполняет Action, синхронная отмена PENDING — ID и Status.
type ControlResponse struct {
	ID                string `json:"id,omitempty"`
	ProcessID         string `json:"process_id,omitempty"`
	ThreadExecutionID string `json:"thread_execution_id,omitempty"`
	Action            string `json:"action,omitempty"`
	Status            string `json:"status,omitempty"`
}

// TraceEventResponse — запись трейса из API.
type TraceEventResponse struct {
	ID                string `json:"id"`
	ThreadExecutionID string `json:"thread_execution_id"`
	ElementID         string `json:"element_id"`
	ElementKey        string `json:"element_key"`
	ElementType       string `json:"element_type"`
	Attempt           int    `json:"attempt"`
	Status            string `json:"status"`
	ErrorKind         string `json:"error_kind,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
	Remote            bool   `json:"remote,omitempty"`
	DurationMs        int64  `json:"duration_ms,omitempty"`
	At                string `json:"at"`
}

// ScheduleResponse — schedule из API.
type ScheduleResponse struct {
	ID            string         `json:"id"`
	DefinitionID  string         `json:"definition_id"`
	Name          string         `json:"name"`
	CronExpr      string         `json:"cron_expr,omitempty"`
	IntervalSec   int            `json:"interval_sec,omitempty"`
	Timezone      string         `json:"timezone"`
	Enabled       bool           `json:"enabled"`
	NextDueAt     string         `json:"next_due_at,omitempty"`
	LastRunAt     string         `json:"last_run_at,omitempty"`
	LastProcessID string         `json:"last_process_id,omitempty"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

// --- Request types ---

// CreateDefinitionRequest — создание definition.
type CreateDefinitionRequest struct {
	Key  string `json:"key"`
	Name string `json:"name,omitempty"`
}

// StartExecutionRequest — запуск выполнения.
type StartExecutionRequest struct {
	Inputs         map[string]any `json:"inputs,omitempty"`
	VersionID      string         `json:"version_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	TenantID       string         `json:"tenant_id,omitempty"`
	Source         string         `json:"source,omitempty"`
}

// CreateScheduleRequest — создание schedule.
type CreateScheduleRequest struct {
	Name        string         `json:"name"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Enabled     bool           `json:"enabled"`
	Inputs      map[string]any `json:"inputs,omitempty"`
}

// UpdateScheduleRequest — обновление schedule.
type UpdateScheduleRequest struct {
	Name        *string `json:"name,omitempty"`
	CronExpr    *string `json:"cron_expr,omitempty"`
	IntervalSec *int    `json:"interval_sec,omitempty"`
	Timezone    *string `json:"timezone,omitempty"`
}

// ListExecutionsOpts — параметры фильтрации executions.
type ListExecutionsOpts struct {
	DefinitionID string
	Status       string
	Limit        int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError — ошибка, возвращённая API в конверте error.
// Код позволяет командам ветвиться (например, push создаёт definition
// при NOT_FOUND) без разбора текста сообщения.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsNotFound сообщает, что API ответил 404 с кодом NOT_FOUND.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "NOT_FOUND"
}

// --- Client ---

// Client — HTTP-клиент для Conveyor API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Definitions ---

// ListDefinitions возвращает все definitions.
func (c *Client) ListDefinitions() ([]DefinitionResponse, error) {
	var defs []DefinitionResponse
	err := c.list("/api/v1/definitions", nil, &defs)
	return defs, err
}

// CreateDefinition создаёт новый definition.
func (c *Client) CreateDefinition(key, name string) (*DefinitionResponse, error) {
	var def DefinitionResponse
	err := c.post("/api/v1/definitions", CreateDefinitionRequest{Key: key, Name: name}, &def)
	return &def, err
}

// GetDefinition возвращает definition по UUID или key.
func (c *Client) GetDefinition(ref string) (*DefinitionResponse, error) {
	var def DefinitionResponse
	err := c.get("/api/v1/definitions/"+url.PathEscape(ref), &def)
	return &def, err
}

// ActivateDefinition активирует definition.
func (c *Client) ActivateDefinition(ref string) (*DefinitionResponse, error) {
	var def DefinitionResponse
	err := c.post("/api/v1/definitions/"+url.PathEscape(ref)+"/activate", nil, &def)
	return &def, err
}

// DeactivateDefinition деактивирует definition.
func (c *Client) DeactivateDefinition(ref string) (*DefinitionResponse, error) {
	var def DefinitionResponse
	err := c.post("/api/v1/definitions/"+url.PathEscape(ref)+"/deactivate", nil, &def)
	return &def, err
}

// DeleteDefinition удаляет definition.
func (c *Client) DeleteDefinition(ref string) error {
	return c.delete("/api/v1/definitions/" + url.PathEscape(ref))
}

// ListVersions возвращает версии definition.
func (c *Client) ListVersions(ref string) ([]VersionResponse, error) {
	var versions []VersionResponse
	err := c.list("/api/v1/definitions/"+url.PathEscape(ref)+"/versions", nil, &versions)
	return versions, err
}

// GetVersion возвращает версию по номеру или "latest".
func (c *Client) GetVersion(ref, version string) (*VersionResponse, error) {
	var v VersionResponse
	err := c.get("/api/v1/definitions/"+url.PathEscape(ref)+"/versions/"+url.PathEscape(version), &v)
	return &v, err
}

// PushVersion публикует новую версию графа.
func (c *Client) PushVersion(ref string, graph json.RawMessage) (*VersionResponse, error) {
	body := map[string]json.RawMessage{"graph": graph}
	var version VersionResponse
	err := c.post("/api/v1/definitions/"+url.PathEscape(ref)+"/versions", body, &version)
	return &version, err
}

// --- Executions ---

// StartExecution запускает выполнение definition.
func (c *Client) StartExecution(ref string, req StartExecutionRequest) (*ProcessResponse, error) {
	var proc ProcessResponse
	err := c.post("/api/v1/definitions/"+url.PathEscape(ref)+"/executions", req, &proc)
	return &proc, err
}

// ListExecutions возвращает список executions с фильтрацией.
func (c *Client) ListExecutions(opts ListExecutionsOpts) ([]ProcessResponse, error) {
	params := url.Values{}
	if opts.DefinitionID != "" {
		params.Set("definition_id", opts.DefinitionID)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}

	var procs []ProcessResponse
	err := c.list("/api/v1/executions", params, &procs)
	return procs, err
}

// GetExecution возвращает выполнение вместе с потоками.
func (c *Client) GetExecution(id string) (*ExecutionDetailResponse, error) {
	var detail ExecutionDetailResponse
	err := c.get("/api/v1/executions/"+url.PathEscape(id), &detail)
	return &detail, err
}

// PauseExecution запрашивает паузу выполнения.
func (c *Client) PauseExecution(id string) (*ControlResponse, error) {
	var resp ControlResponse
	err := c.post("/api/v1/executions/"+url.PathEscape(id)+"/pause", nil, &resp)
	return &resp, err
}

// ResumeExecution возобновляет приостановленное выполнение.
func (c *Client) ResumeExecution(id string) (*ControlResponse, error) {
	var resp ControlResponse
	err := c.post("/api/v1/executions/"+url.PathEscape(id)+"/resume", nil, &resp)
	return &resp, err
}

// CancelExecution отменяет выполнение.
func (c *Client) CancelExecution(id string) (*ControlResponse, error) {
	var resp ControlResponse
	err := c.post("/api/v1/executions/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return &resp, err
}

// GetTrace возвращает трейс выполнения.
func (c *Client) GetTrace(id string) ([]TraceEventResponse, error) {
	var events []TraceEventResponse
	err := c.list("/api/v1/executions/"+url.PathEscape(id)+"/trace", nil, &events)
	return events, err
}

// --- Schedules ---

// ListSchedules возвращает schedules. Если definitionID не пустой — фильтрует.
func (c *Client) ListSchedules(definitionID string) ([]ScheduleResponse, error) {
	params := url.Values{}
	if definitionID != "" {
		params.Set("definition_id", definitionID)
	}

	var schedules []ScheduleResponse
	err := c.list("/api/v1/schedules", params, &schedules)
	return schedules, err
}

// CreateSchedule создаёт schedule для definition.
func (c *Client) CreateSchedule(ref string, req CreateScheduleRequest) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.post("/api/v1/definitions/"+url.PathEscape(ref)+"/schedules", req, &schedule)
	return &schedule, err
}

// GetSchedule возвращает schedule по ID.
func (c *Client) GetSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.get("/api/v1/schedules/"+url.PathEscape(id), &schedule)
	return &schedule, err
}

// UpdateSchedule обновляет schedule.
func (c *Client) UpdateSchedule(id string, req UpdateScheduleRequest) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.put("/api/v1/schedules/"+url.PathEscape(id), req, &schedule)
	return &schedule, err
}

// DeleteSchedule удаляет schedule.
func (c *Client) DeleteSchedule(id string) error {
	return c.delete("/api/v1/schedules/" + url.PathEscape(id))
}

// EnableSchedule включает schedule.
func (c *Client) EnableSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	body := map[string]bool{"enabled": true}
	err := c.put("/api/v1/schedules/"+url.PathEscape(id)+"/enabled", body, &schedule)
	return &schedule, err
}

// DisableSchedule выключает schedule.
func (c *Client) DisableSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	body := map[string]bool{"enabled": false}
	err := c.put("/api/v1/schedules/"+url.PathEscape(id)+"/enabled", body, &schedule)
	return &schedule, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return &APIError{
		Status:  resp.StatusCode,
		Code:    er.Error.Code,
		Message: er.Error.Message,
	}
}
