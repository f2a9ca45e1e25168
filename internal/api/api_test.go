package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/repo"
)

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, nil))
}

// --- Middleware Tests ---

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Chain(mw("first"), mw("second"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	want := []string{"first", "second", "handler"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("middleware order = %v, want %v", order, want)
	}
}

func TestLogging_CapturesStatus(t *testing.T) {
	var buf bytes.Buffer
	handler := Logging(testLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/missing", nil))

	if !strings.Contains(buf.String(), "status=404") {
		t.Errorf("log does not contain actual status: %s", buf.String())
	}
}

func TestRecovery_Returns500(t *testing.T) {
	var buf bytes.Buffer
	handler := Recovery(testLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("panic was not logged: %s", buf.String())
	}
}

// --- Response Tests ---

func TestSuccess_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Success(rec, map[string]string{"key": "orders"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Data["key"] != "orders" {
		t.Errorf("data.key = %q, want orders", resp.Data["key"])
	}
}

func TestAccepted_Status(t *testing.T) {
	rec := httptest.NewRecorder()
	Accepted(rec, ControlAcceptedResponse{ProcessID: uuid.New(), Action: "pause"})

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
}

func TestHandleRepoError_Mapping(t *testing.T) {
	var buf bytes.Buffer
	logger := testLogger(&buf)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   ErrorCode
	}{
		{"not found", repo.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"invalid state", repo.ErrInvalidState, http.StatusUnprocessableEntity, ErrCodeInvalidState},
		{"other", errors.New("db down"), http.StatusInternalServerError, ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			if !HandleRepoError(rec, logger, tt.err, "gone") {
				t.Fatal("HandleRepoError returned false for non-nil error")
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshal error response: %v", err)
			}
			if resp.Error.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", resp.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestHandleRepoError_NilError(t *testing.T) {
	if HandleRepoError(httptest.NewRecorder(), slog.Default(), nil, "") {
		t.Error("HandleRepoError returned true for nil error")
	}
}

// --- DTO Tests ---

func TestProcessFromDomain_FlattensSession(t *testing.T) {
	started := time.Now()
	proc := domain.ProcessExecution{
		ID:           uuid.New(),
		DefinitionID: uuid.New(),
		VersionID:    uuid.New(),
		Session: domain.Session{
			TenantID: uuid.New(),
			UserID:   uuid.New(),
			Source:   "api",
		},
		Status:    domain.StatusRunning,
		Inputs:    map[string]any{"region": "eu"},
		StartedAt: &started,
		CreatedAt: time.Now(),
	}

	resp := ProcessFromDomain(proc)

	if resp.TenantID != proc.Session.TenantID {
		t.Errorf("tenant_id = %s, want %s", resp.TenantID, proc.Session.TenantID)
	}
	if resp.Source != "api" {
		t.Errorf("source = %q, want api", resp.Source)
	}
	if resp.Status != "RUNNING" {
		t.Errorf("status = %q, want RUNNING", resp.Status)
	}
}

func TestTraceEventFromDomain_DurationMs(t *testing.T) {
	event := domain.ElementEvent{
		ID:          uuid.New(),
		ElementKey:  "fetch",
		ElementType: "http",
		Attempt:     2,
		Status:      domain.EventStatusFailed,
		ErrorKind:   domain.KindTransient,
		Duration:    1500 * time.Millisecond,
		At:          time.Now(),
	}

	resp := TraceEventFromDomain(event)

	if resp.DurationMs != 1500 {
		t.Errorf("duration_ms = %d, want 1500", resp.DurationMs)
	}
	if resp.Status != "FAILED" {
		t.Errorf("status = %q, want FAILED", resp.Status)
	}
	if resp.ErrorKind != "TRANSIENT" {
		t.Errorf("error_kind = %q, want TRANSIENT", resp.ErrorKind)
	}
}

// --- Handler Helper Tests ---

func TestMainThread(t *testing.T) {
	parent := uuid.New()
	threads := []domain.ThreadExecution{
		{ID: uuid.New(), ParentThreadID: &parent},
		{ID: uuid.New()},
		{ID: uuid.New(), ParentThreadID: &parent},
	}

	main := mainThread(threads)
	if main == nil {
		t.Fatal("main thread not found")
	}
	if main.ID != threads[1].ID {
		t.Errorf("main thread = %s, want %s", main.ID, threads[1].ID)
	}

	// Все потоки дочерние — главного нет.
	if got := mainThread(threads[:1]); got != nil {
		t.Errorf("mainThread = %v, want nil", got)
	}
}

func TestParseIntOr(t *testing.T) {
	if got := parseIntOr("25", 50); got != 25 {
		t.Errorf("parseIntOr(25) = %d, want 25", got)
	}
	if got := parseIntOr("abc", 50); got != 50 {
		t.Errorf("parseIntOr(abc) = %d, want 50", got)
	}
}

// --- Route Tests ---

func TestRegisterRoutes(t *testing.T) {
	h := NewHandler(Config{Logger: slog.Default()})
	mux := http.NewServeMux()

	// Конфликт паттернов — паника при регистрации.
	h.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want 404", rec.Code)
	}
}
