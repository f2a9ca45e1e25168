package elements

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
)

// newTestContext собирает контекст попытки со свежей памятью.
func newTestContext(elementType string, config map[string]any) *engine.ElementContext {
	el := &domain.ElementDefinition{
		ID:   uuid.New(),
		Key:  "node",
		Type: elementType,
	}
	proc := engine.NewProcessContext(uuid.New(), domain.Session{TenantID: uuid.New()})
	tctx := engine.NewThreadContext(proc, uuid.New(), uuid.New(), domain.NewMemory(nil))
	ectx := engine.NewElementContext(tctx, el, 1, 0)
	ectx.Config = config
	return ectx
}

// stubEvaluator — вычислитель с заранее заданным ответом.
type stubEvaluator struct {
	boolResult bool
	boolErr    error
}

func (s *stubEvaluator) Evaluate(_ context.Context, expr string, _ *domain.Memory) (any, error) {
	return expr, nil
}

func (s *stubEvaluator) EvaluateBool(_ context.Context, _ string, _ *domain.Memory) (bool, error) {
	return s.boolResult, s.boolErr
}

func (s *stubEvaluator) RenderConfig(_ context.Context, config map[string]any, _ *domain.Memory) (map[string]any, error) {
	return config, nil
}

// --- HTTPCapability ---

func TestHTTPCapability_GET_Success(t *testing.T) {
	// Mock сервер, возвращающий JSON
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Header().Set("X-Custom", "test-value")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"result": "ok"})
	}))
	defer server.Close()

	capability := NewHTTPCapability(nil)
	ectx := newTestContext(TypeHTTP, map[string]any{
		"method": "GET",
		"url":    server.URL,
	})

	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatalf("unexpected execution error: %s", res.ErrorMessage)
	}

	if res.Output["status_code"] != http.StatusOK {
		t.Errorf("expected status 200, got %v", res.Output["status_code"])
	}

	headers, ok := res.Output["headers"].(map[string]string)
	if !ok {
		t.Fatal("headers should be map[string]string")
	}
	if headers["X-Custom"] != "test-value" {
		t.Errorf("expected X-Custom header, got %v", headers["X-Custom"])
	}

	// Body должен быть распарсен как JSON
	body, ok := res.Output["body"].(map[string]any)
	if !ok {
		t.Fatalf("body should be map, got %T", res.Output["body"])
	}
	if body["result"] != "ok" {
		t.Errorf("expected result=ok, got %v", body["result"])
	}
}

func TestHTTPCapability_POST_WithBody(t *testing.T) {
	var receivedBody map[string]any
	var receivedContentType string
	var receivedAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		receivedContentType = r.Header.Get("Content-Type")
		receivedAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&receivedBody)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "123"})
	}))
	defer server.Close()

	capability := NewHTTPCapability(nil)
	ectx := newTestContext(TypeHTTP, map[string]any{
		"method": "POST",
		"url":    server.URL,
		"body":   map[string]any{"name": "test"},
		"headers": map[string]string{
			"Authorization": "Bearer token123",
		},
	})

	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatalf("unexpected execution error: %s", res.ErrorMessage)
	}

	if receivedBody["name"] != "test" {
		t.Errorf("server should receive body, got %v", receivedBody)
	}
	if receivedContentType != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", receivedContentType)
	}
	if receivedAuth != "Bearer token123" {
		t.Errorf("expected Authorization header, got %s", receivedAuth)
	}
	if res.Output["status_code"] != http.StatusCreated {
		t.Errorf("expected status 201, got %v", res.Output["status_code"])
	}
}

func TestHTTPCapability_ErrorStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind domain.ErrorKind
	}{
		{name: "server error is transient", status: http.StatusInternalServerError, wantKind: domain.KindTransient},
		{name: "too many requests is transient", status: http.StatusTooManyRequests, wantKind: domain.KindTransient},
		{name: "request timeout is transient", status: http.StatusRequestTimeout, wantKind: domain.KindTransient},
		{name: "not found is exception", status: http.StatusNotFound, wantKind: domain.KindException},
		{name: "unauthorized is exception", status: http.StatusUnauthorized, wantKind: domain.KindException},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]any{"detail": "boom"})
			}))
			defer server.Close()

			capability := NewHTTPCapability(nil)
			ectx := newTestContext(TypeHTTP, map[string]any{"url": server.URL})

			res, err := capability.Execute(context.Background(), ectx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.OK {
				t.Fatal("expected failed result")
			}
			if res.ErrorKind != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, res.ErrorKind)
			}
			// Ответ сервера сохраняется даже при ошибочном статусе
			if res.Output["status_code"] != tt.status {
				t.Errorf("expected status %d in output, got %v", tt.status, res.Output["status_code"])
			}
		})
	}
}

func TestHTTPCapability_Validate(t *testing.T) {
	capability := NewHTTPCapability(nil)

	ectx := newTestContext(TypeHTTP, map[string]any{"method": "GET"})
	if err := capability.Validate(context.Background(), ectx); err == nil {
		t.Error("expected validation error without url")
	}

	ectx = newTestContext(TypeHTTP, map[string]any{"url": "https://example.com"})
	if err := capability.Validate(context.Background(), ectx); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// --- SetCapability ---

func TestSetCapability(t *testing.T) {
	capability := NewSetCapability()
	ectx := newTestContext(TypeSet, map[string]any{
		"variables": map[string]any{
			"name":  "conveyor",
			"count": 3,
		},
	})

	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatalf("unexpected execution error: %s", res.ErrorMessage)
	}

	// Переменные записаны в память
	if v, _ := ectx.Memory().Variable("name"); v != "conveyor" {
		t.Errorf("expected variable name=conveyor, got %v", v)
	}
	if v, _ := ectx.Memory().Variable("count"); v != 3 {
		t.Errorf("expected variable count=3, got %v", v)
	}
	if res.Output["name"] != "conveyor" {
		t.Errorf("output should echo variables, got %v", res.Output)
	}
}

func TestSetCapability_Validate_Empty(t *testing.T) {
	capability := NewSetCapability()
	ectx := newTestContext(TypeSet, map[string]any{})
	if err := capability.Validate(context.Background(), ectx); err == nil {
		t.Error("expected validation error without variables")
	}
}

// --- IfCapability ---

func TestIfCapability_Ports(t *testing.T) {
	tests := []struct {
		name      string
		condition string
		eval      engine.Evaluator
		wantPort  string
	}{
		{name: "literal true", condition: "true", wantPort: domain.PortTrue},
		{name: "literal false", condition: "false", wantPort: domain.PortFalse},
		{name: "rendered with spaces", condition: "  true  ", wantPort: domain.PortTrue},
		{name: "expression true", condition: "gt .Vars.n 1", eval: &stubEvaluator{boolResult: true}, wantPort: domain.PortTrue},
		{name: "expression false", condition: "gt .Vars.n 1", eval: &stubEvaluator{boolResult: false}, wantPort: domain.PortFalse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capability := NewIfCapability(tt.eval)
			ectx := newTestContext(TypeIf, map[string]any{"condition": tt.condition})

			res, err := capability.Execute(context.Background(), ectx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !res.OK {
				t.Fatalf("unexpected execution error: %s", res.ErrorMessage)
			}
			if res.Port != tt.wantPort {
				t.Errorf("expected port %s, got %s", tt.wantPort, res.Port)
			}
		})
	}
}

func TestIfCapability_EvalError(t *testing.T) {
	// Ошибка вычисления в if фатальна, в отличие от условий на связях
	capability := NewIfCapability(&stubEvaluator{boolErr: errors.New("bad expression")})
	ectx := newTestContext(TypeIf, map[string]any{"condition": "gt .Vars.n"})

	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK {
		t.Fatal("expected failed result")
	}
	if res.ErrorKind != domain.KindValidation {
		t.Errorf("expected VALIDATION, got %s", res.ErrorKind)
	}
}

func TestIfCapability_Validate(t *testing.T) {
	capability := NewIfCapability(nil)
	ectx := newTestContext(TypeIf, map[string]any{})
	if err := capability.Validate(context.Background(), ectx); err == nil {
		t.Error("expected validation error without condition")
	}
}

// --- SwitchCapability ---

func TestSwitchCapability(t *testing.T) {
	cases := []map[string]any{
		{"match": "a", "port": "first"},
		{"match": "b", "port": "second"},
		{"match": "b", "port": "never"}, // первый совпавший выигрывает
	}

	tests := []struct {
		name     string
		value    any
		wantPort string
	}{
		{name: "first case", value: "a", wantPort: "first"},
		{name: "first match wins", value: "b", wantPort: "second"},
		{name: "no match falls to default", value: "z", wantPort: "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capability := NewSwitchCapability()
			ectx := newTestContext(TypeSwitch, map[string]any{
				"value": tt.value,
				"cases": cases,
			})

			res, err := capability.Execute(context.Background(), ectx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Port != tt.wantPort {
				t.Errorf("expected port %s, got %s", tt.wantPort, res.Port)
			}
		})
	}
}

func TestSwitchCapability_NumericComparison(t *testing.T) {
	// "3" и число 3 совпадают в строковой форме
	capability := NewSwitchCapability()
	ectx := newTestContext(TypeSwitch, map[string]any{
		"value": 3,
		"cases": []map[string]any{{"match": "3", "port": "three"}},
	})

	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Port != "three" {
		t.Errorf("expected port three, got %s", res.Port)
	}
}

func TestSwitchCapability_CustomDefaultPort(t *testing.T) {
	capability := NewSwitchCapability()
	ectx := newTestContext(TypeSwitch, map[string]any{
		"value":        "z",
		"cases":        []map[string]any{{"match": "a", "port": "first"}},
		"default_port": "fallback",
	})

	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Port != "fallback" {
		t.Errorf("expected port fallback, got %s", res.Port)
	}
}

func TestSwitchCapability_Validate_MissingPort(t *testing.T) {
	capability := NewSwitchCapability()
	ectx := newTestContext(TypeSwitch, map[string]any{
		"cases": []map[string]any{{"match": "a"}},
	})
	if err := capability.Validate(context.Background(), ectx); err == nil {
		t.Error("expected validation error for case without port")
	}
}

// --- LoopCapability ---

func TestLoopCapability_FirstActivation(t *testing.T) {
	capability := NewLoopCapability()
	ectx := newTestContext(TypeLoop, map[string]any{
		"items": []any{"a", "b", "c"},
	})
	mem := ectx.Memory()
	epochBefore := mem.Epoch

	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatalf("unexpected execution error: %s", res.ErrorMessage)
	}

	frame := mem.TopLoop()
	if frame == nil {
		t.Fatal("loop frame should be pushed")
	}
	if frame.Index != 0 {
		t.Errorf("expected index 0, got %d", frame.Index)
	}
	if frame.Size != 3 {
		t.Errorf("expected size 3, got %d", frame.Size)
	}
	if frame.OwnerID != ectx.Element.ID {
		t.Error("frame owner should be the loop element")
	}

	// Переменные итерации выставлены
	if v, _ := mem.Variable("item"); v != "a" {
		t.Errorf("expected item=a, got %v", v)
	}
	if v, _ := mem.Variable("index"); v != 0 {
		t.Errorf("expected index=0, got %v", v)
	}

	// Новая эпоха открыта, чтобы тело выполнилось заново
	if mem.Epoch != epochBefore+1 {
		t.Errorf("expected epoch bump, got %d -> %d", epochBefore, mem.Epoch)
	}
}

func TestLoopCapability_AdvanceAndExhaust(t *testing.T) {
	capability := NewLoopCapability()
	ectx := newTestContext(TypeLoop, map[string]any{
		"items": []any{"a", "b"},
	})
	mem := ectx.Memory()

	// Три активации: index 0, index 1, исчерпание
	for i := 0; i < 3; i++ {
		if _, err := capability.Execute(context.Background(), ectx); err != nil {
			t.Fatalf("activation %d: unexpected error: %v", i, err)
		}
	}

	frame := mem.TopLoop()
	if frame == nil {
		t.Fatal("frame should still be on the stack, router pops it")
	}
	if !frame.Exhausted() {
		t.Errorf("frame should be exhausted at index %d of %d", frame.Index, frame.Size)
	}
	// Последняя валидная итерация оставила item=b
	if v, _ := mem.Variable("item"); v != "b" {
		t.Errorf("expected item=b after exhaustion, got %v", v)
	}
}

func TestLoopCapability_Count(t *testing.T) {
	capability := NewLoopCapability()
	ectx := newTestContext(TypeLoop, map[string]any{"count": 4})

	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatalf("unexpected execution error: %s", res.ErrorMessage)
	}

	frame := ectx.Memory().TopLoop()
	if frame.Size != 4 {
		t.Errorf("expected size 4, got %d", frame.Size)
	}
	if frame.Item() != 0 {
		t.Errorf("count mode should iterate indexes, got %v", frame.Item())
	}
}

func TestLoopCapability_BreakFlag(t *testing.T) {
	capability := NewLoopCapability()
	ectx := newTestContext(TypeLoop, map[string]any{
		"items": []any{"a", "b", "c"},
	})
	mem := ectx.Memory()

	if _, err := capability.Execute(context.Background(), ectx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Break останавливает продвижение: индекс замирает
	mem.TopLoop().Break = true
	if _, err := capability.Execute(context.Background(), ectx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mem.TopLoop().Index != 0 {
		t.Errorf("break should freeze the index, got %d", mem.TopLoop().Index)
	}
}

func TestLoopCapability_Validate(t *testing.T) {
	capability := NewLoopCapability()

	ectx := newTestContext(TypeLoop, map[string]any{})
	if err := capability.Validate(context.Background(), ectx); err == nil {
		t.Error("expected validation error without items and count")
	}

	ectx = newTestContext(TypeLoop, map[string]any{"items": "not a list"})
	if err := capability.Validate(context.Background(), ectx); err == nil {
		t.Error("expected validation error for non-list items")
	}
}

// --- Break / Continue ---

func TestBreakCapability(t *testing.T) {
	capability := NewBreakCapability()
	ectx := newTestContext(TypeBreak, nil)
	mem := ectx.Memory()
	mem.PushLoop(&domain.LoopFrame{OwnerKey: "outer"})
	mem.PushLoop(&domain.LoopFrame{OwnerKey: "inner"})

	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatalf("unexpected execution error: %s", res.ErrorMessage)
	}

	// Флажок ставится на внутреннем цикле
	if !mem.TopLoop().Break {
		t.Error("break flag should be set on the innermost frame")
	}
	if mem.LoopStack[0].Break {
		t.Error("outer frame should not be touched")
	}
	if res.Output["loop"] != "inner" {
		t.Errorf("expected loop=inner, got %v", res.Output["loop"])
	}
}

func TestContinueCapability(t *testing.T) {
	capability := NewContinueCapability()
	ectx := newTestContext(TypeContinue, nil)
	ectx.Memory().PushLoop(&domain.LoopFrame{OwnerKey: "items"})

	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ectx.Memory().TopLoop().Continue {
		t.Error("continue flag should be set")
	}
	if res.Output["loop"] != "items" {
		t.Errorf("expected loop=items, got %v", res.Output["loop"])
	}
}

func TestLoopControl_OutsideLoop(t *testing.T) {
	// break и continue вне цикла — ошибка валидации
	for _, capability := range []engine.Capability{NewBreakCapability(), NewContinueCapability()} {
		ectx := newTestContext(capability.Type(), nil)

		res, err := capability.Execute(context.Background(), ectx)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", capability.Type(), err)
		}
		if res.OK {
			t.Fatalf("%s: expected failed result outside a loop", capability.Type())
		}
		if res.ErrorKind != domain.KindValidation {
			t.Errorf("%s: expected VALIDATION, got %s", capability.Type(), res.ErrorKind)
		}
	}
}

// --- TryCapability ---

func TestTryCapability_OpenScope(t *testing.T) {
	capability := NewTryCapability()
	ectx := newTestContext(TypeTry, map[string]any{
		"catches": []map[string]any{
			{"kinds": []string{"transient", "TIMEOUT"}, "port": "retry_branch"},
			{"port": "catch_all"},
		},
	})
	mem := ectx.Memory()

	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Port != domain.PortTry {
		t.Errorf("expected port try, got %s", res.Port)
	}

	scope := mem.TopScope()
	if scope == nil {
		t.Fatal("scope should be pushed")
	}
	if scope.Phase != domain.ScopePhaseBody {
		t.Errorf("expected BODY phase, got %s", scope.Phase)
	}
	if len(scope.Catches) != 2 {
		t.Fatalf("expected 2 catch handlers, got %d", len(scope.Catches))
	}
	// Виды нормализуются к верхнему регистру
	if scope.Catches[0].Kinds[0] != domain.KindTransient {
		t.Errorf("expected TRANSIENT, got %s", scope.Catches[0].Kinds[0])
	}
	if scope.HasFinally {
		t.Error("scope without graph should not see a finally branch")
	}
}

func TestTryCapability_CleanClose(t *testing.T) {
	capability := NewTryCapability()
	ectx := newTestContext(TypeTry, nil)
	mem := ectx.Memory()

	// Открытие
	if _, err := capability.Execute(context.Background(), ectx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Тело завершилось чисто, finally не подключён
	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Port != domain.PortDone {
		t.Errorf("expected port done, got %s", res.Port)
	}
	if res.Output["caught"] != false {
		t.Errorf("expected caught=false, got %v", res.Output["caught"])
	}
	if mem.TopScope() != nil {
		t.Error("scope should be popped on clean close")
	}
}

func TestTryCapability_HandledClose(t *testing.T) {
	capability := NewTryCapability()
	ectx := newTestContext(TypeTry, nil)
	mem := ectx.Memory()

	if _, err := capability.Execute(context.Background(), ectx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Роутер перевёл скоуп в обработку исключения
	scope := mem.TopScope()
	scope.Phase = domain.ScopePhaseHandling
	scope.Exception = &domain.ExceptionInfo{Kind: domain.KindTimeout, Message: "slow"}

	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Port != domain.PortDone {
		t.Errorf("expected port done, got %s", res.Port)
	}
	if res.Output["caught"] != true {
		t.Errorf("expected caught=true, got %v", res.Output["caught"])
	}
	if mem.TopScope() != nil {
		t.Error("scope should be popped after handling")
	}
}

func TestTryCapability_FinalizingReRaise(t *testing.T) {
	capability := NewTryCapability()
	ectx := newTestContext(TypeTry, nil)
	mem := ectx.Memory()

	if _, err := capability.Execute(context.Background(), ectx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Неперехваченное исключение дошло до finally
	scope := mem.TopScope()
	scope.Phase = domain.ScopePhaseFinalizing
	scope.Exception = &domain.ExceptionInfo{Kind: domain.KindException, Message: "unmatched"}

	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK {
		t.Fatal("unmatched exception should be re-raised after finally")
	}
	if res.ErrorKind != domain.KindException {
		t.Errorf("expected EXCEPTION, got %s", res.ErrorKind)
	}
	if res.ErrorMessage != "unmatched" {
		t.Errorf("expected original message, got %q", res.ErrorMessage)
	}
	if mem.TopScope() != nil {
		t.Error("scope should be popped on finalizing close")
	}
}

func TestTryCapability_FinallyBranch(t *testing.T) {
	// Граф с подключённым портом finally
	tryID := uuid.New()
	finID := uuid.New()
	def := &domain.ThreadDefinition{
		Elements: []domain.ElementDefinition{
			{ID: tryID, Key: "guard", Type: TypeTry, IsTrigger: true},
			{ID: finID, Key: "cleanup", Type: TypeNoop},
		},
		Connections: []domain.ConnectionDefinition{
			{SourceID: tryID, SourcePort: domain.PortFinally, TargetID: finID},
		},
	}
	g, err := engine.BuildGraph(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	capability := NewTryCapability()
	ectx := newTestContext(TypeTry, nil)
	ectx.Element = g.ByKey("guard")
	ectx.Thread.Graph = g
	mem := ectx.Memory()
	epochBefore := mem.Epoch

	if _, err := capability.Execute(context.Background(), ectx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mem.TopScope().HasFinally {
		t.Fatal("scope should see the finally branch")
	}

	// Чистое закрытие тела уходит в finally, а не в done
	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Port != domain.PortFinally {
		t.Errorf("expected port finally, got %s", res.Port)
	}
	if mem.TopScope() == nil {
		t.Fatal("scope should stay until finalizing close")
	}
	if mem.TopScope().Phase != domain.ScopePhaseFinalizing {
		t.Errorf("expected FINALIZING, got %s", mem.TopScope().Phase)
	}
	// Ветка finally выполняется в новой эпохе
	if mem.Epoch != epochBefore+1 {
		t.Errorf("expected epoch bump for finally, got %d -> %d", epochBefore, mem.Epoch)
	}

	// Закрытие finally без исключения
	res, err = capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Port != domain.PortDone {
		t.Errorf("expected port done, got %s", res.Port)
	}
	if mem.TopScope() != nil {
		t.Error("scope should be popped")
	}
}

func TestTryCapability_Validate_UnknownKind(t *testing.T) {
	capability := NewTryCapability()
	ectx := newTestContext(TypeTry, map[string]any{
		"catches": []map[string]any{{"kinds": []string{"bogus"}, "port": "c"}},
	})
	if err := capability.Validate(context.Background(), ectx); err == nil {
		t.Error("expected validation error for unknown kind")
	}
}

// --- ThrowCapability ---

func TestThrowCapability(t *testing.T) {
	tests := []struct {
		name        string
		config      map[string]any
		wantKind    domain.ErrorKind
		wantMessage string
	}{
		{
			name:        "defaults",
			config:      nil,
			wantKind:    domain.KindException,
			wantMessage: "exception raised",
		},
		{
			name:        "explicit kind and message",
			config:      map[string]any{"kind": "timeout", "message": "gave up"},
			wantKind:    domain.KindTimeout,
			wantMessage: "gave up",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capability := NewThrowCapability()
			ectx := newTestContext(TypeThrow, tt.config)

			res, err := capability.Execute(context.Background(), ectx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.OK {
				t.Fatal("throw should always fail")
			}
			if res.ErrorKind != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, res.ErrorKind)
			}
			if res.ErrorMessage != tt.wantMessage {
				t.Errorf("expected message %q, got %q", tt.wantMessage, res.ErrorMessage)
			}
		})
	}
}

// --- DelayCapability ---

func TestDelayCapability(t *testing.T) {
	capability := NewDelayCapability()
	ectx := newTestContext(TypeDelay, map[string]any{"duration_ms": 10})

	start := time.Now()
	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatalf("unexpected execution error: %s", res.ErrorMessage)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("delay should wait the configured duration")
	}
	if res.Output["delayed_ms"] != int64(10) {
		t.Errorf("expected delayed_ms=10, got %v", res.Output["delayed_ms"])
	}
}

func TestDelayCapability_Cancelled(t *testing.T) {
	capability := NewDelayCapability()
	ectx := newTestContext(TypeDelay, map[string]any{"duration_sec": 60})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := capability.Execute(ctx, ectx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDelayCapability_Validate(t *testing.T) {
	capability := NewDelayCapability()
	ectx := newTestContext(TypeDelay, map[string]any{})
	if err := capability.Validate(context.Background(), ectx); err == nil {
		t.Error("expected validation error without duration")
	}
}

// --- Transform / Trigger / Schedule ---

func TestTransformCapability(t *testing.T) {
	capability := NewTransformCapability()
	ectx := newTestContext(TypeTransform, map[string]any{
		"greeting": "hello",
		"total":    42,
	})

	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Отрендеренная конфигурация и есть выход
	if res.Output["greeting"] != "hello" {
		t.Errorf("expected greeting in output, got %v", res.Output)
	}
	if res.Output["total"] != 42 {
		t.Errorf("expected total in output, got %v", res.Output)
	}
}

func TestTriggerCapability(t *testing.T) {
	capability := NewTriggerCapability()
	ectx := newTestContext(TypeTrigger, nil)
	ectx.Memory().SetVariable("order_id", "ord-1")

	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output["order_id"] != "ord-1" {
		t.Errorf("trigger output should echo inputs, got %v", res.Output)
	}
}

func TestScheduleCapability_Validate(t *testing.T) {
	capability := NewScheduleCapability()

	tests := []struct {
		name    string
		config  map[string]any
		wantErr bool
	}{
		{name: "valid cron", config: map[string]any{"cron": "*/5 * * * *"}, wantErr: false},
		{name: "every_sec", config: map[string]any{"every_sec": 30}, wantErr: false},
		{name: "bad cron", config: map[string]any{"cron": "not a cron"}, wantErr: true},
		{name: "empty", config: map[string]any{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ectx := newTestContext(TypeSchedule, tt.config)
			err := capability.Validate(context.Background(), ectx)
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

// --- SubflowCapability ---

// stubRunner — runner с заранее заданным исходом.
type stubRunner struct {
	result *engine.ThreadResult
	err    error

	gotDefinition string
	gotInputs     map[string]any
}

func (s *stubRunner) RunSubflow(_ context.Context, _ *engine.ThreadContext, definitionKey string, inputs map[string]any) (*engine.ThreadResult, error) {
	s.gotDefinition = definitionKey
	s.gotInputs = inputs
	return s.result, s.err
}

func TestSubflowCapability_Completed(t *testing.T) {
	childID := uuid.New()
	runner := &stubRunner{result: &engine.ThreadResult{
		ThreadID: childID,
		Status:   domain.StatusCompleted,
		Output:   map[string]any{"report": map[string]any{"rows": 10}},
	}}

	capability := NewSubflowCapability(runner)
	ectx := newTestContext(TypeSubflow, map[string]any{
		"definition": "billing-report",
		"inputs":     map[string]any{"month": "2025-01"},
	})

	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatalf("unexpected execution error: %s", res.ErrorMessage)
	}
	if runner.gotDefinition != "billing-report" {
		t.Errorf("expected definition key, got %q", runner.gotDefinition)
	}
	if runner.gotInputs["month"] != "2025-01" {
		t.Errorf("inputs should be passed through, got %v", runner.gotInputs)
	}
	if res.Output["thread_execution_id"] != childID.String() {
		t.Errorf("expected child thread id in output, got %v", res.Output)
	}
}

func TestSubflowCapability_ChildFailed(t *testing.T) {
	runner := &stubRunner{result: &engine.ThreadResult{
		Status: domain.StatusFailed,
		Error:  &domain.ExecutionError{Kind: domain.KindTimeout, Message: "child timed out"},
	}}

	capability := NewSubflowCapability(runner)
	ectx := newTestContext(TypeSubflow, map[string]any{"definition": "slow-child"})

	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK {
		t.Fatal("expected failed result")
	}
	// Kind дочерней ошибки переносится на элемент
	if res.ErrorKind != domain.KindTimeout {
		t.Errorf("expected TIMEOUT, got %s", res.ErrorKind)
	}
	if !strings.Contains(res.ErrorMessage, "child timed out") {
		t.Errorf("expected child message, got %q", res.ErrorMessage)
	}
}

func TestSubflowCapability_DepthLimit(t *testing.T) {
	runner := &stubRunner{result: &engine.ThreadResult{Status: domain.StatusCompleted}}
	capability := NewSubflowCapability(runner)
	ectx := newTestContext(TypeSubflow, map[string]any{"definition": "deep"})
	ectx.Thread.Depth = maxSubflowDepth

	res, err := capability.Execute(context.Background(), ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK {
		t.Fatal("expected failed result at depth limit")
	}
	if res.ErrorKind != domain.KindValidation {
		t.Errorf("expected VALIDATION, got %s", res.ErrorKind)
	}
	if runner.gotDefinition != "" {
		t.Error("runner should not be called at depth limit")
	}
}

func TestSubflowCapability_RunnerError(t *testing.T) {
	runner := &stubRunner{err: fmt.Errorf("definition not found")}
	capability := NewSubflowCapability(runner)
	ectx := newTestContext(TypeSubflow, map[string]any{"definition": "ghost"})

	_, err := capability.Execute(context.Background(), ectx)
	if err == nil {
		t.Fatal("infrastructure error should propagate as error")
	}
}

// --- Registry ---

func TestRegistry_Resolve(t *testing.T) {
	reg := DefaultRegistry(Deps{})

	capability, err := reg.Resolve(TypeHTTP)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if capability.Type() != TypeHTTP {
		t.Errorf("expected http capability, got %s", capability.Type())
	}

	if _, err := reg.Resolve("teleport"); !errors.Is(err, engine.ErrUnknownCapability) {
		t.Errorf("expected ErrUnknownCapability, got %v", err)
	}
}

func TestRegistry_Types(t *testing.T) {
	reg := DefaultRegistry(Deps{})

	for _, typ := range []string{
		TypeTrigger, TypeSchedule, TypeHTTP, TypeDelay, TypeSet, TypeTransform,
		TypeNoop, TypeIf, TypeSwitch, TypeLoop, TypeBreak, TypeContinue,
		TypeTry, TypeThrow, TypeSubflow,
	} {
		if !reg.Has(typ) {
			t.Errorf("default registry should have %s", typ)
		}
	}

	types := reg.Types()
	if len(types) != 15 {
		t.Errorf("expected 15 types, got %d: %v", len(types), types)
	}
}

func TestRestrictedRegistry(t *testing.T) {
	reg := RestrictedRegistry(Deps{})

	// Управляющие элементы и работа с памятью агенту недоступны
	for _, typ := range []string{TypeLoop, TypeBreak, TypeContinue, TypeTry, TypeThrow, TypeIf, TypeSwitch, TypeSet, TypeSubflow, TypeTrigger, TypeSchedule} {
		if reg.Has(typ) {
			t.Errorf("restricted registry should not have %s", typ)
		}
	}
	for _, typ := range []string{TypeHTTP, TypeDelay, TypeTransform, TypeNoop} {
		if !reg.Has(typ) {
			t.Errorf("restricted registry should have %s", typ)
		}
	}
}
