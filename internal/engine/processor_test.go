package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/expr"
)

// scripted — capability с поведением, заданным тестом.
type scripted struct {
	typ      string
	validate func(ectx *ElementContext) error
	execute  func(ectx *ElementContext) (*domain.Result, error)
}

func (c *scripted) Type() string { return c.typ }

func (c *scripted) Validate(_ context.Context, ectx *ElementContext) error {
	if c.validate == nil {
		return nil
	}
	return c.validate(ectx)
}

func (c *scripted) Execute(_ context.Context, ectx *ElementContext) (*domain.Result, error) {
	return c.execute(ectx)
}

// stubResolver — реестр capabilities из map.
type stubResolver map[string]Capability

func (r stubResolver) Resolve(elementType string) (Capability, error) {
	c, ok := r[elementType]
	if !ok {
		return nil, ErrUnknownCapability
	}
	return c, nil
}

// fastRetry сохраняет решения стандартного обработчика, но сводит
// задержки к минимуму, чтобы тесты не спали.
type fastRetry struct {
	inner *RetryHandler
}

func (f *fastRetry) HandleFailure(ectx ErrorContext, policy domain.RetryPolicy) Outcome {
	out := f.inner.HandleFailure(ectx, policy)
	if out.Decision == DecisionRetry {
		out.Delay = time.Millisecond
	}
	return out
}

var errSnapshotGone = errors.New("no active snapshot")

// memoryStore — хранилище снапшотов в памяти с инъекцией ошибок.
type memoryStore struct {
	snap    *domain.Snapshot
	mem     *domain.Memory
	saveErr error

	saveStackCalls int
	inactiveCalls  int
}

func (s *memoryStore) SaveStack(_ context.Context, snap *domain.Snapshot) error {
	s.saveStackCalls++
	if s.saveErr != nil {
		return s.saveErr
	}
	stored := *snap
	if s.snap != nil {
		stored.Version = s.snap.Version + 1
	} else {
		stored.Version = 1
	}
	s.snap = &stored
	return nil
}

func (s *memoryStore) SaveMemory(_ context.Context, _ uuid.UUID, mem *domain.Memory) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	clone, err := mem.Clone()
	if err != nil {
		return err
	}
	s.mem = clone
	return nil
}

func (s *memoryStore) LoadStack(_ context.Context, _ uuid.UUID) (*domain.Snapshot, error) {
	if s.snap == nil || !s.snap.Active {
		return nil, errSnapshotGone
	}
	// Атомарное потребление: второй resume снапшот не получит.
	s.snap.Active = false
	consumed := *s.snap
	return &consumed, nil
}

func (s *memoryStore) LoadMemory(_ context.Context, _ uuid.UUID) (*domain.Memory, error) {
	if s.mem == nil {
		return nil, errSnapshotGone
	}
	return s.mem, nil
}

func (s *memoryStore) MarkInactive(_ context.Context, _ uuid.UUID) error {
	s.inactiveCalls++
	if s.snap != nil {
		s.snap.Active = false
	}
	return nil
}

// defLoader — загрузчик определения для resume.
type defLoader struct {
	def        *domain.ThreadDefinition
	gotVersion uuid.UUID
}

func (l *defLoader) Load(_ context.Context, versionID uuid.UUID) (*domain.ThreadDefinition, error) {
	l.gotVersion = versionID
	return l.def, nil
}

// captureTrace собирает события попыток.
type captureTrace struct {
	events []*domain.ElementEvent
}

func (c *captureTrace) Record(_ context.Context, ev *domain.ElementEvent) error {
	c.events = append(c.events, ev)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestThread(vars map[string]any) *ThreadContext {
	proc := NewProcessContext(uuid.New(), domain.Session{TenantID: uuid.New()})
	return NewThreadContext(proc, uuid.New(), uuid.New(), domain.NewMemory(vars))
}

func newTestProcessor(t *testing.T, cfg Config) *Processor {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.Retry == nil {
		cfg.Retry = &fastRetry{inner: NewRetryHandler(cfg.Logger)}
	}
	p, err := NewProcessor(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return p
}

// okCapability — учитывает порядок выполнения в общем срезе.
func okCapability(order *[]string) *scripted {
	return &scripted{
		typ: "stub",
		execute: func(ectx *ElementContext) (*domain.Result, error) {
			*order = append(*order, ectx.Element.Key)
			return domain.Succeed(map[string]any{"ok": true}), nil
		},
	}
}

func TestNewProcessor_RequiresResolver(t *testing.T) {
	_, err := NewProcessor(Config{})
	if !errors.Is(err, ErrResolverRequired) {
		t.Errorf("expected ErrResolverRequired, got %v", err)
	}
}

func TestProcessor_LinearExecution(t *testing.T) {
	trigID, aID, bID := uuid.New(), uuid.New(), uuid.New()
	def := &domain.ThreadDefinition{
		Elements: []domain.ElementDefinition{
			{ID: trigID, Key: "start", Type: "stub", IsTrigger: true},
			{ID: aID, Key: "a", Type: "stub"},
			{ID: bID, Key: "b", Type: "stub"},
		},
		Connections: []domain.ConnectionDefinition{
			{SourceID: trigID, TargetID: aID},
			{SourceID: aID, TargetID: bID},
		},
	}

	var order []string
	p := newTestProcessor(t, Config{Resolver: stubResolver{"stub": okCapability(&order)}})
	tctx := newTestThread(map[string]any{"input": "x"})

	res, err := p.ExecuteThread(context.Background(), tctx, def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", res.Status)
	}
	if strings.Join(order, ",") != "start,a,b" {
		t.Errorf("unexpected execution order: %v", order)
	}
	if res.Completed != 3 || res.Failed != 0 || res.Skipped != 0 {
		t.Errorf("unexpected counters: %d/%d/%d", res.Completed, res.Failed, res.Skipped)
	}
	// Выходы и переменные доступны в результате
	if _, ok := res.Output["b"]; !ok {
		t.Errorf("expected node output for b, got %v", res.Output)
	}
	if res.Variables["input"] != "x" {
		t.Errorf("expected variables in result, got %v", res.Variables)
	}
}

func TestProcessor_DepthFirstOrdering(t *testing.T) {
	// Первая по display-порядку ветка выполняется целиком до второй
	trigID, aID, bID, cID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	def := &domain.ThreadDefinition{
		Elements: []domain.ElementDefinition{
			{ID: trigID, Key: "start", Type: "stub", IsTrigger: true},
			{ID: aID, Key: "a", Type: "stub"},
			{ID: bID, Key: "b", Type: "stub"},
			{ID: cID, Key: "c", Type: "stub"},
		},
		Connections: []domain.ConnectionDefinition{
			{SourceID: trigID, TargetID: cID, Order: 2},
			{SourceID: trigID, TargetID: aID, Order: 1},
			{SourceID: aID, TargetID: bID},
		},
	}

	var order []string
	p := newTestProcessor(t, Config{Resolver: stubResolver{"stub": okCapability(&order)}})

	res, err := p.ExecuteThread(context.Background(), newTestThread(nil), def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", res.Status)
	}
	if strings.Join(order, ",") != "start,a,b,c" {
		t.Errorf("expected depth-first order start,a,b,c, got %v", order)
	}
}

func TestProcessor_ConditionalEdges(t *testing.T) {
	trigID, aID, bID, cID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	def := &domain.ThreadDefinition{
		Elements: []domain.ElementDefinition{
			{ID: trigID, Key: "start", Type: "stub", IsTrigger: true},
			{ID: aID, Key: "taken", Type: "stub"},
			{ID: bID, Key: "skipped", Type: "stub"},
			{ID: cID, Key: "broken", Type: "stub"},
		},
		Connections: []domain.ConnectionDefinition{
			{SourceID: trigID, TargetID: aID, Condition: "eq .Vars.flag true", Order: 1},
			{SourceID: trigID, TargetID: bID, Condition: "gt .Vars.count 10", Order: 2},
			// Ошибка вычисления трактуется как false, а не как фатал
			{SourceID: trigID, TargetID: cID, Condition: "bogusFunc 1", Order: 3},
		},
	}

	var order []string
	p := newTestProcessor(t, Config{
		Resolver:  stubResolver{"stub": okCapability(&order)},
		Evaluator: expr.NewEngine(nil),
	})
	tctx := newTestThread(map[string]any{"flag": true, "count": 3})

	res, err := p.ExecuteThread(context.Background(), tctx, def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", res.Status)
	}
	if strings.Join(order, ",") != "start,taken" {
		t.Errorf("only the true branch should run, got %v", order)
	}
}

func TestProcessor_RetryThenSuccess(t *testing.T) {
	trigID, aID := uuid.New(), uuid.New()
	def := &domain.ThreadDefinition{
		Elements: []domain.ElementDefinition{
			{ID: trigID, Key: "start", Type: "stub", IsTrigger: true},
			{ID: aID, Key: "flaky", Type: "flaky", MaxRetries: 2},
		},
		Connections: []domain.ConnectionDefinition{
			{SourceID: trigID, TargetID: aID},
		},
	}

	var order []string
	flaky := &scripted{
		typ: "flaky",
		execute: func(ectx *ElementContext) (*domain.Result, error) {
			if ectx.Attempt < 3 {
				return domain.Fail(domain.KindTransient, "connection reset"), nil
			}
			return domain.Succeed(map[string]any{"attempt": ectx.Attempt}), nil
		},
	}

	trace := &captureTrace{}
	p := newTestProcessor(t, Config{
		Resolver: stubResolver{"stub": okCapability(&order), "flaky": flaky},
		Trace:    trace,
	})

	res, err := p.ExecuteThread(context.Background(), newTestThread(nil), def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s: %v", res.Status, res.Error)
	}
	if res.Completed != 2 {
		t.Errorf("expected 2 completed, got %d", res.Completed)
	}

	// Трейс: попытка на событие, провалы перед успехом
	var flakyEvents []*domain.ElementEvent
	for _, ev := range trace.events {
		if ev.ElementKey == "flaky" {
			flakyEvents = append(flakyEvents, ev)
		}
	}
	if len(flakyEvents) != 3 {
		t.Fatalf("expected 3 attempts in trace, got %d", len(flakyEvents))
	}
	if flakyEvents[0].Status != domain.EventStatusFailed || flakyEvents[0].Attempt != 1 {
		t.Errorf("first event should be failed attempt 1, got %+v", flakyEvents[0])
	}
	if flakyEvents[2].Status != domain.EventStatusCompleted || flakyEvents[2].Attempt != 3 {
		t.Errorf("last event should be completed attempt 3, got %+v", flakyEvents[2])
	}
}

func TestProcessor_RetryExhaustion(t *testing.T) {
	trigID, aID, bID := uuid.New(), uuid.New(), uuid.New()
	def := &domain.ThreadDefinition{
		Elements: []domain.ElementDefinition{
			{ID: trigID, Key: "start", Type: "stub", IsTrigger: true},
			{ID: aID, Key: "doomed", Type: "doomed", MaxRetries: 2},
			{ID: bID, Key: "never", Type: "stub"},
		},
		Connections: []domain.ConnectionDefinition{
			{SourceID: trigID, TargetID: aID, Order: 1},
			{SourceID: trigID, TargetID: bID, Order: 2},
		},
	}

	var order []string
	attempts := 0
	doomed := &scripted{
		typ: "doomed",
		execute: func(_ *ElementContext) (*domain.Result, error) {
			attempts++
			return domain.Fail(domain.KindTransient, "still broken"), nil
		},
	}

	p := newTestProcessor(t, Config{
		Resolver: stubResolver{"stub": okCapability(&order), "doomed": doomed},
	})

	res, err := p.ExecuteThread(context.Background(), newTestThread(nil), def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", attempts)
	}
	if res.Error == nil {
		t.Fatal("expected execution error")
	}
	if res.Error.Kind != domain.KindTransient {
		t.Errorf("expected TRANSIENT, got %s", res.Error.Kind)
	}
	if res.Error.ElementKey != "doomed" {
		t.Errorf("expected source element doomed, got %s", res.Error.ElementKey)
	}
	// Недовыполненные кадры попадают в след
	if len(res.Error.Trace) != 1 || res.Error.Trace[0] != "never" {
		t.Errorf("expected dropped frame in trace, got %v", res.Error.Trace)
	}
	if res.Failed != 1 {
		t.Errorf("expected 1 failed element, got %d", res.Failed)
	}
	// До сбоя успел завершиться только триггер.
	if res.Completed != 1 {
		t.Errorf("expected 1 completed element, got %d", res.Completed)
	}
}

func TestProcessor_ValidationNotRetried(t *testing.T) {
	trigID, aID := uuid.New(), uuid.New()
	def := &domain.ThreadDefinition{
		Elements: []domain.ElementDefinition{
			{ID: trigID, Key: "start", Type: "stub", IsTrigger: true},
			// Ретраи сконфигурированы, но валидация их не получит
			{ID: aID, Key: "broken", Type: "broken", MaxRetries: 5},
		},
		Connections: []domain.ConnectionDefinition{
			{SourceID: trigID, TargetID: aID},
		},
	}

	var order []string
	executions := 0
	broken := &scripted{
		typ: "broken",
		validate: func(ectx *ElementContext) error {
			return domain.NewValidationError(ectx.Element.Key, "url", "url is required")
		},
		execute: func(_ *ElementContext) (*domain.Result, error) {
			executions++
			return domain.Succeed(nil), nil
		},
	}

	p := newTestProcessor(t, Config{
		Resolver: stubResolver{"stub": okCapability(&order), "broken": broken},
	})

	res, err := p.ExecuteThread(context.Background(), newTestThread(nil), def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
	if res.Error.Kind != domain.KindValidation {
		t.Errorf("expected VALIDATION, got %s", res.Error.Kind)
	}
	if executions != 0 {
		t.Errorf("execute should not run after validation failure, ran %d times", executions)
	}
}

func TestProcessor_ContinueOnFail(t *testing.T) {
	trigID, aID, bID := uuid.New(), uuid.New(), uuid.New()
	def := &domain.ThreadDefinition{
		Elements: []domain.ElementDefinition{
			{ID: trigID, Key: "start", Type: "stub", IsTrigger: true},
			{ID: aID, Key: "unstable", Type: "failing", ContinueOnFail: true},
			{ID: bID, Key: "handler", Type: "stub"},
		},
		Connections: []domain.ConnectionDefinition{
			{SourceID: trigID, TargetID: aID},
			{SourceID: aID, SourcePort: domain.PortError, TargetID: bID},
		},
	}

	var order []string
	failing := &scripted{
		typ: "failing",
		execute: func(_ *ElementContext) (*domain.Result, error) {
			res := domain.Fail(domain.KindException, "bad response")
			res.Output = map[string]any{"status_code": 422}
			return res, nil
		},
	}

	p := newTestProcessor(t, Config{
		Resolver: stubResolver{"stub": okCapability(&order), "failing": failing},
	})
	tctx := newTestThread(nil)

	res, err := p.ExecuteThread(context.Background(), tctx, def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s: %v", res.Status, res.Error)
	}
	if strings.Join(order, ",") != "start,handler" {
		t.Errorf("handler should run via error output, got %v", order)
	}
	if res.Failed != 1 || res.Completed != 2 {
		t.Errorf("unexpected counters: completed=%d failed=%d", res.Completed, res.Failed)
	}

	// Выход элемента в памяти — стандартная форма ошибки
	out, ok := res.Output["unstable"].(map[string]any)
	if !ok {
		t.Fatalf("expected error output for unstable, got %T", res.Output["unstable"])
	}
	if out["error"] != "bad response" {
		t.Errorf("expected error message in output, got %v", out)
	}
	if out["error_kind"] != string(domain.KindException) {
		t.Errorf("expected error kind in output, got %v", out)
	}
	// Частичный выход попытки сохраняется
	partial, ok := out["output"].(map[string]any)
	if !ok || partial["status_code"] != 422 {
		t.Errorf("expected partial output preserved, got %v", out["output"])
	}
}

func TestProcessor_CancelKindShortCircuits(t *testing.T) {
	// CANCELLED не ретраится и не обходится через continue_on_fail
	trigID, aID, bID := uuid.New(), uuid.New(), uuid.New()
	def := &domain.ThreadDefinition{
		Elements: []domain.ElementDefinition{
			{ID: trigID, Key: "start", Type: "stub", IsTrigger: true},
			{ID: aID, Key: "aborted", Type: "aborting", ContinueOnFail: true, MaxRetries: 3},
			{ID: bID, Key: "never", Type: "stub"},
		},
		Connections: []domain.ConnectionDefinition{
			{SourceID: trigID, TargetID: aID},
			{SourceID: aID, SourcePort: domain.PortError, TargetID: bID},
		},
	}

	var order []string
	attempts := 0
	aborting := &scripted{
		typ: "aborting",
		execute: func(_ *ElementContext) (*domain.Result, error) {
			attempts++
			return domain.Fail(domain.KindCancelled, "execution cancelled"), nil
		},
	}

	p := newTestProcessor(t, Config{
		Resolver: stubResolver{"stub": okCapability(&order), "aborting": aborting},
	})
	tctx := newTestThread(map[string]any{"secret": "value"})

	res, err := p.ExecuteThread(context.Background(), tctx, def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Status != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", res.Status)
	}
	if attempts != 1 {
		t.Errorf("cancellation should not be retried, got %d attempts", attempts)
	}
	if strings.Join(order, ",") != "start" {
		t.Errorf("error output should not run on cancellation, got %v", order)
	}
	// Счётчики сняты до очистки, память очищена
	if res.Completed != 1 {
		t.Errorf("expected 1 completed before cancellation, got %d", res.Completed)
	}
	if len(tctx.Memory.Variables) != 0 || len(tctx.Memory.NodeOutputs) != 0 {
		t.Error("memory should be cleared on cancellation")
	}
}

func TestProcessor_SignalCancel(t *testing.T) {
	trigID, aID, bID := uuid.New(), uuid.New(), uuid.New()
	def := &domain.ThreadDefinition{
		Elements: []domain.ElementDefinition{
			{ID: trigID, Key: "start", Type: "stub", IsTrigger: true},
			{ID: aID, Key: "a", Type: "canceller"},
			{ID: bID, Key: "never", Type: "stub"},
		},
		Connections: []domain.ConnectionDefinition{
			{SourceID: trigID, TargetID: aID},
			{SourceID: aID, TargetID: bID},
		},
	}

	var order []string
	hub := NewSignalHub()
	canceller := &scripted{
		typ: "canceller",
		execute: func(ectx *ElementContext) (*domain.Result, error) {
			order = append(order, ectx.Element.Key)
			// Сигнал увидит следующая точка суспензии
			hub.RequestCancel(ectx.Thread.ThreadID)
			return domain.Succeed(nil), nil
		},
	}

	p := newTestProcessor(t, Config{
		Resolver: stubResolver{"stub": okCapability(&order), "canceller": canceller},
		Signals:  hub,
	})

	res, err := p.ExecuteThread(context.Background(), newTestThread(nil), def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", res.Status)
	}
	if strings.Join(order, ",") != "start,a" {
		t.Errorf("expected cancellation after a, got %v", order)
	}
	if res.Completed != 2 {
		t.Errorf("expected counters captured before clearing, got %d", res.Completed)
	}
}

func TestProcessor_PauseAndResume(t *testing.T) {
	trigID, aID, bID, cID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	def := &domain.ThreadDefinition{
		Elements: []domain.ElementDefinition{
			{ID: trigID, Key: "start", Type: "stub", IsTrigger: true},
			{ID: aID, Key: "pauser", Type: "pauser"},
			{ID: bID, Key: "b", Type: "stub"},
			{ID: cID, Key: "c", Type: "stub"},
		},
		Connections: []domain.ConnectionDefinition{
			{SourceID: trigID, TargetID: aID},
			{SourceID: aID, TargetID: bID},
			{SourceID: bID, TargetID: cID},
		},
	}

	var order []string
	hub := NewSignalHub()
	pauser := &scripted{
		typ: "pauser",
		execute: func(ectx *ElementContext) (*domain.Result, error) {
			order = append(order, ectx.Element.Key)
			hub.RequestPause(ectx.Thread.ThreadID)
			return domain.Succeed(map[string]any{"paused_here": true}), nil
		},
	}

	store := &memoryStore{}
	loader := &defLoader{def: def}
	p := newTestProcessor(t, Config{
		Resolver: stubResolver{"stub": okCapability(&order), "pauser": pauser},
		Store:    store,
		Loader:   loader,
		Signals:  hub,
	})
	tctx := newTestThread(map[string]any{"input": "x"})

	// Первый сегмент: до паузы
	res, err := p.ExecuteThread(context.Background(), tctx, def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != domain.StatusPaused {
		t.Fatalf("expected PAUSED, got %s", res.Status)
	}
	if res.Completed != 2 {
		t.Errorf("expected 2 completed before pause, got %d", res.Completed)
	}
	if store.snap == nil || !store.snap.Active {
		t.Fatal("active snapshot should be persisted")
	}
	if store.snap.Version != 1 {
		t.Errorf("expected snapshot version 1, got %d", store.snap.Version)
	}
	if len(store.snap.Frames) != 1 || store.snap.Frames[0].ElementKey != "b" {
		t.Errorf("expected frame b on the saved stack, got %v", store.snap.Frames)
	}

	// Застрявший сигнал не должен пережить resume
	hub.RequestPause(tctx.ThreadID)

	// Второй сегмент: от снапшота до завершения
	resumed, err := p.Resume(context.Background(), tctx.ThreadID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resumed.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED after resume, got %s", resumed.Status)
	}
	if loader.gotVersion != tctx.VersionID {
		t.Errorf("resume should load the pinned version, got %s", loader.gotVersion)
	}

	// Элементы не выполняются повторно, счётчики кумулятивны
	if strings.Join(order, ",") != "start,pauser,b,c" {
		t.Errorf("unexpected combined order: %v", order)
	}
	if resumed.Completed != 4 {
		t.Errorf("expected cumulative counters, got %d", resumed.Completed)
	}
	// Выходы первого сегмента пережили паузу
	if _, ok := resumed.Output["pauser"]; !ok {
		t.Errorf("pre-pause outputs should survive, got %v", resumed.Output)
	}
	if resumed.Variables["input"] != "x" {
		t.Errorf("variables should survive the pause, got %v", resumed.Variables)
	}

	// Снапшот потреблён: второй resume невозможен
	if _, err := p.Resume(context.Background(), tctx.ThreadID); !errors.Is(err, errSnapshotGone) {
		t.Errorf("expected consumed snapshot error, got %v", err)
	}
}

func TestProcessor_PausePersistFailure(t *testing.T) {
	trigID, aID := uuid.New(), uuid.New()
	def := &domain.ThreadDefinition{
		Elements: []domain.ElementDefinition{
			{ID: trigID, Key: "start", Type: "pauser", IsTrigger: true},
			{ID: aID, Key: "a", Type: "stub"},
		},
		Connections: []domain.ConnectionDefinition{
			{SourceID: trigID, TargetID: aID},
		},
	}

	var order []string
	hub := NewSignalHub()
	pauser := &scripted{
		typ: "pauser",
		execute: func(ectx *ElementContext) (*domain.Result, error) {
			order = append(order, ectx.Element.Key)
			hub.RequestPause(ectx.Thread.ThreadID)
			return domain.Succeed(nil), nil
		},
	}

	store := &memoryStore{saveErr: errors.New("disk full")}
	p := newTestProcessor(t, Config{
		Resolver: stubResolver{"stub": okCapability(&order), "pauser": pauser},
		Store:    store,
		Signals:  hub,
	})

	// Снапшот не сохранился: пауза отклонена, выполнение доехало до конца
	res, err := p.ExecuteThread(context.Background(), newTestThread(nil), def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED after rejected pause, got %s", res.Status)
	}
	if store.saveStackCalls != 1 {
		t.Errorf("expected one save attempt, got %d", store.saveStackCalls)
	}
	if strings.Join(order, ",") != "start,a" {
		t.Errorf("execution should continue after rejected pause, got %v", order)
	}
}

func TestProcessor_PauseWithoutStore(t *testing.T) {
	trigID := uuid.New()
	def := &domain.ThreadDefinition{
		Elements: []domain.ElementDefinition{
			{ID: trigID, Key: "start", Type: "pauser", IsTrigger: true},
		},
	}

	hub := NewSignalHub()
	pauser := &scripted{
		typ: "pauser",
		execute: func(ectx *ElementContext) (*domain.Result, error) {
			hub.RequestPause(ectx.Thread.ThreadID)
			return domain.Succeed(nil), nil
		},
	}

	p := newTestProcessor(t, Config{
		Resolver: stubResolver{"pauser": pauser},
		Signals:  hub,
	})

	res, err := p.ExecuteThread(context.Background(), newTestThread(nil), def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != domain.StatusCompleted {
		t.Errorf("pause without store should be ignored, got %s", res.Status)
	}
}

func TestProcessor_JoinExecutesOnce(t *testing.T) {
	// Ромб: start -> a, start -> b, a -> join, b -> join
	trigID, aID, bID, joinID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	def := &domain.ThreadDefinition{
		Elements: []domain.ElementDefinition{
			{ID: trigID, Key: "start", Type: "stub", IsTrigger: true},
			{ID: aID, Key: "a", Type: "stub"},
			{ID: bID, Key: "b", Type: "stub"},
			{ID: joinID, Key: "join", Type: "stub"},
		},
		Connections: []domain.ConnectionDefinition{
			{SourceID: trigID, TargetID: aID, Order: 1},
			{SourceID: trigID, TargetID: bID, Order: 2},
			{SourceID: aID, TargetID: joinID},
			{SourceID: bID, TargetID: joinID},
		},
	}

	var order []string
	p := newTestProcessor(t, Config{Resolver: stubResolver{"stub": okCapability(&order)}})

	res, err := p.ExecuteThread(context.Background(), newTestThread(nil), def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", res.Status)
	}
	// Join выполняется один раз, последней активацией
	if strings.Join(order, ",") != "start,a,b,join" {
		t.Errorf("expected join deferred to the last activation, got %v", order)
	}
	if res.Completed != 4 {
		t.Errorf("expected 4 completed, got %d", res.Completed)
	}
}

func TestProcessor_CycleDeduplicated(t *testing.T) {
	// Самоссылка без новой эпохи гасится дедупликацией
	trigID, aID := uuid.New(), uuid.New()
	def := &domain.ThreadDefinition{
		Elements: []domain.ElementDefinition{
			{ID: trigID, Key: "start", Type: "stub", IsTrigger: true},
			{ID: aID, Key: "a", Type: "stub"},
		},
		Connections: []domain.ConnectionDefinition{
			{SourceID: trigID, TargetID: aID},
			{SourceID: aID, TargetID: aID},
		},
	}

	var order []string
	p := newTestProcessor(t, Config{Resolver: stubResolver{"stub": okCapability(&order)}})

	res, err := p.ExecuteThread(context.Background(), newTestThread(nil), def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", res.Status)
	}
	if strings.Join(order, ",") != "start,a" {
		t.Errorf("same-epoch reactivation should be deduplicated, got %v", order)
	}
}

func TestProcessor_ActivationLimit(t *testing.T) {
	// Элемент с вечным кадром цикла активируется, пока не сработает
	// предохранитель
	spinID, guardID := uuid.New(), uuid.New()
	def := &domain.ThreadDefinition{
		Elements: []domain.ElementDefinition{
			{ID: spinID, Key: "spin", Type: "spin", IsTrigger: true},
			{ID: guardID, Key: "guard", Type: "stub"},
		},
		Connections: []domain.ConnectionDefinition{
			{SourceID: spinID, SourcePort: domain.PortLoop, TargetID: spinID},
		},
	}

	activations := 0
	spin := &scripted{
		typ: "spin",
		execute: func(ectx *ElementContext) (*domain.Result, error) {
			activations++
			mem := ectx.Memory()
			if mem.LoopByOwner(ectx.Element.ID) == nil {
				mem.PushLoop(&domain.LoopFrame{
					OwnerID:  ectx.Element.ID,
					OwnerKey: ectx.Element.Key,
					Size:     1 << 30,
					Items:    nil,
				})
			}
			return domain.Succeed(nil), nil
		},
	}

	var order []string
	p := newTestProcessor(t, Config{
		Resolver:       stubResolver{"stub": okCapability(&order), "spin": spin},
		MaxActivations: 10,
	})
	tctx := newTestThread(nil)

	// Даже открытый catch-all скоуп не ловит срыв предохранителя
	tctx.Memory.PushScope(&domain.ExceptionScope{
		OwnerID:  guardID,
		OwnerKey: "guard",
		Catches:  []domain.CatchHandler{{}},
		Phase:    domain.ScopePhaseBody,
	})

	res, err := p.ExecuteThread(context.Background(), tctx, def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
	if activations != 10 {
		t.Errorf("expected exactly 10 activations, got %d", activations)
	}
	if !strings.Contains(res.Error.Message, "activation limit") {
		t.Errorf("expected activation limit error, got %q", res.Error.Message)
	}
	if res.Error.Kind != domain.KindValidation {
		t.Errorf("expected VALIDATION, got %s", res.Error.Kind)
	}
}

func TestProcessor_UnknownCapabilityType(t *testing.T) {
	trigID := uuid.New()
	def := &domain.ThreadDefinition{
		Elements: []domain.ElementDefinition{
			{ID: trigID, Key: "start", Type: "alien", IsTrigger: true},
		},
	}

	p := newTestProcessor(t, Config{Resolver: stubResolver{}})

	res, err := p.ExecuteThread(context.Background(), newTestThread(nil), def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
	if res.Error.Kind != domain.KindValidation {
		t.Errorf("expected VALIDATION, got %s", res.Error.Kind)
	}
	if !strings.Contains(res.Error.Message, "no capability") {
		t.Errorf("unexpected message: %q", res.Error.Message)
	}
}

func TestProcessor_ResumeUnknownElement(t *testing.T) {
	trigID := uuid.New()
	def := &domain.ThreadDefinition{
		Elements: []domain.ElementDefinition{
			{ID: trigID, Key: "start", Type: "stub", IsTrigger: true},
		},
	}

	threadID := uuid.New()
	store := &memoryStore{
		snap: &domain.Snapshot{
			ThreadExecutionID: threadID,
			ProcessID:         uuid.New(),
			VersionID:         uuid.New(),
			Frames:            []domain.StackFrame{{ElementID: uuid.New(), ElementKey: "ghost"}},
			Version:           1,
			Active:            true,
		},
		mem: domain.NewMemory(nil),
	}

	var order []string
	p := newTestProcessor(t, Config{
		Resolver: stubResolver{"stub": okCapability(&order)},
		Store:    store,
		Loader:   &defLoader{def: def},
	})

	res, err := p.Resume(context.Background(), threadID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
	if res.Error.Kind != domain.KindValidation {
		t.Errorf("expected VALIDATION, got %s", res.Error.Kind)
	}
	if !strings.Contains(res.Error.Message, "ghost") {
		t.Errorf("expected ghost element in message, got %q", res.Error.Message)
	}
}

func TestProcessor_ResumeRequirements(t *testing.T) {
	p := newTestProcessor(t, Config{Resolver: stubResolver{}})
	if _, err := p.Resume(context.Background(), uuid.New()); !errors.Is(err, ErrStoreRequired) {
		t.Errorf("expected ErrStoreRequired, got %v", err)
	}

	p = newTestProcessor(t, Config{Resolver: stubResolver{}, Store: &memoryStore{}})
	if _, err := p.Resume(context.Background(), uuid.New()); !errors.Is(err, ErrLoaderRequired) {
		t.Errorf("expected ErrLoaderRequired, got %v", err)
	}
}

func TestProcessor_ContextCancellation(t *testing.T) {
	trigID, aID := uuid.New(), uuid.New()
	def := &domain.ThreadDefinition{
		Elements: []domain.ElementDefinition{
			{ID: trigID, Key: "start", Type: "stub", IsTrigger: true},
			{ID: aID, Key: "never", Type: "stub"},
		},
		Connections: []domain.ConnectionDefinition{
			{SourceID: trigID, TargetID: aID},
		},
	}

	var order []string
	p := newTestProcessor(t, Config{Resolver: stubResolver{"stub": okCapability(&order)}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := p.ExecuteThread(ctx, newTestThread(nil), def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", res.Status)
	}
	if len(order) != 0 {
		t.Errorf("nothing should run under a cancelled context, got %v", order)
	}
}
