package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/conveyor/internal/domain"
)

// defaultElementTimeout — таймаут элемента, когда timeout_sec не задан.
const defaultElementTimeout = 300 * time.Second

// RemoteSnapshot — сериализуемый срез контекста для удалённой делегации.
//
// Низкодоверенный агент не имеет доступа к памяти выполнения — ему
// передаётся ровно то, что нужно для одной попытки: отрендеренная
// конфигурация и релевантные части памяти на чтение.
type RemoteSnapshot struct {
	// ThreadExecutionID и ProcessID — идентичность выполнения.
	ThreadExecutionID uuid.UUID `json:"thread_execution_id"`
	ProcessID         uuid.UUID `json:"process_id"`

	// Session — идентичность запуска.
	Session domain.Session `json:"session"`

	// Config — отрендеренная конфигурация элемента.
	Config map[string]any `json:"config,omitempty"`

	// Variables и NodeOutputs — снимок памяти на момент диспатча.
	Variables   map[string]any `json:"variables,omitempty"`
	NodeOutputs map[string]any `json:"node_outputs,omitempty"`

	// Attempt — номер попытки.
	Attempt int `json:"attempt"`

	// TimeoutSec — таймаут попытки в секундах (для дедлайна агента).
	TimeoutSec int `json:"timeout_sec"`
}

// Delegate — внешняя capability удалённого выполнения низкодоверенных
// элементов. Результат сливается в nodeOutputs так же, как локальный.
type Delegate interface {
	ExecuteRemote(ctx context.Context, el *domain.ElementDefinition, snap *RemoteSnapshot) (*domain.Result, error)
}

// Dispatcher — диспатч одной попытки элемента.
//
// Порядок: резолв capability → рендер конфигурации → валидация →
// выполнение под таймаутом (локально или через удалённую делегацию) →
// нормализация исхода в единый Result. Диспетчер никогда не возвращает
// ошибку Go наружу — любой исход становится результатом с kind.
type Dispatcher struct {
	resolver CapabilityResolver
	eval     Evaluator
	delegate Delegate
	logger   *slog.Logger
	fallback time.Duration
}

// DispatcherConfig — конфигурация диспетчера.
type DispatcherConfig struct {
	// Resolver — реестр capabilities. Обязателен.
	Resolver CapabilityResolver

	// Evaluator — вычислитель выражений для рендера конфигурации.
	Evaluator Evaluator

	// Delegate — удалённая делегация низкодоверенных элементов.
	// Nil допустим: диспатч низкодоверенного элемента без делегата —
	// ошибка валидации.
	Delegate Delegate

	// Logger — логгер. Nil — slog.Default().
	Logger *slog.Logger

	// FallbackTimeout — таймаут элементов без timeout_sec.
	// 0 — 300 секунд.
	FallbackTimeout time.Duration
}

// NewDispatcher создаёт диспетчер.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = defaultElementTimeout
	}
	return &Dispatcher{
		resolver: cfg.Resolver,
		eval:     cfg.Evaluator,
		delegate: cfg.Delegate,
		logger:   cfg.Logger,
		fallback: cfg.FallbackTimeout,
	}
}

// Dispatch выполняет одну попытку элемента и нормализует исход.
func (d *Dispatcher) Dispatch(ctx context.Context, ectx *ElementContext) *domain.Result {
	started := time.Now()

	res := d.dispatch(ctx, ectx)
	res.Duration = time.Since(started)
	if res.OK && res.Port == "" {
		res.Port = domain.PortMain
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, ectx *ElementContext) *domain.Result {
	el := ectx.Element

	capability, err := d.resolver.Resolve(el.Type)
	if err != nil {
		return domain.Fail(domain.KindValidation,
			fmt.Sprintf("no capability for element type %q", el.Type))
	}

	// Рендер конфигурации против памяти. Ошибка рендера — ошибка
	// конфигурации, не временный сбой.
	if ectx.Config == nil {
		rendered, err := d.renderConfig(ctx, ectx)
		if err != nil {
			return domain.Fail(domain.KindValidation,
				fmt.Sprintf("render config: %v", err))
		}
		ectx.Config = rendered
	}

	if err := capability.Validate(ctx, ectx); err != nil {
		return domain.Fail(domain.KindValidation, err.Error())
	}

	timeout := el.Timeout(d.fallback)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if el.IsLowTrust {
		return d.dispatchRemote(execCtx, ctx, ectx)
	}
	return d.dispatchLocal(execCtx, ctx, capability, ectx)
}

// dispatchLocal выполняет capability в отдельной горутине и ждёт
// исход либо истечение контекста. Таймаут — жёсткая граница: диспатч
// возвращается сразу, брошенная горутина завершится, когда capability
// заметит отменённый контекст.
func (d *Dispatcher) dispatchLocal(execCtx, parent context.Context, capability Capability, ectx *ElementContext) *domain.Result {
	type outcome struct {
		res *domain.Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		res, err := capability.Execute(execCtx, ectx)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return d.normalize(out.res, out.err)
	case <-execCtx.Done():
		return d.timeoutResult(execCtx, parent, ectx)
	}
}

// dispatchRemote передаёт попытку удалённому агенту.
func (d *Dispatcher) dispatchRemote(execCtx, parent context.Context, ectx *ElementContext) *domain.Result {
	if d.delegate == nil {
		return domain.Fail(domain.KindValidation,
			"low-trust element requires remote delegation, none configured")
	}

	mem := ectx.Memory()
	snap := &RemoteSnapshot{
		ThreadExecutionID: ectx.Thread.ThreadID,
		ProcessID:         ectx.Thread.Process.ProcessID,
		Session:           ectx.Thread.Process.Session,
		Config:            ectx.Config,
		Variables:         mem.Variables,
		NodeOutputs:       mem.NodeOutputs,
		Attempt:           ectx.Attempt,
		TimeoutSec:        int(ectx.Element.Timeout(d.fallback) / time.Second),
	}

	res, err := d.delegate.ExecuteRemote(execCtx, ectx.Element, snap)
	if err != nil && execCtx.Err() != nil {
		return d.timeoutResult(execCtx, parent, ectx)
	}
	return d.normalize(res, err)
}

// normalize сводит пару (результат, ошибка Go) к единому Result.
func (d *Dispatcher) normalize(res *domain.Result, err error) *domain.Result {
	if err != nil {
		return domain.FailErr(err)
	}
	if res == nil {
		return domain.Succeed(nil)
	}
	if !res.OK && res.ErrorKind == "" {
		res.ErrorKind = domain.KindTransient
	}
	return res
}

// timeoutResult различает истекший таймаут элемента и отмену
// всего выполнения, пришедшую сверху.
func (d *Dispatcher) timeoutResult(execCtx, parent context.Context, ectx *ElementContext) *domain.Result {
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		d.logger.Warn("element timed out",
			"element", ectx.Element.Key,
			"attempt", ectx.Attempt,
			"timeout", ectx.Element.Timeout(d.fallback),
		)
		return domain.Fail(domain.KindTimeout,
			fmt.Sprintf("element %q timed out after %s", ectx.Element.Key, ectx.Element.Timeout(d.fallback)))
	}
	return domain.Fail(domain.KindCancelled, "execution cancelled")
}

func (d *Dispatcher) renderConfig(ctx context.Context, ectx *ElementContext) (map[string]any, error) {
	if d.eval == nil || len(ectx.Element.Config) == 0 {
		return ectx.Element.Config, nil
	}
	return d.eval.RenderConfig(ctx, ectx.Element.Config, ectx.Memory())
}
