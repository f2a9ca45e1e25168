package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/conveyor/internal/domain"
)

// defaultMaxActivations — предохранитель от бесконечных определений.
// Обратные рёбра делают легальные графы циклическими, поэтому
// статической проверки цикличности нет — есть лимит работы.
const defaultMaxActivations = 10000

// StateStore — граница персистентности контракта pause/resume.
//
// Вызывается только в пограничных точках жизненного цикла: пауза
// (SaveStack + SaveMemory), resume (LoadStack + LoadMemory), отмена и
// терминальное завершение (MarkInactive). Внутри цикла планирования
// хранилище не трогается.
type StateStore interface {
	// SaveStack сохраняет снапшот стека, инкрементируя его
	// оптимистическую версию.
	SaveStack(ctx context.Context, snap *domain.Snapshot) error

	// SaveMemory сохраняет память выполнения.
	SaveMemory(ctx context.Context, threadExecutionID uuid.UUID, mem *domain.Memory) error

	// LoadStack атомарно потребляет активный снапшот: второй
	// конкурентный resume того же потока получает ErrConflict.
	LoadStack(ctx context.Context, threadExecutionID uuid.UUID) (*domain.Snapshot, error)

	// LoadMemory загружает память выполнения.
	LoadMemory(ctx context.Context, threadExecutionID uuid.UUID) (*domain.Memory, error)

	// MarkInactive гасит снапшот при отмене или терминальном завершении.
	MarkInactive(ctx context.Context, threadExecutionID uuid.UUID) error
}

// DefinitionLoader отдаёт иммутабельный граф по id версии.
// Resume регидрирует стек против той же версии, на которой шла пауза.
type DefinitionLoader interface {
	Load(ctx context.Context, versionID uuid.UUID) (*domain.ThreadDefinition, error)
}

// TraceSink принимает события попыток выполнения элементов.
// Ошибки записи не фатальны: трейс вторичен по отношению к выполнению.
type TraceSink interface {
	Record(ctx context.Context, event *domain.ElementEvent) error
}

// ThreadResult — итог сегмента выполнения потока: от запуска или
// resume до терминального статуса либо паузы.
type ThreadResult struct {
	// ThreadID — выполнение потока.
	ThreadID uuid.UUID

	// Status — статус на момент возврата: COMPLETED, FAILED,
	// CANCELLED или PAUSED.
	Status domain.ExecutionStatus

	// Completed, Failed, Skipped — счётчики элементов за всё время
	// жизни потока (переживают паузу, обнуляются отменой).
	Completed int
	Failed    int
	Skipped   int

	// Output — выходы элементов на момент завершения (ключ → выход).
	// Заполняется только для COMPLETED.
	Output map[string]any

	// Variables — переменные выполнения на момент завершения.
	// Заполняется только для COMPLETED.
	Variables map[string]any

	// Error — причина провала для FAILED.
	Error *domain.ExecutionError

	// StartedAt и FinishedAt — границы сегмента.
	StartedAt  time.Time
	FinishedAt time.Time
}

// Config — конфигурация процессора.
type Config struct {
	// Resolver — реестр capabilities. Обязателен.
	Resolver CapabilityResolver

	// Evaluator — вычислитель выражений. Nil допустим: условия на
	// связях будут трактоваться как ложные, конфигурация — как сырая.
	Evaluator Evaluator

	// Delegate — удалённая делегация низкодоверенных элементов.
	Delegate Delegate

	// Store — хранилище снапшотов паузы. Nil допустим: сигналы паузы
	// игнорируются, resume невозможен.
	Store StateStore

	// Loader — загрузчик определений для resume.
	Loader DefinitionLoader

	// Trace — приёмник событий попыток. Nil — трейс не пишется.
	Trace TraceSink

	// Retry — обработчик провалившихся попыток. Nil — стандартный.
	Retry FailureHandler

	// Signals — табло сигналов pause/cancel. Nil — создаётся своё.
	Signals *SignalHub

	// Logger — логгер. Nil — slog.Default().
	Logger *slog.Logger

	// DefaultTimeout — таймаут элементов без timeout_sec. 0 — 300 секунд.
	DefaultTimeout time.Duration

	// MaxActivations — предохранительный лимит выполнений элементов
	// на один поток. 0 — 10000.
	MaxActivations int
}

// Processor — однопоточный цикл планирования выполнения потока.
//
// Стек активаций обходит граф в глубину; роутер решает, что попадает
// на стек после каждого элемента; диспетчер выполняет попытки;
// обработчик ошибок решает судьбу провалов. Между диспатчами цикл
// опрашивает контекст и табло сигналов — это точки паузы и отмены.
type Processor struct {
	dispatcher *Dispatcher
	router     *Router
	retry      FailureHandler
	signals    *SignalHub
	store      StateStore
	loader     DefinitionLoader
	trace      TraceSink
	logger     *slog.Logger
	maxAct     int
}

// NewProcessor создаёт процессор.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Resolver == nil {
		return nil, ErrResolverRequired
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Signals == nil {
		cfg.Signals = NewSignalHub()
	}
	if cfg.Retry == nil {
		cfg.Retry = NewRetryHandler(cfg.Logger)
	}
	if cfg.MaxActivations <= 0 {
		cfg.MaxActivations = defaultMaxActivations
	}

	return &Processor{
		dispatcher: NewDispatcher(DispatcherConfig{
			Resolver:        cfg.Resolver,
			Evaluator:       cfg.Evaluator,
			Delegate:        cfg.Delegate,
			Logger:          cfg.Logger,
			FallbackTimeout: cfg.DefaultTimeout,
		}),
		router:  NewRouter(cfg.Evaluator, cfg.Logger),
		retry:   cfg.Retry,
		signals: cfg.Signals,
		store:   cfg.Store,
		loader:  cfg.Loader,
		trace:   cfg.Trace,
		logger:  cfg.Logger,
		maxAct:  cfg.MaxActivations,
	}, nil
}

// Signals возвращает табло сигналов процессора.
func (p *Processor) Signals() *SignalHub {
	return p.signals
}

// Pause просит поток встать на паузу на ближайшей точке суспензии.
func (p *Processor) Pause(threadExecutionID uuid.UUID) {
	p.signals.RequestPause(threadExecutionID)
}

// Cancel просит поток отмениться на ближайшей точке суспензии.
// Отмена перекрывает ранее запрошенную паузу.
func (p *Processor) Cancel(threadExecutionID uuid.UUID) {
	p.signals.RequestCancel(threadExecutionID)
}

// ExecuteThread выполняет поток с нуля: компилирует граф, кладёт
// триггеры на стек и крутит цикл планирования до терминального
// статуса или паузы.
func (p *Processor) ExecuteThread(ctx context.Context, tctx *ThreadContext, def *domain.ThreadDefinition) (*ThreadResult, error) {
	g, err := BuildGraph(def)
	if err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}

	st := newStack()
	triggers := g.Triggers()
	for i := len(triggers) - 1; i >= 0; i-- {
		st.PushElement(triggers[i])
	}

	p.logger.Info("thread execution started",
		"thread_execution_id", tctx.ThreadID,
		"process_id", tctx.Process.ProcessID,
		"elements", g.Size(),
	)
	return p.run(ctx, tctx, g, st), nil
}

// Resume продолжает приостановленный поток с сохранённого снапшота.
//
// Снапшот самодостаточен: из него восстанавливаются идентичность
// процесса, версия определения и стек; память загружается отдельно.
// Потребление снапшота атомарно — конкурентный resume получает
// ErrConflict из хранилища.
func (p *Processor) Resume(ctx context.Context, threadExecutionID uuid.UUID) (*ThreadResult, error) {
	if p.store == nil {
		return nil, ErrStoreRequired
	}
	if p.loader == nil {
		return nil, ErrLoaderRequired
	}

	snap, err := p.store.LoadStack(ctx, threadExecutionID)
	if err != nil {
		return nil, fmt.Errorf("load stack snapshot: %w", err)
	}
	mem, err := p.store.LoadMemory(ctx, threadExecutionID)
	if err != nil {
		return nil, fmt.Errorf("load memory: %w", err)
	}
	def, err := p.loader.Load(ctx, snap.VersionID)
	if err != nil {
		return nil, fmt.Errorf("load definition version %s: %w", snap.VersionID, err)
	}
	g, err := BuildGraph(def)
	if err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}

	pctx := NewProcessContext(snap.ProcessID, snap.Session)
	tctx := NewThreadContext(pctx, snap.ThreadExecutionID, snap.VersionID, mem)
	st := newStack()
	st.Restore(snap.Frames)

	// Сигналы, накопленные до паузы, к возобновлённому сегменту
	// не относятся.
	p.signals.Clear(threadExecutionID)

	p.logger.Info("thread execution resumed",
		"thread_execution_id", threadExecutionID,
		"process_id", snap.ProcessID,
		"stack_depth", st.Len(),
		"snapshot_version", snap.Version,
	)
	return p.run(ctx, tctx, g, st), nil
}

// run — цикл планирования. Однопоточный: память и стек не разделяются.
func (p *Processor) run(ctx context.Context, tctx *ThreadContext, g *Graph, st *execStack) *ThreadResult {
	tctx.Graph = g
	mem := tctx.Memory
	activations := 0

	for st.Len() > 0 {
		// Точка суспензии: внешний контекст и табло сигналов.
		if ctx.Err() != nil {
			return p.finishCancelled(ctx, tctx, st)
		}
		switch p.signals.Take(tctx.ThreadID) {
		case SignalCancel:
			return p.finishCancelled(ctx, tctx, st)
		case SignalPause:
			if res, ok := p.pause(ctx, tctx, st); ok {
				return res
			}
			// Снапшот не сохранился — пауза отклонена, выполнение
			// продолжается.
		}

		frame := st.Pop()
		el := g.ByID(frame.ElementID)
		if el == nil {
			exc := &domain.ExceptionInfo{
				Kind:       domain.KindValidation,
				Message:    fmt.Sprintf("%v: %s", ErrUnknownElement, frame.ElementKey),
				ElementID:  frame.ElementID,
				ElementKey: frame.ElementKey,
			}
			return p.finishFailed(ctx, tctx, st, exc)
		}

		// Дедупликация в рамках эпохи. Элементы, владеющие активным
		// кадром цикла или скоупом, не дедуплицируются: их повторная
		// активация по обратному ребру — часть протокола.
		ownsFrame := mem.LoopByOwner(el.ID) != nil
		ownsScope := mem.ScopeByOwner(el.ID) != nil
		if !ownsFrame && !ownsScope && mem.WasExecuted(el.Key) {
			continue
		}

		// Отложенный join: элемент с несколькими входящими main-связями
		// выполняется одной, последней активацией — пока другой кадр
		// стека может статически дойти до него, эта активация снимается.
		if g.IncomingMain(el.ID) > 1 && p.stackReaches(st, g, el.ID) {
			continue
		}

		// Повторный вход в цикл по обратному ребру: кадры незакрытых
		// веток прошлой итерации не переживают переход.
		if ownsFrame {
			loopFrame := mem.LoopByOwner(el.ID)
			mem.Counters.Skipped += len(st.TruncateTo(loopFrame.StackMark))
		}

		if activations >= p.maxAct {
			p.logger.Error("activation limit exceeded",
				"thread_execution_id", tctx.ThreadID,
				"element", el.Key,
				"limit", p.maxAct,
			)
			exc := &domain.ExceptionInfo{
				Kind:       domain.KindValidation,
				Message:    fmt.Sprintf("%v: %d", ErrActivationLimit, p.maxAct),
				ElementID:  el.ID,
				ElementKey: el.Key,
			}
			return p.finishFailed(ctx, tctx, st, exc)
		}
		activations++

		res, outcome, attempt := p.executeWithRetry(ctx, tctx, el, st.Len())

		if res.OK {
			mem.SetNodeOutput(el.Key, res.Output)
			mem.MarkExecuted(el.Key)
			mem.Counters.Completed++
			p.routeDownstream(ctx, g, st, mem, el, res.OutputPort())
			continue
		}

		if res.ErrorKind == domain.KindCancelled {
			return p.finishCancelled(ctx, tctx, st)
		}

		mem.SetNodeOutput(el.Key, res.ErrorOutput())
		mem.MarkExecuted(el.Key)
		mem.Counters.Failed++

		if outcome.Decision == DecisionContinue {
			p.routeDownstream(ctx, g, st, mem, el, domain.PortError)
			continue
		}

		// Фатальный исход: сначала стек try-скоупов, затем провал потока.
		exc := &domain.ExceptionInfo{
			Kind:       res.ErrorKind,
			Message:    res.ErrorMessage,
			ElementID:  el.ID,
			ElementKey: el.Key,
			Attempt:    attempt,
		}
		if p.router.RouteException(ctx, g, st, mem, exc) {
			continue
		}
		return p.finishFailed(ctx, tctx, st, exc)
	}

	return p.finishCompleted(ctx, tctx)
}

// executeWithRetry выполняет элемент до финального исхода: успех,
// continue через error-порт или фатал. Все retry происходят здесь же,
// с ожиданием задержки между попытками.
func (p *Processor) executeWithRetry(ctx context.Context, tctx *ThreadContext, el *domain.ElementDefinition, stackDepth int) (*domain.Result, Outcome, int) {
	policy := domain.PolicyFor(el)
	attempt := 1

	for {
		ectx := NewElementContext(tctx, el, attempt, stackDepth)
		res := p.dispatcher.Dispatch(ctx, ectx)
		p.recordEvent(ctx, tctx, el, attempt, res)

		if res.OK {
			p.logger.Debug("element completed",
				"element", el.Key,
				"type", el.Type,
				"attempt", attempt,
				"duration", res.Duration,
			)
			return res, Outcome{}, attempt
		}

		// Отмена не ретраится и не обходится через continue_on_fail.
		if res.ErrorKind == domain.KindCancelled {
			return res, Outcome{Decision: DecisionFatal}, attempt
		}

		outcome := p.retry.HandleFailure(ErrorContext{
			Element:  el,
			Attempt:  attempt,
			Kind:     res.ErrorKind,
			Message:  res.ErrorMessage,
			Duration: res.Duration,
		}, policy)

		if outcome.Decision != DecisionRetry {
			return res, outcome, attempt
		}

		select {
		case <-time.After(outcome.Delay):
		case <-ctx.Done():
			return domain.Fail(domain.KindCancelled, "execution cancelled during retry wait"),
				Outcome{Decision: DecisionFatal}, attempt
		}
		attempt++
	}
}

// routeDownstream планирует продолжение после финального исхода
// элемента: подавление веток при break/continue, разрешение порта
// цикла и укладка целей на стек в обратном порядке, чтобы первая
// по display-порядку связь выполнилась первой.
func (p *Processor) routeDownstream(ctx context.Context, g *Graph, st *execStack, mem *domain.Memory, el *domain.ElementDefinition, port string) {
	if top := mem.TopLoop(); top != nil && (top.Break || top.Continue) && top.OwnerID != el.ID {
		mem.Counters.Skipped += len(st.TruncateTo(top.StackMark))
		if owner := g.ByID(top.OwnerID); owner != nil {
			st.PushElement(owner)
		}
		return
	}

	if mem.LoopByOwner(el.ID) != nil {
		port = p.router.ResolveLoop(mem, el)
	}

	targets := p.router.Next(ctx, g, el, port, mem)
	for i := len(targets) - 1; i >= 0; i-- {
		st.Push(targets[i])
	}
}

// stackReaches возвращает true, если какой-то другой кадр стека может
// статически дойти до элемента id (или сам является его активацией).
func (p *Processor) stackReaches(st *execStack, g *Graph, id uuid.UUID) bool {
	for _, f := range st.Frames() {
		if f.ElementID == id || g.CanReach(f.ElementID, id) {
			return true
		}
	}
	return false
}

// pause сохраняет снапшот и память в пограничной точке. Возвращает
// (результат, true) при успехе; при ошибке персистентности пауза
// отклоняется и выполнение продолжается.
func (p *Processor) pause(ctx context.Context, tctx *ThreadContext, st *execStack) (*ThreadResult, bool) {
	if p.store == nil {
		p.logger.Warn("pause requested but no state store configured",
			"thread_execution_id", tctx.ThreadID,
		)
		return nil, false
	}

	snap := &domain.Snapshot{
		ThreadExecutionID: tctx.ThreadID,
		ProcessID:         tctx.Process.ProcessID,
		VersionID:         tctx.VersionID,
		Session:           tctx.Process.Session,
		Frames:            st.Frames(),
		Active:            true,
		CreatedAt:         time.Now(),
	}
	if err := p.store.SaveStack(ctx, snap); err != nil {
		p.logger.Error("pause rejected: save stack snapshot",
			"thread_execution_id", tctx.ThreadID,
			"error", err,
		)
		return nil, false
	}
	if err := p.store.SaveMemory(ctx, tctx.ThreadID, tctx.Memory); err != nil {
		p.logger.Error("pause rejected: save memory",
			"thread_execution_id", tctx.ThreadID,
			"error", err,
		)
		return nil, false
	}

	counters := tctx.Memory.Counters
	p.logger.Info("thread execution paused",
		"thread_execution_id", tctx.ThreadID,
		"stack_depth", st.Len(),
		"completed", counters.Completed,
	)
	return &ThreadResult{
		ThreadID:   tctx.ThreadID,
		Status:     domain.StatusPaused,
		Completed:  counters.Completed,
		Failed:     counters.Failed,
		Skipped:    counters.Skipped,
		StartedAt:  tctx.StartedAt,
		FinishedAt: time.Now(),
	}, true
}

func (p *Processor) finishCompleted(ctx context.Context, tctx *ThreadContext) *ThreadResult {
	counters := tctx.Memory.Counters
	p.markInactive(ctx, tctx.ThreadID)
	p.logger.Info("thread execution completed",
		"thread_execution_id", tctx.ThreadID,
		"completed", counters.Completed,
		"failed", counters.Failed,
		"skipped", counters.Skipped,
	)
	return &ThreadResult{
		ThreadID:   tctx.ThreadID,
		Status:     domain.StatusCompleted,
		Completed:  counters.Completed,
		Failed:     counters.Failed,
		Skipped:    counters.Skipped,
		Output:     tctx.Memory.NodeOutputs,
		Variables:  tctx.Memory.Variables,
		StartedAt:  tctx.StartedAt,
		FinishedAt: time.Now(),
	}
}

func (p *Processor) finishFailed(ctx context.Context, tctx *ThreadContext, st *execStack, exc *domain.ExceptionInfo) *ThreadResult {
	dropped := st.Drain()
	trace := make([]string, 0, len(dropped))
	for _, f := range dropped {
		trace = append(trace, f.ElementKey)
	}

	counters := tctx.Memory.Counters
	p.markInactive(ctx, tctx.ThreadID)
	p.logger.Error("thread execution failed",
		"thread_execution_id", tctx.ThreadID,
		"element", exc.ElementKey,
		"kind", exc.Kind,
		"error", exc.Message,
	)
	return &ThreadResult{
		ThreadID:  tctx.ThreadID,
		Status:    domain.StatusFailed,
		Completed: counters.Completed,
		Failed:    counters.Failed,
		Skipped:   counters.Skipped,
		Error: &domain.ExecutionError{
			ElementID:  exc.ElementID,
			ElementKey: exc.ElementKey,
			Kind:       exc.Kind,
			Message:    exc.Message,
			Trace:      trace,
		},
		StartedAt:  tctx.StartedAt,
		FinishedAt: time.Now(),
	}
}

// finishCancelled завершает поток отменой: счётчики снимаются до
// очистки памяти, снапшот гасится.
func (p *Processor) finishCancelled(ctx context.Context, tctx *ThreadContext, st *execStack) *ThreadResult {
	st.Drain()
	counters := tctx.Memory.Counters
	tctx.Memory.Clear()
	p.markInactive(ctx, tctx.ThreadID)
	p.logger.Info("thread execution cancelled",
		"thread_execution_id", tctx.ThreadID,
		"completed", counters.Completed,
	)
	return &ThreadResult{
		ThreadID:   tctx.ThreadID,
		Status:     domain.StatusCancelled,
		Completed:  counters.Completed,
		Failed:     counters.Failed,
		Skipped:    counters.Skipped,
		StartedAt:  tctx.StartedAt,
		FinishedAt: time.Now(),
	}
}

// markInactive гасит снапшот паузы, если он был. Ошибка не фатальна:
// потреблённый снапшот всё равно не может быть возобновлён дважды.
func (p *Processor) markInactive(ctx context.Context, threadExecutionID uuid.UUID) {
	if p.store == nil {
		return
	}
	if err := p.store.MarkInactive(context.WithoutCancel(ctx), threadExecutionID); err != nil {
		p.logger.Warn("mark snapshot inactive",
			"thread_execution_id", threadExecutionID,
			"error", err,
		)
	}
}

func (p *Processor) recordEvent(ctx context.Context, tctx *ThreadContext, el *domain.ElementDefinition, attempt int, res *domain.Result) {
	if p.trace == nil {
		return
	}
	status := domain.EventStatusCompleted
	if !res.OK {
		status = domain.EventStatusFailed
	}
	ev := &domain.ElementEvent{
		ID:                uuid.New(),
		ThreadExecutionID: tctx.ThreadID,
		ElementID:         el.ID,
		ElementKey:        el.Key,
		ElementType:       el.Type,
		Attempt:           attempt,
		Status:            status,
		ErrorKind:         res.ErrorKind,
		ErrorMessage:      res.ErrorMessage,
		Remote:            el.IsLowTrust,
		Duration:          res.Duration,
		At:                time.Now(),
	}
	if err := p.trace.Record(ctx, ev); err != nil {
		p.logger.Warn("record trace event",
			"thread_execution_id", tctx.ThreadID,
			"element", el.Key,
			"error", err,
		)
	}
}
