package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/conveyor/internal/blobstore"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/elements"
	"github.com/shaiso/conveyor/internal/engine"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/repo"
	"github.com/shaiso/conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 100
	drainTimeout        = 30 * time.Second
)

// ThreadRun — поток, выполняющийся в этом экземпляре оркестратора.
//
// Запись создаётся перед запуском цикла движка и удаляется, когда
// сегмент потока завершается (терминально или паузой). По ней
// control-сигналы находят владельца потока.
type ThreadRun struct {
	// ProcessID — процесс-владелец.
	ProcessID uuid.UUID

	// Thread — запись выполнения потока.
	Thread *domain.ThreadExecution

	// Process — запись процесса. Nil для дочерних потоков: их
	// завершение не меняет статус процесса.
	Process *domain.ProcessExecution

	// StartedAt — когда экземпляр взял поток в работу.
	StartedAt time.Time
}

// Orchestrator выполняет процессы Conveyor.
//
// Каждый экземпляр конкурентно потребляет очереди executions.pending
// и executions.resume, а control-сигналы получает через fanout —
// действует на них тот экземпляр, в чьём реестре живёт поток.
type Orchestrator struct {
	// Repositories
	executions  *repo.ExecutionRepo
	definitions *repo.DefinitionRepo
	traces      *repo.TraceRepo

	// Engine
	processor *engine.Processor
	store     engine.StateStore
	loader    engine.DefinitionLoader

	// MQ
	publisher *mq.Publisher
	conn      *mq.Connection

	// Archive
	archive *blobstore.TraceArchive

	// Active threads — потоки в работе этого экземпляра (threadID → run)
	activeThreads map[uuid.UUID]*ThreadRun
	draining      map[uuid.UUID]bool
	mu            sync.RWMutex

	// Consumers
	pendingConsumer *mq.Consumer
	resumeConsumer  *mq.Consumer
	controlConsumer *mq.Consumer

	// Configuration
	pollInterval time.Duration
	batchSize    int

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	// Repositories
	Executions  *repo.ExecutionRepo
	Definitions *repo.DefinitionRepo
	Traces      *repo.TraceRepo

	// Engine wiring
	Store      engine.StateStore       // снапшоты паузы
	Loader     engine.DefinitionLoader // версии определений (обычно через кэш)
	Evaluator  engine.Evaluator        // вычислитель выражений
	Delegate   engine.Delegate         // nil — удалённая делегация выключена
	HTTPClient *http.Client            // nil — клиент по умолчанию

	// Engine limits (0 — значения движка по умолчанию)
	DefaultTimeout time.Duration
	MaxActivations int

	// MQ
	Publisher *mq.Publisher
	Conn      *mq.Connection

	// Archive — архив трейсов завершённых потоков.
	// Nil — трейс остаётся в БД.
	Archive *blobstore.TraceArchive

	// Polling configuration
	PollInterval time.Duration // интервал polling (default: 10s)
	BatchSize    int           // количество процессов за один poll (default: 100)

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Orchestrator вместе с его процессором движка.
//
// Реестр capabilities собирается здесь же: элементу subflow нужен сам
// оркестратор в роли SubflowRunner.
func New(cfg Config) (*Orchestrator, error) {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		executions:    cfg.Executions,
		definitions:   cfg.Definitions,
		traces:        cfg.Traces,
		store:         cfg.Store,
		loader:        cfg.Loader,
		publisher:     cfg.Publisher,
		conn:          cfg.Conn,
		archive:       cfg.Archive,
		activeThreads: make(map[uuid.UUID]*ThreadRun),
		draining:      make(map[uuid.UUID]bool),
		pollInterval:  pollInterval,
		batchSize:     batchSize,
		logger:        logger,
	}

	registry := elements.DefaultRegistry(elements.Deps{
		HTTPClient: cfg.HTTPClient,
		Evaluator:  cfg.Evaluator,
		Subflows:   o,
		Logger:     logger,
	})

	var inner engine.TraceSink
	if cfg.Traces != nil {
		inner = cfg.Traces
	}

	processor, err := engine.NewProcessor(engine.Config{
		Resolver:       registry,
		Evaluator:      cfg.Evaluator,
		Delegate:       cfg.Delegate,
		Store:          cfg.Store,
		Loader:         cfg.Loader,
		Trace:          newMetricsSink(inner),
		Logger:         logger,
		DefaultTimeout: cfg.DefaultTimeout,
		MaxActivations: cfg.MaxActivations,
	})
	if err != nil {
		return nil, fmt.Errorf("create processor: %w", err)
	}
	o.processor = processor

	return o, nil
}

// Start запускает Orchestrator.
//
// Запускает:
//   - Consumer для executions.pending
//   - Consumer для executions.resume
//   - Consumer control-сигналов (fanout, своя очередь на экземпляр)
//   - Polling горутину для fallback
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator",
		"poll_interval", o.pollInterval,
		"batch_size", o.batchSize,
	)

	// Consumers создаются только при живом MQ. Без него процессы
	// подбирает pollLoop, а паузы и отмены недоступны: control-сигналы
	// ходят исключительно через fanout.
	if o.conn != nil {
		o.pendingConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueExecutionsPending),
			Handler:  o.handleExecutionPending,
			Prefetch: 10,
		})

		o.resumeConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueExecutionsResume),
			Handler:  o.handleExecutionResume,
			Prefetch: 10,
		})

		// Control-сигналы идут через fanout: каждый экземпляр объявляет
		// собственную эксклюзивную очередь и подтверждения не шлёт.
		o.controlConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Setup:   mq.DeclareControlQueue,
			Handler: o.handleControl,
			AutoAck: true,
		})

		// Запускаем pending consumer
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.pendingConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("pending consumer error", "error", err)
			}
		}()

		// Запускаем resume consumer
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.resumeConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("resume consumer error", "error", err)
			}
		}()

		// Запускаем control consumer
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.controlConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("control consumer error", "error", err)
			}
		}()
	} else {
		o.logger.Warn("MQ not configured, control signals are unavailable")
	}

	// Запускаем polling
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pollLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator.
//
// Живые потоки получают сигнал паузы: они снимают снапшот в ближайшей
// точке суспензии, а сообщение resume передаёт их другому экземпляру.
// Потоки, не успевшие за drainTimeout, завершаются как CANCELLED.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	o.drainActiveThreads()
	o.waitForDrain(drainTimeout)

	if o.cancelFunc != nil {
		o.cancelFunc()
	}

	// Останавливаем consumers
	if o.pendingConsumer != nil {
		o.pendingConsumer.Stop()
	}
	if o.resumeConsumer != nil {
		o.resumeConsumer.Stop()
	}
	if o.controlConsumer != nil {
		o.controlConsumer.Stop()
	}

	// Ждём завершения горутин
	o.wg.Wait()

	o.logger.Info("orchestrator stopped",
		"active_threads", o.ActiveThreadsCount(),
	)
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// drainActiveThreads сигналит паузу всем потокам экземпляра и помечает
// их на передачу: finishSegment опубликует для них resume.
func (o *Orchestrator) drainActiveThreads() {
	o.mu.Lock()
	ids := make([]uuid.UUID, 0, len(o.activeThreads))
	for id := range o.activeThreads {
		ids = append(ids, id)
		o.draining[id] = true
	}
	o.mu.Unlock()

	if len(ids) == 0 {
		return
	}

	o.logger.Info("draining active threads", "count", len(ids))
	for _, id := range ids {
		o.processor.Pause(id)
	}
}

// waitForDrain ждёт, пока реестр активных потоков опустеет.
func (o *Orchestrator) waitForDrain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for o.ActiveThreadsCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if n := o.ActiveThreadsCount(); n > 0 {
		o.logger.Warn("threads still active after drain timeout", "count", n)
	}
}

// pollLoop — цикл polling для fallback.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте (подхватываем процессы, созданные
	// пока экземпляров не было)
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling.
func (o *Orchestrator) poll(ctx context.Context) {
	if o.IsStopped() {
		return
	}

	procs, err := o.executions.ListPendingProcesses(ctx, o.batchSize)
	if err != nil {
		o.logger.Error("failed to list pending processes", "error", err)
		return
	}

	if len(procs) == 0 {
		return
	}

	o.logger.Debug("poll found pending processes", "count", len(procs))

	for i := range procs {
		proc := &procs[i]

		// Проверяем, не обрабатывается ли уже
		if o.isProcessActive(proc.ID) {
			continue
		}

		if err := o.startProcess(ctx, proc.ID); err != nil {
			if errors.Is(err, ErrProcessNotPending) || errors.Is(err, ErrOrchestratorStopped) {
				continue
			}
			o.logger.Error("failed to start process from poll",
				"process_id", proc.ID,
				"error", err,
			)
		}
	}
}

// isThreadActive проверяет, выполняется ли поток в этом экземпляре.
func (o *Orchestrator) isThreadActive(threadID uuid.UUID) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, exists := o.activeThreads[threadID]
	return exists
}

// isProcessActive проверяет, ведёт ли экземпляр какой-то поток процесса.
func (o *Orchestrator) isProcessActive(processID uuid.UUID) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, run := range o.activeThreads {
		if run.ProcessID == processID {
			return true
		}
	}
	return false
}

// getActiveThread возвращает активный ThreadRun.
func (o *Orchestrator) getActiveThread(threadID uuid.UUID) *ThreadRun {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.activeThreads[threadID]
}

// addActiveThread добавляет поток в активные.
func (o *Orchestrator) addActiveThread(run *ThreadRun) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.activeThreads[run.Thread.ID]; exists {
		return ErrThreadAlreadyActive
	}

	o.activeThreads[run.Thread.ID] = run
	telemetry.ActiveExecutions.Inc()
	return nil
}

// removeActiveThread удаляет поток из активных.
func (o *Orchestrator) removeActiveThread(threadID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.activeThreads[threadID]; exists {
		delete(o.activeThreads, threadID)
		delete(o.draining, threadID)
		telemetry.ActiveExecutions.Dec()
	}
}

// isDraining проверяет, помечен ли поток на передачу при остановке.
func (o *Orchestrator) isDraining(threadID uuid.UUID) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.draining[threadID]
}

// ActiveThreadsCount возвращает количество активных потоков.
func (o *Orchestrator) ActiveThreadsCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.activeThreads)
}
