package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/shaiso/conveyor/internal/elements"
	"github.com/shaiso/conveyor/internal/engine"
	"github.com/shaiso/conveyor/internal/mq"
)

// defaultPrefetch — количество запросов, выдаваемых агенту авансом.
const defaultPrefetch = 5

// Agent выполняет низкодоверенные элементы.
//
// Agent — stateless компонент системы, который:
//   - Получает запросы делегации из очереди RabbitMQ
//   - Выполняет элемент через ограниченный реестр capabilities
//   - Отвечает в reply-очередь вызвавшего engine-инстанса
//
// Agents масштабируются горизонтально — несколько экземпляров
// могут потреблять из одной очереди.
type Agent struct {
	// MQ
	publisher *mq.Publisher
	conn      *mq.Connection

	// Capabilities
	registry   *elements.Registry
	dispatcher *engine.Dispatcher

	// Consumer
	consumer *mq.Consumer

	// Configuration
	prefetch int

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Agent.
type Config struct {
	// MQ
	Publisher *mq.Publisher
	Conn      *mq.Connection

	// HTTPClient — клиент для элемента http. Nil — клиент по умолчанию.
	HTTPClient *http.Client

	// Prefetch — количество сообщений для предварительной загрузки (default: 5).
	Prefetch int

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Agent.
func New(cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	// Control-flow capabilities агенту недоступны: он работает со
	// срезом памяти, а не с самой памятью выполнения.
	registry := elements.RestrictedRegistry(elements.Deps{
		HTTPClient: cfg.HTTPClient,
		Logger:     logger,
	})

	// Evaluator не задан: конфигурация приходит уже отрендеренной.
	// Delegate не задан: вложенная делегация запрещена.
	dispatcher := engine.NewDispatcher(engine.DispatcherConfig{
		Resolver: registry,
		Logger:   logger,
	})

	return &Agent{
		publisher:  cfg.Publisher,
		conn:       cfg.Conn,
		registry:   registry,
		dispatcher: dispatcher,
		prefetch:   prefetch,
		logger:     logger,
	}
}

// Start запускает Agent.
func (a *Agent) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel

	a.logger.Info("starting agent",
		"capabilities", a.registry.Types(),
		"prefetch", a.prefetch,
	)

	a.consumer = mq.NewConsumer(a.conn, a.logger, mq.ConsumerConfig{
		Queue:    string(mq.QueueDispatchRequests),
		Handler:  a.handleDispatchRequest,
		Prefetch: a.prefetch,
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("dispatch consumer error", "error", err)
		}
	}()

	a.logger.Info("agent started")
	return nil
}

// Stop останавливает Agent.
func (a *Agent) Stop() {
	a.stoppedMu.Lock()
	a.stopped = true
	a.stoppedMu.Unlock()

	a.logger.Info("stopping agent...")

	if a.cancelFunc != nil {
		a.cancelFunc()
	}

	if a.consumer != nil {
		a.consumer.Stop()
	}

	// Ждём завершения горутин
	a.wg.Wait()

	a.logger.Info("agent stopped")
}

// IsStopped проверяет, остановлен ли Agent.
func (a *Agent) IsStopped() bool {
	a.stoppedMu.RLock()
	defer a.stoppedMu.RUnlock()
	return a.stopped
}
