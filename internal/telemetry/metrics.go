package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики движка и оркестратора. Регистрируются в
// глобальном реестре; каждый сервис отдаёт их на /metrics.
var (
	// ExecutionsTotal — завершённые сегменты выполнения потоков
	// по итоговому статусу (COMPLETED, FAILED, CANCELLED, PAUSED).
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_executions_total",
		Help: "Thread execution segments by resulting status.",
	}, []string{"status"})

	// ActiveExecutions — потоки, выполняющиеся прямо сейчас.
	ActiveExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_active_executions",
		Help: "Thread executions currently running.",
	})

	// ElementAttemptsTotal — попытки элементов по типу и исходу.
	ElementAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_element_attempts_total",
		Help: "Element execution attempts by element type and status.",
	}, []string{"type", "status"})

	// ElementDuration — длительность попыток элементов по типу.
	ElementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conveyor_element_duration_seconds",
		Help:    "Element attempt duration by element type.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"type"})

	// RetriesTotal — повторные попытки элементов (попытка > 1).
	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_element_retries_total",
		Help: "Element attempts beyond the first.",
	})

	// RemoteDispatchesTotal — попытки, выполненные через удалённую
	// делегацию, по исходу.
	RemoteDispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_remote_dispatches_total",
		Help: "Low-trust element attempts delegated to agents, by status.",
	}, []string{"status"})

	// ScheduledProcessesTotal — process executions, созданные
	// планировщиком.
	ScheduledProcessesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_scheduled_processes_total",
		Help: "Process executions created by the scheduler.",
	})

	// AgentDispatchesTotal — запросы делегации, обработанные агентом,
	// по исходу попытки.
	AgentDispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_agent_dispatches_total",
		Help: "Dispatch requests handled by the agent, by attempt status.",
	}, []string{"status"})
)
