package orchestrator

import (
	"context"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
	"github.com/shaiso/conveyor/internal/telemetry"
)

// metricsSink считает метрики попыток элементов поверх записи трейса.
//
// Движок остаётся свободным от телеметрии: счётчики живут на стороне
// оркестратора. Inner nil допустим — тогда события только считаются.
type metricsSink struct {
	inner engine.TraceSink
}

func newMetricsSink(inner engine.TraceSink) *metricsSink {
	return &metricsSink{inner: inner}
}

// Record реализует engine.TraceSink.
func (s *metricsSink) Record(ctx context.Context, event *domain.ElementEvent) error {
	telemetry.ElementAttemptsTotal.WithLabelValues(event.ElementType, string(event.Status)).Inc()
	telemetry.ElementDuration.WithLabelValues(event.ElementType).Observe(event.Duration.Seconds())
	if event.Attempt > 1 {
		telemetry.RetriesTotal.Inc()
	}
	if event.Remote {
		telemetry.RemoteDispatchesTotal.WithLabelValues(string(event.Status)).Inc()
	}

	if s.inner == nil {
		return nil
	}
	return s.inner.Record(ctx, event)
}
