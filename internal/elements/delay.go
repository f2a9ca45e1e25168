package elements

import (
	"context"
	"time"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
)

// TypeDelay — тип элемента задержки.
const TypeDelay = "delay"

// delayConfig — конфигурация элемента delay.
type delayConfig struct {
	// DurationSec — длительность в секундах.
	DurationSec float64 `mapstructure:"duration_sec"`

	// DurationMs — длительность в миллисекундах (альтернатива).
	DurationMs int `mapstructure:"duration_ms"`
}

// DelayCapability — пауза на указанное время.
// Поддерживает отмену и таймаут через context.
type DelayCapability struct{}

// NewDelayCapability создаёт capability задержки.
func NewDelayCapability() *DelayCapability {
	return &DelayCapability{}
}

// Type возвращает тип элемента.
func (c *DelayCapability) Type() string {
	return TypeDelay
}

// Validate проверяет, что длительность задана.
func (c *DelayCapability) Validate(_ context.Context, ectx *engine.ElementContext) error {
	var cfg delayConfig
	if err := decodeConfig(ectx.Config, &cfg); err != nil {
		return err
	}
	if cfg.DurationSec <= 0 && cfg.DurationMs <= 0 {
		return domain.NewValidationError(ectx.Element.Key, "duration_sec",
			"duration_sec or duration_ms is required")
	}
	return nil
}

// Execute выполняет задержку.
func (c *DelayCapability) Execute(ctx context.Context, ectx *engine.ElementContext) (*domain.Result, error) {
	var cfg delayConfig
	if err := decodeConfig(ectx.Config, &cfg); err != nil {
		return nil, err
	}

	duration := time.Duration(cfg.DurationSec * float64(time.Second))
	if duration <= 0 {
		duration = time.Duration(cfg.DurationMs) * time.Millisecond
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return domain.Succeed(map[string]any{
			"delayed_ms": duration.Milliseconds(),
		}), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
