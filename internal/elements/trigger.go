package elements

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
)

const (
	// TypeTrigger — тип ручного/webhook триггера.
	TypeTrigger = "trigger"

	// TypeSchedule — тип расписания.
	TypeSchedule = "schedule"
)

// TriggerCapability — точка входа потока.
//
// Выходом триггера становятся входные параметры процесса: оркестратор
// кладёт их в переменные памяти до запуска, триггер снимает срез и
// публикует его как собственный nodeOutput, чтобы ниже по графу
// работало {{ .Nodes.start.body }} наравне с {{ .Vars.body }}.
type TriggerCapability struct{}

// NewTriggerCapability создаёт capability триггера.
func NewTriggerCapability() *TriggerCapability {
	return &TriggerCapability{}
}

// Type возвращает тип элемента.
func (c *TriggerCapability) Type() string {
	return TypeTrigger
}

// Validate проверяет конфигурацию. У триггера её нет.
func (c *TriggerCapability) Validate(_ context.Context, _ *engine.ElementContext) error {
	return nil
}

// Execute публикует входные параметры как выход элемента.
func (c *TriggerCapability) Execute(_ context.Context, ectx *engine.ElementContext) (*domain.Result, error) {
	vars := ectx.Memory().Variables
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return domain.Succeed(out), nil
}

// scheduleConfig — конфигурация элемента schedule.
type scheduleConfig struct {
	// Cron — cron-выражение в стандартном пятипольном формате.
	Cron string `mapstructure:"cron"`

	// EverySec — интервал в секундах (альтернатива cron).
	EverySec int `mapstructure:"every_sec"`
}

// ScheduleCapability — триггер по расписанию.
//
// Само срабатывание выполняет планировщик (он создаёт процесс);
// элемент в графе — точка входа, публикующая момент срабатывания
// и входные параметры. Валидация cron-выражения здесь дублирует
// валидацию при регистрации расписания: определение с нечитаемым
// выражением не должно дойти до выполнения.
type ScheduleCapability struct{}

// NewScheduleCapability создаёт capability расписания.
func NewScheduleCapability() *ScheduleCapability {
	return &ScheduleCapability{}
}

// Type возвращает тип элемента.
func (c *ScheduleCapability) Type() string {
	return TypeSchedule
}

// Validate проверяет cron-выражение или интервал.
func (c *ScheduleCapability) Validate(_ context.Context, ectx *engine.ElementContext) error {
	var cfg scheduleConfig
	if err := decodeConfig(ectx.Config, &cfg); err != nil {
		return err
	}
	if cfg.Cron == "" && cfg.EverySec <= 0 {
		return domain.NewValidationError(ectx.Element.Key, "cron", "cron or every_sec is required")
	}
	if cfg.Cron != "" {
		if _, err := cron.ParseStandard(cfg.Cron); err != nil {
			return domain.NewValidationError(ectx.Element.Key, "cron", fmt.Sprintf("bad cron expression: %v", err))
		}
	}
	return nil
}

// Execute публикует момент срабатывания и входные параметры.
func (c *ScheduleCapability) Execute(_ context.Context, ectx *engine.ElementContext) (*domain.Result, error) {
	vars := ectx.Memory().Variables
	out := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		out[k] = v
	}
	out["fired_at"] = time.Now().UTC().Format(time.RFC3339)
	return domain.Succeed(out), nil
}
