package elements

import (
	"context"
	"fmt"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
)

// TypeSubflow — тип элемента запуска дочернего потока.
const TypeSubflow = "subflow"

// maxSubflowDepth — предел вложенности дочерних потоков.
const maxSubflowDepth = 5

// SubflowRunner — запуск дочернего потока в рамках того же процесса.
// Реализуется оркестратором: он резолвит определение по ключу,
// создаёт запись выполнения и гоняет дочерний поток синхронно.
type SubflowRunner interface {
	RunSubflow(ctx context.Context, parent *engine.ThreadContext, definitionKey string, inputs map[string]any) (*engine.ThreadResult, error)
}

// subflowConfig — конфигурация элемента subflow.
type subflowConfig struct {
	// Definition — ключ запускаемого definition. Выполняется его
	// последняя версия.
	Definition string `mapstructure:"definition"`

	// Inputs — входные параметры дочернего потока (отрендеренные).
	Inputs map[string]any `mapstructure:"inputs"`
}

// SubflowCapability — синхронный запуск другого воркфлоу.
//
// Дочерний поток получает собственную свежую память; наружу
// возвращаются только его статус и выходы элементов. Провал дочернего
// потока — ошибка элемента с kind дочерней ошибки, её можно поймать
// объемлющим скоупом родителя.
type SubflowCapability struct {
	runner SubflowRunner
}

// NewSubflowCapability создаёт capability subflow.
func NewSubflowCapability(runner SubflowRunner) *SubflowCapability {
	return &SubflowCapability{runner: runner}
}

// Type возвращает тип элемента.
func (c *SubflowCapability) Type() string {
	return TypeSubflow
}

// Validate проверяет ключ definition и наличие runner.
func (c *SubflowCapability) Validate(_ context.Context, ectx *engine.ElementContext) error {
	if c.runner == nil {
		return domain.NewValidationError(ectx.Element.Key, "", "subflow runner is not configured")
	}
	var cfg subflowConfig
	if err := decodeConfig(ectx.Config, &cfg); err != nil {
		return err
	}
	if cfg.Definition == "" {
		return domain.NewValidationError(ectx.Element.Key, "definition", "definition is required")
	}
	return nil
}

// Execute запускает дочерний поток и ждёт его завершения.
func (c *SubflowCapability) Execute(ctx context.Context, ectx *engine.ElementContext) (*domain.Result, error) {
	var cfg subflowConfig
	if err := decodeConfig(ectx.Config, &cfg); err != nil {
		return nil, err
	}

	if ectx.Thread.Depth >= maxSubflowDepth {
		return domain.Fail(domain.KindValidation,
			fmt.Sprintf("%v: depth %d", ErrSubflowDepth, ectx.Thread.Depth)), nil
	}

	res, err := c.runner.RunSubflow(ctx, ectx.Thread, cfg.Definition, cfg.Inputs)
	if err != nil {
		return nil, fmt.Errorf("run subflow %q: %w", cfg.Definition, err)
	}

	switch res.Status {
	case domain.StatusCompleted:
		return domain.Succeed(map[string]any{
			"thread_execution_id": res.ThreadID.String(),
			"status":              string(res.Status),
			"output":              res.Output,
		}), nil

	case domain.StatusCancelled:
		return domain.Fail(domain.KindCancelled,
			fmt.Sprintf("subflow %q cancelled", cfg.Definition)), nil

	case domain.StatusFailed:
		kind := domain.KindException
		message := fmt.Sprintf("subflow %q failed", cfg.Definition)
		if res.Error != nil {
			kind = res.Error.Kind
			message = fmt.Sprintf("subflow %q failed: %s", cfg.Definition, res.Error.Message)
		}
		return domain.Fail(kind, message), nil

	default:
		// Пауза дочернего потока изнутри родителя не поддерживается.
		return domain.Fail(domain.KindValidation,
			fmt.Sprintf("subflow %q finished in unexpected status %s", cfg.Definition, res.Status)), nil
	}
}
