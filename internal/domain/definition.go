package domain

import (
	"time"

	"github.com/google/uuid"
)

// Имена портов, зарезервированные движком.
//
// Выходные порты выбираются элементом (или роутером) после выполнения,
// входные порты различают обычные связи и обратные рёбра циклов/скоупов.
const (
	// PortMain — основной выходной/входной порт по умолчанию.
	PortMain = "main"

	// PortError — выходной порт для continue_on_fail: сюда уходит
	// управление после исчерпания retry, если элемент разрешает
	// продолжение при ошибке.
	PortError = "error"

	// PortTrue и PortFalse — выходные порты условного элемента.
	PortTrue  = "true"
	PortFalse = "false"

	// PortLoop — выходной порт тела цикла; одновременно имя входного
	// порта обратного ребра, по которому тело возвращается в элемент цикла.
	PortLoop = "loop"

	// PortDone — выходной порт "после цикла" и "после скоупа".
	PortDone = "done"

	// PortTry — выходной порт тела try-скоупа.
	PortTry = "try"

	// PortCatch — выходной порт по умолчанию для catch-обработчика.
	// Обработчики могут объявлять собственные порты в конфигурации.
	PortCatch = "catch"

	// PortFinally — выходной порт finally-ветки скоупа.
	PortFinally = "finally"

	// PortClose — входной порт обратного ребра try-скоупа: тело, catch-
	// и finally-ветки завершаются связью в этот порт владеющего элемента.
	PortClose = "close"
)

// Definition — именованное определение воркфлоу.
//
// Definition — это "шаблон" процесса. Само содержимое графа живёт
// в версиях (DefinitionVersion); каждое выполнение закрепляется
// за конкретной версией и не видит последующих изменений.
type Definition struct {
	// ID — уникальный идентификатор definition.
	ID uuid.UUID `json:"id"`

	// Key — стабильный ключ (например, "sync-orders", "daily-report").
	// Используется в CLI и в элементе subflow для ссылок между воркфлоу.
	Key string `json:"key"`

	// Name — человекочитаемое имя.
	Name string `json:"name"`

	// IsActive — флаг активности. Неактивные definitions не запускаются
	// по расписанию и не принимают новые выполнения.
	IsActive bool `json:"is_active"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`
}

// DefinitionVersion — конкретная версия графа воркфлоу.
//
// Версия иммутабельна после создания: выполнение, запущенное на версии,
// может быть поставлено на паузу и возобновлено на ней же — снапшот стека
// ссылается на элементы по id и регидрируется против той же версии.
type DefinitionVersion struct {
	// ID — идентификатор версии. Именно его закрепляют выполнения
	// и именно по нему загрузчик возвращает граф.
	ID uuid.UUID `json:"id"`

	// DefinitionID — ссылка на родительский definition.
	DefinitionID uuid.UUID `json:"definition_id"`

	// Version — порядковый номер версии (1, 2, 3, ...).
	Version int `json:"version"`

	// Graph — граф воркфлоу (содержимое JSONB поля graph).
	Graph ThreadDefinition `json:"graph"`

	// CreatedAt — время создания версии.
	CreatedAt time.Time `json:"created_at"`
}

// ThreadDefinition — иммутабельное описание графа воркфлоу:
// элементы плюс направленные связи между их портами.
//
// Движок никогда не мутирует ThreadDefinition. Скомпилированная форма
// с индексами смежности строится отдельно (engine.Graph) и кешируется
// по id версии.
type ThreadDefinition struct {
	// Name — имя графа (дублирует Definition.Name для удобства).
	Name string `json:"name,omitempty"`

	// Elements — узлы графа в порядке объявления.
	Elements []ElementDefinition `json:"elements"`

	// Connections — направленные связи между портами элементов.
	Connections []ConnectionDefinition `json:"connections,omitempty"`
}

// ElementDefinition — определение одного элемента (узла) графа.
type ElementDefinition struct {
	// ID — уникальный идентификатор элемента в рамках графа.
	ID uuid.UUID `json:"id"`

	// Key — стабильный строковый ключ элемента. Используется в выражениях
	// ({{ .Nodes.fetch.body }}), в nodeOutputs и в снапшотах стека.
	Key string `json:"key"`

	// Name — человекочитаемое имя элемента.
	Name string `json:"name,omitempty"`

	// Type — тип элемента: "trigger", "http", "loop", "try" и т.д.
	// Определяет, какая capability выполнит элемент.
	Type string `json:"type"`

	// TimeoutSec — таймаут выполнения в секундах.
	// 0 означает таймаут по умолчанию (300 секунд).
	TimeoutSec int `json:"timeout_sec,omitempty"`

	// MaxRetries — максимум повторных попыток после первой неудачи.
	// 0 означает "без повторов".
	MaxRetries int `json:"max_retries,omitempty"`

	// RetryWaitSec — базовая задержка перед повтором в секундах.
	RetryWaitSec int `json:"retry_wait_sec,omitempty"`

	// RetryOn — allow-list повторяемых видов ошибок. Пустой список —
	// повторяются только ошибки, восстановимые по своей природе.
	RetryOn []string `json:"retry_on,omitempty"`

	// ContinueOnFail — продолжать ли граф через порт "error" после
	// исчерпания повторов вместо падения всего выполнения.
	ContinueOnFail bool `json:"continue_on_fail,omitempty"`

	// IsTrigger — является ли элемент точкой входа графа.
	IsTrigger bool `json:"is_trigger,omitempty"`

	// IsLowTrust — выполнять ли элемент через удалённую делегацию
	// (отдельный низкопривилегированный агент) вместо локального вызова.
	IsLowTrust bool `json:"is_low_trust,omitempty"`

	// Config — непрозрачная конфигурация элемента.
	// Интерпретируется только соответствующей capability.
	Config map[string]any `json:"config,omitempty"`
}

// Timeout возвращает таймаут элемента или значение по умолчанию.
func (e *ElementDefinition) Timeout(fallback time.Duration) time.Duration {
	if e.TimeoutSec > 0 {
		return time.Duration(e.TimeoutSec) * time.Second
	}
	return fallback
}

// RetryWait возвращает базовую задержку повтора.
func (e *ElementDefinition) RetryWait() time.Duration {
	if e.RetryWaitSec > 0 {
		return time.Duration(e.RetryWaitSec) * time.Second
	}
	return 0
}

// ConnectionDefinition — направленная связь между портами двух элементов.
type ConnectionDefinition struct {
	// SourceID — элемент-источник.
	SourceID uuid.UUID `json:"source_id"`

	// SourcePort — выходной порт источника. Пустая строка означает "main".
	SourcePort string `json:"source_port,omitempty"`

	// TargetID — элемент-приёмник.
	TargetID uuid.UUID `json:"target_id"`

	// TargetPort — входной порт приёмника. Пустая строка означает "main".
	// Порты "loop" и "close" помечают обратные рёбра циклов и скоупов.
	TargetPort string `json:"target_port,omitempty"`

	// Condition — опциональное условие (Go template, приводимый к bool).
	// Ошибка вычисления трактуется как false с предупреждением в логе.
	Condition string `json:"condition,omitempty"`

	// Order — порядок отображения. Разруливает очерёдность, когда
	// с одного порта уходит несколько связей.
	Order int `json:"order,omitempty"`
}

// FromPort возвращает выходной порт связи с учётом значения по умолчанию.
func (c *ConnectionDefinition) FromPort() string {
	if c.SourcePort == "" {
		return PortMain
	}
	return c.SourcePort
}

// ToPort возвращает входной порт связи с учётом значения по умолчанию.
func (c *ConnectionDefinition) ToPort() string {
	if c.TargetPort == "" {
		return PortMain
	}
	return c.TargetPort
}

// IsBackEdge возвращает true для обратных рёбер циклов и try-скоупов.
// Обратные рёбра не участвуют в подсчёте join-активаций.
func (c *ConnectionDefinition) IsBackEdge() bool {
	switch c.ToPort() {
	case PortLoop, PortClose:
		return true
	default:
		return false
	}
}
