package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/telemetry"
)

// handleDispatchRequest обрабатывает запрос делегации из очереди
// dispatch.requests.
//
// Ошибка возвращается только до начала выполнения: requeue после
// выполненной попытки дал бы дубль side effects. Всё остальное —
// некорректный запрос, потерянный ответ — завершается ack; вызвавший
// инстанс добирает такие случаи по таймауту попытки.
func (a *Agent) handleDispatchRequest(ctx context.Context, delivery *mq.Delivery) error {
	if a.IsStopped() {
		// Вернётся в очередь — возьмёт другой агент.
		return ErrAgentStopped
	}

	replyTo := delivery.Raw.ReplyTo
	corrID := delivery.Raw.CorrelationId

	req, err := mq.ParsePayload[mq.DispatchRequest](&delivery.Message)
	if err != nil {
		a.logger.Error("failed to parse dispatch request payload",
			"correlation_id", corrID,
			"error", err,
		)
		a.reply(ctx, replyTo, corrID, &mq.DispatchReply{
			Error: fmt.Sprintf("malformed dispatch request: %v", err),
		})
		return nil
	}

	if req.Element == nil || req.Snapshot == nil {
		a.logger.Error("dispatch request without element or snapshot",
			"correlation_id", corrID,
		)
		a.reply(ctx, replyTo, corrID, &mq.DispatchReply{
			Error: "dispatch request without element or snapshot",
		})
		return nil
	}

	a.logger.Debug("received dispatch request",
		"element_key", req.Element.Key,
		"element_type", req.Element.Type,
		"thread_execution_id", req.Snapshot.ThreadExecutionID,
		"attempt", req.Snapshot.Attempt,
	)

	res := a.execute(ctx, req.Element, req.Snapshot)

	status := domain.EventStatusCompleted
	if !res.OK {
		status = domain.EventStatusFailed
	}
	telemetry.AgentDispatchesTotal.WithLabelValues(string(status)).Inc()

	a.logAttempt(req.Element, req.Snapshot, res)

	a.reply(ctx, replyTo, corrID, &mq.DispatchReply{Result: res})
	return nil
}

// execute выполняет одну попытку элемента из запроса делегации.
//
// Контекст выполнения собирается целиком из снапшота: срез памяти,
// отрендеренная конфигурация, номер попытки. Версию определения агент
// не получает — граф ему не нужен.
func (a *Agent) execute(ctx context.Context, el *domain.ElementDefinition, snap *engine.RemoteSnapshot) *domain.Result {
	// Для агента делегированный элемент — обычный локальный.
	local := *el
	local.IsLowTrust = false
	if snap.TimeoutSec > 0 {
		// Эффективный таймаут вычислил вызвавший инстанс.
		local.TimeoutSec = snap.TimeoutSec
	}

	mem := domain.NewMemory(snap.Variables)
	for key, output := range snap.NodeOutputs {
		mem.NodeOutputs[key] = output
	}

	pctx := engine.NewProcessContext(snap.ProcessID, snap.Session)
	tctx := engine.NewThreadContext(pctx, snap.ThreadExecutionID, uuid.Nil, mem)

	ectx := engine.NewElementContext(tctx, &local, snap.Attempt, 0)
	// Конфигурация уже отрендерена вызвавшим инстансом.
	ectx.Config = snap.Config

	return a.dispatcher.Dispatch(ctx, ectx)
}

// logAttempt логирует исход попытки.
func (a *Agent) logAttempt(el *domain.ElementDefinition, snap *engine.RemoteSnapshot, res *domain.Result) {
	attrs := []any{
		"element_key", el.Key,
		"element_type", el.Type,
		"thread_execution_id", snap.ThreadExecutionID,
		"attempt", snap.Attempt,
		"duration_ms", res.Duration.Milliseconds(),
	}

	if res.OK {
		a.logger.Info("dispatch attempt completed", attrs...)
		return
	}

	attrs = append(attrs,
		"error_kind", res.ErrorKind,
		"error", res.ErrorMessage,
	)
	a.logger.Warn("dispatch attempt failed", attrs...)
}

// reply отправляет ответ в reply-очередь вызвавшего инстанса.
//
// Потерянный ответ не повторяется: попытка уже выполнена, и повторная
// доставка запроса выполнила бы её заново. Вызвавший инстанс завершит
// такую попытку по таймауту и отдаст retry-политике.
func (a *Agent) reply(ctx context.Context, replyTo, corrID string, rep *mq.DispatchReply) {
	if replyTo == "" {
		a.logger.Warn("dispatch request without reply_to, dropping reply",
			"correlation_id", corrID,
		)
		return
	}

	// Попытка уже выполнена — ответ не должен сорваться отменой
	// контекста на остановке.
	ctx = context.WithoutCancel(ctx)

	if err := a.publisher.PublishDispatchReply(ctx, replyTo, corrID, rep); err != nil {
		a.logger.Error("failed to publish dispatch reply",
			"reply_to", replyTo,
			"correlation_id", corrID,
			"error", err,
		)
	}
}
