package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
)

// DispatchRequest — запрос удалённого выполнения одной попытки
// низкодоверенного элемента.
type DispatchRequest struct {
	// Element — определение элемента.
	Element *domain.ElementDefinition `json:"element"`

	// Snapshot — срез контекста для агента: отрендеренная конфигурация
	// и память на чтение.
	Snapshot *engine.RemoteSnapshot `json:"snapshot"`
}

// DispatchReply — ответ агента на запрос делегации.
type DispatchReply struct {
	// Result — нормализованный результат попытки.
	Result *domain.Result `json:"result,omitempty"`

	// Error — транспортная ошибка агента (не ошибка элемента:
	// те приходят внутри Result).
	Error string `json:"error,omitempty"`
}

// PublishDispatchReply отправляет ответ агента в reply-очередь вызова.
// Публикация идёт в default exchange: routing key равен имени очереди.
func (p *Publisher) PublishDispatchReply(ctx context.Context, replyTo, correlationID string, reply *DispatchReply) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeDispatchReply,
		Payload:   reply,
		Timestamp: time.Now(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dispatch reply: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			"",      // default exchange
			replyTo, // routing key = имя reply-очереди
			false,
			false,
			amqp.Publishing{
				ContentType:   "application/json",
				DeliveryMode:  amqp.Transient, // reply-очередь эксклюзивна и не переживает клиента
				MessageId:     msg.ID,
				CorrelationId: correlationID,
				Timestamp:     msg.Timestamp,
				Body:          body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish dispatch reply: %w", err)
		}

		p.logger.Debug("published dispatch reply",
			"reply_to", replyTo,
			"correlation_id", correlationID,
		)

		return nil
	})
}

// RemoteClient — RPC-клиент удалённой делегации поверх RabbitMQ.
// Реализует engine.Delegate.
//
// Запросы публикуются в dispatch-обменник с reply-to и correlation id;
// ответы приходят в эксклюзивную server-named очередь клиента и
// раздаются ожидающим вызовам по correlation id. Потерянный при
// переподключении ответ завершается таймаутом попытки — диспетчер
// классифицирует его как TIMEOUT и отдаёт retry-политике.
type RemoteClient struct {
	conn   *Connection
	logger *slog.Logger

	mu      sync.Mutex
	reply   string
	pending map[string]chan DispatchReply
}

// NewRemoteClient создаёт RPC-клиент и запускает потребление ответов.
// ctx управляет временем жизни фонового потребителя.
func NewRemoteClient(ctx context.Context, conn *Connection, logger *slog.Logger) *RemoteClient {
	c := &RemoteClient{
		conn:    conn,
		logger:  logger,
		pending: make(map[string]chan DispatchReply),
	}

	go c.serveReplies(ctx)

	return c
}

// ExecuteRemote отправляет попытку элемента агенту и ждёт ответа.
// Дедлайн попытки передаётся через ctx — по его истечении вызов
// возвращает ошибку контекста.
func (c *RemoteClient) ExecuteRemote(ctx context.Context, el *domain.ElementDefinition, snap *engine.RemoteSnapshot) (*domain.Result, error) {
	replyQueue := c.replyQueue()
	if replyQueue == "" {
		return nil, fmt.Errorf("dispatch reply queue is not ready")
	}

	corrID := uuid.New().String()
	replyCh := make(chan DispatchReply, 1)
	c.addPending(corrID, replyCh)
	defer c.removePending(corrID)

	msg := &Message{
		ID:        corrID,
		Type:      MessageTypeDispatchRequest,
		Payload:   DispatchRequest{Element: el, Snapshot: snap},
		Timestamp: time.Now(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch request: %w", err)
	}

	err = c.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		return ch.PublishWithContext(
			ctx,
			string(ExchangeDispatch),
			string(RoutingKeyRequest),
			false,
			false,
			amqp.Publishing{
				ContentType:   "application/json",
				DeliveryMode:  amqp.Persistent,
				MessageId:     corrID,
				CorrelationId: corrID,
				ReplyTo:       replyQueue,
				Timestamp:     msg.Timestamp,
				Body:          body,
			},
		)
	})
	if err != nil {
		return nil, fmt.Errorf("publish dispatch request: %w", err)
	}

	c.logger.Debug("dispatched element to agent",
		"element_key", el.Key,
		"correlation_id", corrID,
	)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-replyCh:
		if reply.Error != "" {
			return nil, errors.New(reply.Error)
		}
		if reply.Result == nil {
			return nil, fmt.Errorf("dispatch reply without result")
		}
		return reply.Result, nil
	}
}

// serveReplies — фоновый цикл потребления ответов агентов.
func (c *RemoteClient) serveReplies(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		deliveries, err := c.setupReplyQueue()
		if err != nil {
			c.logger.Error("failed to setup dispatch reply queue", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-c.conn.ReconnectNotify():
				continue
			}
		}

		c.logger.Info("dispatch reply consumer started", "queue", c.replyQueue())

		c.drainReplies(ctx, deliveries)
		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("dispatch reply channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-c.conn.ReconnectNotify():
		}
	}
}

// setupReplyQueue объявляет эксклюзивную reply-очередь и начинает
// потребление из неё.
func (c *RemoteClient) setupReplyQueue() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, fmt.Errorf("no channel available")
	}

	q, err := ch.QueueDeclare(
		"",    // name (server-generated)
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}

	c.mu.Lock()
	c.reply = q.Name
	c.mu.Unlock()

	deliveries, err := ch.Consume(
		q.Name, // queue
		"",     // consumer tag
		true,   // auto-ack: ответ либо доходит, либо вызов истекает
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return nil, fmt.Errorf("consume reply queue: %w", err)
	}

	return deliveries, nil
}

// drainReplies раздаёт ответы ожидающим вызовам.
func (c *RemoteClient) drainReplies(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-deliveries:
			if !ok {
				return
			}
			c.handleReply(raw)
		}
	}
}

// handleReply сопоставляет ответ с ожидающим вызовом по correlation id.
func (c *RemoteClient) handleReply(raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("failed to unmarshal dispatch reply",
			"correlation_id", raw.CorrelationId,
			"error", err,
		)
		return
	}

	reply, err := ParsePayload[DispatchReply](&msg)
	if err != nil {
		c.logger.Error("failed to parse dispatch reply payload",
			"correlation_id", raw.CorrelationId,
			"error", err,
		)
		return
	}

	c.mu.Lock()
	replyCh, ok := c.pending[raw.CorrelationId]
	c.mu.Unlock()

	if !ok {
		// Вызов уже истёк по таймауту — ответ никому не нужен.
		c.logger.Debug("orphan dispatch reply", "correlation_id", raw.CorrelationId)
		return
	}

	select {
	case replyCh <- reply:
	default:
	}
}

// replyQueue возвращает имя текущей reply-очереди.
func (c *RemoteClient) replyQueue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reply
}

func (c *RemoteClient) addPending(corrID string, ch chan DispatchReply) {
	c.mu.Lock()
	c.pending[corrID] = ch
	c.mu.Unlock()
}

func (c *RemoteClient) removePending(corrID string) {
	c.mu.Lock()
	delete(c.pending, corrID)
	c.mu.Unlock()
}
