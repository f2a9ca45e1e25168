package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/conveyor/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeExecutionPending MessageType = "execution.pending"
	MessageTypeExecutionResume  MessageType = "execution.resume"
	MessageTypeExecutionStatus  MessageType = "execution.status"
	MessageTypeControl          MessageType = "execution.control"
	MessageTypeDispatchRequest  MessageType = "dispatch.request"
	MessageTypeDispatchReply    MessageType = "dispatch.reply"
)

// ControlAction — действие control-сигнала.
type ControlAction string

// Действия control-сигналов. Resume не сигнал: он идёт через
// очередь executions.resume и потребляется ровно одним инстансом.
const (
	ControlPause  ControlAction = "pause"
	ControlCancel ControlAction = "cancel"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionPendingPayload — payload для сообщения о новом выполнении.
type ExecutionPendingPayload struct {
	ProcessID uuid.UUID `json:"process_id"`
}

// ExecutionResumePayload — payload для возобновления приостановленного
// потока.
type ExecutionResumePayload struct {
	ProcessID uuid.UUID `json:"process_id"`
	ThreadID  uuid.UUID `json:"thread_id"`
}

// ExecutionStatusPayload — payload статусного события выполнения.
type ExecutionStatusPayload struct {
	ProcessID uuid.UUID              `json:"process_id"`
	ThreadID  uuid.UUID              `json:"thread_id"`
	Status    domain.ExecutionStatus `json:"status"`
	Error     string                 `json:"error,omitempty"`
}

// ControlPayload — payload control-сигнала живому выполнению.
type ControlPayload struct {
	ThreadID uuid.UUID     `json:"thread_id"`
	Action   ControlAction `json:"action"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishExecutionPending публикует событие о новом process execution,
// ожидающем выполнения. Потребитель: Engine.
func (p *Publisher) PublishExecutionPending(ctx context.Context, processID uuid.UUID) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeExecutionPending,
		Payload:   ExecutionPendingPayload{ProcessID: processID},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeExecutions, RoutingKeyPending, msg)
}

// PublishExecutionResume публикует запрос на возобновление
// приостановленного потока. Потребитель: Engine.
func (p *Publisher) PublishExecutionResume(ctx context.Context, processID, threadID uuid.UUID) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeExecutionResume,
		Payload:   ExecutionResumePayload{ProcessID: processID, ThreadID: threadID},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeExecutions, RoutingKeyResume, msg)
}

// PublishExecutionStatus публикует статусное событие выполнения.
func (p *Publisher) PublishExecutionStatus(ctx context.Context, payload ExecutionStatusPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeExecutionStatus,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeExecutions, RoutingKeyStatus, msg)
}

// PublishControl рассылает control-сигнал всем engine-инстансам.
// Инстанс, владеющий потоком, применяет сигнал; остальные игнорируют.
func (p *Publisher) PublishControl(ctx context.Context, payload ControlPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeControl,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeControl, "", msg)
}

// PublishJSON публикует произвольный JSON payload.
func (p *Publisher) PublishJSON(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, exchange, routingKey, msg)
}
