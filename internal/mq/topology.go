package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	// ExchangeExecutions — запуск и возобновление выполнений плюс
	// статусные события (direct).
	ExchangeExecutions Exchange = "conveyor.executions"

	// ExchangeDispatch — удалённая делегация низкодоверенных
	// элементов (direct, RPC с reply-to).
	ExchangeDispatch Exchange = "conveyor.dispatch"

	// ExchangeControl — сигналы pause/cancel живым выполнениям
	// (fanout: каждый engine-инстанс слушает собственную эксклюзивную
	// очередь).
	ExchangeControl Exchange = "conveyor.control"

	// ExchangeDLQ — мёртвые сообщения.
	ExchangeDLQ Exchange = "conveyor.dlq"
)

// Queues — имена очередей.
const (
	QueueExecutionsPending Queue = "executions.pending"
	QueueExecutionsResume  Queue = "executions.resume"
	QueueExecutionsStatus  Queue = "executions.status"
	QueueDispatchRequests  Queue = "dispatch.requests"
	QueueDLQDispatch       Queue = "dlq.dispatch"
)

// Routing keys.
const (
	RoutingKeyPending     RoutingKey = "pending"
	RoutingKeyResume      RoutingKey = "resume"
	RoutingKeyStatus      RoutingKey = "status"
	RoutingKeyRequest     RoutingKey = "request"
	RoutingKeyDLQDispatch RoutingKey = "dispatch"
)

// SetupTopology объявляет обменники, очереди и биндинги.
// Идемпотентна: повторное объявление той же топологии безопасно.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		if err := bindQueues(ch); err != nil {
			return err
		}
		return nil
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeExecutions, "direct"},
		{ExchangeDispatch, "direct"},
		{ExchangeControl, "fanout"},
		{ExchangeDLQ, "direct"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQDispatch),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// executions.pending — без DLQ: у оркестратора есть
		// DB-поллинг как фолбэк.
		{QueueExecutionsPending, nil},

		// executions.resume — без DLQ: потерянный resume повторяет
		// пользователь, атомарное потребление снапшота защищает
		// от дублей.
		{QueueExecutionsResume, nil},

		// executions.status — информационные события.
		{QueueExecutionsStatus, nil},

		// dispatch.requests — с DLQ: запрос, который агент не смог
		// обработать, уходит на ручной разбор.
		{QueueDispatchRequests, dlqArgs},

		// dlq.dispatch — сама DLQ очередь.
		{QueueDLQDispatch, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueExecutionsPending, RoutingKeyPending, ExchangeExecutions},
		{QueueExecutionsResume, RoutingKeyResume, ExchangeExecutions},
		{QueueExecutionsStatus, RoutingKeyStatus, ExchangeExecutions},
		{QueueDispatchRequests, RoutingKeyRequest, ExchangeDispatch},
		{QueueDLQDispatch, RoutingKeyDLQDispatch, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// DeclareControlQueue объявляет эксклюзивную server-named очередь,
// привязанную к control-обменнику. Вызывается каждым engine-инстансом
// при старте потребления; очередь исчезает вместе с соединением.
func DeclareControlQueue(ch *amqp.Channel) (string, error) {
	q, err := ch.QueueDeclare(
		"",    // name (server-generated)
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return "", fmt.Errorf("declare control queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", string(ExchangeControl), false, nil); err != nil {
		return "", fmt.Errorf("bind control queue: %w", err)
	}

	return q.Name, nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Conveyor RabbitMQ Topology:

    conveyor.executions (direct)
    ├── executions.pending [routing: pending]
    │       Consumer: Engine (orchestrator)
    ├── executions.resume [routing: resume]
    │       Consumer: Engine (orchestrator)
    └── executions.status [routing: status]
            Informational events

    conveyor.dispatch (direct)
    └── dispatch.requests [routing: request]
            Consumer: Agent (low-trust executor)
            Replies: reply-to queue, correlation id
            DLQ: dlq.dispatch

    conveyor.control (fanout)
    └── <server-named exclusive queue per engine instance>
            pause / cancel signals

    conveyor.dlq (direct)
    └── dlq.dispatch [routing: dispatch]
            Manual processing
  `
}
