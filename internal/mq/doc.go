// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений в очереди
//   - consumer.go   — потребление сообщений из очередей
//   - rpc.go        — RPC удалённой делегации (запрос/ответ с correlation id)
//
// Типы сообщений:
//   - execution.pending — новый process execution ожидает выполнения
//   - execution.resume  — запрос на возобновление приостановленного потока
//   - execution.status  — статусное событие выполнения
//   - execution.control — сигнал pause/cancel живому выполнению
//   - dispatch.request  — запрос выполнения низкодоверенного элемента
//   - dispatch.reply    — ответ агента на запрос делегации
//
// Exchanges:
//   - conveyor.executions — события выполнений (direct)
//   - conveyor.dispatch   — удалённая делегация (direct, RPC с reply-to)
//   - conveyor.control    — сигналы живым выполнениям (fanout)
//   - conveyor.dlq        — dead letter queue
package mq
