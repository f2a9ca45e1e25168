// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go            — Handler с DI (репозитории, archive, publisher, logger)
//   - routes.go             — регистрация маршрутов
//   - middleware.go         — middleware (logging, recovery)
//   - response.go           — унифицированные JSON-ответы и обработка ошибок
//   - dto.go                — Data Transfer Objects (request/response)
//   - definition_handler.go — обработчики для /definitions и версий
//   - execution_handler.go  — обработчики для /executions
//   - schedule_handler.go   — обработчики для /schedules
//
// API управляет definitions (создание, версии, активация), выполнениями
// (запуск, pause/resume/cancel, трейс) и schedules. Запуск и control-
// операции асинхронные: API пишет PENDING-процесс или публикует сигнал
// в RabbitMQ, фактические переходы статусов делает engine.
package api
