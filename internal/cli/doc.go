// Package cli реализует инструмент командной строки Conveyor.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с Conveyor API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
// CLI используется для управления definitions, executions и schedules.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Conveyor API. Инкапсулирует все HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок. Definitions адресуются как UUID, так и
// стабильным ключом.
//
//	client := cli.NewClient("http://localhost:8080")
//	defs, err := client.ListDefinitions()
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON (json.MarshalIndent) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: conveyor definition list --json | jq .
//
// ## Definition file
//
// Команда definition push принимает YAML-файл, где элементы объявлены
// со строковыми ключами, а связи ссылаются на эти ключи. Файл
// компилируется в wire-формат графа (UUID элементов, source_id/target_id)
// на стороне CLI; несуществующий definition создаётся автоматически.
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - definition: list, get, push, activate, deactivate, delete, versions
//   - execution: list, start, get, pause, resume, cancel, trace
//   - schedule: list, create, show, update, delete, enable, disable
//
// Каждая группа создаётся через фабричную функцию (NewDefinitionCmd и
// т.д.), принимающую clientFn и outputFn — замыкания для ленивого
// создания Client и Output после парсинга PersistentFlags.
package cli
