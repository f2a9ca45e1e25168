// Package agent выполняет низкодоверенные элементы по запросам движка.
//
// Agent — изолированный исполнитель без доступа к базе данных и к
// памяти выполнения. Он отвечает за:
//   - Потребление запросов делегации из очереди dispatch.requests
//   - Выполнение элемента через ограниченный реестр capabilities
//     (http, delay, transform, noop)
//   - Ответ в reply-очередь вызвавшего инстанса по correlation id
//
// Всё необходимое приходит внутри запроса: отрендеренная конфигурация
// и срез памяти на чтение. Результат агента движок нормализует и
// прогоняет через retry-политику как обычную попытку.
//
// Agents масштабируются горизонтально — несколько экземпляров
// потребляют из одной очереди dispatch.requests.
package agent
