// Package orchestrator управляет выполнением процессов.
//
// Orchestrator отвечает за:
//   - Получение новых процессов из очереди RabbitMQ (polling
//     pending процессов в БД — fallback)
//   - Атомарный захват процесса — ровно один экземпляр ведёт поток
//   - Прогон главного потока через движок выполнения
//   - Доставку сигналов pause/cancel потокам своего экземпляра
//   - Возобновление приостановленных потоков со снапшота
//   - Запись результатов сегментов и финализацию процесса
//   - Архивацию трейса завершённого потока в объектное хранилище
//
// Orchestrator — это "мозг" системы, который координирует выполнение.
package orchestrator
