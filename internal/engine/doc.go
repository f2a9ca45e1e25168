// Package engine содержит движок выполнения воркфлоу.
//
// Включает:
//   - graph.go     — компиляция ThreadDefinition в граф со смежностью
//   - stack.go     — LIFO-стек активаций цикла планирования
//   - processor.go — цикл планирования: pop → dispatch → route
//   - dispatch.go  — выполнение одной попытки элемента под таймаутом
//   - retry.go     — решения по провалившимся попыткам
//   - router.go    — выбор следующих элементов, циклы, исключения
//   - context.go   — иерархия контекстов: процесс → поток → элемент
//   - signals.go   — внешние сигналы pause/cancel
//
// Движок однопоточный в пределах одного выполнения потока: стек
// и память не разделяются между горутинами, конкурентность живёт
// уровнем выше — оркестратор ведёт много выполнений параллельно.
package engine
