// Package elements содержит capabilities — реализации типов элементов.
//
// Стандартный набор:
//   - trigger, schedule — точки входа потока
//   - http              — HTTP-запрос
//   - delay             — задержка
//   - set               — запись переменных выполнения
//   - transform         — трансформация данных (pass-through с выражениями)
//   - if, switch        — явное ветвление по портам
//   - loop, break, continue — циклы по коллекции
//   - try, throw        — скоупы исключений
//   - subflow           — синхронный запуск другого воркфлоу
//   - noop              — пустой элемент
//
// Низкодоверенный агент получает урезанный реестр (RestrictedRegistry):
// только типы, не трогающие память выполнения.
package elements
