package engine

import (
	"github.com/google/uuid"

	"github.com/shaiso/conveyor/internal/domain"
)

// execStack — явный LIFO-стек активаций цикла планирования.
//
// Кадры — лёгкие ссылки (id + ключ), та же форма, что и в снапшоте
// паузы: сериализация стека — это просто его содержимое.
type execStack struct {
	frames []domain.StackFrame
}

func newStack() *execStack {
	return &execStack{}
}

// Push кладёт кадр на вершину.
func (s *execStack) Push(frame domain.StackFrame) {
	s.frames = append(s.frames, frame)
}

// PushElement кладёт ссылку на элемент на вершину.
func (s *execStack) PushElement(el *domain.ElementDefinition) {
	s.Push(domain.StackFrame{ElementID: el.ID, ElementKey: el.Key})
}

// Pop снимает кадр с вершины. Паника на пустом стеке исключена:
// вызывающий цикл проверяет Len.
func (s *execStack) Pop() domain.StackFrame {
	top := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	return top
}

// Len возвращает глубину стека.
func (s *execStack) Len() int {
	return len(s.frames)
}

// TruncateTo усекает стек до глубины mark и возвращает снятые кадры
// (для учёта пропусков). Используется break/continue и маршрутизацией
// исключений.
func (s *execStack) TruncateTo(mark int) []domain.StackFrame {
	if mark < 0 {
		mark = 0
	}
	if mark >= len(s.frames) {
		return nil
	}
	dropped := make([]domain.StackFrame, len(s.frames)-mark)
	copy(dropped, s.frames[mark:])
	s.frames = s.frames[:mark]
	return dropped
}

// Drain очищает стек и возвращает снятые кадры.
func (s *execStack) Drain() []domain.StackFrame {
	return s.TruncateTo(0)
}

// Frames возвращает копию кадров снизу вверх — форма снапшота.
func (s *execStack) Frames() []domain.StackFrame {
	out := make([]domain.StackFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Restore заменяет содержимое стека кадрами из снапшота.
func (s *execStack) Restore(frames []domain.StackFrame) {
	s.frames = make([]domain.StackFrame, len(frames))
	copy(s.frames, frames)
}

// Contains возвращает true, если элемент присутствует в стеке.
func (s *execStack) Contains(id uuid.UUID) bool {
	for i := range s.frames {
		if s.frames[i].ElementID == id {
			return true
		}
	}
	return false
}
