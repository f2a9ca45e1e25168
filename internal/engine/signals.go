package engine

import (
	"sync"

	"github.com/google/uuid"
)

// Signal — внешний управляющий сигнал для выполнения потока.
type Signal int

const (
	// SignalNone — сигналов нет.
	SignalNone Signal = iota

	// SignalPause — запрошена пауза.
	SignalPause

	// SignalCancel — запрошена отмена. Отмена сильнее паузы.
	SignalCancel
)

// SignalHub — табло внешних сигналов pause/cancel по id потока.
//
// Цикл планирования опрашивает табло между диспатчами элементов —
// это единственные точки, где сигнал вступает в силу (отмена
// кооперативная, кроме жёсткой границы таймаута элемента).
type SignalHub struct {
	mu      sync.RWMutex
	pending map[uuid.UUID]Signal
}

// NewSignalHub создаёт табло сигналов.
func NewSignalHub() *SignalHub {
	return &SignalHub{pending: make(map[uuid.UUID]Signal)}
}

// RequestPause выставляет сигнал паузы, если не запрошена отмена.
func (h *SignalHub) RequestPause(threadID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending[threadID] != SignalCancel {
		h.pending[threadID] = SignalPause
	}
}

// RequestCancel выставляет сигнал отмены, перекрывая паузу.
func (h *SignalHub) RequestCancel(threadID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[threadID] = SignalCancel
}

// Take возвращает и снимает ожидающий сигнал потока.
func (h *SignalHub) Take(threadID uuid.UUID) Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	sig := h.pending[threadID]
	if sig != SignalNone {
		delete(h.pending, threadID)
	}
	return sig
}

// Peek возвращает ожидающий сигнал, не снимая его.
func (h *SignalHub) Peek(threadID uuid.UUID) Signal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pending[threadID]
}

// Clear снимает сигналы потока. Вызывается при завершении выполнения.
func (h *SignalHub) Clear(threadID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, threadID)
}
