package domain

import (
	"time"

	"github.com/google/uuid"
)

// ElementEvent — одна запись трейса выполнения: попытка элемента.
//
// Трейс — единственное место, где видны повторы и перехваченные
// исключения; наружу (статус потока) они не всплывают. По завершении
// потока трейс выгружается в объектное хранилище, ключ архива
// сохраняется на записи потока.
type ElementEvent struct {
	// ID — идентификатор записи.
	ID uuid.UUID `json:"id"`

	// ThreadExecutionID — поток, которому принадлежит запись.
	ThreadExecutionID uuid.UUID `json:"thread_execution_id"`

	// ElementID и ElementKey — выполненный элемент.
	ElementID  uuid.UUID `json:"element_id"`
	ElementKey string    `json:"element_key"`

	// ElementType — тип элемента.
	ElementType string `json:"element_type"`

	// Attempt — номер попытки (1-based). 0 для пропусков.
	Attempt int `json:"attempt"`

	// Status — исход попытки.
	Status EventStatus `json:"status"`

	// ErrorKind и ErrorMessage — ошибка попытки (для FAILED).
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	// Remote — выполнялась ли попытка через удалённую делегацию.
	Remote bool `json:"remote,omitempty"`

	// Duration — длительность попытки.
	Duration time.Duration `json:"duration,omitempty"`

	// At — время записи.
	At time.Time `json:"at"`
}
