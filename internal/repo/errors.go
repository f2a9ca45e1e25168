package repo

import "errors"

// pgerrUniqueViolation — код SQLSTATE нарушения уникальности.
const pgerrUniqueViolation = "23505"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — операция невозможна в текущем состоянии.
	ErrInvalidState = errors.New("invalid state")

	// ErrConflict — оптимистический конфликт: активный снапшот уже
	// потреблён конкурентным resume.
	ErrConflict = errors.New("conflict")
)
