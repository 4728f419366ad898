// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — публикация или состояние не найдены.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — конфликт (публикация уже существует или CAS исчерпал повторы).
	ErrConflict = errors.New("конфликт — ресурс уже существует или изменён")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrInvalidState — состояние видимости в хранилище повреждено.
	ErrInvalidState = errors.New("некорректное состояние видимости")
	// ErrDependencyUnavailable — внешний источник сигналов недоступен.
	ErrDependencyUnavailable = errors.New("зависимость недоступна")
	// ErrExpired — публикация истекла, операция не применима.
	ErrExpired = errors.New("публикация истекла")
)
