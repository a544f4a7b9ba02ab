package domain

import "errors"

// Стандартные ошибки приложения
var (
	// Семейство "не найдено". Всегда возвращаются вызывающему, без ретраев.
	ErrNotFound       = errors.New("resource not found")
	ErrPlayerNotFound = errors.New("player not found")
	ErrLevelNotFound  = errors.New("level not found")
	ErrNodeNotFound   = errors.New("dialogue node not found")
	ErrChoiceNotFound = errors.New("choice not found in node")

	// Некорректное состояние
	ErrInvalidState   = errors.New("invalid state")
	ErrInvalidLevel   = errors.New("invalid level definition")
	ErrMalformedGraph = errors.New("malformed dialogue graph")
	ErrLevelLocked    = errors.New("level not unlocked yet")

	// Ошибки языковой модели
	ErrOracle = errors.New("completion oracle failed")

	// Ошибки входных данных, отклоняются до любых изменений состояния
	ErrValidation = errors.New("validation failed")
)

// IsNotFound проверяет, относится ли ошибка к семейству "не найдено".
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPlayerNotFound) ||
		errors.Is(err, ErrLevelNotFound) ||
		errors.Is(err, ErrNodeNotFound) ||
		errors.Is(err, ErrChoiceNotFound)
}
