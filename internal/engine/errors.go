package engine

import "errors"

// Ошибки компиляции графа и работы движка.
var (
	// ErrNoElements — граф не содержит элементов.
	ErrNoElements = errors.New("thread definition has no elements")

	// ErrNoTrigger — в графе нет ни одного триггерного элемента.
	ErrNoTrigger = errors.New("thread definition has no trigger elements")

	// ErrInvalidElement — у элемента пустой ключ или тип.
	ErrInvalidElement = errors.New("invalid element definition")

	// ErrDuplicateElement — id или ключ элемента встречается дважды.
	ErrDuplicateElement = errors.New("duplicate element")

	// ErrUnknownElement — связь или кадр стека ссылается
	// на несуществующий элемент.
	ErrUnknownElement = errors.New("unknown element")

	// ErrUnknownCapability — для типа элемента не зарегистрирована
	// capability.
	ErrUnknownCapability = errors.New("unknown element capability")

	// ErrResolverRequired — процессор не может работать без реестра
	// capabilities.
	ErrResolverRequired = errors.New("capability resolver is not configured")

	// ErrStoreRequired — операция паузы/resume требует настроенного
	// хранилища снапшотов.
	ErrStoreRequired = errors.New("persisted-state store is not configured")

	// ErrLoaderRequired — resume требует настроенного загрузчика
	// определений.
	ErrLoaderRequired = errors.New("definition loader is not configured")

	// ErrActivationLimit — превышен предохранительный лимит активаций
	// (вероятен бесконечный цикл в определении).
	ErrActivationLimit = errors.New("activation limit exceeded")
)
