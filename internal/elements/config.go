package elements

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// decodeConfig декодирует отрендеренную конфигурацию элемента
// в типизированную структуру с mapstructure-тегами.
//
// WeaklyTypedInput включён: значения, пришедшие из JSON (float64)
// и из рендера шаблонов (строки), приводятся к полям конфигурации
// без ручных преобразований.
func decodeConfig(config map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := dec.Decode(config); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
