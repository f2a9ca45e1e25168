package domain

import "time"

// Result — нормализованный результат одной попытки выполнения элемента.
//
// Производится диспетчером (локально или через удалённую делегацию),
// потребляется роутером и немедленно отбрасывается — дальше живут только
// nodeOutputs в памяти выполнения и строка трейса.
type Result struct {
	// OK — успела ли попытка успешно.
	OK bool `json:"ok"`

	// Output — выходные данные элемента. При успехе записываются
	// в nodeOutputs по ключу элемента.
	Output map[string]any `json:"output,omitempty"`

	// Port — выбранный выходной порт. Пустая строка означает "main".
	Port string `json:"port,omitempty"`

	// ErrorKind — классификация ошибки (для OK=false).
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// ErrorMessage — текст ошибки (для OK=false).
	ErrorMessage string `json:"error_message,omitempty"`

	// Duration — длительность попытки. Проставляется диспетчером.
	Duration time.Duration `json:"duration,omitempty"`
}

// OutputPort возвращает выбранный порт с учётом значения по умолчанию.
func (r *Result) OutputPort() string {
	if r.Port == "" {
		return PortMain
	}
	return r.Port
}

// Succeed создаёт успешный результат с выходными данными.
func Succeed(output map[string]any) *Result {
	return &Result{OK: true, Output: output}
}

// SucceedPort создаёт успешный результат с явным выходным портом.
func SucceedPort(port string, output map[string]any) *Result {
	return &Result{OK: true, Port: port, Output: output}
}

// Fail создаёт неуспешный результат с классификацией.
func Fail(kind ErrorKind, message string) *Result {
	return &Result{OK: false, ErrorKind: kind, ErrorMessage: message}
}

// FailErr создаёт неуспешный результат из ошибки Go,
// классифицируя её через Classify.
func FailErr(err error) *Result {
	return &Result{OK: false, ErrorKind: Classify(err), ErrorMessage: err.Error()}
}

// ErrorOutput возвращает полезную нагрузку для порта "error":
// стандартная форма, которую видят элементы ниже по графу
// после continue_on_fail. Частичный выход попытки (например, тело
// HTTP-ответа с кодом ошибки) сохраняется под ключом "output".
func (r *Result) ErrorOutput() map[string]any {
	out := map[string]any{
		"error":      r.ErrorMessage,
		"error_kind": string(r.ErrorKind),
	}
	if len(r.Output) > 0 {
		out["output"] = r.Output
	}
	return out
}
