package elements

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
)

// TypeHTTP — тип элемента HTTP-запроса.
const TypeHTTP = "http"

// httpConfig — конфигурация элемента http.
type httpConfig struct {
	// Method — HTTP-метод. Пустая строка означает GET.
	Method string `mapstructure:"method"`

	// URL — адрес запроса. Обязателен.
	URL string `mapstructure:"url"`

	// Headers — заголовки запроса.
	Headers map[string]string `mapstructure:"headers"`

	// Body — тело запроса, сериализуется в JSON.
	Body any `mapstructure:"body"`
}

// HTTPCapability — выполнение HTTP-запроса.
//
// Таймаут запроса — таймаут элемента: диспетчер оборачивает контекст,
// отдельного таймаута в конфигурации нет.
//
// Выход:
//   - status_code (int): HTTP-код ответа
//   - headers (map[string]string): заголовки ответа
//   - body (any): тело ответа (JSON или строка)
//
// Ответы с кодом >= 400 — ошибка выполнения; 408, 429 и 5xx
// классифицируются как временные (повторяемые), остальные 4xx — как
// доменные исключения. Частичный выход сохраняется в обоих случаях.
type HTTPCapability struct {
	client *http.Client
}

// NewHTTPCapability создаёт capability с общим HTTP-клиентом.
func NewHTTPCapability(client *http.Client) *HTTPCapability {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPCapability{client: client}
}

// Type возвращает тип элемента.
func (c *HTTPCapability) Type() string {
	return TypeHTTP
}

// Validate проверяет наличие URL.
func (c *HTTPCapability) Validate(_ context.Context, ectx *engine.ElementContext) error {
	var cfg httpConfig
	if err := decodeConfig(ectx.Config, &cfg); err != nil {
		return err
	}
	if cfg.URL == "" {
		return domain.NewValidationError(ectx.Element.Key, "url", "url is required")
	}
	return nil
}

// Execute выполняет запрос.
func (c *HTTPCapability) Execute(ctx context.Context, ectx *engine.ElementContext) (*domain.Result, error) {
	var cfg httpConfig
	if err := decodeConfig(ectx.Config, &cfg); err != nil {
		return nil, err
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if cfg.Body != nil {
		raw, err := json.Marshal(cfg.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal body: %v", ErrHTTPRequest, err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err)
	}
	for key, val := range cfg.Headers {
		req.Header.Set(key, val)
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	outputs := buildOutputs(resp, respBody)

	if resp.StatusCode >= 400 {
		res := domain.Fail(classifyStatus(resp.StatusCode),
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)))
		res.Output = outputs
		return res, nil
	}
	return domain.Succeed(outputs), nil
}

// buildOutputs формирует выход из HTTP-ответа.
func buildOutputs(resp *http.Response, body []byte) map[string]any {
	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	// Пробуем JSON, иначе строка
	var parsedBody any
	if err := json.Unmarshal(body, &parsedBody); err != nil {
		parsedBody = string(body)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        parsedBody,
	}
}

// classifyStatus различает временные HTTP-ошибки и доменные.
func classifyStatus(statusCode int) domain.ErrorKind {
	switch {
	case statusCode >= 500,
		statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooManyRequests:
		return domain.KindTransient
	default:
		return domain.KindException
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
