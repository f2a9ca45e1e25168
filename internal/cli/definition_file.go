package cli

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// definitionFile — авторский YAML-формат для definition push.
//
// Элементы объявляются со строковыми ключами, связи ссылаются на эти
// ключи в полях from/to. При компиляции в wire-формат каждому элементу
// без явного id генерируется UUID, а ключи переводятся в
// source_id/target_id. Версии иммутабельны, поэтому свежие UUID при
// каждом push безопасны: снапшоты ссылаются на элементы в рамках
// закреплённой версии.
//
// Пример:
//
//	key: sync-orders
//	name: Sync Orders
//	elements:
//	  - key: start
//	    type: trigger
//	    is_trigger: true
//	  - key: fetch
//	    type: http
//	    is_low_trust: true
//	    max_retries: 3
//	    retry_wait_sec: 5
//	    config:
//	      url: https://example.com/orders
//	connections:
//	  - from: start
//	    to: fetch
type definitionFile struct {
	Key         string           `yaml:"key"`
	Name        string           `yaml:"name"`
	Elements    []elementSpec    `yaml:"elements"`
	Connections []connectionSpec `yaml:"connections"`
}

type elementSpec struct {
	ID             string         `yaml:"id"`
	Key            string         `yaml:"key"`
	Name           string         `yaml:"name"`
	Type           string         `yaml:"type"`
	TimeoutSec     int            `yaml:"timeout_sec"`
	MaxRetries     int            `yaml:"max_retries"`
	RetryWaitSec   int            `yaml:"retry_wait_sec"`
	RetryOn        []string       `yaml:"retry_on"`
	ContinueOnFail bool           `yaml:"continue_on_fail"`
	IsTrigger      bool           `yaml:"is_trigger"`
	IsLowTrust     bool           `yaml:"is_low_trust"`
	Config         map[string]any `yaml:"config"`
}

type connectionSpec struct {
	From      string `yaml:"from"`
	FromPort  string `yaml:"from_port"`
	To        string `yaml:"to"`
	ToPort    string `yaml:"to_port"`
	Condition string `yaml:"condition"`
	Order     int    `yaml:"order"`
}

// graphPayload — wire-формат графа, который принимает API.
// Повторяет JSON-теги доменного ThreadDefinition.
type graphPayload struct {
	Name        string            `json:"name,omitempty"`
	Elements    []graphElement    `json:"elements"`
	Connections []graphConnection `json:"connections,omitempty"`
}

type graphElement struct {
	ID             string         `json:"id"`
	Key            string         `json:"key"`
	Name           string         `json:"name,omitempty"`
	Type           string         `json:"type"`
	TimeoutSec     int            `json:"timeout_sec,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty"`
	RetryWaitSec   int            `json:"retry_wait_sec,omitempty"`
	RetryOn        []string       `json:"retry_on,omitempty"`
	ContinueOnFail bool           `json:"continue_on_fail,omitempty"`
	IsTrigger      bool           `json:"is_trigger,omitempty"`
	IsLowTrust     bool           `json:"is_low_trust,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
}

type graphConnection struct {
	SourceID   string `json:"source_id"`
	SourcePort string `json:"source_port,omitempty"`
	TargetID   string `json:"target_id"`
	TargetPort string `json:"target_port,omitempty"`
	Condition  string `json:"condition,omitempty"`
	Order      int    `json:"order,omitempty"`
}

// loadDefinitionFile читает и разбирает файл definition. YAML 1.2 —
// надмножество JSON, поэтому JSON-файлы проходят тем же парсером.
func loadDefinitionFile(path string) (*definitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}

	var df definitionFile
	if err := yaml.Unmarshal(data, &df); err != nil {
		return nil, fmt.Errorf("failed to parse definition file: %w", err)
	}

	return &df, nil
}

// compileGraph собирает wire-формат графа из авторского YAML.
// Проверяет только то, что нужно самой компиляции (ключи и ссылки);
// полную валидацию графа делает API при публикации версии.
func (f *definitionFile) compileGraph() (*graphPayload, error) {
	if f.Key == "" {
		return nil, fmt.Errorf("definition file: key is required")
	}
	if len(f.Elements) == 0 {
		return nil, fmt.Errorf("definition file: at least one element is required")
	}

	idByKey := make(map[string]string, len(f.Elements))
	elements := make([]graphElement, len(f.Elements))
	for i, el := range f.Elements {
		if el.Key == "" {
			return nil, fmt.Errorf("element #%d: key is required", i+1)
		}
		if el.Type == "" {
			return nil, fmt.Errorf("element %q: type is required", el.Key)
		}
		if _, exists := idByKey[el.Key]; exists {
			return nil, fmt.Errorf("element %q: duplicate key", el.Key)
		}

		id := el.ID
		if id == "" {
			id = uuid.NewString()
		} else if _, err := uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("element %q: invalid id: %w", el.Key, err)
		}
		idByKey[el.Key] = id

		elements[i] = graphElement{
			ID:             id,
			Key:            el.Key,
			Name:           el.Name,
			Type:           el.Type,
			TimeoutSec:     el.TimeoutSec,
			MaxRetries:     el.MaxRetries,
			RetryWaitSec:   el.RetryWaitSec,
			RetryOn:        el.RetryOn,
			ContinueOnFail: el.ContinueOnFail,
			IsTrigger:      el.IsTrigger,
			IsLowTrust:     el.IsLowTrust,
			Config:         el.Config,
		}
	}

	connections := make([]graphConnection, len(f.Connections))
	for i, conn := range f.Connections {
		sourceID, ok := idByKey[conn.From]
		if !ok {
			return nil, fmt.Errorf("connection #%d: unknown element %q in from", i+1, conn.From)
		}
		targetID, ok := idByKey[conn.To]
		if !ok {
			return nil, fmt.Errorf("connection #%d: unknown element %q in to", i+1, conn.To)
		}

		connections[i] = graphConnection{
			SourceID:   sourceID,
			SourcePort: conn.FromPort,
			TargetID:   targetID,
			TargetPort: conn.ToPort,
			Condition:  conn.Condition,
			Order:      conn.Order,
		}
	}

	return &graphPayload{
		Name:        f.Name,
		Elements:    elements,
		Connections: connections,
	}, nil
}
