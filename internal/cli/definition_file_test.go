package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// --- Compile Tests ---

func TestCompileGraph_ResolvesKeys(t *testing.T) {
	df := &definitionFile{
		Key:  "sync-orders",
		Name: "Sync Orders",
		Elements: []elementSpec{
			{Key: "start", Type: "trigger", IsTrigger: true},
			{Key: "fetch", Type: "http", IsLowTrust: true, MaxRetries: 3},
		},
		Connections: []connectionSpec{
			{From: "start", To: "fetch"},
		},
	}

	graph, err := df.compileGraph()
	if err != nil {
		t.Fatalf("compileGraph returned error: %v", err)
	}

	if graph.Name != "Sync Orders" {
		t.Errorf("graph name = %q, want %q", graph.Name, "Sync Orders")
	}
	if len(graph.Elements) != 2 {
		t.Fatalf("expected 2 elements, got %d", len(graph.Elements))
	}

	// Каждый элемент получает сгенерированный UUID.
	for _, el := range graph.Elements {
		if _, err := uuid.Parse(el.ID); err != nil {
			t.Errorf("element %q id %q is not a UUID: %v", el.Key, el.ID, err)
		}
	}
	if graph.Elements[1].MaxRetries != 3 || !graph.Elements[1].IsLowTrust {
		t.Errorf("element attributes were not carried over: %+v", graph.Elements[1])
	}

	// Связь ссылается на id, а не на ключи.
	if len(graph.Connections) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(graph.Connections))
	}
	conn := graph.Connections[0]
	if conn.SourceID != graph.Elements[0].ID {
		t.Errorf("connection source_id = %q, want id of %q", conn.SourceID, "start")
	}
	if conn.TargetID != graph.Elements[1].ID {
		t.Errorf("connection target_id = %q, want id of %q", conn.TargetID, "fetch")
	}
}

func TestCompileGraph_KeepsExplicitID(t *testing.T) {
	explicit := uuid.NewString()
	df := &definitionFile{
		Key: "wf",
		Elements: []elementSpec{
			{ID: explicit, Key: "start", Type: "trigger", IsTrigger: true},
		},
	}

	graph, err := df.compileGraph()
	if err != nil {
		t.Fatalf("compileGraph returned error: %v", err)
	}
	if graph.Elements[0].ID != explicit {
		t.Errorf("explicit id was replaced: got %q, want %q", graph.Elements[0].ID, explicit)
	}
}

func TestCompileGraph_PreservesPorts(t *testing.T) {
	df := &definitionFile{
		Key: "wf",
		Elements: []elementSpec{
			{Key: "loop", Type: "loop"},
			{Key: "body", Type: "set"},
		},
		Connections: []connectionSpec{
			{From: "loop", FromPort: "loop", To: "body"},
			// Обратное ребро тела цикла.
			{From: "body", To: "loop", ToPort: "loop"},
		},
	}

	graph, err := df.compileGraph()
	if err != nil {
		t.Fatalf("compileGraph returned error: %v", err)
	}
	if graph.Connections[0].SourcePort != "loop" {
		t.Errorf("source_port = %q, want %q", graph.Connections[0].SourcePort, "loop")
	}
	if graph.Connections[1].TargetPort != "loop" {
		t.Errorf("target_port = %q, want %q", graph.Connections[1].TargetPort, "loop")
	}
}

func TestCompileGraph_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    definitionFile
		wantErr string
	}{
		{
			name:    "missing key",
			file:    definitionFile{Elements: []elementSpec{{Key: "a", Type: "noop"}}},
			wantErr: "key is required",
		},
		{
			name:    "no elements",
			file:    definitionFile{Key: "wf"},
			wantErr: "at least one element",
		},
		{
			name: "duplicate element key",
			file: definitionFile{Key: "wf", Elements: []elementSpec{
				{Key: "a", Type: "noop"},
				{Key: "a", Type: "noop"},
			}},
			wantErr: "duplicate key",
		},
		{
			name: "missing element type",
			file: definitionFile{Key: "wf", Elements: []elementSpec{
				{Key: "a"},
			}},
			wantErr: "type is required",
		},
		{
			name: "invalid explicit id",
			file: definitionFile{Key: "wf", Elements: []elementSpec{
				{ID: "not-a-uuid", Key: "a", Type: "noop"},
			}},
			wantErr: "invalid id",
		},
		{
			name: "unknown connection source",
			file: definitionFile{
				Key:         "wf",
				Elements:    []elementSpec{{Key: "a", Type: "noop"}},
				Connections: []connectionSpec{{From: "ghost", To: "a"}},
			},
			wantErr: `unknown element "ghost"`,
		},
		{
			name: "unknown connection target",
			file: definitionFile{
				Key:         "wf",
				Elements:    []elementSpec{{Key: "a", Type: "noop"}},
				Connections: []connectionSpec{{From: "a", To: "ghost"}},
			},
			wantErr: `unknown element "ghost"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.file.compileGraph()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

// --- Load Tests ---

func TestLoadDefinitionFile(t *testing.T) {
	content := `
key: sync-orders
name: Sync Orders
elements:
  - key: start
    type: trigger
    is_trigger: true
  - key: fetch
    type: http
    is_low_trust: true
    timeout_sec: 30
    max_retries: 3
    retry_wait_sec: 5
    retry_on: [TRANSIENT, TIMEOUT]
    config:
      url: https://example.com/orders
      method: GET
connections:
  - from: start
    to: fetch
  - from: fetch
    from_port: error
    to: start
    condition: '{{ eq .status "retry" }}'
    order: 1
`
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	df, err := loadDefinitionFile(path)
	if err != nil {
		t.Fatalf("loadDefinitionFile returned error: %v", err)
	}

	if df.Key != "sync-orders" || df.Name != "Sync Orders" {
		t.Errorf("unexpected header: key=%q name=%q", df.Key, df.Name)
	}
	if len(df.Elements) != 2 || len(df.Connections) != 2 {
		t.Fatalf("expected 2 elements and 2 connections, got %d/%d", len(df.Elements), len(df.Connections))
	}

	fetch := df.Elements[1]
	if !fetch.IsLowTrust || fetch.TimeoutSec != 30 || fetch.MaxRetries != 3 {
		t.Errorf("fetch element was not parsed: %+v", fetch)
	}
	if len(fetch.RetryOn) != 2 || fetch.RetryOn[0] != "TRANSIENT" {
		t.Errorf("retry_on was not parsed: %v", fetch.RetryOn)
	}
	if fetch.Config["url"] != "https://example.com/orders" {
		t.Errorf("config was not parsed: %v", fetch.Config)
	}

	conn := df.Connections[1]
	if conn.FromPort != "error" || conn.Order != 1 {
		t.Errorf("connection attributes were not parsed: %+v", conn)
	}
	if conn.Condition == "" {
		t.Error("condition was not parsed")
	}

	// Файл компилируется без ошибок.
	if _, err := df.compileGraph(); err != nil {
		t.Errorf("loaded file does not compile: %v", err)
	}
}

func TestLoadDefinitionFile_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("key: [unclosed"), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	if _, err := loadDefinitionFile(path); err == nil {
		t.Fatal("expected parse error, got nil")
	}
}
