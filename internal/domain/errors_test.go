package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("dispatch: %w", context.DeadlineExceeded), KindTimeout},
		{"cancel", context.Canceled, KindCancelled},
		{"validation", NewValidationError("fetch", "url", "url is required"), KindValidation},
		{"wrapped validation", fmt.Errorf("validate: %w", NewValidationError("fetch", "", "broken")), KindValidation},
		{"anything else", errors.New("connection refused"), KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestErrorKind_Retryability(t *testing.T) {
	if !KindTransient.Retryable() {
		t.Error("transient must be retryable by default")
	}
	for _, kind := range []ErrorKind{KindValidation, KindTimeout, KindException, KindCancelled} {
		if kind.Retryable() {
			t.Errorf("%s must not be retryable by default", kind)
		}
	}
	for _, kind := range []ErrorKind{KindValidation, KindTimeout, KindCancelled} {
		if !kind.NeverRetryable() {
			t.Errorf("%s must never be retryable", kind)
		}
	}
	// Исключение повторяемо только по явному allow-list
	if KindException.NeverRetryable() {
		t.Error("exception is retryable via an explicit allow-list")
	}
}

func TestValidationError_Message(t *testing.T) {
	err := NewValidationError("fetch", "url", "url is required")
	want := `element "fetch": field "url": url is required`
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}

	err = NewValidationError("fetch", "", "bad config")
	want = `element "fetch": bad config`
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestResult_ErrorOutput(t *testing.T) {
	res := Fail(KindException, "bad response")
	out := res.ErrorOutput()
	if out["error"] != "bad response" || out["error_kind"] != "EXCEPTION" {
		t.Errorf("unexpected error output: %v", out)
	}
	if _, ok := out["output"]; ok {
		t.Error("empty partial output should be omitted")
	}

	// Частичный выход попытки сохраняется
	res.Output = map[string]any{"status_code": 503}
	out = res.ErrorOutput()
	partial, ok := out["output"].(map[string]any)
	if !ok || partial["status_code"] != 503 {
		t.Errorf("expected partial output preserved, got %v", out)
	}
}

func TestResult_OutputPort(t *testing.T) {
	if got := Succeed(nil).OutputPort(); got != PortMain {
		t.Errorf("expected default port main, got %q", got)
	}
	if got := SucceedPort(PortTrue, nil).OutputPort(); got != PortTrue {
		t.Errorf("expected explicit port, got %q", got)
	}
}

func TestExecutionStatus_Lifecycle(t *testing.T) {
	terminal := []ExecutionStatus{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.CanPause() || s.CanResume() || s.CanCancel() {
			t.Errorf("%s should not accept signals", s)
		}
	}

	if StatusPending.IsTerminal() || StatusRunning.IsTerminal() || StatusPaused.IsTerminal() {
		t.Error("live statuses are not terminal")
	}
	if !StatusRunning.CanPause() || !StatusPending.CanPause() {
		t.Error("pending and running executions can pause")
	}
	if StatusPaused.CanPause() {
		t.Error("paused execution cannot pause again")
	}
	if !StatusPaused.CanResume() || StatusRunning.CanResume() {
		t.Error("only paused executions can resume")
	}
	if !StatusRunning.CanCancel() || !StatusPaused.CanCancel() || !StatusPending.CanCancel() {
		t.Error("live executions can cancel")
	}
}
