package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if err.Details == nil {
			t.Error("Details map is nil")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
		if err.HTTPStatus != 400 {
			t.Errorf("HTTPStatus = %d, want 400", err.HTTPStatus)
		}
	})

	t.Run("retryable defaults", func(t *testing.T) {
		if !NewError(ErrCodeDeadlineExceeded, "slow").Retryable {
			t.Error("DeadlineExceeded should be retryable")
		}
		if NewError(ErrCodeRetryExhausted, "done").Retryable {
			t.Error("RetryExhausted should not be retryable")
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeAdapterInitFailed, CategoryAdapter},
		{ErrCodeCircuitOpen, CategoryCircuit},
		{ErrCodeNoEligibleAdapter, CategoryRouting},
		{ErrCodeResourceExhausted, CategoryResource},
		{ErrCodeAlreadyStarted, CategoryLifecycle},
		{ErrCodeArchiveFailed, CategoryStorage},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.want {
				t.Errorf("GetCategory(%s) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeAdapterFailure, "handle_request failed").
		WithComponent("router").
		WithOperation("dispatch").
		WithAdapter("sms").
		WithCause(fmt.Errorf("connection reset"))

	msg := err.Error()
	for _, want := range []string{"[router:dispatch]", "ADAPTER_FAILURE", "adapter=sms", "connection reset"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}

	if !strings.Contains(err.String(), "Adapter=sms") {
		t.Errorf("String() = %q, missing adapter", err.String())
	}
}

func TestErrorsIsAndAs(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("boom")
	err := Wrap(cause, ErrCodeAdapterPanic, "adapter panicked")
	wrapped := fmt.Errorf("dispatch: %w", err)

	if !errors.Is(wrapped, NewError(ErrCodeAdapterPanic, "")) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(wrapped, NewError(ErrCodeCircuitOpen, "")) {
		t.Error("errors.Is should not match a different code")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is should reach the cause")
	}
	if CodeOf(wrapped) != ErrCodeAdapterPanic {
		t.Errorf("CodeOf = %v, want %v", CodeOf(wrapped), ErrCodeAdapterPanic)
	}
	if !IsCode(wrapped, ErrCodeAdapterPanic) {
		t.Error("IsCode should match")
	}
	if IsCode(nil, ErrCodeAdapterPanic) {
		t.Error("IsCode(nil) should be false")
	}
	if !IsRetryable(wrapped) {
		t.Error("panic failures are retryable")
	}
	if IsRetryable(cause) {
		t.Error("plain errors are not retryable")
	}
}

func TestMarshalJSONIncludesCause(t *testing.T) {
	t.Parallel()

	err := Wrap(fmt.Errorf("dial tcp: refused"), ErrCodeArchiveFailed, "put object").
		WithCorrelationID("abc").
		WithDetail("bucket", "dlq")

	data, mErr := json.Marshal(err)
	if mErr != nil {
		t.Fatalf("Marshal: %v", mErr)
	}

	var decoded map[string]interface{}
	if uErr := json.Unmarshal(data, &decoded); uErr != nil {
		t.Fatalf("Unmarshal: %v", uErr)
	}
	if decoded["cause"] != "dial tcp: refused" {
		t.Errorf("cause = %v", decoded["cause"])
	}
	if decoded["correlation_id"] != "abc" {
		t.Errorf("correlation_id = %v", decoded["correlation_id"])
	}
	if decoded["code"] != string(ErrCodeArchiveFailed) {
		t.Errorf("code = %v", decoded["code"])
	}
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	orig := NewError(ErrCodeAdapterFailure, "quota exceeded").WithDetail("quota", 10)
	c := orig.Clone().WithAdapter("sms").WithDetail("attempt", 2)

	if orig.Adapter != "" {
		t.Errorf("original adapter = %q, want empty", orig.Adapter)
	}
	if _, ok := orig.Details["attempt"]; ok {
		t.Error("clone detail leaked into the original")
	}
	if c.Details["quota"] != 10 || c.Code != orig.Code {
		t.Errorf("clone lost fields: %+v", c)
	}
	if !errors.Is(c, orig) {
		t.Error("clone should match the original by code")
	}
}
