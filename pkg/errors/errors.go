// Package errors provides the structured error taxonomy used across the orchestration core.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a class of orchestration failure.
type ErrorCode string

const (
	// Configuration
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Adapter lifecycle
	ErrCodeAdapterNotFound   ErrorCode = "ADAPTER_NOT_FOUND"
	ErrCodeAdapterExists     ErrorCode = "ADAPTER_EXISTS"
	ErrCodeAdapterMalformed  ErrorCode = "ADAPTER_MALFORMED"
	ErrCodeAdapterInitFailed ErrorCode = "ADAPTER_INIT_FAILED"
	ErrCodeAdapterPanic      ErrorCode = "ADAPTER_PANIC"
	ErrCodeAdapterFailure    ErrorCode = "ADAPTER_FAILURE"
	ErrCodeShutdownTimeout   ErrorCode = "SHUTDOWN_TIMEOUT"

	// Circuit breaker
	ErrCodeCircuitOpen   ErrorCode = "CIRCUIT_OPEN"
	ErrCodeTrialInFlight ErrorCode = "TRIAL_IN_FLIGHT"

	// Routing
	ErrCodeNoEligibleAdapter ErrorCode = "NO_ELIGIBLE_ADAPTER"
	ErrCodeServiceDegraded   ErrorCode = "SERVICE_DEGRADED"
	ErrCodeDeadlineExceeded  ErrorCode = "DEADLINE_EXCEEDED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeQueueFull         ErrorCode = "QUEUE_FULL"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"

	// Resources
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	ErrCodeProbeFailed       ErrorCode = "PROBE_FAILED"

	// Orchestrator state
	ErrCodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrCodeNotStarted         ErrorCode = "NOT_STARTED"
	ErrCodeInvalidState       ErrorCode = "INVALID_STATE"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"

	// Storage
	ErrCodeArchiveFailed ErrorCode = "ARCHIVE_FAILED"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups error codes by the component family that raises them.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryAdapter       ErrorCategory = "adapter"
	CategoryCircuit       ErrorCategory = "circuit"
	CategoryRouting       ErrorCategory = "routing"
	CategoryResource      ErrorCategory = "resource"
	CategoryLifecycle     ErrorCategory = "lifecycle"
	CategoryStorage       ErrorCategory = "storage"
	CategoryInternal      ErrorCategory = "internal"
)

var categories = map[ErrorCode]ErrorCategory{
	ErrCodeInvalidConfig:      CategoryConfiguration,
	ErrCodeConfigValidation:   CategoryConfiguration,
	ErrCodeConfigLoad:         CategoryConfiguration,
	ErrCodeAdapterNotFound:    CategoryAdapter,
	ErrCodeAdapterExists:      CategoryAdapter,
	ErrCodeAdapterMalformed:   CategoryAdapter,
	ErrCodeAdapterInitFailed:  CategoryAdapter,
	ErrCodeAdapterPanic:       CategoryAdapter,
	ErrCodeAdapterFailure:     CategoryAdapter,
	ErrCodeShutdownTimeout:    CategoryAdapter,
	ErrCodeCircuitOpen:        CategoryCircuit,
	ErrCodeTrialInFlight:      CategoryCircuit,
	ErrCodeNoEligibleAdapter:  CategoryRouting,
	ErrCodeServiceDegraded:    CategoryRouting,
	ErrCodeDeadlineExceeded:   CategoryRouting,
	ErrCodeRetryExhausted:     CategoryRouting,
	ErrCodeQueueFull:          CategoryRouting,
	ErrCodeOperationCanceled:  CategoryRouting,
	ErrCodeResourceExhausted:  CategoryResource,
	ErrCodeProbeFailed:        CategoryResource,
	ErrCodeAlreadyStarted:     CategoryLifecycle,
	ErrCodeNotStarted:         CategoryLifecycle,
	ErrCodeInvalidState:       CategoryLifecycle,
	ErrCodeShutdownInProgress: CategoryLifecycle,
	ErrCodeArchiveFailed:      CategoryStorage,
}

// OrchestratorError is a structured error carrying enough context to be logged,
// returned over the status API, or archived with a dead-letter entry.
type OrchestratorError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component     string `json:"component,omitempty"`
	Operation     string `json:"operation,omitempty"`
	Adapter       string `json:"adapter,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	// Retryable marks failures the dead-letter queue may retry.
	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *OrchestratorError) Error() string {
	prefix := ""
	switch {
	case e.Component != "" && e.Operation != "":
		prefix = fmt.Sprintf("[%s:%s] ", e.Component, e.Operation)
	case e.Component != "":
		prefix = fmt.Sprintf("[%s] ", e.Component)
	}
	msg := fmt.Sprintf("%s%s: %s", prefix, e.Code, e.Message)
	if e.Adapter != "" {
		msg += fmt.Sprintf(" (adapter=%s)", e.Adapter)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *OrchestratorError) Unwrap() error {
	return e.Cause
}

// Is matches another OrchestratorError by code.
func (e *OrchestratorError) Is(target error) bool {
	if other, ok := target.(*OrchestratorError); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed representation for debug logging.
func (e *OrchestratorError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Adapter != "" {
		parts = append(parts, fmt.Sprintf("Adapter=%s", e.Adapter))
	}
	if e.CorrelationID != "" {
		parts = append(parts, fmt.Sprintf("CorrelationID=%s", e.CorrelationID))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("OrchestratorError{%s}", strings.Join(parts, ", "))
}

// MarshalJSON includes the cause message, which the struct tag omits.
func (e *OrchestratorError) MarshalJSON() ([]byte, error) {
	type alias OrchestratorError
	out := struct {
		*alias
		Cause string `json:"cause,omitempty"`
	}{alias: (*alias)(e)}
	if e.Cause != nil {
		out.Cause = e.Cause.Error()
	}
	return json.Marshal(out)
}

// NewError creates an error with the defaults implied by its code.
func NewError(code ErrorCode, message string) *OrchestratorError {
	return &OrchestratorError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Wrap creates an error with the given code around cause.
func Wrap(cause error, code ErrorCode, message string) *OrchestratorError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory returns the category for a code.
func GetCategory(code ErrorCode) ErrorCategory {
	if c, ok := categories[code]; ok {
		return c
	}
	return CategoryInternal
}

// IsRetryableByDefault reports whether failures with this code are worth retrying.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeAdapterFailure, ErrCodeAdapterPanic, ErrCodeDeadlineExceeded, ErrCodeCircuitOpen,
		ErrCodeTrialInFlight, ErrCodeNoEligibleAdapter, ErrCodeServiceDegraded, ErrCodeResourceExhausted:
		return true
	}
	return false
}

// GetDefaultHTTPStatus maps a code to the status the API responds with.
func GetDefaultHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation:
		return 400
	case ErrCodeAdapterNotFound:
		return 404
	case ErrCodeAdapterExists, ErrCodeAlreadyStarted, ErrCodeInvalidState:
		return 409
	case ErrCodeResourceExhausted, ErrCodeQueueFull:
		return 429
	case ErrCodeNoEligibleAdapter, ErrCodeServiceDegraded, ErrCodeCircuitOpen, ErrCodeNotStarted,
		ErrCodeShutdownInProgress:
		return 503
	case ErrCodeDeadlineExceeded:
		return 504
	case ErrCodeAdapterFailure, ErrCodeRetryExhausted:
		return 502
	}
	return 500
}

// CodeOf extracts the code of the first OrchestratorError in err's chain.
func CodeOf(err error) ErrorCode {
	var oe *OrchestratorError
	if stderrors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// IsCode reports whether err's chain carries an OrchestratorError with code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether err is a retryable OrchestratorError.
func IsRetryable(err error) bool {
	var oe *OrchestratorError
	if stderrors.As(err, &oe) {
		return oe.Retryable
	}
	return false
}

// Clone returns a copy of e that can be decorated without touching e.
func (e *OrchestratorError) Clone() *OrchestratorError {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}

// WithDetail adds a detail entry.
func (e *OrchestratorError) WithDetail(key string, value interface{}) *OrchestratorError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component.
func (e *OrchestratorError) WithComponent(component string) *OrchestratorError {
	e.Component = component
	return e
}

// WithOperation sets the operation.
func (e *OrchestratorError) WithOperation(operation string) *OrchestratorError {
	e.Operation = operation
	return e
}

// WithAdapter sets the adapter the error concerns.
func (e *OrchestratorError) WithAdapter(name string) *OrchestratorError {
	e.Adapter = name
	return e
}

// WithCorrelationID ties the error to a routed request.
func (e *OrchestratorError) WithCorrelationID(id string) *OrchestratorError {
	e.CorrelationID = id
	return e
}

// WithCause sets the underlying cause.
func (e *OrchestratorError) WithCause(cause error) *OrchestratorError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryability.
func (e *OrchestratorError) WithRetryable(retryable bool) *OrchestratorError {
	e.Retryable = retryable
	return e
}
