package health

import (
	"context"
	stderr "errors"
	"time"

	"github.com/switchyard/switchyard/internal/adapter"
	"github.com/switchyard/switchyard/pkg/errors"
)

// Outcome classifies a single health check
type Outcome string

const (
	OutcomeHealthy   Outcome = "healthy"
	OutcomeUnhealthy Outcome = "unhealthy"
	OutcomeTimeout   Outcome = "timeout"
	OutcomePanic     Outcome = "panic"
	OutcomeCanceled  Outcome = "canceled"
)

// Result represents the result of one adapter health check
type Result struct {
	Adapter   string        `json:"adapter"`
	Outcome   Outcome       `json:"outcome"`
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Detail    string        `json:"detail,omitempty"`
	Error     string        `json:"error,omitempty"`
	Tick      uint64        `json:"tick"`
	StartedAt time.Time     `json:"started_at"`
	Abandoned bool          `json:"abandoned,omitempty"`
}

var errUnhealthy = stderr.New("adapter reported unhealthy")

// check runs one bounded health check. It returns as soon as the timeout
// expires even if the adapter never does. done runs once HealthCheck itself
// returns, which for an abandoned check is after check has.
func check(ctx context.Context, name string, a adapter.Adapter, timeout time.Duration, now func() time.Time, done func()) Result {
	start := now()
	began := time.Now()

	var report adapter.HealthReport
	abandoned, err := adapter.Call(ctx, timeout, func(ctx context.Context) error {
		defer done()
		report = a.HealthCheck(ctx)
		if !report.Healthy {
			return errUnhealthy
		}
		return nil
	})

	result := Result{
		Adapter:   name,
		StartedAt: start,
		Latency:   time.Since(began),
		Abandoned: abandoned,
	}
	if !abandoned {
		// report is only safe to read once the call has returned
		result.Detail = report.Detail
		if report.Latency > 0 {
			result.Latency = report.Latency
		}
	}

	switch {
	case err == nil:
		result.Healthy = true
		result.Outcome = OutcomeHealthy
	case stderr.Is(err, errUnhealthy):
		result.Outcome = OutcomeUnhealthy
		result.Error = err.Error()
	case errors.IsCode(err, errors.ErrCodeDeadlineExceeded):
		result.Outcome = OutcomeTimeout
		result.Error = err.Error()
	case errors.IsCode(err, errors.ErrCodeAdapterPanic):
		result.Outcome = OutcomePanic
		result.Error = err.Error()
	default:
		result.Outcome = OutcomeCanceled
		result.Error = err.Error()
	}
	return result
}

// stillRunning is the result for an adapter whose previous check has not
// returned yet. It counts as a timeout without calling the adapter again.
func stillRunning(name string, since time.Time, now func() time.Time) Result {
	return Result{
		Adapter:   name,
		Outcome:   OutcomeTimeout,
		Latency:   time.Since(since),
		Error:     "previous health check still running",
		StartedAt: now(),
	}
}
