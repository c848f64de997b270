package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Echo is a reference adapter that replies with the request payload. It backs the
// CLI demo mode and can be told to misbehave through its settings:
//
//	latency:       delay applied to every request (duration)
//	fail_health:   report unhealthy on every check
//	fail_requests: fail every request
type Echo struct {
	name string

	mu       sync.RWMutex
	settings Settings
	started  bool

	handled atomic.Int64
}

// NewEcho creates an echo adapter.
func NewEcho(name string) *Echo {
	return &Echo{name: name}
}

// EchoRegistration returns a registration producing echo adapters.
func EchoRegistration(name string, kind Kind, tags ...string) Registration {
	return Registration{
		Name:    name,
		Version: "1.0.0",
		Kind:    kind,
		Tags:    tags,
		Factory: func() (Adapter, error) { return NewEcho(name), nil },
	}
}

// Initialize implements Adapter.
func (e *Echo) Initialize(_ context.Context, settings Settings) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings = settings
	e.started = true
	return true, nil
}

// HealthCheck implements Adapter.
func (e *Echo) HealthCheck(_ context.Context) HealthReport {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.started {
		return HealthReport{Healthy: false, Latency: time.Since(start), Detail: "not initialized"}
	}
	if e.settings.Bool("fail_health") {
		return HealthReport{Healthy: false, Latency: time.Since(start), Detail: "configured to fail"}
	}
	return HealthReport{Healthy: true, Latency: time.Since(start), Detail: fmt.Sprintf("%d handled", e.handled.Load())}
}

// HandleRequest implements Adapter.
func (e *Echo) HandleRequest(ctx context.Context, req *Request) (*Response, error) {
	e.mu.RLock()
	latency := e.settings.Duration("latency", 0)
	fail := e.settings.Bool("fail_requests")
	e.mu.RUnlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if fail {
		return nil, fmt.Errorf("%s: configured to fail", e.name)
	}

	e.handled.Add(1)
	return &Response{
		CorrelationID: req.CorrelationID,
		Adapter:       e.name,
		Payload:       append([]byte(nil), req.Payload...),
	}, nil
}

// Shutdown implements Adapter.
func (e *Echo) Shutdown(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	return nil
}

// Handled returns the number of requests served.
func (e *Echo) Handled() int64 {
	return e.handled.Load()
}
