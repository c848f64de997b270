package circuit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - calls pass through
	StateClosed State = iota
	// StateOpen - calls short-circuit without reaching the adapter
	StateOpen
	// StateHalfOpen - a single trial call decides between CLOSED and OPEN
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config contains circuit breaker configuration
type Config struct {
	// Consecutive failures that trip a closed breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Period of the open state after which the next call or check is a trial
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// Function called on every transition. It runs with the breaker locked and
	// must not call back into the breaker.
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// Clock, for tests
	Now func() time.Time `yaml:"-"`
}

// DefaultConfig returns the 3 failures / 30s breaker.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
	}
}

// Counts holds the numbers of requests and their successes/failures. They are
// cleared whenever the breaker closes.
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// CircuitBreaker tracks the failure state of one adapter. Every method takes the
// breaker's own mutex, so breakers for different adapters never contend.
type CircuitBreaker struct {
	name   string
	config Config

	mu             sync.Mutex
	state          State
	counts         Counts
	lastTransition time.Time
	trialInFlight  bool
}

// NewCircuitBreaker creates a new circuit breaker instance
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 3
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &CircuitBreaker{
		name:           name,
		config:         config,
		state:          StateClosed,
		lastTransition: config.Now(),
	}
}

// IsCallAllowed reports whether a call may be made right now. It never changes
// the breaker: an OPEN breaker whose reset timeout has elapsed reports true
// because the next call would be admitted as the trial.
func (cb *CircuitBreaker) IsCallAllowed() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.effectiveState(cb.config.Now()) {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !cb.trialInFlight
	default:
		return false
	}
}

// Acquire admits one call. In HALF_OPEN it reserves the single trial; the caller
// must follow up with RecordResult or Release.
func (cb *CircuitBreaker) Acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.config.Now()
	cb.promote(now)

	switch cb.state {
	case StateOpen:
		return ErrOpenState
	case StateHalfOpen:
		if cb.trialInFlight {
			return ErrTrialInFlight
		}
		cb.trialInFlight = true
	}

	cb.counts.onRequest(now)
	return nil
}

// Release gives back a trial reserved by Acquire without reporting a result,
// for calls that never reached the adapter.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
}

// RecordResult applies the outcome of a call or health check.
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.config.Now()
	cb.promote(now)

	switch cb.state {
	case StateClosed:
		if success {
			cb.counts.onSuccess(now)
			return
		}
		cb.counts.onFailure(now)
		if cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		if success {
			cb.setState(StateClosed, now)
			return
		}
		cb.counts.onFailure(now)
		cb.setState(StateOpen, now)
	case StateOpen:
		// results before the reset timeout neither extend nor shorten it
	}
}

// ExecuteWithContext runs fn if the breaker admits it and records its outcome.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.Acquire(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.RecordResult(err == nil)
	return err
}

// effectiveState returns the state a call arriving at now would observe.
func (cb *CircuitBreaker) effectiveState(now time.Time) State {
	if cb.state == StateOpen && !now.Before(cb.lastTransition.Add(cb.config.ResetTimeout)) {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) promote(now time.Time) {
	if state := cb.effectiveState(now); state != cb.state {
		cb.setState(state, now)
	}
}

// setState changes the state of the circuit breaker
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	prev := cb.state
	if prev == state {
		return
	}

	cb.state = state
	if state == StateClosed {
		cb.counts.clear()
	}
	cb.lastTransition = now
	cb.trialInFlight = false

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}
}

// GetState returns the effective state without changing the breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.effectiveState(cb.config.Now())
}

// GetCounts returns a copy of the current counts
func (cb *CircuitBreaker) GetCounts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.counts
}

// Stats returns a snapshot of the breaker
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:           cb.name,
		State:          cb.effectiveState(cb.config.Now()),
		Counts:         cb.counts,
		LastTransition: cb.lastTransition,
		TrialInFlight:  cb.trialInFlight,
	}
}

// Reset resets the circuit breaker to its initial state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.clear()
	cb.setState(StateClosed, cb.config.Now())
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Methods for Counts struct

func (c *Counts) onRequest(now time.Time) {
	c.Requests++
	c.LastActivity = now
}

func (c *Counts) onSuccess(now time.Time) {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
	c.LastActivity = now
}

func (c *Counts) onFailure(now time.Time) {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
	c.LastActivity = now
}

func (c *Counts) clear() {
	*c = Counts{}
}

// Errors

var (
	// ErrOpenState is returned when the circuit breaker is open
	ErrOpenState = errors.New("circuit breaker is open")

	// ErrTrialInFlight is returned when the half-open trial is already taken
	ErrTrialInFlight = errors.New("half-open trial already in flight")
)

// Manager owns one breaker per adapter name
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
}

// NewManager creates a new circuit breaker manager
func NewManager(config Config) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// GetBreaker gets or creates a circuit breaker with the given name
func (m *Manager) GetBreaker(name string) *CircuitBreaker {
	m.mu.RLock()
	if breaker, exists := m.breakers[name]; exists {
		m.mu.RUnlock()
		return breaker
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check in case another goroutine created it
	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}

	breaker := NewCircuitBreaker(name, m.config)
	m.breakers[name] = breaker
	return breaker
}

func (m *Manager) lookup(name string) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[name]
	return b, ok
}

// IsCallAllowed reports whether name may be called. An adapter without a
// breaker yet is treated as CLOSED; no breaker is created.
func (m *Manager) IsCallAllowed(name string) bool {
	if b, ok := m.lookup(name); ok {
		return b.IsCallAllowed()
	}
	return true
}

// Acquire admits one call to name.
func (m *Manager) Acquire(name string) error {
	return m.GetBreaker(name).Acquire()
}

// Release returns an unused trial for name.
func (m *Manager) Release(name string) {
	if b, ok := m.lookup(name); ok {
		b.Release()
	}
}

// RecordResult applies a call or health check outcome for name.
func (m *Manager) RecordResult(name string, success bool) {
	m.GetBreaker(name).RecordResult(success)
}

// State returns the effective state for name.
func (m *Manager) State(name string) State {
	if b, ok := m.lookup(name); ok {
		return b.GetState()
	}
	return StateClosed
}

// RemoveBreaker removes a circuit breaker
func (m *Manager) RemoveBreaker(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.breakers, name)
}

// ResetAll resets all circuit breakers
func (m *Manager) ResetAll() {
	for _, breaker := range m.snapshot() {
		breaker.Reset()
	}
}

func (m *Manager) snapshot() map[string]*CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*CircuitBreaker, len(m.breakers))
	for name, breaker := range m.breakers {
		out[name] = breaker
	}
	return out
}

// GetStats returns statistics for all circuit breakers
func (m *Manager) GetStats() map[string]CircuitBreakerStats {
	stats := make(map[string]CircuitBreakerStats)
	for name, breaker := range m.snapshot() {
		stats[name] = breaker.Stats()
	}
	return stats
}

// CircuitBreakerStats represents statistics for a single circuit breaker
type CircuitBreakerStats struct {
	Name           string    `json:"name"`
	State          State     `json:"state"`
	Counts         Counts    `json:"counts"`
	LastTransition time.Time `json:"last_transition"`
	TrialInFlight  bool      `json:"trial_in_flight"`
}

// OpenBreakers returns the sorted names of breakers currently OPEN.
func (m *Manager) OpenBreakers() []string {
	var open []string
	for name, stat := range m.GetStats() {
		if stat.State == StateOpen {
			open = append(open, name)
		}
	}
	sort.Strings(open)
	return open
}
