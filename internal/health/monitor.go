package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/switchyard/switchyard/internal/adapter"
	"github.com/switchyard/switchyard/internal/plugin"
	"github.com/switchyard/switchyard/pkg/utils"
)

// Source supplies the adapters to check.
type Source interface {
	GetActive() []plugin.Descriptor
	Lookup(name string) (adapter.Adapter, bool)
}

// Recorder receives check outcomes, normally the circuit breaker manager.
type Recorder interface {
	RecordResult(name string, success bool)
}

// Sink receives check metrics.
type Sink interface {
	RecordHealthCheck(adapter, outcome string, duration time.Duration)
	RecordHealthDiscarded(adapter string)
	RecordAbandonedCall(adapter, operation string)
}

// Config represents monitor configuration
type Config struct {
	Interval     time.Duration `yaml:"interval"`
	CheckTimeout time.Duration `yaml:"check_timeout"`
	// StaggerFraction is the share of the interval across which check starts
	// are spread; 0 starts every check at the tick.
	StaggerFraction float64 `yaml:"stagger_fraction"`

	Now func() time.Time `yaml:"-"`
}

// Monitor periodically checks every ACTIVE adapter and feeds the outcomes to
// the circuit breakers and the metrics sink.
type Monitor struct {
	config   Config
	source   Source
	recorder Recorder
	sink     Sink
	logger   *slog.Logger

	mu      sync.RWMutex
	tick    uint64
	applied map[string]uint64
	results map[string]Result
	// running holds the start time of checks whose HealthCheck has not returned
	running map[string]time.Time
}

// NewMonitor creates a health monitor. sink may be nil.
func NewMonitor(config Config, source Source, recorder Recorder, sink Sink, logger *slog.Logger) *Monitor {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 200 * time.Millisecond
	}
	if config.StaggerFraction < 0 || config.StaggerFraction > 1 {
		config.StaggerFraction = 0.5
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Monitor{
		config:   config,
		source:   source,
		recorder: recorder,
		sink:     sink,
		logger:   utils.OrDiscard(logger).With("component", "health"),
		applied:  make(map[string]uint64),
		results:  make(map[string]Result),
		running:  make(map[string]time.Time),
	}
}

// Run sweeps on every interval until ctx is canceled. A sweep never waits for
// the previous one: stragglers finish on their own deadline.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	var sweeps conc.WaitGroup
	defer sweeps.Wait()

	m.logger.Info("health monitor started", "interval", m.config.Interval, "check_timeout", m.config.CheckTimeout)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return nil
		case <-ticker.C:
			sweeps.Go(func() { m.sweep(ctx, true) })
		}
	}
}

// CheckNow runs one sweep without staggering and waits for it to finish. Every
// check is bounded by the check timeout, so it returns within roughly that long.
func (m *Monitor) CheckNow(ctx context.Context) map[string]Result {
	return m.sweep(ctx, false)
}

func (m *Monitor) sweep(ctx context.Context, stagger bool) map[string]Result {
	active := m.source.GetActive()

	m.mu.Lock()
	m.tick++
	tick := m.tick
	m.mu.Unlock()

	var (
		wg  conc.WaitGroup
		mu  sync.Mutex
		out = make(map[string]Result, len(active))
	)
	for i, desc := range active {
		offset := time.Duration(0)
		if stagger {
			offset = m.staggerOffset(i, len(active))
		}
		wg.Go(func() {
			if !sleep(ctx, offset) {
				return
			}
			a, ok := m.source.Lookup(desc.Name)
			if !ok {
				return // disabled or unloaded since the sweep began
			}
			var result Result
			if since, busy := m.claim(desc.Name); busy {
				result = stillRunning(desc.Name, since, m.config.Now)
			} else {
				result = check(ctx, desc.Name, a, m.config.CheckTimeout, m.config.Now, func() { m.release(desc.Name) })
			}
			result.Tick = tick
			if m.apply(result) {
				mu.Lock()
				out[desc.Name] = result
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return out
}

// claim marks a check for name as running. When the previous check has not
// returned yet it reports true with that check's start instead.
func (m *Monitor) claim(name string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if since, ok := m.running[name]; ok {
		return since, true
	}
	m.running[name] = time.Now()
	return time.Time{}, false
}

func (m *Monitor) release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, name)
}

// Running returns how many adapters have a health check that has not returned.
func (m *Monitor) Running() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.running)
}

// staggerOffset spreads n check starts evenly across StaggerFraction of the interval.
func (m *Monitor) staggerOffset(i, n int) time.Duration {
	if n <= 1 {
		return 0
	}
	window := float64(m.config.Interval) * m.config.StaggerFraction
	return time.Duration(window * float64(i) / float64(n))
}

// apply records result unless a newer tick already completed for the adapter.
func (m *Monitor) apply(result Result) bool {
	if result.Outcome == OutcomeCanceled {
		return false
	}

	m.mu.Lock()
	if result.Tick < m.applied[result.Adapter] {
		m.mu.Unlock()
		m.logger.Debug("discarding stale health result", "adapter", result.Adapter, "tick", result.Tick)
		if m.sink != nil {
			m.sink.RecordHealthDiscarded(result.Adapter)
		}
		return false
	}
	m.applied[result.Adapter] = result.Tick
	m.results[result.Adapter] = result
	m.mu.Unlock()

	m.recorder.RecordResult(result.Adapter, result.Healthy)

	if m.sink != nil {
		m.sink.RecordHealthCheck(result.Adapter, string(result.Outcome), result.Latency)
		if result.Abandoned {
			m.sink.RecordAbandonedCall(result.Adapter, "health_check")
		}
	}
	if result.Abandoned {
		m.logger.Debug("abandoned health check", "adapter", result.Adapter, "timeout", m.config.CheckTimeout)
	} else if !result.Healthy {
		m.logger.Debug("health check failed", "adapter", result.Adapter, "outcome", result.Outcome, "error", result.Error)
	}
	return true
}

// Results returns the last applied result per adapter.
func (m *Monitor) Results() map[string]Result {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Result, len(m.results))
	for name, r := range m.results {
		out[name] = r
	}
	return out
}

// LastResult returns the last applied result for one adapter.
func (m *Monitor) LastResult(name string) (Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.results[name]
	return r, ok
}

// Forget drops the stored result for an unloaded adapter.
func (m *Monitor) Forget(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.results, name)
	delete(m.applied, name)
}

// Unhealthy returns the sorted names whose last result was a failure.
func (m *Monitor) Unhealthy() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for name, r := range m.results {
		if !r.Healthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
