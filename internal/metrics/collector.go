package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector is the prometheus-backed metrics sink shared by every component
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	healthChecks        *prometheus.CounterVec
	healthCheckDuration *prometheus.HistogramVec
	healthDiscarded     *prometheus.CounterVec
	breakerTransitions  *prometheus.CounterVec
	breakerState        *prometheus.GaugeVec
	lifecycleTransition *prometheus.CounterVec
	scalingDecisions    *prometheus.CounterVec
	resourceUsage       *prometheus.GaugeVec
	resourceForecast    *prometheus.GaugeVec
	routedRequests      *prometheus.CounterVec
	routeDuration       *prometheus.HistogramVec
	abandonedCalls      *prometheus.CounterVec
	deadLetterRetries   prometheus.Counter
	terminalFailures    *prometheus.CounterVec
	deadLetterDepth     prometheus.Gauge
	archiveWrites       *prometheus.CounterVec

	// plain tallies backing Snapshot, for status output and tests
	mu      sync.Mutex
	tallies map[string]int64
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
	Labels    map[string]string `yaml:"labels"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Namespace: "switchyard",
		}
	}

	collector := &Collector{
		config:  config,
		tallies: make(map[string]int64),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()

	if err := collector.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Enabled reports whether metrics are exported.
func (c *Collector) Enabled() bool {
	return c.config.Enabled
}

// Registry returns the underlying registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordHealthCheck counts one health check by outcome.
func (c *Collector) RecordHealthCheck(adapter, outcome string, duration time.Duration) {
	c.tally("health_checks." + outcome)
	if !c.config.Enabled {
		return
	}
	c.healthChecks.With(prometheus.Labels{"adapter": adapter, "outcome": outcome}).Inc()
	c.healthCheckDuration.With(prometheus.Labels{"adapter": adapter}).Observe(duration.Seconds())
}

// RecordHealthDiscarded counts a result dropped because a newer tick already applied.
func (c *Collector) RecordHealthDiscarded(adapter string) {
	c.tally("health_checks.discarded")
	if !c.config.Enabled {
		return
	}
	c.healthDiscarded.With(prometheus.Labels{"adapter": adapter}).Inc()
}

// RecordBreakerTransition counts a breaker state change.
func (c *Collector) RecordBreakerTransition(adapter, from, to string, state float64) {
	c.tally("breaker_transitions." + to)
	if !c.config.Enabled {
		return
	}
	c.breakerTransitions.With(prometheus.Labels{"adapter": adapter, "from": from, "to": to}).Inc()
	c.breakerState.With(prometheus.Labels{"adapter": adapter}).Set(state)
}

// RecordLifecycleTransition counts an adapter lifecycle change.
func (c *Collector) RecordLifecycleTransition(adapter, to string) {
	c.tally("lifecycle." + to)
	if !c.config.Enabled {
		return
	}
	c.lifecycleTransition.With(prometheus.Labels{"adapter": adapter, "to": to}).Inc()
}

// RecordScalingDecision counts a scaler decision.
func (c *Collector) RecordScalingDecision(action, metric string) {
	c.tally("scaling_decisions." + action)
	if !c.config.Enabled {
		return
	}
	c.scalingDecisions.With(prometheus.Labels{"action": action, "metric": metric}).Inc()
}

// SetResourceUsage publishes the latest sample for a metric.
func (c *Collector) SetResourceUsage(metric string, percent float64) {
	if !c.config.Enabled {
		return
	}
	c.resourceUsage.With(prometheus.Labels{"metric": metric}).Set(percent)
}

// SetResourceForecast publishes the smoothed forecast for a metric.
func (c *Collector) SetResourceForecast(metric string, percent float64) {
	if !c.config.Enabled {
		return
	}
	c.resourceForecast.With(prometheus.Labels{"metric": metric}).Set(percent)
}

// RecordRoute counts one routing attempt by outcome.
func (c *Collector) RecordRoute(adapter, outcome string, duration time.Duration) {
	c.tally("routed_requests." + outcome)
	if !c.config.Enabled {
		return
	}
	if adapter == "" {
		adapter = "none"
	}
	c.routedRequests.With(prometheus.Labels{"adapter": adapter, "outcome": outcome}).Inc()
	c.routeDuration.With(prometheus.Labels{"adapter": adapter}).Observe(duration.Seconds())
}

// RecordAbandonedCall counts an adapter call left running past its deadline.
func (c *Collector) RecordAbandonedCall(adapter, operation string) {
	c.tally("abandoned_calls." + operation)
	if !c.config.Enabled {
		return
	}
	c.abandonedCalls.With(prometheus.Labels{"adapter": adapter, "operation": operation}).Inc()
}

// RecordDeadLetterRetry counts one retry dispatched from the dead-letter queue.
func (c *Collector) RecordDeadLetterRetry() {
	c.tally("dead_letter.retries")
	if !c.config.Enabled {
		return
	}
	c.deadLetterRetries.Inc()
}

// RecordTerminalFailure counts a request surfaced to the host as failed.
func (c *Collector) RecordTerminalFailure(reason string) {
	c.tally("dead_letter.terminal")
	if !c.config.Enabled {
		return
	}
	c.terminalFailures.With(prometheus.Labels{"reason": reason}).Inc()
}

// SetDeadLetterDepth publishes the queue depth.
func (c *Collector) SetDeadLetterDepth(depth int) {
	if !c.config.Enabled {
		return
	}
	c.deadLetterDepth.Set(float64(depth))
}

// RecordArchiveWrite counts an archive upload attempt.
func (c *Collector) RecordArchiveWrite(success bool) {
	status := map[bool]string{true: "success", false: "error"}[success]
	c.tally("archive." + status)
	if !c.config.Enabled {
		return
	}
	c.archiveWrites.With(prometheus.Labels{"status": status}).Inc()
}

// Snapshot returns the plain tallies recorded so far.
func (c *Collector) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.tallies))
	for k, v := range c.tallies {
		out[k] = v
	}
	return out
}

func (c *Collector) tally(key string) {
	c.mu.Lock()
	c.tallies[key]++
	c.mu.Unlock()
}

// Helper methods

func (c *Collector) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
	}, labels)
}

func (c *Collector) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
	}, labels)
}

func (c *Collector) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: c.config.Labels,
	}, labels)
}

func (c *Collector) initMetrics() error {
	c.healthChecks = c.counterVec("health_checks_total", "Health checks by outcome", "adapter", "outcome")
	c.healthCheckDuration = c.histogramVec("health_check_duration_seconds", "Duration of health checks in seconds",
		prometheus.ExponentialBuckets(0.001, 2, 12), "adapter") // 1ms to ~2s
	c.healthDiscarded = c.counterVec("health_results_discarded_total", "Stale health results dropped", "adapter")

	c.breakerTransitions = c.counterVec("breaker_transitions_total", "Circuit breaker transitions", "adapter", "from", "to")
	c.breakerState = c.gaugeVec("breaker_state", "Circuit breaker state (0 closed, 1 open, 2 half-open)", "adapter")

	c.lifecycleTransition = c.counterVec("adapter_lifecycle_transitions_total", "Adapter lifecycle transitions", "adapter", "to")

	c.scalingDecisions = c.counterVec("scaling_decisions_total", "Predictive scaler decisions", "action", "metric")
	c.resourceUsage = c.gaugeVec("resource_usage_percent", "Latest sampled resource usage", "metric")
	c.resourceForecast = c.gaugeVec("resource_forecast_percent", "Smoothed resource usage forecast", "metric")

	c.routedRequests = c.counterVec("routed_requests_total", "Routing attempts by outcome", "adapter", "outcome")
	c.routeDuration = c.histogramVec("route_duration_seconds", "Duration of adapter request handling in seconds",
		prometheus.ExponentialBuckets(0.001, 2, 16), "adapter") // 1ms to ~65s
	c.abandonedCalls = c.counterVec("abandoned_calls_total", "Adapter calls abandoned at their deadline", "adapter", "operation")

	c.deadLetterRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        "dead_letter_retries_total",
		Help:        "Retries dispatched from the dead-letter queue",
		ConstLabels: c.config.Labels,
	})
	c.terminalFailures = c.counterVec("dead_letter_terminal_total", "Requests surfaced to the host as terminal failures", "reason")
	c.deadLetterDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        "dead_letter_depth",
		Help:        "Entries waiting in the dead-letter queue",
		ConstLabels: c.config.Labels,
	})

	c.archiveWrites = c.counterVec("archive_writes_total", "Dead-letter archive uploads", "status")

	return nil
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.healthChecks,
		c.healthCheckDuration,
		c.healthDiscarded,
		c.breakerTransitions,
		c.breakerState,
		c.lifecycleTransition,
		c.scalingDecisions,
		c.resourceUsage,
		c.resourceForecast,
		c.routedRequests,
		c.routeDuration,
		c.abandonedCalls,
		c.deadLetterRetries,
		c.terminalFailures,
		c.deadLetterDepth,
		c.archiveWrites,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}
