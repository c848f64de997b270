package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/switchyard/switchyard/internal/adapter"
	"github.com/switchyard/switchyard/internal/archive"
	"github.com/switchyard/switchyard/internal/circuit"
	"github.com/switchyard/switchyard/internal/config"
	"github.com/switchyard/switchyard/internal/health"
	"github.com/switchyard/switchyard/internal/metrics"
	"github.com/switchyard/switchyard/internal/plugin"
	"github.com/switchyard/switchyard/internal/resource"
	"github.com/switchyard/switchyard/internal/router"
	"github.com/switchyard/switchyard/internal/scaling"
	"github.com/switchyard/switchyard/pkg/errors"
	svchealth "github.com/switchyard/switchyard/pkg/health"
	"github.com/switchyard/switchyard/pkg/retry"
	"github.com/switchyard/switchyard/pkg/status"
	"github.com/switchyard/switchyard/pkg/utils"
)

// Option configures an Orchestrator
type Option func(*options)

type options struct {
	logger     *slog.Logger
	probe      resource.Probe
	archiver   archive.Archiver
	onTerminal router.TerminalHandler
	now        func() time.Time
}

// WithLogger sets the logger every component derives its own from.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithProbe replaces the host resource probe.
func WithProbe(probe resource.Probe) Option {
	return func(o *options) { o.probe = probe }
}

// WithArchiver replaces the archiver built from the archive configuration.
func WithArchiver(a archive.Archiver) Option {
	return func(o *options) { o.archiver = a }
}

// WithTerminalHandler is told about every request surfaced as a terminal failure.
func WithTerminalHandler(h router.TerminalHandler) Option {
	return func(o *options) { o.onTerminal = h }
}

// WithClock sets the clock used for timestamps and breaker timeouts.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type lifecycle int

const (
	lifecycleNew lifecycle = iota
	lifecycleRunning
	lifecycleStopped
)

// Orchestrator is the single entry point for hosts: it owns every component,
// wires them together and runs their loops under one supervisor.
type Orchestrator struct {
	config *config.Configuration
	opts   options
	logger *slog.Logger

	metrics  *metrics.Collector
	events   *status.Tracker
	mode     *svchealth.Tracker
	plugins  *plugin.Manager
	breakers *circuit.Manager
	monitor  *health.Monitor
	sampler  *resource.Sampler
	scaler   *scaling.Scaler
	router   *router.Router
	archive  *archive.Queue

	sup *supervisor

	mu        sync.Mutex
	state     lifecycle
	startedAt time.Time
	extra     []namedTask
}

// New builds an orchestrator for cfg with the given adapter registrations.
// Nothing runs until Start.
func New(cfg *config.Configuration, registrations []adapter.Registration, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}
	logger := utils.OrDiscard(o.logger)

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Namespace: cfg.Metrics.Namespace,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to create metrics collector").
			WithComponent("orchestrator")
	}

	orc := &Orchestrator{
		config:  cfg,
		opts:    o,
		logger:  logger.With("component", "orchestrator"),
		metrics: collector,
		events:  status.NewTracker(status.TrackerConfig{MaxHistorySize: 1000, Now: o.now}),
		mode:    svchealth.NewTracker(svchealth.DefaultConfig(), o.now),
		sup:     newSupervisor(logger.With("component", "supervisor")),
	}
	orc.mode.OnModeChange(orc.onModeChange)

	orc.breakers = circuit.NewManager(circuit.Config{
		FailureThreshold: uint32(cfg.CircuitBreaker.FailureThreshold),
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
		OnStateChange:    orc.onBreakerChange,
		Now:              o.now,
	})

	settings := make(map[string]adapter.Settings, len(cfg.Adapters.Settings))
	for name, s := range cfg.Adapters.Settings {
		settings[name] = adapter.Settings(s)
	}
	orc.plugins = plugin.NewManager(plugin.Config{
		InitTimeout:     cfg.Adapters.InitTimeout,
		ShutdownTimeout: cfg.Adapters.ShutdownTimeout,
		Settings:        settings,
		OnTransition:    orc.onTransition,
		Now:             o.now,
	}, logger)

	orc.monitor = health.NewMonitor(health.Config{
		Interval:        cfg.Health.Interval,
		CheckTimeout:    cfg.Health.CheckTimeout,
		StaggerFraction: cfg.Health.StaggerFraction,
		Now:             o.now,
	}, orc.plugins, orc.breakers, collector, logger)

	probe := o.probe
	if probe == nil {
		probe = resource.NewSystemProbe(cfg.Resources.DiskPath)
	}
	orc.sampler = resource.NewSampler(resource.Config{
		Interval:       cfg.Resources.SampleInterval,
		WindowSize:     cfg.Resources.WindowSize,
		AnomalyStdDevs: cfg.Resources.AnomalyStdDevs,
		OnAnomaly:      orc.onAnomaly,
	}, probe, collector, logger)

	orc.scaler = scaling.NewScaler(scaling.Config{
		Interval:             cfg.Scaling.EvaluationInterval,
		Horizon:              cfg.Scaling.Horizon,
		HighThreshold:        cfg.Scaling.HighThreshold,
		LowThreshold:         cfg.Scaling.LowThreshold,
		EmergencyThreshold:   cfg.Scaling.EmergencyThreshold,
		SmoothingWeight:      cfg.Scaling.SmoothingWeight,
		MinRegressionSamples: cfg.Scaling.MinRegressionSamples,
		Cooldown:             cfg.Scaling.Cooldown,
		AuditSize:            cfg.Scaling.AuditSize,
		DegradationOrder:     cfg.Adapters.DegradationOrder,
		Essential:            cfg.Adapters.Essential,
		ShedMetrics:          shedMetrics(cfg.Scaling.ShedMetrics),
		OnDecision:           orc.onDecision,
		Now:                  o.now,
	}, orc.sampler, orc.plugins, collector, logger)

	dl := cfg.DeadLetter
	orc.router = router.New(router.Config{
		Deadline:                cfg.Router.Deadline,
		MaxConcurrentPerAdapter: cfg.Router.MaxConcurrentPerAdapter,
		SuccessRateDecay:        cfg.Router.SuccessRateDecay,
		DeadLetter: router.DeadLetterConfig{
			Backoff: retry.Config{
				InitialDelay: dl.InitialDelay,
				MaxDelay:     dl.MaxDelay,
				Multiplier:   dl.Multiplier,
				Jitter:       dl.Jitter,
			},
			MaxAttempts:      dl.MaxAttempts,
			WarnEvery:        dl.WarnEvery,
			MaxDepth:         dl.MaxDepth,
			RetriesPerSecond: dl.RetriesPerSecond,
			RetryBurst:       dl.RetryBurst,
			RetryConcurrency: int64(dl.RetryConcurrency),
			OnTerminal:       orc.onTerminal,
			Now:              o.now,
		},
		OnRetryDelivered: orc.onRetryDelivered,
		Now:              o.now,
	}, orc.plugins, orc.breakers, collector, logger)

	archiver := o.archiver
	if archiver == nil && cfg.Archive.Enabled {
		s3a, err := archive.NewS3Archiver(context.Background(), archive.S3Config{
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			ForcePathStyle:  cfg.Archive.ForcePathStyle,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		}, collector, logger)
		if err != nil {
			return nil, err
		}
		archiver = s3a
	}
	if archiver != nil {
		orc.archive = archive.NewQueue(archiver, 256, cfg.Archive.Timeout, logger)
	}

	for _, reg := range registrations {
		if err := orc.plugins.Register(reg); err != nil {
			return nil, err
		}
	}
	return orc, nil
}

// AddTask hands an extra loop, such as an API server, to the supervisor. It
// must be called before Start.
func (o *Orchestrator) AddTask(name string, task Task) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != lifecycleNew {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "tasks must be added before start").
			WithComponent("orchestrator").WithOperation("add_task")
	}
	o.extra = append(o.extra, namedTask{name: name, run: task})
	return nil
}

// Start discovers and loads adapters, then launches every background loop.
// Adapters that fail to load are left in ERROR; that does not fail Start.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != lifecycleNew {
		o.mu.Unlock()
		return errors.NewError(errors.ErrCodeAlreadyStarted, "orchestrator already started").
			WithComponent("orchestrator").WithOperation("start")
	}
	o.state = lifecycleRunning
	o.startedAt = o.opts.now()
	extra := o.extra
	o.mu.Unlock()

	discovered := o.plugins.Discover(ctx)
	var failed []string
	for _, r := range o.plugins.LoadAll(ctx, o.config.Adapters.Disabled) {
		if !r.OK() {
			failed = append(failed, r.Name)
		}
	}

	tasks := []namedTask{
		{name: "health", run: o.monitor.Run},
		{name: "resources", run: o.sampler.Run},
		{name: "dead_letter", run: o.router.Run},
		{name: "service_mode", run: o.watchMode},
	}
	if o.config.Scaling.Enabled {
		tasks = append(tasks, namedTask{name: "scaling", run: o.scaler.Run})
	}
	if o.archive != nil {
		tasks = append(tasks, namedTask{name: "archive", run: o.archive.Run})
	}
	tasks = append(tasks, extra...)
	o.sup.start(tasks)

	o.refreshMode()
	o.logger.Info("orchestrator started",
		"discovered", len(discovered),
		"active", len(o.plugins.GetActive()),
		"failed", strings.Join(failed, ","),
		"tasks", len(tasks))
	return nil
}

// Stop cancels every loop, waits up to the shutdown grace period (or ctx's
// deadline, if sooner), then unloads all adapters. Loops that overrun the grace
// period are abandoned and reported as SHUTDOWN_TIMEOUT.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.state != lifecycleRunning {
		o.mu.Unlock()
		return errors.NewError(errors.ErrCodeNotStarted, "orchestrator is not running").
			WithComponent("orchestrator").WithOperation("stop")
	}
	o.state = lifecycleStopped
	o.mu.Unlock()

	grace := o.config.Lifecycle.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < grace {
			grace = remaining
		}
	}

	stopErr := o.sup.stop(grace)

	// terminal failures drained after the archive loop exited are still queued
	if o.archive != nil {
		o.archive.Flush()
	}

	unloadCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	var forced []string
	for _, r := range o.plugins.UnloadAll(unloadCtx) {
		if !r.OK() {
			forced = append(forced, r.Name)
		}
	}
	o.refreshMode()

	o.logger.Info("orchestrator stopped", "forced_unloads", strings.Join(forced, ","), "clean", stopErr == nil)
	return stopErr
}

// Running reports whether Start has run and Stop has not.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == lifecycleRunning
}

// Route delivers one request. It never blocks longer than the router deadline
// and never returns an error: failures are carried in the outcome.
func (o *Orchestrator) Route(ctx context.Context, req *adapter.Request) router.Outcome {
	if !o.Running() {
		return router.Outcome{
			Disposition:   router.Failed,
			CorrelationID: req.CorrelationID,
			Err: errors.NewError(errors.ErrCodeNotStarted, "orchestrator is not running").
				WithComponent("orchestrator").WithOperation("route"),
		}
	}
	return o.router.Route(ctx, req)
}

// Enable returns a DISABLED adapter to ACTIVE.
func (o *Orchestrator) Enable(name string) error {
	err := o.plugins.Enable(name)
	o.refreshMode()
	return err
}

// Disable takes an ACTIVE adapter out of routing without shutting it down.
func (o *Orchestrator) Disable(name string) error {
	err := o.plugins.Disable(name)
	o.refreshMode()
	return err
}

// ResetBreakers closes every breaker and returns the adapters whose breaker
// was OPEN.
func (o *Orchestrator) ResetBreakers() []string {
	open := o.breakers.OpenBreakers()
	o.breakers.ResetAll()
	o.logger.Info("circuit breakers reset", "open", open)
	o.refreshMode()
	return open
}

// Load initializes an adapter.
func (o *Orchestrator) Load(ctx context.Context, name string) plugin.Result {
	r := o.plugins.Load(ctx, name)
	o.refreshMode()
	return r
}

// Unload shuts an adapter down.
func (o *Orchestrator) Unload(ctx context.Context, name string) plugin.Result {
	r := o.plugins.Unload(ctx, name)
	o.refreshMode()
	return r
}

// CheckNow runs one health sweep immediately and waits for it.
func (o *Orchestrator) CheckNow(ctx context.Context) map[string]health.Result {
	results := o.monitor.CheckNow(ctx)
	o.refreshMode()
	return results
}

// Subscribe streams new events until the returned function is called.
func (o *Orchestrator) Subscribe(buffer int) (<-chan status.Event, func()) {
	return o.events.Subscribe(buffer)
}

// Events returns up to limit recent events, newest first.
func (o *Orchestrator) Events(limit int) []status.Event {
	return o.events.History(limit)
}

// Metrics returns the metrics collector.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}

// Ready reports whether at least one adapter can take traffic.
func (o *Orchestrator) Ready() bool {
	return o.Running() && o.refreshMode().Mode != svchealth.ModeUnavailable
}

func (o *Orchestrator) watchMode(ctx context.Context) error {
	interval := o.config.Health.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.refreshMode()
		}
	}
}

func (o *Orchestrator) refreshMode() svchealth.Assessment {
	return o.mode.Update(o.snapshot())
}

func (o *Orchestrator) snapshot() svchealth.Snapshot {
	var s svchealth.Snapshot
	for _, d := range o.plugins.Descriptors() {
		switch d.State {
		case plugin.StateActive:
			s.Loaded++
			if o.breakers.IsCallAllowed(d.Name) {
				s.Routable++
			} else {
				s.OpenBreakers++
			}
		case plugin.StateDisabled:
			s.Loaded++
			s.Disabled++
		case plugin.StateError:
			s.Errored++
		}
	}
	s.DeadLetterDepth = o.router.DeadLetters().Depth()
	if decisions := o.scaler.Decisions(); len(decisions) > 0 {
		s.Emergency = decisions[len(decisions)-1].Emergency
	}
	return s
}

// Event hooks. Breaker and scaler hooks run with those components locked and
// must not call back into them.

func (o *Orchestrator) onBreakerChange(name string, from, to circuit.State) {
	o.metrics.RecordBreakerTransition(name, from.String(), to.String(), float64(to))
	o.events.Publish(status.Event{
		Type:    status.EventBreaker,
		Adapter: name,
		Message: fmt.Sprintf("breaker %s -> %s", from, to),
		Data:    map[string]interface{}{"from": from.String(), "to": to.String()},
	})
	if to == circuit.StateOpen {
		o.logger.Warn("circuit breaker opened", "adapter", name, "from", from)
		return
	}
	o.logger.Info("circuit breaker changed state", "adapter", name, "from", from, "to", to)
}

func (o *Orchestrator) onTransition(name string, from, to plugin.State, err error) {
	o.metrics.RecordLifecycleTransition(name, to.String())
	e := status.Event{
		Type:    status.EventLifecycle,
		Adapter: name,
		Message: fmt.Sprintf("adapter %s -> %s", from, to),
		Data:    map[string]interface{}{"from": from.String(), "to": to.String()},
	}
	if err != nil {
		e.Data["error"] = err.Error()
	}
	o.events.Publish(e)

	if to == plugin.StateUnregistered || to == plugin.StateError {
		o.breakers.RemoveBreaker(name)
		o.monitor.Forget(name)
		o.router.Forget(name)
	}
}

func (o *Orchestrator) onAnomaly(sample resource.Sample, metrics []resource.Metric) {
	names := make([]string, len(metrics))
	data := map[string]interface{}{}
	for i, m := range metrics {
		names[i] = string(m)
		data[string(m)] = sample.Value(m)
	}
	o.events.Publish(status.Event{
		Type:    status.EventAnomaly,
		Message: "resource anomaly: " + strings.Join(names, ","),
		Data:    data,
	})
}

func (o *Orchestrator) onDecision(d scaling.Decision) {
	if d.Action == scaling.ActionNoop {
		return
	}
	o.events.Publish(status.Event{
		Type:    status.EventScaling,
		Adapter: d.Adapter,
		Message: fmt.Sprintf("%s %s: %s", d.Action, d.Adapter, d.Reason),
		Data: map[string]interface{}{
			"metric":     string(d.Metric),
			"projected":  d.Projected,
			"confidence": d.Confidence,
			"emergency":  d.Emergency,
		},
	})
}

func (o *Orchestrator) onTerminal(f router.TerminalFailure) {
	correlationID := ""
	if f.Request != nil {
		correlationID = f.Request.CorrelationID
	}
	o.events.Publish(status.Event{
		Type:    status.EventTerminalFailure,
		Message: fmt.Sprintf("request %s failed terminally: %s", correlationID, f.Cause),
		Data: map[string]interface{}{
			"correlation_id": correlationID,
			"cause":          f.Cause,
			"attempts":       f.Attempts,
			"code":           string(errors.CodeOf(f.Err)),
		},
	})
	if o.archive != nil {
		o.archive.Submit(f)
	}
	if o.opts.onTerminal != nil {
		o.opts.onTerminal(f)
	}
}

func (o *Orchestrator) onRetryDelivered(out router.Outcome) {
	o.events.Publish(status.Event{
		Type:    status.EventRetryDelivered,
		Adapter: out.Adapter,
		Message: fmt.Sprintf("request %s delivered on attempt %d", out.CorrelationID, out.Attempts),
		Data:    map[string]interface{}{"correlation_id": out.CorrelationID, "attempts": out.Attempts},
	})
}

func (o *Orchestrator) onModeChange(from, to svchealth.Mode, reasons []string) {
	o.events.Publish(status.Event{
		Type:    status.EventServiceMode,
		Message: fmt.Sprintf("service %s -> %s", from, to),
		Data:    map[string]interface{}{"from": from.String(), "to": to.String(), "reasons": reasons},
	})
	if to == svchealth.ModeHealthy {
		o.logger.Info("service mode changed", "from", from, "to", to)
		return
	}
	o.logger.Warn("service mode changed", "from", from, "to", to, "reasons", strings.Join(reasons, "; "))
}

func shedMetrics(names []string) []resource.Metric {
	out := make([]resource.Metric, 0, len(names))
	for _, name := range names {
		out = append(out, resource.Metric(name))
	}
	return out
}
