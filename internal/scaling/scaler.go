package scaling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/switchyard/switchyard/internal/plugin"
	"github.com/switchyard/switchyard/internal/resource"
	"github.com/switchyard/switchyard/pkg/utils"
)

// Action is what a scaling decision did
type Action string

const (
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
	ActionNoop    Action = "no-op"
)

// Decision is one audit log entry. It is never modified after creation.
type Decision struct {
	Action     Action          `json:"action"`
	Adapter    string          `json:"adapter,omitempty"`
	Confidence float64         `json:"confidence"`
	Metric     resource.Metric `json:"metric,omitempty"`
	Projected  float64         `json:"projected"`
	Emergency  bool            `json:"emergency,omitempty"`
	Reason     string          `json:"reason"`
	Timestamp  time.Time       `json:"timestamp"`
}

// History supplies the sampled window, oldest first.
type History interface {
	Samples() []resource.Sample
}

// Registry is the subset of the plugin manager the scaler acts through.
type Registry interface {
	Enable(name string) error
	Disable(name string) error
	State(name string) (plugin.State, bool)
	Names() []string
}

// Sink receives scaling metrics.
type Sink interface {
	RecordScalingDecision(action, metric string)
	SetResourceForecast(metric string, percent float64)
}

// Config represents scaler configuration
type Config struct {
	Interval             time.Duration
	Horizon              time.Duration
	HighThreshold        float64
	LowThreshold         float64
	EmergencyThreshold   float64
	SmoothingWeight      float64
	MinRegressionSamples int
	// Cooldown is the minimum time between non-emergency actions.
	Cooldown  time.Duration
	AuditSize int

	// DegradationOrder lists adapters least-critical first. Registered adapters
	// missing from it are shed after the listed ones, in name order.
	DegradationOrder []string
	// Essential adapters are never disabled.
	Essential []string
	// ShedMetrics are the metrics whose projection drives the policy. All
	// metrics are still forecast. Defaults to cpu and memory.
	ShedMetrics []resource.Metric

	// OnDecision runs with the scaler locked and must not call back into it.
	OnDecision func(Decision)
	Now        func() time.Time
}

// Scaler forecasts resource usage and sheds or restores adapters under a
// hysteresis policy. It only ever acts through the Registry.
type Scaler struct {
	config     Config
	forecaster Forecaster
	history    History
	registry   Registry
	sink       Sink
	logger     *slog.Logger
	essential  map[string]bool
	drivers    map[resource.Metric]bool

	mu         sync.Mutex
	smoothers  map[resource.Metric]*ema
	forecasts  map[resource.Metric]Forecast
	shed       map[string]bool
	lastAction time.Time
	audit      []Decision
}

// NewScaler creates a predictive scaler. sink may be nil.
func NewScaler(config Config, history History, registry Registry, sink Sink, logger *slog.Logger) *Scaler {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Horizon <= 0 {
		config.Horizon = 5 * time.Minute
	}
	if config.HighThreshold <= 0 {
		config.HighThreshold = 80
	}
	if config.LowThreshold <= 0 {
		config.LowThreshold = 65
	}
	if config.EmergencyThreshold <= 0 {
		config.EmergencyThreshold = 95
	}
	if config.SmoothingWeight <= 0 || config.SmoothingWeight > 1 {
		config.SmoothingWeight = 0.7
	}
	if config.AuditSize <= 0 {
		config.AuditSize = 100
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	if len(config.ShedMetrics) == 0 {
		config.ShedMetrics = []resource.Metric{resource.MetricCPU, resource.MetricMemory}
	}

	essential := make(map[string]bool, len(config.Essential))
	for _, name := range config.Essential {
		essential[name] = true
	}
	drivers := make(map[resource.Metric]bool, len(config.ShedMetrics))
	for _, m := range config.ShedMetrics {
		drivers[m] = true
	}

	s := &Scaler{
		config: config,
		forecaster: Forecaster{
			Horizon:              config.Horizon,
			MinRegressionSamples: config.MinRegressionSamples,
		},
		history:   history,
		registry:  registry,
		sink:      sink,
		logger:    utils.OrDiscard(logger).With("component", "scaling"),
		essential: essential,
		drivers:   drivers,
		smoothers: make(map[resource.Metric]*ema),
		forecasts: make(map[resource.Metric]Forecast),
		shed:      make(map[string]bool),
	}
	for _, m := range resource.Metrics() {
		s.smoothers[m] = &ema{weight: config.SmoothingWeight}
	}
	return s
}

// Run evaluates on every interval until ctx is canceled.
func (s *Scaler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("predictive scaler started", "interval", s.config.Interval, "horizon", s.config.Horizon)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("predictive scaler stopped")
			return nil
		case <-ticker.C:
			s.Evaluate()
		}
	}
}

// Evaluate forecasts every metric, applies the policy to the highest smoothed
// projection among the shed metrics and returns the decisions taken. Every evaluation produces at
// least one decision, possibly a no-op.
func (s *Scaler) Evaluate() []Decision {
	samples := s.history.Samples()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.config.Now()
	if len(samples) == 0 {
		return s.record(Decision{Action: ActionNoop, Reason: "no resource samples", Timestamp: now})
	}

	var (
		trigger Forecast
		found   bool
	)
	for _, m := range resource.Metrics() {
		fc := s.forecaster.Forecast(m, samples)
		fc.Smoothed = s.smoothers[m].update(fc.Projected)
		s.forecasts[m] = fc
		if s.sink != nil {
			s.sink.SetResourceForecast(string(m), fc.Smoothed)
		}
		if s.drivers[m] && (!found || fc.Smoothed > trigger.Smoothed) {
			trigger, found = fc, true
		}
	}
	if !found {
		return s.record(Decision{Action: ActionNoop, Reason: "no shed metric is sampled", Timestamp: now})
	}

	base := Decision{
		Action:     ActionNoop,
		Confidence: trigger.Confidence,
		Metric:     trigger.Metric,
		Projected:  trigger.Smoothed,
		Timestamp:  now,
	}
	usage := trigger.Smoothed

	switch {
	case usage >= s.config.EmergencyThreshold:
		return s.emergency(base)
	case usage > s.config.HighThreshold:
		if s.coolingDown(now) {
			base.Reason = "above high threshold, cooling down"
			return s.record(base)
		}
		return s.disableOne(base)
	case usage < s.config.LowThreshold:
		if s.coolingDown(now) {
			base.Reason = "below low threshold, cooling down"
			return s.record(base)
		}
		return s.enableOne(base)
	default:
		base.Reason = "within hysteresis band"
		return s.record(base)
	}
}

// emergency disables every non-essential ACTIVE adapter at once, ignoring the cooldown.
func (s *Scaler) emergency(base Decision) []Decision {
	base.Emergency = true

	var out []Decision
	for _, name := range s.candidates() {
		if !s.sheddable(name) {
			continue
		}
		if err := s.registry.Disable(name); err != nil {
			s.logger.Warn("emergency disable failed", "adapter", name, "error", err)
			continue
		}
		s.shed[name] = true
		d := base
		d.Action = ActionDisable
		d.Adapter = name
		d.Reason = "emergency threshold exceeded"
		out = append(out, s.record(d)...)
	}

	if len(out) == 0 {
		base.Reason = "emergency threshold exceeded, nothing left to shed"
		return s.record(base)
	}
	s.lastAction = base.Timestamp
	return out
}

// disableOne sheds the least-critical ACTIVE adapter.
func (s *Scaler) disableOne(base Decision) []Decision {
	for _, name := range s.candidates() {
		if !s.sheddable(name) {
			continue
		}
		if err := s.registry.Disable(name); err != nil {
			s.logger.Warn("disable failed", "adapter", name, "error", err)
			continue
		}
		s.shed[name] = true
		s.lastAction = base.Timestamp
		base.Action = ActionDisable
		base.Adapter = name
		base.Reason = "projected usage above high threshold"
		return s.record(base)
	}

	base.Reason = "above high threshold, nothing left to shed"
	return s.record(base)
}

// enableOne restores the most critical adapter the scaler itself shed.
// Adapters disabled by an operator are left alone.
func (s *Scaler) enableOne(base Decision) []Decision {
	order := s.candidates()
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if !s.shed[name] {
			continue
		}
		if state, ok := s.registry.State(name); !ok || state != plugin.StateDisabled {
			// unloaded or re-enabled elsewhere since it was shed
			delete(s.shed, name)
			continue
		}
		if err := s.registry.Enable(name); err != nil {
			s.logger.Warn("enable failed", "adapter", name, "error", err)
			continue
		}
		delete(s.shed, name)
		s.lastAction = base.Timestamp
		base.Action = ActionEnable
		base.Adapter = name
		base.Reason = "projected usage below low threshold"
		return s.record(base)
	}

	base.Reason = "below low threshold, nothing to restore"
	return s.record(base)
}

// candidates returns the shed order: the configured degradation order, then
// every other registered non-essential adapter by name.
func (s *Scaler) candidates() []string {
	listed := make(map[string]bool, len(s.config.DegradationOrder))
	out := make([]string, 0, len(s.config.DegradationOrder))
	for _, name := range s.config.DegradationOrder {
		if !listed[name] && !s.essential[name] {
			out = append(out, name)
		}
		listed[name] = true
	}
	for _, name := range s.registry.Names() {
		if !listed[name] && !s.essential[name] {
			out = append(out, name)
		}
	}
	return out
}

func (s *Scaler) sheddable(name string) bool {
	if s.essential[name] {
		return false
	}
	state, ok := s.registry.State(name)
	return ok && state == plugin.StateActive
}

func (s *Scaler) coolingDown(now time.Time) bool {
	return !s.lastAction.IsZero() && now.Sub(s.lastAction) < s.config.Cooldown
}

// record appends d to the bounded audit log. Must be called with the lock held.
func (s *Scaler) record(d Decision) []Decision {
	s.audit = append(s.audit, d)
	if over := len(s.audit) - s.config.AuditSize; over > 0 {
		s.audit = append(s.audit[:0:0], s.audit[over:]...)
	}

	if s.sink != nil {
		s.sink.RecordScalingDecision(string(d.Action), string(d.Metric))
	}
	if d.Action != ActionNoop {
		s.logger.Info("scaling decision", "action", d.Action, "adapter", d.Adapter, "metric", d.Metric,
			"projected", d.Projected, "confidence", d.Confidence, "emergency", d.Emergency)
	} else {
		s.logger.Debug("scaling decision", "action", d.Action, "reason", d.Reason, "projected", d.Projected)
	}
	if s.config.OnDecision != nil {
		s.config.OnDecision(d)
	}
	return []Decision{d}
}

// Decisions returns the audit log, newest last.
func (s *Scaler) Decisions() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Decision(nil), s.audit...)
}

// Forecasts returns the latest forecast per metric.
func (s *Scaler) Forecasts() map[resource.Metric]Forecast {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[resource.Metric]Forecast, len(s.forecasts))
	for m, f := range s.forecasts {
		out[m] = f
	}
	return out
}

// Shed returns the adapters currently disabled by the scaler, in shed order.
func (s *Scaler) Shed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, name := range s.candidates() {
		if s.shed[name] {
			out = append(out, name)
		}
	}
	return out
}
