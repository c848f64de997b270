package orchestrator

import (
	"time"

	"github.com/switchyard/switchyard/internal/circuit"
	"github.com/switchyard/switchyard/internal/health"
	"github.com/switchyard/switchyard/internal/plugin"
	"github.com/switchyard/switchyard/internal/resource"
	"github.com/switchyard/switchyard/internal/router"
	"github.com/switchyard/switchyard/internal/scaling"
	svchealth "github.com/switchyard/switchyard/pkg/health"
)

// recentDecisions is how much of the scaling audit log a status report carries.
const recentDecisions = 20

// AdapterStatus is the combined view of one adapter.
type AdapterStatus struct {
	plugin.Descriptor
	Breaker     circuit.State  `json:"breaker"`
	LastCheck   *health.Result `json:"last_check,omitempty"`
	SuccessRate *float64       `json:"success_rate,omitempty"`
}

// ResourceStatus is the sampled and forecast resource picture.
type ResourceStatus struct {
	Latest      *resource.Sample                     `json:"latest,omitempty"`
	Samples     int                                  `json:"samples"`
	ProbeErrors int64                                `json:"probe_errors"`
	Trends      map[resource.Metric]resource.Trend   `json:"trends"`
	Forecasts   map[resource.Metric]scaling.Forecast `json:"forecasts"`
}

// ScalingStatus summarizes the predictive scaler.
type ScalingStatus struct {
	Enabled   bool               `json:"enabled"`
	Shed      []string           `json:"shed,omitempty"`
	Decisions []scaling.Decision `json:"decisions,omitempty"`
}

// DeadLetterStatus summarizes the retry queue.
type DeadLetterStatus struct {
	Depth    int            `json:"depth"`
	Retried  int64          `json:"retried"`
	Pending  []router.Entry `json:"pending,omitempty"`
	Archived int64          `json:"archived"`
	Dropped  int64          `json:"archive_dropped"`
}

// Status is a point-in-time report of the whole core.
type Status struct {
	Service      svchealth.Assessment `json:"service"`
	Running      bool                 `json:"running"`
	StartedAt    time.Time            `json:"started_at,omitempty"`
	Adapters     []AdapterStatus      `json:"adapters"`
	OpenBreakers []string             `json:"open_breakers,omitempty"`
	Resources    ResourceStatus       `json:"resources"`
	Scaling      ScalingStatus        `json:"scaling"`
	DeadLetter   DeadLetterStatus     `json:"dead_letter"`
}

// Status assembles a report from every component. pendingLimit caps the
// dead-letter entries included; 0 leaves them out.
func (o *Orchestrator) Status(pendingLimit int) Status {
	o.mu.Lock()
	running := o.state == lifecycleRunning
	startedAt := o.startedAt
	o.mu.Unlock()

	out := Status{
		Service:   o.refreshMode(),
		Running:   running,
		StartedAt: startedAt,
	}

	rates := o.router.SuccessRates()
	checks := o.monitor.Results()
	for _, d := range o.plugins.Descriptors() {
		as := AdapterStatus{Descriptor: d, Breaker: o.breakers.State(d.Name)}
		if r, ok := checks[d.Name]; ok {
			as.LastCheck = &r
		}
		if rate, ok := rates[d.Name]; ok {
			as.SuccessRate = &rate
		}
		out.Adapters = append(out.Adapters, as)
	}
	out.OpenBreakers = o.breakers.OpenBreakers()

	out.Resources = ResourceStatus{
		Samples:     o.sampler.Len(),
		ProbeErrors: o.sampler.ProbeErrors(),
		Trends:      o.sampler.Trends(),
		Forecasts:   o.scaler.Forecasts(),
	}
	if latest, ok := o.sampler.Latest(); ok {
		out.Resources.Latest = &latest
	}

	decisions := o.scaler.Decisions()
	if len(decisions) > recentDecisions {
		decisions = decisions[len(decisions)-recentDecisions:]
	}
	out.Scaling = ScalingStatus{
		Enabled:   o.config.Scaling.Enabled,
		Shed:      o.scaler.Shed(),
		Decisions: decisions,
	}

	dlq := o.router.DeadLetters()
	out.DeadLetter = DeadLetterStatus{Depth: dlq.Depth(), Retried: dlq.Retried()}
	if pendingLimit > 0 {
		pending := dlq.Pending()
		if len(pending) > pendingLimit {
			pending = pending[:pendingLimit]
		}
		out.DeadLetter.Pending = pending
	}
	if o.archive != nil {
		out.DeadLetter.Archived, _, out.DeadLetter.Dropped = o.archive.Stats()
	}
	return out
}

// Adapter returns the combined view of one adapter.
func (o *Orchestrator) Adapter(name string) (AdapterStatus, bool) {
	d, ok := o.plugins.Descriptor(name)
	if !ok {
		return AdapterStatus{}, false
	}
	as := AdapterStatus{Descriptor: d, Breaker: o.breakers.State(name)}
	if r, ok := o.monitor.LastResult(name); ok {
		as.LastCheck = &r
	}
	if rate, ok := o.router.SuccessRates()[name]; ok {
		as.SuccessRate = &rate
	}
	return as, true
}
