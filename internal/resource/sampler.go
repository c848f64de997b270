package resource

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/switchyard/switchyard/pkg/utils"
)

// Sink receives the latest readings.
type Sink interface {
	SetResourceUsage(metric string, percent float64)
}

// AnomalyFunc is called with a sample that deviated from the recent window and
// the metrics that triggered it.
type AnomalyFunc func(sample Sample, metrics []Metric)

// Config represents sampler configuration
type Config struct {
	Interval   time.Duration `yaml:"interval"`
	WindowSize int           `yaml:"window_size"`
	// AnomalyStdDevs is how many standard deviations from the window mean a
	// reading must be to count as an anomaly.
	AnomalyStdDevs float64 `yaml:"anomaly_std_devs"`

	OnAnomaly AnomalyFunc `yaml:"-"`
}

// minAnomalySamples is the window needed before deviations mean anything.
const minAnomalySamples = 3

// Sampler periodically reads a Probe into a ring buffer. It is the buffer's
// only writer.
type Sampler struct {
	config Config
	probe  Probe
	sink   Sink
	logger *slog.Logger

	mu          sync.RWMutex
	ring        *Ring
	probeErrors int64
}

// NewSampler creates a sampler. sink may be nil.
func NewSampler(config Config, probe Probe, sink Sink, logger *slog.Logger) *Sampler {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.WindowSize <= 0 {
		config.WindowSize = 60
	}
	if config.AnomalyStdDevs <= 0 {
		config.AnomalyStdDevs = 3
	}

	return &Sampler{
		config: config,
		probe:  probe,
		sink:   sink,
		logger: utils.OrDiscard(logger).With("component", "resource"),
		ring:   NewRing(config.WindowSize),
	}
}

// Run samples immediately and then on every interval until ctx is canceled.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("resource sampler started", "interval", s.config.Interval, "window", s.config.WindowSize)
	_, _ = s.SampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("resource sampler stopped")
			return nil
		case <-ticker.C:
			_, _ = s.SampleOnce(ctx)
		}
	}
}

// SampleOnce reads the probe and records the result. Probe failures are logged
// and counted; the buffer is left untouched.
func (s *Sampler) SampleOnce(ctx context.Context) (Sample, error) {
	sample, err := s.probe.Sample(ctx)
	if err == nil {
		err = sample.Validate()
	}
	if err != nil {
		s.mu.Lock()
		s.probeErrors++
		s.mu.Unlock()
		s.logger.Warn("resource probe failed", "error", err)
		return Sample{}, err
	}

	s.Record(sample)
	return sample, nil
}

// Record appends a sample, checking it against the window first.
func (s *Sampler) Record(sample Sample) {
	s.mu.Lock()
	anomalous := anomalousMetrics(sample, s.ring.Slice(), s.config.AnomalyStdDevs)
	s.ring.Push(sample)
	s.mu.Unlock()

	if s.sink != nil {
		for _, m := range Metrics() {
			s.sink.SetResourceUsage(string(m), sample.Value(m))
		}
	}
	if len(anomalous) > 0 {
		s.logger.Warn("resource anomaly", "metrics", anomalous,
			"cpu", sample.CPU, "memory", sample.Memory, "disk", sample.Disk)
		if s.config.OnAnomaly != nil {
			s.config.OnAnomaly(sample, anomalous)
		}
	}
}

// Samples returns the buffered samples oldest first.
func (s *Sampler) Samples() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.Slice()
}

// Latest returns the newest sample.
func (s *Sampler) Latest() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.Last()
}

// Len returns the number of buffered samples.
func (s *Sampler) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.Len()
}

// ProbeErrors returns how many probe readings failed.
func (s *Sampler) ProbeErrors() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.probeErrors
}

// Trend summarizes metric over the window.
func (s *Sampler) Trend(metric Metric) Trend {
	return ComputeTrend(metric, s.Samples())
}

// Trends summarizes every metric.
func (s *Sampler) Trends() map[Metric]Trend {
	samples := s.Samples()
	out := make(map[Metric]Trend, 3)
	for _, m := range Metrics() {
		out[m] = ComputeTrend(m, samples)
	}
	return out
}

// Anomaly reports whether sample deviates from the current window by more than
// the configured number of standard deviations on any metric.
func (s *Sampler) Anomaly(sample Sample) bool {
	s.mu.RLock()
	window := s.ring.Slice()
	s.mu.RUnlock()
	return len(anomalousMetrics(sample, window, s.config.AnomalyStdDevs)) > 0
}

func anomalousMetrics(sample Sample, window []Sample, k float64) []Metric {
	if len(window) < minAnomalySamples {
		return nil
	}
	var out []Metric
	for _, m := range Metrics() {
		mean, std := meanStdDev(m, window)
		diff := math.Abs(sample.Value(m) - mean)
		// a flat window flags any movement at all
		if (std == 0 && diff > 0) || (std > 0 && diff > k*std) {
			out = append(out, m)
		}
	}
	return out
}
