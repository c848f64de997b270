package resource

import (
	"fmt"
	"math"
	"time"
)

// Metric names one sampled resource
type Metric string

const (
	MetricCPU    Metric = "cpu"
	MetricMemory Metric = "memory"
	MetricDisk   Metric = "disk"
)

// Metrics returns every sampled metric in a fixed order.
func Metrics() []Metric {
	return []Metric{MetricCPU, MetricMemory, MetricDisk}
}

// Sample is one point-in-time reading, each value a percentage in [0, 100].
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	CPU       float64   `json:"cpu"`
	Memory    float64   `json:"memory"`
	Disk      float64   `json:"disk"`
}

// Value returns the reading for metric.
func (s Sample) Value(metric Metric) float64 {
	switch metric {
	case MetricCPU:
		return s.CPU
	case MetricMemory:
		return s.Memory
	case MetricDisk:
		return s.Disk
	default:
		return 0
	}
}

// Validate rejects readings outside [0, 100].
func (s Sample) Validate() error {
	for _, m := range Metrics() {
		v := s.Value(m)
		if math.IsNaN(v) || v < 0 || v > 100 {
			return fmt.Errorf("%s reading %.2f out of range", m, v)
		}
	}
	return nil
}

// Ring is a fixed-capacity buffer of samples that evicts the oldest on overflow.
// It is not synchronized; the Sampler guards it.
type Ring struct {
	buf  []Sample
	head int
	size int
}

// NewRing creates a ring holding at most capacity samples.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]Sample, capacity)}
}

// Push appends a sample, evicting the oldest when full.
func (r *Ring) Push(s Sample) {
	idx := (r.head + r.size) % len(r.buf)
	if r.size == len(r.buf) {
		r.buf[r.head] = s
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[idx] = s
	r.size++
}

// Len returns the number of samples held.
func (r *Ring) Len() int {
	return r.size
}

// Cap returns the capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Slice returns the samples oldest first.
func (r *Ring) Slice() []Sample {
	out := make([]Sample, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Last returns the newest sample.
func (r *Ring) Last() (Sample, bool) {
	if r.size == 0 {
		return Sample{}, false
	}
	return r.buf[(r.head+r.size-1)%len(r.buf)], true
}

// Trend summarizes one metric over the buffered window.
type Trend struct {
	Metric  Metric  `json:"metric"`
	Samples int     `json:"samples"`
	Avg     float64 `json:"avg"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Latest  float64 `json:"latest"`
	// Slope is the least-squares rate of change in percentage points per second.
	Slope float64 `json:"slope"`
}

// ComputeTrend summarizes metric over samples, which must be oldest first.
func ComputeTrend(metric Metric, samples []Sample) Trend {
	t := Trend{Metric: metric, Samples: len(samples)}
	if len(samples) == 0 {
		return t
	}

	t.Min = math.Inf(1)
	t.Max = math.Inf(-1)
	var sum float64
	for _, s := range samples {
		v := s.Value(metric)
		sum += v
		t.Min = math.Min(t.Min, v)
		t.Max = math.Max(t.Max, v)
	}
	t.Avg = sum / float64(len(samples))
	t.Latest = samples[len(samples)-1].Value(metric)

	xs, ys := Series(metric, samples)
	t.Slope, _, _ = LinearFit(xs, ys)
	return t
}

// Series converts samples into (seconds since first sample, value) pairs.
func Series(metric Metric, samples []Sample) (xs, ys []float64) {
	if len(samples) == 0 {
		return nil, nil
	}
	origin := samples[0].Timestamp
	xs = make([]float64, len(samples))
	ys = make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = s.Timestamp.Sub(origin).Seconds()
		ys[i] = s.Value(metric)
	}
	return xs, ys
}

// LinearFit returns the least-squares slope, intercept and coefficient of
// determination for the points. Fewer than two distinct x values yield a flat
// line through the mean with r2 of zero.
func LinearFit(xs, ys []float64) (slope, intercept, r2 float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0, 0
	}

	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var sxx, sxy, syy float64
	for i := range xs {
		dx, dy := xs[i]-meanX, ys[i]-meanY
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}
	if sxx == 0 {
		return 0, meanY, 0
	}

	slope = sxy / sxx
	intercept = meanY - slope*meanX
	if syy == 0 {
		return slope, intercept, 1
	}
	r2 = (sxy * sxy) / (sxx * syy)
	return slope, intercept, r2
}

// meanStdDev returns the population mean and standard deviation of metric.
func meanStdDev(metric Metric, samples []Sample) (mean, std float64) {
	n := float64(len(samples))
	if n == 0 {
		return 0, 0
	}
	for _, s := range samples {
		mean += s.Value(metric)
	}
	mean /= n
	for _, s := range samples {
		d := s.Value(metric) - mean
		std += d * d
	}
	return mean, math.Sqrt(std / n)
}
