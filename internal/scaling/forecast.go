package scaling

import (
	"math"
	"time"

	"github.com/switchyard/switchyard/internal/resource"
)

// Forecasting methods, in decreasing order of confidence
const (
	MethodRegression    = "regression"
	MethodExtrapolation = "extrapolation"
	MethodLastValue     = "last_value"
	MethodNone          = "none"
)

// Confidence attached to the fallback methods. Regression confidence grows with
// the fit: 0.5 + 0.5*r2.
const (
	extrapolationConfidence = 0.3
	lastValueConfidence     = 0.1
)

// Forecast is the projected usage of one metric at the horizon.
type Forecast struct {
	Metric     resource.Metric `json:"metric"`
	Projected  float64         `json:"projected"`
	Smoothed   float64         `json:"smoothed"`
	Confidence float64         `json:"confidence"`
	Method     string          `json:"method"`
	Samples    int             `json:"samples"`
}

// Forecaster projects resource usage a fixed horizon ahead.
type Forecaster struct {
	Horizon              time.Duration
	MinRegressionSamples int
}

// Forecast projects metric from samples, which must be oldest first.
func (f Forecaster) Forecast(metric resource.Metric, samples []resource.Sample) Forecast {
	fc := Forecast{Metric: metric, Samples: len(samples), Method: MethodNone}
	horizon := f.Horizon.Seconds()

	switch n := len(samples); {
	case n == 0:
		return fc
	case n >= f.minSamples():
		xs, ys := resource.Series(metric, samples)
		slope, intercept, r2 := resource.LinearFit(xs, ys)
		fc.Projected = intercept + slope*(xs[n-1]+horizon)
		fc.Confidence = 0.5 + 0.5*r2
		fc.Method = MethodRegression
	case n >= 2:
		prev, last := samples[n-2], samples[n-1]
		var slope float64
		if dt := last.Timestamp.Sub(prev.Timestamp).Seconds(); dt > 0 {
			slope = (last.Value(metric) - prev.Value(metric)) / dt
		}
		fc.Projected = last.Value(metric) + slope*horizon
		fc.Confidence = extrapolationConfidence
		fc.Method = MethodExtrapolation
	default:
		fc.Projected = samples[0].Value(metric)
		fc.Confidence = lastValueConfidence
		fc.Method = MethodLastValue
	}

	fc.Projected = clamp(fc.Projected)
	fc.Smoothed = fc.Projected
	return fc
}

func (f Forecaster) minSamples() int {
	if f.MinRegressionSamples < 2 {
		return 10
	}
	return f.MinRegressionSamples
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

// ema is an exponential moving average where weight applies to the newest value.
type ema struct {
	weight float64
	value  float64
	primed bool
}

func (e *ema) update(v float64) float64 {
	if !e.primed {
		e.value = v
		e.primed = true
		return v
	}
	e.value = e.weight*v + (1-e.weight)*e.value
	return e.value
}
