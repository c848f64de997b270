package scaling

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyard/switchyard/internal/plugin"
	"github.com/switchyard/switchyard/internal/resource"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeHistory struct {
	mu      sync.Mutex
	samples []resource.Sample
}

func (h *fakeHistory) Samples() []resource.Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]resource.Sample(nil), h.samples...)
}

// set replaces the window with n flat samples at usage percent CPU.
func (h *fakeHistory) set(n int, usage float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = nil
	for i := 0; i < n; i++ {
		h.samples = append(h.samples, resource.Sample{
			Timestamp: epoch.Add(time.Duration(i) * 30 * time.Second),
			CPU:       usage,
			Memory:    10,
			Disk:      10,
		})
	}
}

type fakeRegistry struct {
	mu     sync.Mutex
	states map[string]plugin.State
	calls  []string
}

func newFakeRegistry(names ...string) *fakeRegistry {
	r := &fakeRegistry{states: make(map[string]plugin.State)}
	for _, n := range names {
		r.states[n] = plugin.StateActive
	}
	return r
}

func (r *fakeRegistry) Enable(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[name] != plugin.StateDisabled {
		return fmt.Errorf("%s not disabled", name)
	}
	r.states[name] = plugin.StateActive
	r.calls = append(r.calls, "enable:"+name)
	return nil
}

func (r *fakeRegistry) Disable(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[name] != plugin.StateActive {
		return fmt.Errorf("%s not active", name)
	}
	r.states[name] = plugin.StateDisabled
	r.calls = append(r.calls, "disable:"+name)
	return nil
}

func (r *fakeRegistry) State(name string) (plugin.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[name]
	return s, ok
}

func (r *fakeRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.states))
	for n := range r.states {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (r *fakeRegistry) active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range []string{"analytics", "push", "sms", "chat"} {
		if r.states[n] == plugin.StateActive {
			out = append(out, n)
		}
	}
	return out
}

func newTestScaler(h History, r Registry) *Scaler {
	return NewScaler(Config{
		HighThreshold:      80,
		LowThreshold:       65,
		EmergencyThreshold: 95,
		SmoothingWeight:    1, // no smoothing: the policy sees each projection as is
		Cooldown:           0,
		DegradationOrder:   []string{"analytics", "push", "sms", "chat"},
		Essential:          []string{"chat"},
		Now:                func() time.Time { return epoch },
	}, h, r, nil, nil)
}

func TestForecastMethods(t *testing.T) {
	t.Parallel()

	f := Forecaster{Horizon: 5 * time.Minute, MinRegressionSamples: 10}

	linear := func(n int) []resource.Sample {
		out := make([]resource.Sample, n)
		for i := range out {
			out[i] = resource.Sample{Timestamp: epoch.Add(time.Duration(i) * time.Minute), CPU: 10 + float64(i)}
		}
		return out
	}

	tests := []struct {
		name           string
		samples        []resource.Sample
		wantMethod     string
		wantProjected  float64
		wantConfidence float64
	}{
		{"no samples", nil, MethodNone, 0, 0},
		{"one sample", linear(1), MethodLastValue, 10, 0.1},
		{"two samples extrapolate", linear(2), MethodExtrapolation, 16, 0.3},
		{"nine samples still extrapolate", linear(9), MethodExtrapolation, 23, 0.3},
		{"ten samples regress", linear(10), MethodRegression, 24, 1},
		{"projection is clamped", append(linear(1), resource.Sample{Timestamp: epoch.Add(time.Second), CPU: 90}), MethodExtrapolation, 100, 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := f.Forecast(resource.MetricCPU, tt.samples)
			assert.Equal(t, tt.wantMethod, fc.Method)
			assert.InDelta(t, tt.wantProjected, fc.Projected, 1e-6)
			assert.InDelta(t, tt.wantConfidence, fc.Confidence, 1e-6)
		})
	}
}

func TestRegressionConfidenceReflectsFit(t *testing.T) {
	t.Parallel()

	f := Forecaster{Horizon: time.Minute, MinRegressionSamples: 10}
	noisy := make([]resource.Sample, 10)
	for i := range noisy {
		v := 40.0
		if i%2 == 0 {
			v = 60
		}
		noisy[i] = resource.Sample{Timestamp: epoch.Add(time.Duration(i) * time.Second), CPU: v}
	}

	fc := f.Forecast(resource.MetricCPU, noisy)
	assert.Equal(t, MethodRegression, fc.Method)
	assert.Less(t, fc.Confidence, 0.75)
	assert.GreaterOrEqual(t, fc.Confidence, 0.5)
}

func TestEMA(t *testing.T) {
	t.Parallel()

	e := &ema{weight: 0.7}
	assert.Equal(t, 50.0, e.update(50))
	assert.InDelta(t, 0.7*100+0.3*50, e.update(100), 1e-9)
}

func TestHighProjectionDisablesExactlyOne(t *testing.T) {
	t.Parallel()

	h := &fakeHistory{}
	r := newFakeRegistry("analytics", "push", "sms", "chat")
	s := newTestScaler(h, r)

	h.set(12, 85)
	decisions := s.Evaluate()

	require.Len(t, decisions, 1)
	assert.Equal(t, ActionDisable, decisions[0].Action)
	assert.Equal(t, "analytics", decisions[0].Adapter, "least critical goes first")
	assert.Equal(t, resource.MetricCPU, decisions[0].Metric)
	assert.Equal(t, []string{"push", "sms", "chat"}, r.active())
}

func TestHysteresisBand(t *testing.T) {
	t.Parallel()

	h := &fakeHistory{}
	r := newFakeRegistry("analytics", "push", "sms", "chat")
	s := newTestScaler(h, r)

	h.set(12, 85)
	s.Evaluate()
	require.Equal(t, []string{"disable:analytics"}, r.calls)

	for _, usage := range []float64{79, 70, 65, 66, 80} {
		h.set(12, usage)
		d := s.Evaluate()
		require.Len(t, d, 1)
		assert.Equal(t, ActionNoop, d[0].Action, "usage %.0f", usage)
	}
	assert.Equal(t, []string{"disable:analytics"}, r.calls, "no enable/disable inside the band")

	h.set(12, 50)
	d := s.Evaluate()
	require.Len(t, d, 1)
	assert.Equal(t, ActionEnable, d[0].Action)
	assert.Equal(t, "analytics", d[0].Adapter)
	assert.Empty(t, s.Shed())
}

func TestReenableHighestPriorityFirst(t *testing.T) {
	t.Parallel()

	h := &fakeHistory{}
	r := newFakeRegistry("analytics", "push", "sms", "chat")
	s := newTestScaler(h, r)

	h.set(12, 85)
	s.Evaluate()
	s.Evaluate()
	assert.Equal(t, []string{"analytics", "push"}, s.Shed())

	h.set(12, 20)
	d := s.Evaluate()
	assert.Equal(t, "push", d[0].Adapter)
	d = s.Evaluate()
	assert.Equal(t, "analytics", d[0].Adapter)
	d = s.Evaluate()
	assert.Equal(t, ActionNoop, d[0].Action)
}

func TestOperatorDisabledAdaptersStayDisabled(t *testing.T) {
	t.Parallel()

	h := &fakeHistory{}
	r := newFakeRegistry("analytics", "push", "sms", "chat")
	require.NoError(t, r.Disable("sms"))
	s := newTestScaler(h, r)

	h.set(12, 10)
	d := s.Evaluate()
	assert.Equal(t, ActionNoop, d[0].Action)

	state, _ := r.State("sms")
	assert.Equal(t, plugin.StateDisabled, state)
}

func TestEmergencyShedsAllNonEssential(t *testing.T) {
	t.Parallel()

	h := &fakeHistory{}
	r := newFakeRegistry("analytics", "push", "sms", "chat")
	s := NewScaler(Config{
		SmoothingWeight:  1,
		Cooldown:         time.Hour,
		DegradationOrder: []string{"analytics", "push", "sms", "chat"},
		Essential:        []string{"chat"},
	}, h, r, nil, nil)

	// a regular shed starts the cooldown
	h.set(12, 85)
	s.Evaluate()
	h.set(12, 86)
	d := s.Evaluate()
	assert.Equal(t, ActionNoop, d[0].Action)

	// the emergency threshold ignores it
	h.set(12, 97)
	d = s.Evaluate()
	require.Len(t, d, 2)
	for _, dec := range d {
		assert.Equal(t, ActionDisable, dec.Action)
		assert.True(t, dec.Emergency)
	}
	assert.Equal(t, []string{"chat"}, r.active(), "essential adapters are never shed")
}

func TestCooldownDelaysActions(t *testing.T) {
	t.Parallel()

	now := epoch
	h := &fakeHistory{}
	r := newFakeRegistry("analytics", "push")
	s := NewScaler(Config{
		SmoothingWeight:  1,
		Cooldown:         time.Minute,
		DegradationOrder: []string{"analytics", "push"},
		Now:              func() time.Time { return now },
	}, h, r, nil, nil)

	h.set(12, 85)
	assert.Equal(t, ActionDisable, s.Evaluate()[0].Action)
	now = now.Add(30 * time.Second)
	assert.Equal(t, ActionNoop, s.Evaluate()[0].Action)
	now = now.Add(31 * time.Second)
	assert.Equal(t, ActionDisable, s.Evaluate()[0].Action)
}

func TestTriggeringMetricIsHighestProjection(t *testing.T) {
	t.Parallel()

	h := &fakeHistory{samples: []resource.Sample{
		{Timestamp: epoch, CPU: 20, Memory: 88, Disk: 30},
	}}
	r := newFakeRegistry("analytics")
	s := newTestScaler(h, r)

	d := s.Evaluate()
	require.Len(t, d, 1)
	assert.Equal(t, resource.MetricMemory, d[0].Metric)
	assert.Equal(t, ActionDisable, d[0].Action)
	assert.InDelta(t, 0.1, d[0].Confidence, 1e-9)
}

func TestSmoothingDampensSpikes(t *testing.T) {
	t.Parallel()

	h := &fakeHistory{}
	r := newFakeRegistry("analytics")
	s := NewScaler(Config{
		SmoothingWeight:  0.7,
		DegradationOrder: []string{"analytics"},
	}, h, r, nil, nil)

	h.set(12, 40)
	s.Evaluate()
	h.set(12, 90) // smoothed: 0.7*90 + 0.3*40 = 75
	d := s.Evaluate()
	assert.Equal(t, ActionNoop, d[0].Action)
	assert.InDelta(t, 75, d[0].Projected, 1e-6)
}

func TestAuditLogIsBounded(t *testing.T) {
	t.Parallel()

	h := &fakeHistory{}
	r := newFakeRegistry()
	s := NewScaler(Config{AuditSize: 5}, h, r, nil, nil)

	for i := 0; i < 12; i++ {
		s.Evaluate()
	}
	decisions := s.Decisions()
	assert.Len(t, decisions, 5)
	assert.Equal(t, "no resource samples", decisions[4].Reason)
}

func TestUnlistedAdaptersAreShedAfterListedOnes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		order     []string
		usage     float64
		wantCalls []string
	}{
		{"emergency sheds listed then unlisted", []string{"analytics"}, 99, []string{"disable:analytics", "disable:video"}},
		{"emergency with no order sheds every non-essential", nil, 99, []string{"disable:analytics", "disable:video"}},
		{"regular shed takes the listed adapter first", []string{"video"}, 85, []string{"disable:video"}},
		{"regular shed falls back to unlisted by name", nil, 85, []string{"disable:analytics"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := &fakeHistory{}
			r := newFakeRegistry("analytics", "chat", "video")
			s := NewScaler(Config{
				SmoothingWeight:  1,
				DegradationOrder: tt.order,
				Essential:        []string{"chat"},
			}, h, r, nil, nil)

			h.set(12, tt.usage)
			s.Evaluate()
			assert.Equal(t, tt.wantCalls, r.calls)

			state, _ := r.State("chat")
			assert.Equal(t, plugin.StateActive, state)
		})
	}
}

func TestUnlistedAdaptersAreRestoredFirst(t *testing.T) {
	t.Parallel()

	h := &fakeHistory{}
	r := newFakeRegistry("analytics", "chat", "video")
	s := NewScaler(Config{
		SmoothingWeight:  1,
		DegradationOrder: []string{"analytics"},
		Essential:        []string{"chat"},
	}, h, r, nil, nil)

	h.set(12, 99)
	s.Evaluate()
	assert.Equal(t, []string{"analytics", "video"}, s.Shed())

	h.set(12, 20)
	assert.Equal(t, "video", s.Evaluate()[0].Adapter)
	assert.Equal(t, "analytics", s.Evaluate()[0].Adapter)
}

func TestDiskDoesNotShedByDefault(t *testing.T) {
	t.Parallel()

	full := &fakeHistory{samples: []resource.Sample{
		{Timestamp: epoch, CPU: 20, Memory: 30, Disk: 97},
	}}

	r := newFakeRegistry("analytics")
	s := NewScaler(Config{SmoothingWeight: 1, DegradationOrder: []string{"analytics"}}, full, r, nil, nil)
	d := s.Evaluate()
	require.Len(t, d, 1)
	assert.Equal(t, ActionNoop, d[0].Action)
	assert.Equal(t, resource.MetricMemory, d[0].Metric)
	assert.InDelta(t, 97, s.Forecasts()[resource.MetricDisk].Smoothed, 1e-6, "disk is still forecast")
	assert.Empty(t, r.calls)

	r = newFakeRegistry("analytics")
	s = NewScaler(Config{
		SmoothingWeight:  1,
		DegradationOrder: []string{"analytics"},
		ShedMetrics:      []resource.Metric{resource.MetricDisk},
	}, full, r, nil, nil)
	d = s.Evaluate()
	assert.Equal(t, resource.MetricDisk, d[0].Metric)
	assert.Equal(t, []string{"disable:analytics"}, r.calls)
}
