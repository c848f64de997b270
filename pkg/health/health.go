// Package health derives the service mode reported to hosts from the state of
// the orchestration core: how many adapters can take traffic and how much is
// waiting for retry.
package health

import (
	"fmt"
	"sync"
	"time"
)

// Mode represents the overall health of the service
type Mode int

const (
	// ModeHealthy indicates every loaded adapter can take traffic
	ModeHealthy Mode = iota

	// ModeDegraded indicates traffic is served with reduced capacity
	ModeDegraded

	// ModeUnavailable indicates no adapter can take traffic
	ModeUnavailable
)

// String returns the string representation of a mode
func (m Mode) String() string {
	switch m {
	case ModeHealthy:
		return "healthy"
	case ModeDegraded:
		return "degraded"
	case ModeUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText renders the mode name in JSON output.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Snapshot is the input to an assessment.
type Snapshot struct {
	// Loaded counts adapters in ACTIVE or DISABLED state.
	Loaded int `json:"loaded"`
	// Routable counts ACTIVE adapters whose breaker admits calls.
	Routable        int  `json:"routable"`
	Disabled        int  `json:"disabled"`
	OpenBreakers    int  `json:"open_breakers"`
	Errored         int  `json:"errored"`
	DeadLetterDepth int  `json:"dead_letter_depth"`
	Emergency       bool `json:"emergency"`
}

// Assessment is the mode together with what caused it.
type Assessment struct {
	Mode    Mode      `json:"mode"`
	Reasons []string  `json:"reasons,omitempty"`
	Since   time.Time `json:"since"`
}

// Config configures the assessment thresholds
type Config struct {
	// DeadLetterThreshold is the queue depth at which the service counts as degraded.
	DeadLetterThreshold int `yaml:"dead_letter_threshold" json:"dead_letter_threshold"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{DeadLetterThreshold: 100}
}

// Evaluate assesses a snapshot. The worst finding wins.
func Evaluate(s Snapshot, config Config) (Mode, []string) {
	if config.DeadLetterThreshold <= 0 {
		config.DeadLetterThreshold = DefaultConfig().DeadLetterThreshold
	}

	if s.Routable == 0 {
		return ModeUnavailable, []string{"no adapter can take traffic"}
	}

	var reasons []string
	if s.Disabled > 0 {
		reasons = append(reasons, fmt.Sprintf("%d adapter(s) disabled", s.Disabled))
	}
	if s.OpenBreakers > 0 {
		reasons = append(reasons, fmt.Sprintf("%d breaker(s) open", s.OpenBreakers))
	}
	if s.Errored > 0 {
		reasons = append(reasons, fmt.Sprintf("%d adapter(s) failed to load", s.Errored))
	}
	if s.DeadLetterDepth >= config.DeadLetterThreshold {
		reasons = append(reasons, fmt.Sprintf("%d request(s) waiting for retry", s.DeadLetterDepth))
	}
	if s.Emergency {
		reasons = append(reasons, "emergency resource threshold exceeded")
	}

	if len(reasons) > 0 {
		return ModeDegraded, reasons
	}
	return ModeHealthy, nil
}

// ModeChangeCallback is called when the assessed mode changes
type ModeChangeCallback func(from, to Mode, reasons []string)

// Tracker keeps the latest assessment and reports mode changes.
type Tracker struct {
	mu        sync.RWMutex
	config    Config
	current   Assessment
	callbacks []ModeChangeCallback
	now       func() time.Time
}

// NewTracker creates a tracker starting in ModeUnavailable: nothing is
// routable until the first snapshot says otherwise.
func NewTracker(config Config, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		config:  config,
		current: Assessment{Mode: ModeUnavailable, Since: now()},
		now:     now,
	}
}

// OnModeChange registers a callback. Callbacks run synchronously after the
// tracker is unlocked.
func (t *Tracker) OnModeChange(cb ModeChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// Update assesses s and returns the resulting assessment.
func (t *Tracker) Update(s Snapshot) Assessment {
	mode, reasons := Evaluate(s, t.config)

	t.mu.Lock()
	from := t.current.Mode
	if mode != from {
		t.current.Since = t.now()
	}
	t.current.Mode = mode
	t.current.Reasons = reasons
	out := t.current
	callbacks := append([]ModeChangeCallback(nil), t.callbacks...)
	t.mu.Unlock()

	if mode != from {
		for _, cb := range callbacks {
			cb(from, mode, reasons)
		}
	}
	return out
}

// Current returns the latest assessment.
func (t *Tracker) Current() Assessment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}
