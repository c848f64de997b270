package plugin

import (
	"time"

	"github.com/switchyard/switchyard/internal/adapter"
)

// State is the lifecycle state of an adapter.
type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StateLoading
	StateActive
	StateDisabled
	StateError
)

// String returns the string representation of a state
func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "UNREGISTERED"
	case StateRegistered:
		return "REGISTERED"
	case StateLoading:
		return "LOADING"
	case StateActive:
		return "ACTIVE"
	case StateDisabled:
		return "DISABLED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Descriptor is a read-only snapshot of one adapter's identity and lifecycle.
type Descriptor struct {
	Name         string               `json:"name"`
	Version      string               `json:"version"`
	Kind         adapter.Kind         `json:"kind"`
	Tags         []string             `json:"tags,omitempty"`
	Capabilities []adapter.Capability `json:"capabilities"`
	State        State                `json:"state"`
	LoadedAt     time.Time            `json:"loaded_at,omitempty"`
	ChangedAt    time.Time            `json:"changed_at"`
	LastError    string               `json:"last_error,omitempty"`
}

// Result reports the outcome of a load or unload. Failures are carried in Err
// rather than returned as errors, so callers can log them and move on.
type Result struct {
	Name  string `json:"name"`
	State State  `json:"state"`
	Err   error  `json:"-"`
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}
