package adapter

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Kind is the closed set of integration families the core supervises.
type Kind int

const (
	KindUnknown Kind = iota
	KindMessaging
	KindNotification
	KindInference
)

// String returns the string representation of a kind
func (k Kind) String() string {
	switch k {
	case KindMessaging:
		return "messaging"
	case KindNotification:
		return "notification"
	case KindInference:
		return "inference"
	default:
		return "unknown"
	}
}

// ParseKind parses the string form of a kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "messaging":
		return KindMessaging, nil
	case "notification":
		return KindNotification, nil
	case "inference":
		return KindInference, nil
	default:
		return KindUnknown, fmt.Errorf("unknown adapter kind: %q", s)
	}
}

// MarshalText lets kinds appear as strings in JSON status output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the string form produced by MarshalText.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Capability names one operation of the adapter contract.
type Capability string

const (
	CapabilityInitialize    Capability = "initialize"
	CapabilityHealthCheck   Capability = "health_check"
	CapabilityHandleRequest Capability = "handle_request"
	CapabilityShutdown      Capability = "shutdown"
)

// Capabilities returns the capability set every adapter implements.
func Capabilities() []Capability {
	return []Capability{CapabilityInitialize, CapabilityHealthCheck, CapabilityHandleRequest, CapabilityShutdown}
}

// Settings is the per-adapter configuration passed to Initialize.
type Settings map[string]string

// Duration returns a duration setting, or def when absent or unparsable.
func (s Settings) Duration(key string, def time.Duration) time.Duration {
	if v, ok := s[key]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Bool returns a boolean setting.
func (s Settings) Bool(key string) bool {
	return strings.EqualFold(s[key], "true")
}

// HealthReport is the result of one health check.
type HealthReport struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Detail  string        `json:"detail,omitempty"`
}

// Request is a routed request. It is created on ingress and re-enters routing
// unchanged apart from Attempt and Deadline on every retry.
type Request struct {
	CorrelationID string            `json:"correlation_id"`
	Payload       []byte            `json:"payload"`
	Tags          []string          `json:"tags,omitempty"`
	Hint          string            `json:"hint,omitempty"`
	Attempt       int               `json:"attempt"`
	Deadline      time.Time         `json:"deadline"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ReceivedAt    time.Time         `json:"received_at"`
}

// Response is a successful adapter reply.
type Response struct {
	CorrelationID string            `json:"correlation_id"`
	Adapter       string            `json:"adapter"`
	Payload       []byte            `json:"payload,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Adapter is the capability contract implemented by every integration. All
// methods receive a context carrying a deadline; the core treats a call that
// outlives its deadline as a failure whether or not it eventually returns.
type Adapter interface {
	// Initialize prepares the adapter. Returning false or an error leaves the
	// adapter in the ERROR state.
	Initialize(ctx context.Context, settings Settings) (bool, error)
	HealthCheck(ctx context.Context) HealthReport
	HandleRequest(ctx context.Context, req *Request) (*Response, error)
	Shutdown(ctx context.Context) error
}

// Factory creates a fresh adapter instance.
type Factory func() (Adapter, error)

// Registration describes an adapter implementation available for discovery.
type Registration struct {
	Name    string
	Version string
	Kind    Kind
	// Tags are matched against request tags by the router.
	Tags    []string
	Factory Factory
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,62}$`)

// Validate reports whether the registration is well-formed.
func (r Registration) Validate() error {
	if !namePattern.MatchString(r.Name) {
		return fmt.Errorf("invalid adapter name %q", r.Name)
	}
	if r.Factory == nil {
		return fmt.Errorf("adapter %s: nil factory", r.Name)
	}
	if r.Kind == KindUnknown {
		return fmt.Errorf("adapter %s: unknown kind", r.Name)
	}
	for _, tag := range r.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("adapter %s: empty tag", r.Name)
		}
	}
	return nil
}

// HasTags reports whether have contains every tag in want.
func HasTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}
