package router

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchyard/switchyard/internal/adapter"
	"github.com/switchyard/switchyard/internal/plugin"
	"github.com/switchyard/switchyard/pkg/errors"
	"github.com/switchyard/switchyard/pkg/utils"
)

// Registry is the subset of the plugin manager the router reads.
type Registry interface {
	GetActive() []plugin.Descriptor
	Lookup(name string) (adapter.Adapter, bool)
}

// Breakers is the subset of the circuit breaker manager the router consults.
type Breakers interface {
	IsCallAllowed(name string) bool
	Acquire(name string) error
	Release(name string)
	RecordResult(name string, success bool)
}

// Sink receives routing metrics.
type Sink interface {
	RecordRoute(adapter, outcome string, duration time.Duration)
	RecordAbandonedCall(adapter, operation string)
	RecordDeadLetterRetry()
	RecordTerminalFailure(reason string)
	SetDeadLetterDepth(depth int)
}

// Disposition is what happened to a routed request
type Disposition int

const (
	// Delivered - an adapter handled the request
	Delivered Disposition = iota
	// AcceptedForRetry - the request is waiting in the dead-letter queue
	AcceptedForRetry
	// Failed - the request was surfaced as a terminal failure
	Failed
)

// String returns string representation of the disposition
func (d Disposition) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case AcceptedForRetry:
		return "accepted_for_retry"
	case Failed:
		return "terminal_failure"
	default:
		return "unknown"
	}
}

// MarshalText renders the disposition name in JSON output.
func (d Disposition) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Outcome is the result of routing one request. Route never returns an error:
// every failure is carried here.
type Outcome struct {
	Disposition   Disposition       `json:"disposition"`
	CorrelationID string            `json:"correlation_id"`
	Adapter       string            `json:"adapter,omitempty"`
	Response      *adapter.Response `json:"response,omitempty"`
	Attempts      int               `json:"attempts"`
	// Degraded is set when no adapter was eligible at all.
	Degraded  bool      `json:"degraded,omitempty"`
	NextRetry time.Time `json:"next_retry,omitempty"`
	Err       error     `json:"-"`
}

// Error returns the failure message, if any.
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Config represents router configuration
type Config struct {
	Deadline                time.Duration
	MaxConcurrentPerAdapter int64
	// SuccessRateDecay is the weight of the newest outcome in the success-rate average.
	SuccessRateDecay float64
	DeadLetter       DeadLetterConfig

	// OnRetryDelivered is told about dead-lettered requests that a retry delivered.
	OnRetryDelivered func(Outcome)
	Now              func() time.Time
}

const minSuccessRate = 0.05

// balance is the smooth weighted round-robin state of one adapter
type balance struct {
	rate    float64
	current float64
}

// Router selects an adapter for each request, executes it in isolation and
// hands failures to the dead-letter queue.
type Router struct {
	config    Config
	registry  Registry
	breakers  Breakers
	isolation *Isolation
	dlq       *DeadLetterQueue
	sink      Sink
	logger    *slog.Logger

	mu      sync.Mutex
	balance map[string]*balance
}

// New creates a router. sink may be nil.
func New(config Config, registry Registry, breakers Breakers, sink Sink, logger *slog.Logger) *Router {
	if config.Deadline <= 0 {
		config.Deadline = 30 * time.Second
	}
	if config.SuccessRateDecay <= 0 || config.SuccessRateDecay >= 1 {
		config.SuccessRateDecay = 0.2
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.DeadLetter.Now == nil {
		config.DeadLetter.Now = config.Now
	}

	logger = utils.OrDiscard(logger)
	r := &Router{
		config:    config,
		registry:  registry,
		breakers:  breakers,
		isolation: NewIsolation(config.Deadline, config.MaxConcurrentPerAdapter, sink),
		dlq:       NewDeadLetterQueue(config.DeadLetter, sink, logger),
		sink:      sink,
		logger:    logger.With("component", "router"),
		balance:   make(map[string]*balance),
	}
	r.isolation.now = config.Now
	r.dlq.SetDispatcher(r.redeliver)
	return r
}

// DeadLetters returns the router's retry queue.
func (r *Router) DeadLetters() *DeadLetterQueue {
	return r.dlq
}

// Isolation returns the router's isolation boundary.
func (r *Router) Isolation() *Isolation {
	return r.isolation
}

// Run drives dead-letter retries until ctx is canceled.
func (r *Router) Run(ctx context.Context) error {
	return r.dlq.Run(ctx)
}

// Route delivers req to an eligible adapter. On failure the request is handed
// to the dead-letter queue and the outcome says whether it was accepted for
// retry or surfaced as a terminal failure. req itself is never modified.
func (r *Router) Route(ctx context.Context, req *adapter.Request) Outcome {
	req = detach(req)
	start := r.config.Now()
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = start
	}
	if req.Attempt < 1 {
		req.Attempt = 1
	}
	if req.Deadline.IsZero() {
		req.Deadline = start.Add(r.config.Deadline)
	}

	resp, name, degraded, err := r.attempt(ctx, req)
	out := Outcome{
		CorrelationID: req.CorrelationID,
		Adapter:       name,
		Attempts:      req.Attempt,
		Degraded:      degraded,
	}
	elapsed := r.config.Now().Sub(start)

	if err == nil {
		out.Disposition = Delivered
		out.Response = resp
		r.record(name, "delivered", elapsed)
		return out
	}

	out.Err = err
	entry, queued := r.dlq.Enqueue(req, err)
	if queued {
		out.Disposition = AcceptedForRetry
		out.NextRetry = entry.NextRetry
		r.record(name, "dead_lettered", elapsed)
	} else {
		out.Disposition = Failed
		r.record(name, "failed", elapsed)
	}
	r.logger.Debug("request not delivered", "correlation_id", req.CorrelationID, "adapter", name,
		"disposition", out.Disposition, "degraded", degraded, "error", err)
	return out
}

// redeliver is the dead-letter dispatcher: a retry re-enters selection from the top.
func (r *Router) redeliver(ctx context.Context, req *adapter.Request) error {
	start := r.config.Now()
	req.Deadline = start.Add(r.config.Deadline)

	resp, name, degraded, err := r.attempt(ctx, req)
	elapsed := r.config.Now().Sub(start)
	if err != nil {
		r.record(name, "retry_failed", elapsed)
		return err
	}

	r.record(name, "retry_delivered", elapsed)
	r.logger.Info("dead-lettered request delivered", "correlation_id", req.CorrelationID,
		"adapter", name, "attempt", req.Attempt)
	if r.config.OnRetryDelivered != nil {
		r.config.OnRetryDelivered(Outcome{
			Disposition:   Delivered,
			CorrelationID: req.CorrelationID,
			Adapter:       name,
			Response:      resp,
			Attempts:      req.Attempt,
			Degraded:      degraded,
		})
	}
	return nil
}

// attempt makes one delivery attempt: candidates are tried in order until one
// is admitted by its breaker. The first admitted adapter's result is final for
// this attempt; only a full concurrency ceiling moves on to the next candidate.
func (r *Router) attempt(ctx context.Context, req *adapter.Request) (*adapter.Response, string, bool, error) {
	candidates := r.candidates(req)
	if len(candidates) == 0 {
		return nil, "", true, errors.NewError(errors.ErrCodeNoEligibleAdapter, "no active adapter matches the request").
			WithComponent("router").WithCorrelationID(req.CorrelationID).
			WithDetail("tags", req.Tags).WithDetail("hint", req.Hint)
	}

	var saturated error
	for _, name := range candidates {
		if ctx.Err() != nil {
			return nil, "", false, errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "routing canceled").
				WithComponent("router").WithCorrelationID(req.CorrelationID)
		}
		if !r.breakers.IsCallAllowed(name) {
			continue
		}
		a, ok := r.registry.Lookup(name)
		if !ok {
			continue // left ACTIVE since candidates were chosen
		}
		if err := r.breakers.Acquire(name); err != nil {
			continue
		}

		resp, err := r.isolation.Execute(ctx, name, a, req)
		if errors.IsCode(err, errors.ErrCodeResourceExhausted) {
			r.breakers.Release(name)
			saturated = err
			continue
		}
		if errors.IsCode(err, errors.ErrCodeOperationCanceled) {
			// the caller gave up; that says nothing about the adapter
			r.breakers.Release(name)
			return nil, name, false, err
		}

		r.breakers.RecordResult(name, err == nil)
		r.observe(name, err == nil)
		return resp, name, false, err
	}

	if saturated != nil {
		return nil, "", false, saturated
	}
	return nil, "", true, errors.NewError(errors.ErrCodeServiceDegraded, "every matching adapter is short-circuited").
		WithComponent("router").WithCorrelationID(req.CorrelationID).
		WithDetail("candidates", candidates)
}

// candidates returns the ACTIVE adapters matching req, in the order they
// should be tried: the hint first, then the smooth weighted round-robin pick,
// then the rest by success rate.
func (r *Router) candidates(req *adapter.Request) []string {
	var matched []string
	hinted := false
	for _, desc := range r.registry.GetActive() {
		if !adapter.HasTags(desc.Tags, req.Tags) {
			continue
		}
		if desc.Name == req.Hint {
			hinted = true
			continue
		}
		matched = append(matched, desc.Name)
	}

	ordered := r.order(matched)
	if hinted {
		ordered = append([]string{req.Hint}, ordered...)
	}
	return ordered
}

// order runs one smooth weighted round-robin selection over names, weighted by
// success rate, and returns the pick followed by the others best rate first.
func (r *Router) order(names []string) []string {
	if len(names) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		total float64
		best  *balance
		pick  string
	)
	for _, name := range names {
		b := r.state(name)
		b.current += b.rate
		total += b.rate
		if best == nil || b.current > best.current {
			best, pick = b, name
		}
	}
	best.current -= total

	rest := make([]string, 0, len(names)-1)
	for _, name := range names {
		if name != pick {
			rest = append(rest, name)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		return r.balance[rest[i]].rate > r.balance[rest[j]].rate
	})
	return append([]string{pick}, rest...)
}

// observe folds one delivery outcome into the adapter's success rate.
func (r *Router) observe(name string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := 0.0
	if success {
		v = 1
	}
	b := r.state(name)
	b.rate = r.config.SuccessRateDecay*v + (1-r.config.SuccessRateDecay)*b.rate
	if b.rate < minSuccessRate {
		b.rate = minSuccessRate
	}
}

// state must be called with the lock held.
func (r *Router) state(name string) *balance {
	b, ok := r.balance[name]
	if !ok {
		b = &balance{rate: 1}
		r.balance[name] = b
	}
	return b
}

// SuccessRates returns the recent success rate per adapter that has been routed to.
func (r *Router) SuccessRates() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]float64, len(r.balance))
	for name, b := range r.balance {
		out[name] = b.rate
	}
	return out
}

// Forget drops the balancing state of an unloaded adapter.
func (r *Router) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.balance, name)
}

func (r *Router) record(name, outcome string, elapsed time.Duration) {
	if r.sink != nil {
		r.sink.RecordRoute(name, outcome, elapsed)
	}
}
