package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/switchyard/switchyard/internal/adapter"
	"github.com/switchyard/switchyard/pkg/errors"
)

// Isolation executes adapter calls under a deadline and a per-adapter
// concurrency ceiling. A call that outlives its deadline is abandoned: the
// caller gets a timeout while the call keeps its slot until it really returns,
// so a hung adapter cannot accumulate unbounded work.
type Isolation struct {
	deadline time.Duration
	limit    int64
	sink     Sink
	now      func() time.Time

	mu        sync.Mutex
	slots     map[string]*semaphore.Weighted
	abandoned atomic.Int64
	inFlight  atomic.Int64
}

// NewIsolation creates an isolation boundary. sink may be nil.
func NewIsolation(deadline time.Duration, limit int64, sink Sink) *Isolation {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	if limit <= 0 {
		limit = 32
	}
	return &Isolation{
		deadline: deadline,
		limit:    limit,
		sink:     sink,
		now:      time.Now,
		slots:    make(map[string]*semaphore.Weighted),
	}
}

// Execute runs req against a. The deadline is the earlier of the request's own
// deadline and the isolation deadline. A full concurrency ceiling is reported as
// RESOURCE_EXHAUSTED without calling the adapter.
func (iso *Isolation) Execute(ctx context.Context, name string, a adapter.Adapter, req *adapter.Request) (*adapter.Response, error) {
	timeout := iso.deadline
	if !req.Deadline.IsZero() {
		if remaining := req.Deadline.Sub(iso.now()); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, errors.NewError(errors.ErrCodeDeadlineExceeded, "request deadline already passed").
			WithComponent("router").WithAdapter(name).WithCorrelationID(req.CorrelationID)
	}

	slot := iso.slot(name)
	if !slot.TryAcquire(1) {
		return nil, errors.NewError(errors.ErrCodeResourceExhausted,
			fmt.Sprintf("adapter %s is at its concurrency ceiling of %d", name, iso.limit)).
			WithComponent("router").WithAdapter(name).WithCorrelationID(req.CorrelationID)
	}

	var resp *adapter.Response
	iso.inFlight.Add(1)
	abandoned, err := adapter.Call(ctx, timeout, func(ctx context.Context) error {
		defer func() {
			iso.inFlight.Add(-1)
			slot.Release(1)
		}()
		r, err := a.HandleRequest(ctx, detach(req))
		resp = r
		return err
	})

	if abandoned {
		iso.abandoned.Add(1)
		if iso.sink != nil {
			iso.sink.RecordAbandonedCall(name, "handle_request")
		}
	}
	if err != nil {
		if errors.CodeOf(err) == "" {
			err = errors.Wrap(err, errors.ErrCodeAdapterFailure, "adapter failed to handle request")
		}
		// the adapter may hand the same error value to concurrent calls
		if oe, ok := err.(*errors.OrchestratorError); ok {
			err = oe.Clone().WithComponent("router").WithAdapter(name).WithCorrelationID(req.CorrelationID)
		}
		return nil, err
	}

	if resp == nil {
		resp = &adapter.Response{}
	}
	if resp.Adapter == "" {
		resp.Adapter = name
	}
	if resp.CorrelationID == "" {
		resp.CorrelationID = req.CorrelationID
	}
	return resp, nil
}

func (iso *Isolation) slot(name string) *semaphore.Weighted {
	iso.mu.Lock()
	defer iso.mu.Unlock()

	s, ok := iso.slots[name]
	if !ok {
		s = semaphore.NewWeighted(iso.limit)
		iso.slots[name] = s
	}
	return s
}

// Abandoned returns how many calls were abandoned at their deadline.
func (iso *Isolation) Abandoned() int64 {
	return iso.abandoned.Load()
}

// InFlight returns how many adapter calls are running, abandoned ones included.
func (iso *Isolation) InFlight() int64 {
	return iso.inFlight.Load()
}

// detach copies req so an abandoned call never shares memory with a retry.
func detach(req *adapter.Request) *adapter.Request {
	c := *req
	if req.Metadata != nil {
		c.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Tags = append([]string(nil), req.Tags...)
	return &c
}
