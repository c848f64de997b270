package router

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/switchyard/switchyard/internal/adapter"
	"github.com/switchyard/switchyard/pkg/errors"
	"github.com/switchyard/switchyard/pkg/retry"
	"github.com/switchyard/switchyard/pkg/utils"
)

// Terminal failure reasons
const (
	ReasonMaxAttempts  = "max_attempts"
	ReasonQueueFull    = "queue_full"
	ReasonNotRetryable = "not_retryable"
	ReasonShutdown     = "shutdown"
)

// Entry is a request waiting in the dead-letter queue.
type Entry struct {
	ID           string           `json:"id"`
	Request      *adapter.Request `json:"request"`
	Reason       string           `json:"reason"`
	Code         errors.ErrorCode `json:"code,omitempty"`
	Attempts     int              `json:"attempts"`
	NextRetry    time.Time        `json:"next_retry"`
	FirstFailure time.Time        `json:"first_failure"`
	LastFailure  time.Time        `json:"last_failure"`

	heapIndex int
}

// TerminalFailure is an entry the queue gave up on.
type TerminalFailure struct {
	Entry
	Cause string `json:"cause"`
	Err   error  `json:"-"`
}

// TerminalHandler is told about every request surfaced to the host as failed.
type TerminalHandler func(TerminalFailure)

// Dispatcher retries one request. It returns the failure when the retry did
// not deliver.
type Dispatcher func(ctx context.Context, req *adapter.Request) error

// entryQueue implements heap.Interface ordered by NextRetry
type entryQueue []*Entry

func (q entryQueue) Len() int { return len(q) }

func (q entryQueue) Less(i, j int) bool {
	if q[i].NextRetry.Equal(q[j].NextRetry) {
		return q[i].FirstFailure.Before(q[j].FirstFailure)
	}
	return q[i].NextRetry.Before(q[j].NextRetry)
}

func (q entryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIndex = i
	q[j].heapIndex = j
}

func (q *entryQueue) Push(x interface{}) {
	e := x.(*Entry)
	e.heapIndex = len(*q)
	*q = append(*q, e)
}

func (q *entryQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*q = old[:n-1]
	return e
}

// DeadLetterConfig configures the retry queue
type DeadLetterConfig struct {
	Backoff retry.Config
	// MaxAttempts bounds delivery attempts per request, the first one included.
	// Zero retries forever, logging a warning every WarnEvery attempts.
	MaxAttempts      int
	WarnEvery        int
	MaxDepth         int
	RetriesPerSecond float64
	RetryBurst       int
	RetryConcurrency int64

	OnTerminal TerminalHandler
	Now        func() time.Time
}

// DeadLetterQueue holds failed requests and feeds them back into routing on an
// exponential backoff schedule.
type DeadLetterQueue struct {
	config   DeadLetterConfig
	backoff  *retry.Backoff
	limiter  *rate.Limiter
	slots    *semaphore.Weighted
	dispatch Dispatcher
	sink     Sink
	logger   *slog.Logger

	mu      sync.Mutex
	queue   entryQueue
	closed  bool
	retried int64
	wake    chan struct{}
}

// NewDeadLetterQueue creates a queue. The dispatcher is set by the router.
func NewDeadLetterQueue(config DeadLetterConfig, sink Sink, logger *slog.Logger) *DeadLetterQueue {
	if config.WarnEvery <= 0 {
		config.WarnEvery = 10
	}
	if config.MaxDepth <= 0 {
		config.MaxDepth = 10000
	}
	if config.RetriesPerSecond <= 0 {
		config.RetriesPerSecond = 50
	}
	if config.RetryBurst <= 0 {
		config.RetryBurst = 10
	}
	if config.RetryConcurrency <= 0 {
		config.RetryConcurrency = 8
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &DeadLetterQueue{
		config:  config,
		backoff: retry.New(config.Backoff),
		limiter: rate.NewLimiter(rate.Limit(config.RetriesPerSecond), config.RetryBurst),
		slots:   semaphore.NewWeighted(config.RetryConcurrency),
		sink:    sink,
		logger:  utils.OrDiscard(logger).With("component", "deadletter"),
		wake:    make(chan struct{}, 1),
	}
}

// SetDispatcher sets the function retries are sent through.
func (q *DeadLetterQueue) SetDispatcher(d Dispatcher) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dispatch = d
}

// Enqueue records a failed delivery of req, whose Attempt counts the attempts
// made so far. The queue keeps its own copy of req. It returns the queued
// entry, or false when the request was surfaced as a terminal failure instead.
func (q *DeadLetterQueue) Enqueue(req *adapter.Request, cause error) (Entry, bool) {
	req = detach(req)
	now := q.config.Now()
	attempts := req.Attempt
	if attempts < 1 {
		attempts = 1
	}

	e := &Entry{
		ID:           uuid.NewString(),
		Request:      req,
		Attempts:     attempts,
		FirstFailure: now,
		LastFailure:  now,
		heapIndex:    -1,
	}
	if first, ok := req.Metadata[firstFailureKey]; ok {
		if t, err := time.Parse(time.RFC3339Nano, first); err == nil {
			e.FirstFailure = t
		}
	}
	if cause != nil {
		e.Reason = cause.Error()
		e.Code = errors.CodeOf(cause)
	}

	switch {
	case cause != nil && errors.CodeOf(cause) != "" && !errors.IsRetryable(cause):
		q.terminal(*e, ReasonNotRetryable, cause)
		return *e, false
	case q.config.MaxAttempts > 0 && attempts >= q.config.MaxAttempts:
		err := errors.NewError(errors.ErrCodeRetryExhausted,
			fmt.Sprintf("gave up after %d attempts", attempts)).
			WithComponent("deadletter").WithCorrelationID(req.CorrelationID).WithCause(cause)
		q.terminal(*e, ReasonMaxAttempts, err)
		return *e, false
	}

	if q.config.MaxAttempts == 0 && attempts%q.config.WarnEvery == 0 {
		q.logger.Warn("request still failing with unbounded retries",
			"correlation_id", req.CorrelationID, "attempts", attempts, "reason", e.Reason)
	}

	e.NextRetry = now.Add(q.backoff.Delay(attempts))
	if req.Metadata == nil {
		req.Metadata = make(map[string]string)
	}
	req.Metadata[firstFailureKey] = e.FirstFailure.Format(time.RFC3339Nano)

	q.mu.Lock()
	if q.closed || len(q.queue) >= q.config.MaxDepth {
		closed := q.closed
		q.mu.Unlock()
		reason, code := ReasonQueueFull, errors.ErrCodeQueueFull
		if closed {
			reason, code = ReasonShutdown, errors.ErrCodeShutdownInProgress
		}
		q.terminal(*e, reason, errors.NewError(code, "dead-letter queue not accepting entries").
			WithComponent("deadletter").WithCorrelationID(req.CorrelationID).WithCause(cause))
		return *e, false
	}
	heap.Push(&q.queue, e)
	depth := len(q.queue)
	snapshot := *e
	q.mu.Unlock()

	q.signal()
	if q.sink != nil {
		q.sink.SetDeadLetterDepth(depth)
	}
	q.logger.Debug("request dead-lettered", "correlation_id", req.CorrelationID,
		"attempts", attempts, "next_retry", e.NextRetry, "reason", e.Reason)
	return snapshot, true
}

const firstFailureKey = "switchyard.first_failure"

// Run retries due entries until ctx is canceled, then drains whatever is still
// pending to the terminal handler.
func (q *DeadLetterQueue) Run(ctx context.Context) error {
	var inflight conc.WaitGroup
	defer func() {
		inflight.Wait()
		q.drain()
	}()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	q.logger.Info("dead-letter queue started", "max_attempts", q.config.MaxAttempts,
		"schedule", q.backoff.Schedule(5))
	for {
		e, wait := q.next()
		if e == nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
			case <-timer.C:
			}
			continue
		}

		if err := q.limiter.Wait(ctx); err != nil {
			q.requeue(e)
			return nil
		}
		if err := q.slots.Acquire(ctx, 1); err != nil {
			q.requeue(e)
			return nil
		}
		inflight.Go(func() {
			defer q.slots.Release(1)
			q.retry(ctx, e)
		})
	}
}

// next pops the earliest due entry, or returns how long to wait for one.
func (q *DeadLetterQueue) next() (*Entry, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queue) == 0 {
		return nil, time.Hour
	}
	head := q.queue[0]
	if wait := head.NextRetry.Sub(q.config.Now()); wait > 0 {
		return nil, wait
	}
	e := heap.Pop(&q.queue).(*Entry)
	if q.sink != nil {
		q.sink.SetDeadLetterDepth(len(q.queue))
	}
	return e, 0
}

func (q *DeadLetterQueue) requeue(e *Entry) {
	q.mu.Lock()
	heap.Push(&q.queue, e)
	q.mu.Unlock()
}

func (q *DeadLetterQueue) retry(ctx context.Context, e *Entry) {
	q.mu.Lock()
	dispatch := q.dispatch
	q.retried++
	q.mu.Unlock()

	if q.sink != nil {
		q.sink.RecordDeadLetterRetry()
	}

	req := detach(e.Request)
	req.Attempt = e.Attempts + 1
	q.logger.Debug("retrying dead-lettered request", "correlation_id", req.CorrelationID, "attempt", req.Attempt)

	var err error
	if dispatch == nil {
		err = errors.NewError(errors.ErrCodeInternalError, "no dispatcher configured")
	} else {
		err = dispatch(ctx, req)
	}
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		// shutting down: the retry did not really happen
		q.requeue(e)
		return
	}
	q.Enqueue(req, err)
}

func (q *DeadLetterQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// drain closes the queue and surfaces every pending entry as a terminal failure.
func (q *DeadLetterQueue) drain() {
	q.mu.Lock()
	q.closed = true
	pending := make([]*Entry, len(q.queue))
	copy(pending, q.queue)
	q.queue = nil
	q.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].NextRetry.Before(pending[j].NextRetry) })
	for _, e := range pending {
		q.terminal(*e, ReasonShutdown, errors.NewError(errors.ErrCodeShutdownInProgress, "dead-letter queue shut down").
			WithComponent("deadletter").WithCorrelationID(e.Request.CorrelationID))
	}
	if q.sink != nil {
		q.sink.SetDeadLetterDepth(0)
	}
	if len(pending) > 0 {
		q.logger.Warn("dead-letter queue drained at shutdown", "entries", len(pending))
	}
}

func (q *DeadLetterQueue) terminal(e Entry, cause string, err error) {
	if q.sink != nil {
		q.sink.RecordTerminalFailure(cause)
	}
	q.logger.Error("terminal delivery failure", "correlation_id", e.Request.CorrelationID,
		"attempts", e.Attempts, "cause", cause, "error", err)
	if q.config.OnTerminal != nil {
		q.config.OnTerminal(TerminalFailure{Entry: e, Cause: cause, Err: err})
	}
}

// Depth returns the number of queued entries.
func (q *DeadLetterQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Retried returns how many retries have been dispatched.
func (q *DeadLetterQueue) Retried() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retried
}

// Pending returns a snapshot of queued entries, earliest retry first.
func (q *DeadLetterQueue) Pending() []Entry {
	q.mu.Lock()
	out := make([]Entry, 0, len(q.queue))
	for _, e := range q.queue {
		c := *e
		c.Request = detach(e.Request)
		out = append(out, c)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NextRetry.Before(out[j].NextRetry) })
	return out
}
