package router

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyard/switchyard/internal/adapter"
	"github.com/switchyard/switchyard/pkg/errors"
	"github.com/switchyard/switchyard/pkg/retry"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func fixedClock() func() time.Time {
	return func() time.Time { return epoch }
}

func failure() error {
	return errors.NewError(errors.ErrCodeAdapterFailure, "adapter failed to handle request")
}

func TestDeadLetterBackoffSchedule(t *testing.T) {
	t.Parallel()

	q := NewDeadLetterQueue(DeadLetterConfig{Backoff: retry.DefaultConfig(), Now: fixedClock()}, nil, nil)

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second,
	}
	for i := range want {
		_, queued := q.Enqueue(&adapter.Request{CorrelationID: fmt.Sprintf("req-%d", i), Attempt: i + 1}, failure())
		require.True(t, queued)
	}

	pending := q.Pending()
	require.Len(t, pending, len(want))
	for i, e := range pending {
		assert.Equal(t, want[i], e.NextRetry.Sub(epoch), "attempt %d", e.Attempts)
		assert.Equal(t, i+1, e.Attempts)
		assert.Equal(t, errors.ErrCodeAdapterFailure, e.Code)
	}
}

func TestDeadLetterTerminalFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		config    DeadLetterConfig
		prefill   int
		attempt   int
		err       error
		wantCause string
		wantCode  errors.ErrorCode
	}{
		{
			name:      "max attempts reached",
			config:    DeadLetterConfig{MaxAttempts: 3},
			attempt:   3,
			err:       failure(),
			wantCause: ReasonMaxAttempts,
			wantCode:  errors.ErrCodeRetryExhausted,
		},
		{
			name:      "queue full",
			config:    DeadLetterConfig{MaxDepth: 2},
			prefill:   2,
			attempt:   1,
			err:       failure(),
			wantCause: ReasonQueueFull,
			wantCode:  errors.ErrCodeQueueFull,
		},
		{
			name:      "not retryable",
			attempt:   1,
			err:       errors.NewError(errors.ErrCodeOperationCanceled, "canceled"),
			wantCause: ReasonNotRetryable,
			wantCode:  errors.ErrCodeOperationCanceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var sink terminals
			config := tt.config
			config.Now = fixedClock()
			config.OnTerminal = sink.handle
			q := NewDeadLetterQueue(config, nil, nil)

			for i := 0; i < tt.prefill; i++ {
				_, queued := q.Enqueue(&adapter.Request{Attempt: 1}, failure())
				require.True(t, queued)
			}

			_, queued := q.Enqueue(&adapter.Request{CorrelationID: "victim", Attempt: tt.attempt}, tt.err)
			assert.False(t, queued)

			got := sink.list()
			require.Len(t, got, 1)
			assert.Equal(t, tt.wantCause, got[0].Cause)
			assert.Equal(t, "victim", got[0].Request.CorrelationID)
			assert.Equal(t, tt.wantCode, errors.CodeOf(got[0].Err))
			assert.Equal(t, tt.prefill, q.Depth())
		})
	}
}

func TestDeadLetterBelowMaxAttemptsIsQueued(t *testing.T) {
	t.Parallel()

	q := NewDeadLetterQueue(DeadLetterConfig{MaxAttempts: 3, Now: fixedClock()}, nil, nil)
	_, queued := q.Enqueue(&adapter.Request{Attempt: 2}, failure())
	assert.True(t, queued)
}

func TestDeadLetterKeepsFirstFailure(t *testing.T) {
	t.Parallel()

	now := epoch
	q := NewDeadLetterQueue(DeadLetterConfig{Now: func() time.Time { return now }}, nil, nil)

	req := &adapter.Request{CorrelationID: "sticky", Attempt: 1}
	first, queued := q.Enqueue(req, failure())
	require.True(t, queued)

	now = epoch.Add(time.Minute)
	retried := q.Pending()[0].Request
	retried.Attempt = 2
	second, queued := q.Enqueue(retried, failure())
	require.True(t, queued)

	assert.Equal(t, epoch, first.FirstFailure)
	assert.True(t, second.FirstFailure.Equal(epoch))
	assert.Equal(t, epoch.Add(time.Minute), second.LastFailure)
}

func TestDeadLetterDrainsOnShutdown(t *testing.T) {
	t.Parallel()

	var sink terminals
	q := NewDeadLetterQueue(DeadLetterConfig{
		Backoff:    retry.Config{InitialDelay: time.Hour, MaxDelay: time.Hour},
		OnTerminal: sink.handle,
	}, nil, nil)
	q.SetDispatcher(func(context.Context, *adapter.Request) error {
		t.Error("nothing is due before shutdown")
		return nil
	})

	for i := 0; i < 3; i++ {
		_, queued := q.Enqueue(&adapter.Request{CorrelationID: fmt.Sprintf("req-%d", i)}, failure())
		require.True(t, queued)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not stop")
	}

	assert.Equal(t, 0, q.Depth())
	got := sink.list()
	require.Len(t, got, 3)
	for _, f := range got {
		assert.Equal(t, ReasonShutdown, f.Cause)
		assert.True(t, errors.IsCode(f.Err, errors.ErrCodeShutdownInProgress))
	}

	_, queued := q.Enqueue(&adapter.Request{CorrelationID: "late"}, failure())
	assert.False(t, queued)
	assert.Len(t, sink.list(), 4)
}

func TestDeadLetterRetryFailureRequeues(t *testing.T) {
	t.Parallel()

	attempts := make(chan int, 8)
	var sink terminals
	q := NewDeadLetterQueue(DeadLetterConfig{
		Backoff:     retry.Config{InitialDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2},
		MaxAttempts: 3,
		OnTerminal:  sink.handle,
	}, nil, nil)
	q.SetDispatcher(func(_ context.Context, req *adapter.Request) error {
		attempts <- req.Attempt
		return failure()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	_, queued := q.Enqueue(&adapter.Request{CorrelationID: "doomed", Attempt: 1}, failure())
	require.True(t, queued)

	require.Eventually(t, func() bool { return len(sink.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	close(attempts)
	var seen []int
	for a := range attempts {
		seen = append(seen, a)
	}
	assert.Equal(t, []int{2, 3}, seen)
	assert.Equal(t, ReasonMaxAttempts, sink.list()[0].Cause)
	assert.Equal(t, 3, sink.list()[0].Attempts)
}

func TestDeadLetterKeepsItsOwnRequest(t *testing.T) {
	t.Parallel()

	retried := make(chan struct{}, 8)
	q := NewDeadLetterQueue(DeadLetterConfig{
		Backoff: retry.Config{InitialDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 1},
	}, nil, nil)
	q.SetDispatcher(func(_ context.Context, req *adapter.Request) error {
		req.Metadata["touched"] = "yes"
		req.Tags = append(req.Tags[:0], "mutated")
		retried <- struct{}{}
		return failure()
	})

	req := &adapter.Request{CorrelationID: "owned", Attempt: 1, Tags: []string{"sms"}}
	_, queued := q.Enqueue(req, failure())
	require.True(t, queued)

	assert.Nil(t, req.Metadata, "the caller's request is not annotated")

	snapshot := q.Pending()[0]
	snapshot.Request.Metadata["scribble"] = "x"
	snapshot.Request.Tags[0] = "scribble"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	<-retried
	<-retried
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 1, req.Attempt)
	assert.Equal(t, []string{"sms"}, req.Tags)
	assert.Nil(t, req.Metadata)
	assert.NotContains(t, snapshot.Request.Metadata, "touched")
	assert.Equal(t, 1, snapshot.Attempts)
}
