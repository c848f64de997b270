package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyard/switchyard/internal/adapter"
	"github.com/switchyard/switchyard/internal/circuit"
	"github.com/switchyard/switchyard/internal/router"
	"github.com/switchyard/switchyard/pkg/errors"
)

type fakePutter struct {
	mu      sync.Mutex
	err     error
	objects map[string][]byte
	calls   int
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

type countingSink struct {
	mu       sync.Mutex
	ok, fail int
}

func (c *countingSink) RecordArchiveWrite(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.ok++
	} else {
		c.fail++
	}
}

func terminal(id string) router.TerminalFailure {
	last := time.Date(2026, 3, 7, 23, 59, 0, 0, time.UTC)
	return router.TerminalFailure{
		Entry: router.Entry{
			ID:           id,
			Request:      &adapter.Request{CorrelationID: "corr-" + id, Payload: []byte("payload"), Tags: []string{"text"}},
			Reason:       "backend unavailable",
			Attempts:     5,
			FirstFailure: last.Add(-time.Minute),
			LastFailure:  last,
		},
		Cause: router.ReasonMaxAttempts,
		Err:   errors.NewError(errors.ErrCodeRetryExhausted, "gave up after 5 attempts"),
	}
}

func TestKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prefix string
		doc    Document
		want   string
	}{
		{
			name:   "dated by last failure",
			prefix: "dead-letters",
			doc:    Document{EntryID: "e1", CorrelationID: "c1", LastFailure: time.Date(2026, 3, 7, 23, 59, 0, 0, time.UTC)},
			want:   "dead-letters/2026/03/07/c1-e1.json",
		},
		{
			name: "falls back to archive time without prefix",
			doc:  Document{EntryID: "e2", CorrelationID: "c2", ArchivedAt: time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)},
			want: "2026/12/01/c2-e2.json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Key(tt.prefix, tt.doc))
		})
	}
}

func TestS3ArchiverWritesDocument(t *testing.T) {
	t.Parallel()

	putter := &fakePutter{}
	sink := &countingSink{}
	a := newS3Archiver(putter, "bucket", "dlq", sink, nil)

	require.NoError(t, a.Archive(context.Background(), terminal("e1")))

	body, ok := putter.objects["dlq/2026/03/07/corr-e1-e1.json"]
	require.True(t, ok, "objects: %v", putter.objects)

	var doc Document
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "corr-e1", doc.CorrelationID)
	assert.Equal(t, router.ReasonMaxAttempts, doc.Cause)
	assert.Equal(t, errors.ErrCodeRetryExhausted, doc.Code)
	assert.Equal(t, 5, doc.Attempts)
	assert.Equal(t, []byte("payload"), doc.Payload)
	assert.Equal(t, 1, sink.ok)
}

func TestS3ArchiverBreakerOpensOnFailures(t *testing.T) {
	t.Parallel()

	putter := &fakePutter{err: fmt.Errorf("connection refused")}
	sink := &countingSink{}
	a := newS3Archiver(putter, "bucket", "", sink, nil)

	for i := 0; i < 7; i++ {
		err := a.Archive(context.Background(), terminal(fmt.Sprintf("e%d", i)))
		assert.True(t, errors.IsCode(err, errors.ErrCodeArchiveFailed))
	}

	assert.Equal(t, circuit.StateOpen, a.BreakerState())
	assert.Equal(t, 5, putter.calls, "writes stop reaching S3 once the breaker opens")
	assert.Equal(t, 7, sink.fail)
}

type recordingArchiver struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingArchiver) Archive(_ context.Context, f router.TerminalFailure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, f.ID)
	return nil
}

func (r *recordingArchiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func TestQueueFlushesOnShutdown(t *testing.T) {
	t.Parallel()

	rec := &recordingArchiver{}
	q := NewQueue(rec, 2, time.Second, nil)

	assert.True(t, q.Submit(terminal("a")))
	assert.True(t, q.Submit(terminal("b")))
	assert.False(t, q.Submit(terminal("c")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, q.Run(ctx))

	assert.Equal(t, 2, rec.count())
	written, failed, dropped := q.Stats()
	assert.Equal(t, int64(2), written)
	assert.Equal(t, int64(0), failed)
	assert.Equal(t, int64(1), dropped)
}

func TestQueueWritesInBackground(t *testing.T) {
	t.Parallel()

	rec := &recordingArchiver{}
	q := NewQueue(rec, 8, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	for i := 0; i < 3; i++ {
		require.True(t, q.Submit(terminal(fmt.Sprintf("e%d", i))))
	}
	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestNopArchiver(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Nop{}.Archive(context.Background(), terminal("x")))
}
