package archive

import (
	"context"
	"log/slog"
	"path"
	"sync/atomic"
	"time"

	"github.com/switchyard/switchyard/internal/router"
	"github.com/switchyard/switchyard/pkg/errors"
	"github.com/switchyard/switchyard/pkg/utils"
)

// Archiver stores terminal dead-letter failures.
type Archiver interface {
	Archive(ctx context.Context, failure router.TerminalFailure) error
}

// Sink receives archive metrics.
type Sink interface {
	RecordArchiveWrite(success bool)
}

// Document is the archived form of a terminal failure.
type Document struct {
	EntryID       string            `json:"entry_id"`
	CorrelationID string            `json:"correlation_id"`
	Cause         string            `json:"cause"`
	Code          errors.ErrorCode  `json:"code,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Error         string            `json:"error,omitempty"`
	Attempts      int               `json:"attempts"`
	Tags          []string          `json:"tags,omitempty"`
	Hint          string            `json:"hint,omitempty"`
	Payload       []byte            `json:"payload,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ReceivedAt    time.Time         `json:"received_at"`
	FirstFailure  time.Time         `json:"first_failure"`
	LastFailure   time.Time         `json:"last_failure"`
	ArchivedAt    time.Time         `json:"archived_at"`
}

// NewDocument converts a terminal failure for storage.
func NewDocument(f router.TerminalFailure, now time.Time) Document {
	doc := Document{
		EntryID:      f.ID,
		Cause:        f.Cause,
		Code:         f.Code,
		Reason:       f.Reason,
		Attempts:     f.Attempts,
		FirstFailure: f.FirstFailure,
		LastFailure:  f.LastFailure,
		ArchivedAt:   now,
	}
	if f.Err != nil {
		doc.Error = f.Err.Error()
		if code := errors.CodeOf(f.Err); code != "" {
			doc.Code = code
		}
	}
	if req := f.Request; req != nil {
		doc.CorrelationID = req.CorrelationID
		doc.Tags = req.Tags
		doc.Hint = req.Hint
		doc.Payload = req.Payload
		doc.Metadata = req.Metadata
		doc.ReceivedAt = req.ReceivedAt
	}
	return doc
}

// Key returns the object key of a document: prefix/yyyy/mm/dd/<correlation>-<entry>.json
func Key(prefix string, doc Document) string {
	day := doc.LastFailure
	if day.IsZero() {
		day = doc.ArchivedAt
	}
	day = day.UTC()
	return path.Join(prefix, day.Format("2006"), day.Format("01"), day.Format("02"),
		doc.CorrelationID+"-"+doc.EntryID+".json")
}

// Nop discards everything. It is used when archiving is disabled.
type Nop struct{}

// Archive implements Archiver.
func (Nop) Archive(context.Context, router.TerminalFailure) error { return nil }

// Queue decouples archiving from the dead-letter queue: Submit never blocks,
// and Run writes submitted failures in the background.
type Queue struct {
	archiver Archiver
	timeout  time.Duration
	pending  chan router.TerminalFailure
	logger   *slog.Logger

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewQueue creates a background archive queue holding up to size failures.
func NewQueue(archiver Archiver, size int, timeout time.Duration, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Queue{
		archiver: archiver,
		timeout:  timeout,
		pending:  make(chan router.TerminalFailure, size),
		logger:   utils.OrDiscard(logger).With("component", "archive"),
	}
}

// Submit queues f for archiving. It reports false when the queue is full.
func (q *Queue) Submit(f router.TerminalFailure) bool {
	select {
	case q.pending <- f:
		return true
	default:
		q.dropped.Add(1)
		q.logger.Warn("archive queue full, dropping terminal failure", "entry_id", f.ID)
		return false
	}
}

// Run archives submitted failures until ctx is canceled, then flushes what is
// already queued, each write bounded by the archive timeout.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			q.Flush()
			return nil
		case f := <-q.pending:
			q.write(ctx, f)
		}
	}
}

// Flush writes whatever is queued without waiting for more.
func (q *Queue) Flush() {
	for {
		select {
		case f := <-q.pending:
			q.write(context.Background(), f)
		default:
			return
		}
	}
}

func (q *Queue) write(ctx context.Context, f router.TerminalFailure) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	if err := q.archiver.Archive(ctx, f); err != nil {
		q.failed.Add(1)
		q.logger.Error("failed to archive terminal failure", "entry_id", f.ID, "error", err)
		return
	}
	q.written.Add(1)
}

// Stats returns written, failed and dropped counts.
func (q *Queue) Stats() (written, failed, dropped int64) {
	return q.written.Load(), q.failed.Load(), q.dropped.Load()
}
