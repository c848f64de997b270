package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/switchyard/switchyard/internal/circuit"
	"github.com/switchyard/switchyard/internal/router"
	"github.com/switchyard/switchyard/pkg/errors"
	"github.com/switchyard/switchyard/pkg/utils"
)

// objectPutter is the part of the S3 client the archiver uses
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config represents S3 archive configuration
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
	MaxRetries      int
}

// S3Archiver writes one JSON object per terminal failure. Writes go through a
// circuit breaker so an unreachable bucket fails fast instead of stalling the
// archive queue.
type S3Archiver struct {
	client  objectPutter
	bucket  string
	prefix  string
	breaker *circuit.CircuitBreaker
	sink    Sink
	logger  *slog.Logger
	now     func() time.Time
}

// NewS3Archiver creates an archiver from the default AWS credential chain, or
// from static credentials when both keys are set.
func NewS3Archiver(ctx context.Context, cfg S3Config, sink Sink, logger *slog.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "archive bucket name cannot be empty").
			WithComponent("archive")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeArchiveFailed, "failed to load AWS config").
			WithComponent("archive")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return newS3Archiver(client, cfg.Bucket, cfg.Prefix, sink, logger), nil
}

func newS3Archiver(client objectPutter, bucket, prefix string, sink Sink, logger *slog.Logger) *S3Archiver {
	logger = utils.OrDiscard(logger).With("component", "archive", "bucket", bucket)
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		breaker: circuit.NewCircuitBreaker("archive", circuit.Config{
			FailureThreshold: 5,
			ResetTimeout:     time.Minute,
			OnStateChange: func(_ string, from, to circuit.State) {
				logger.Warn("archive breaker changed state", "from", from, "to", to)
			},
		}),
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// Archive implements Archiver.
func (a *S3Archiver) Archive(ctx context.Context, f router.TerminalFailure) error {
	doc := NewDocument(f, a.now())
	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeArchiveFailed, "failed to encode archive document").
			WithComponent("archive").WithCorrelationID(doc.CorrelationID)
	}
	key := Key(a.prefix, doc)

	err = a.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(a.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
			ContentType:   aws.String("application/json"),
			Metadata: map[string]string{
				"switchyard-cause":    doc.Cause,
				"switchyard-attempts": strconv.Itoa(doc.Attempts),
			},
		})
		return err
	})
	if a.sink != nil {
		a.sink.RecordArchiveWrite(err == nil)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeArchiveFailed, "PutObject failed for "+key).
			WithComponent("archive").WithCorrelationID(doc.CorrelationID)
	}

	a.logger.Debug("archived terminal failure", "key", key, "size", len(body))
	return nil
}

// BreakerState returns the state of the archive's own breaker.
func (a *S3Archiver) BreakerState() circuit.State {
	return a.breaker.GetState()
}
