package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sony/gobreaker/v2"

	"github.com/opensource-finance/pricewise/internal/domain"
	"github.com/opensource-finance/pricewise/internal/metrics"
)

// objectClient defines the minimal object storage operations used by S3Store.
type objectClient interface {
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	PutObject(ctx context.Context, bucket, key string, data []byte) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

// minioClientWrapper adapts *minio.Client to objectClient.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := w.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateMinioError(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translateMinioError(err)
	}
	return data, nil
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := w.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return err
}

func (w *minioClientWrapper) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return w.client.BucketExists(ctx, bucket)
}

func translateMinioError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	return err
}

// S3Store reads embeddings from an S3-compatible bucket. Calls go through a
// failure-ratio circuit breaker so an unhealthy bucket is rejected fast.
type S3Store struct {
	client      objectClient
	bucket      string
	timeout     time.Duration
	concurrency int
	cb          *gobreaker.CircuitBreaker[[]byte]
}

// NewS3Store creates a store for cfg.Bucket on cfg.Endpoint.
func NewS3Store(cfg domain.BlobConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, domain.NewValidationError("blob.bucket", "is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}
	return newS3Store(&minioClientWrapper{client: client}, cfg), nil
}

func newS3Store(client objectClient, cfg domain.BlobConfig) *S3Store {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	name := "blobstore:" + cfg.Bucket
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("blob store circuit breaker state transition",
				"breaker", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.StateValue(stateName(to)))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, stateName(from), stateName(to)).Inc()
		},
	})

	return &S3Store{
		client:      client,
		bucket:      cfg.Bucket,
		timeout:     timeout,
		concurrency: cfg.Concurrency,
		cb:          cb,
	}
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half_open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Get fetches one object. A missing object yields domain.ErrNotFound.
func (s *S3Store) Get(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, domain.NewValidationError("ref", "is required")
	}
	data, err := s.cb.Execute(func() ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.client.GetObject(ctx, s.bucket, ref)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &domain.CircuitOpenError{Name: s.cb.Name()}
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", ref, err)
	}
	return data, nil
}

// GetMany fetches refs with bounded parallelism; errors are reported per ref.
func (s *S3Store) GetMany(ctx context.Context, refs []string) map[string]domain.BlobResult {
	return getMany(ctx, refs, s.concurrency, s.Get)
}

// Put uploads data under ref.
func (s *S3Store) Put(ctx context.Context, ref string, data []byte) error {
	if ref == "" {
		return domain.NewValidationError("ref", "is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.PutObject(ctx, s.bucket, ref, data); err != nil {
		return fmt.Errorf("put blob %s: %w", ref, err)
	}
	return nil
}

// Ping verifies the bucket is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}
