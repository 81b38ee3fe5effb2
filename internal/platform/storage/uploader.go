package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultCacheControl = "public, max-age=31536000, immutable"

// Render objects have unique names, so rewriting one after a lost response is
// harmless and every write may be retried.
var uploadBackoff = gax.Backoff{Initial: 200 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2}

var tracer = otel.Tracer("github.com/dynofield/api/internal/platform/storage")

// ObjectWriter receives object content; Close commits the upload.
type ObjectWriter interface {
	io.Writer
	Close() error
}

// WriterFactory opens a writer for bucket/object.
type WriterFactory func(ctx context.Context, bucket, object, contentType string) ObjectWriter

// Uploader writes rendered documents to Cloud Storage and reports where they can be fetched.
type Uploader struct {
	newWriter     WriterFactory
	publicBaseURL string
	signer        *Client
	signedTTL     time.Duration
	logger        *zap.Logger
}

// UploaderOption customises the uploader.
type UploaderOption func(*Uploader)

// WithPublicBaseURL serves objects from a CDN or public bucket prefix.
func WithPublicBaseURL(base string) UploaderOption {
	return func(u *Uploader) {
		u.publicBaseURL = strings.TrimRight(strings.TrimSpace(base), "/")
	}
}

// WithSignedURLs returns signed download URLs instead of plain object URLs.
func WithSignedURLs(client *Client, ttl time.Duration) UploaderOption {
	return func(u *Uploader) {
		u.signer = client
		u.signedTTL = ttl
	}
}

// WithWriterFactory replaces the Cloud Storage writer.
func WithWriterFactory(factory WriterFactory) UploaderOption {
	return func(u *Uploader) {
		if factory != nil {
			u.newWriter = factory
		}
	}
}

// WithUploaderLogger sets the logger.
func WithUploaderLogger(logger *zap.Logger) UploaderOption {
	return func(u *Uploader) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// NewUploader builds an uploader. A nil client is only valid together with WithWriterFactory.
func NewUploader(client *gcs.Client, opts ...UploaderOption) (*Uploader, error) {
	u := &Uploader{logger: zap.NewNop()}
	if client != nil {
		u.newWriter = func(ctx context.Context, bucket, object, contentType string) ObjectWriter {
			obj := client.Bucket(bucket).Object(object).Retryer(
				gcs.WithBackoff(uploadBackoff),
				gcs.WithPolicy(gcs.RetryAlways),
			)
			w := obj.NewWriter(ctx)
			w.ContentType = contentType
			w.CacheControl = defaultCacheControl
			return w
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	if u.newWriter == nil {
		return nil, errors.New("storage uploader: client is required")
	}
	return u, nil
}

// Upload stores data and returns the URL callers should use to fetch it.
func (u *Uploader) Upload(ctx context.Context, bucket, object, contentType string, data []byte) (string, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return "", errInvalidBucket
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return "", errInvalidObject
	}

	ctx, span := tracer.Start(ctx, "storage.Upload", trace.WithAttributes(
		attribute.String("storage.bucket", bucket),
		attribute.String("storage.object", object),
		attribute.Int("storage.bytes", len(data)),
	))
	defer span.End()

	w := u.newWriter(ctx, bucket, object, contentType)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("storage: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("storage: commit %s: %w", object, err)
	}
	u.logger.Debug("object uploaded", zap.String("bucket", bucket), zap.String("object", object), zap.Int("bytes", len(data)))
	return u.ObjectURL(ctx, bucket, object)
}

// ObjectURL resolves the fetch URL for an existing object.
func (u *Uploader) ObjectURL(ctx context.Context, bucket, object string) (string, error) {
	switch {
	case u.publicBaseURL != "":
		return u.publicBaseURL + "/" + escapePath(object), nil
	case u.signer != nil:
		res, err := u.signer.SignedDownloadURL(ctx, bucket, object, DownloadOptions{ExpiresIn: u.signedTTL})
		if err != nil {
			return "", err
		}
		return res.URL, nil
	default:
		return "https://storage.googleapis.com/" + bucket + "/" + escapePath(object), nil
	}
}

func escapePath(object string) string {
	parts := strings.Split(object, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
