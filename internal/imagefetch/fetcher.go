// Package imagefetch downloads remote images and normalizes them into JPEG
// data URIs suitable for embedding in SVG documents.
package imagefetch

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // register decoder
	"image/jpeg"
	_ "image/png" // register decoder
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register decoder
)

const (
	defaultTimeout        = 10 * time.Second
	defaultRetries        = 3
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxEdge        = 1600
	defaultQuality        = 85
	defaultMaxBytes       = 900_000
	defaultMaxDownload    = 25 << 20
	defaultUserAgent      = "dynofield-imagefetch/1.0"
	metricNamespace       = "github.com/dynofield/api/internal/imagefetch"
)

var (
	// ErrUnsupportedImage is returned when the payload cannot be decoded.
	ErrUnsupportedImage = errors.New("imagefetch: unsupported image")
	// ErrTooLarge is returned when the download exceeds the size limit.
	ErrTooLarge = errors.New("imagefetch: image exceeds download limit")
	// ErrInvalidURL is returned for empty or non-http URLs.
	ErrInvalidURL = errors.New("imagefetch: invalid url")
	// ErrOutsideRoot is returned when a local path escapes the configured root.
	ErrOutsideRoot = errors.New("imagefetch: path outside local root")
)

var tracer = otel.Tracer("github.com/dynofield/api/internal/imagefetch")

// StatusError reports an unexpected HTTP status from the image host.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("imagefetch: unexpected status %d", e.Code)
}

// Result is a normalized image.
type Result struct {
	DataURI string
	// SourceWidth and SourceHeight are the decoded dimensions before scaling.
	SourceWidth  int
	SourceHeight int
	Width        int
	Height       int
}

// AspectRatio returns the source width divided by height.
func (r Result) AspectRatio() float64 {
	if r.SourceHeight == 0 {
		return 0
	}
	return float64(r.SourceWidth) / float64(r.SourceHeight)
}

// Fetcher downloads and normalizes images.
type Fetcher struct {
	client         *http.Client
	timeout        time.Duration
	retries        int
	initialBackoff time.Duration
	maxEdge        int
	quality        int
	maxBytes       int
	maxDownload    int64
	userAgent      string
	cache          *Cache
	logger         *zap.Logger

	latency        metric.Float64Histogram
	latencyEnabled bool
	cacheHits      metric.Int64Counter
	hitsEnabled    bool
}

// Option customises the fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		if client != nil {
			f.client = client
		}
	}
}

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithRetries sets how many times a failed attempt is retried.
func WithRetries(n int) Option {
	return func(f *Fetcher) {
		if n >= 0 {
			f.retries = n
		}
	}
}

// WithInitialBackoff sets the first retry delay.
func WithInitialBackoff(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.initialBackoff = d
		}
	}
}

// WithMaxEdge bounds the longest edge of the output image in pixels.
func WithMaxEdge(px int) Option {
	return func(f *Fetcher) {
		if px > 0 {
			f.maxEdge = px
		}
	}
}

// WithQuality sets the JPEG quality.
func WithQuality(q int) Option {
	return func(f *Fetcher) {
		if q > 0 && q <= 100 {
			f.quality = q
		}
	}
}

// WithMaxBytes bounds the encoded JPEG size; larger output is re-encoded at
// half the dimensions until it fits.
func WithMaxBytes(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// WithCache attaches a result cache.
func WithCache(cache *Cache) Option {
	return func(f *Fetcher) {
		f.cache = cache
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New constructs a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:         &http.Client{},
		timeout:        defaultTimeout,
		retries:        defaultRetries,
		initialBackoff: defaultInitialBackoff,
		maxEdge:        defaultMaxEdge,
		quality:        defaultQuality,
		maxBytes:       defaultMaxBytes,
		maxDownload:    defaultMaxDownload,
		userAgent:      defaultUserAgent,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}

	meter := otel.GetMeterProvider().Meter(metricNamespace)
	latency, err := meter.Float64Histogram(
		"imagefetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for image fetches including retries"),
	)
	if err != nil {
		f.logger.Warn("imagefetch: unable to register latency metric", zap.Error(err))
	}
	f.latency, f.latencyEnabled = latency, err == nil

	hits, err := meter.Int64Counter(
		"imagefetch.cache_hits",
		metric.WithDescription("Count of image cache hits"),
	)
	if err != nil {
		f.logger.Warn("imagefetch: unable to register cache hit metric", zap.Error(err))
	}
	f.cacheHits, f.hitsEnabled = hits, err == nil
	return f
}

// Fetch downloads url with retries and returns the normalized image.
func (f *Fetcher) Fetch(ctx context.Context, url string) (Result, error) {
	url = strings.TrimSpace(url)
	lower := strings.ToLower(url)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return Result{}, ErrInvalidURL
	}
	if res, ok := f.cache.Get(url); ok {
		if f.hitsEnabled {
			f.cacheHits.Add(ctx, 1)
		}
		return res, nil
	}

	ctx, span := tracer.Start(ctx, "imagefetch.Fetch", trace.WithAttributes(attribute.String("image.url", url)))
	defer span.End()
	started := time.Now()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(backoff.WithInitialInterval(f.initialBackoff)),
			uint64(f.retries),
		),
		ctx,
	)
	attempt := 0
	data, err := backoff.RetryWithData(func() ([]byte, error) {
		attempt++
		body, err := f.download(ctx, url)
		if err != nil {
			f.logger.Debug("image download attempt failed",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return body, err
	}, policy)
	if f.latencyEnabled {
		f.latency.Record(ctx, float64(time.Since(started).Milliseconds()))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download failed")
		return Result{}, fmt.Errorf("imagefetch: fetch %s: %w", url, err)
	}

	res, err := f.Normalize(data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "normalize failed")
		return Result{}, err
	}
	span.SetAttributes(
		attribute.Int("image.source_width", res.SourceWidth),
		attribute.Int("image.source_height", res.SourceHeight),
		attribute.Int("image.attempts", attempt),
	)
	f.cache.Add(url, res)
	return res, nil
}

// LoadLocal reads a file below root and returns the normalized image.
func (f *Fetcher) LoadLocal(root, path string) (Result, error) {
	resolved, err := resolveLocal(root, path)
	if err != nil {
		return Result{}, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return Result{}, fmt.Errorf("imagefetch: read %s: %w", path, err)
	}
	return f.Normalize(data)
}

func resolveLocal(root, path string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", ErrOutsideRoot
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("imagefetch: resolve root: %w", err)
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(absRoot, candidate)
	}
	candidate = filepath.Clean(candidate)
	rel, err := filepath.Rel(absRoot, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return candidate, nil
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrInvalidURL, err))
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		statusErr := &StatusError{Code: resp.StatusCode}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(statusErr)
		}
		return nil, statusErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxDownload+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > f.maxDownload {
		return nil, backoff.Permanent(ErrTooLarge)
	}
	return body, nil
}

// Normalize decodes data, flattens transparency onto white, downscales it so
// the longest edge fits and re-encodes it as a JPEG data URI.
func (f *Fetcher) Normalize(data []byte) (Result, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	bounds := src.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW <= 0 || srcH <= 0 {
		return Result{}, fmt.Errorf("%w: empty image", ErrUnsupportedImage)
	}

	w, h := fitWithin(srcW, srcH, f.maxEdge)
	for {
		encoded, err := f.encode(src, w, h)
		if err != nil {
			return Result{}, err
		}
		if f.maxBytes <= 0 || len(encoded) <= f.maxBytes || (w <= 1 && h <= 1) {
			return Result{
				DataURI:      "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(encoded),
				SourceWidth:  srcW,
				SourceHeight: srcH,
				Width:        w,
				Height:       h,
			}, nil
		}
		w, h = max(1, w/2), max(1, h/2)
	}
}

func (f *Fetcher) encode(src image.Image, w, h int) ([]byte, error) {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	bounds := src.Bounds()
	if bounds.Dx() == w && bounds.Dy() == h {
		draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: f.quality}); err != nil {
		return nil, fmt.Errorf("imagefetch: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func fitWithin(w, h, maxEdge int) (int, int) {
	if maxEdge <= 0 || (w <= maxEdge && h <= maxEdge) {
		return w, h
	}
	if w >= h {
		return maxEdge, max(1, h*maxEdge/w)
	}
	return max(1, w*maxEdge/h), maxEdge
}
