// Package secrets resolves secret:// configuration references against Google
// Secret Manager, with an in-process cache and a local fallback file for
// development.
package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// Scheme prefixes values that name a secret instead of carrying it.
	Scheme = "secret://"

	defaultFallbackPath = ".secrets.local"
	latestVersion       = "latest"
	metricNamespace     = "github.com/dynofield/api/internal/platform/secrets"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (secretManagerClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// IsReference reports whether value names a secret.
func IsReference(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), Scheme)
}

// Fetcher resolves references of the form secret://name[?version=N&project=P].
// The Secret Manager client is created on the first remote lookup; when it
// cannot be created, or the service denies or cannot serve the request, values
// come from the fallback file instead.
type Fetcher struct {
	logger       *zap.Logger
	projectID    string
	fallbackPath string
	clientOpts   []option.ClientOption

	clientMu   sync.Mutex
	client     secretManagerClient
	clientErr  error
	ownsClient bool

	fallbackOnce sync.Once
	fallbackVals map[string]string
	fallbackErr  error

	cacheMu sync.RWMutex
	cache   map[string]string

	latency        metric.Float64Histogram
	latencyEnabled bool
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithDefaultProject sets the project used by references without a project
// parameter.
func WithDefaultProject(projectID string) Option {
	return func(f *Fetcher) {
		f.projectID = strings.TrimSpace(projectID)
	}
}

// WithFallbackFile overrides the path of the local key=value fallback file.
// An empty path disables the fallback.
func WithFallbackFile(path string) Option {
	return func(f *Fetcher) {
		f.fallbackPath = strings.TrimSpace(path)
	}
}

// WithSecretManagerClient injects a client, mainly for tests.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithClientOptions forwards options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(f *Fetcher) {
		f.clientOpts = append(f.clientOpts, opts...)
	}
}

// NewFetcher builds a Fetcher.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		logger:       zap.NewNop(),
		fallbackPath: defaultFallbackPath,
		cache:        make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}

	latency, err := otel.GetMeterProvider().Meter(metricNamespace).Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret lookups by source"),
	)
	if err != nil {
		f.logger.Warn("secrets: unable to register latency metric", zap.Error(err))
	}
	f.latency, f.latencyEnabled = latency, err == nil
	return f
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	f.clientMu.Lock()
	defer f.clientMu.Unlock()
	if f.ownsClient && f.client != nil {
		err := f.client.Close()
		f.client = nil
		return err
	}
	return nil
}

// Resolve returns the value behind ref.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	started := time.Now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	key := parsed.key()

	f.cacheMu.RLock()
	value, ok := f.cache[key]
	f.cacheMu.RUnlock()
	if ok {
		f.record(ctx, started, "cache")
		return value, nil
	}

	project := parsed.project
	if project == "" {
		project = f.projectID
	}
	if project != "" {
		value, err := f.fetchRemote(ctx, project, parsed)
		switch {
		case err == nil:
			f.store(key, value)
			f.record(ctx, started, "remote")
			return value, nil
		case !isFallbackError(err):
			f.record(ctx, started, "error")
			return "", fmt.Errorf("secrets: fetch %s: %w", maskReference(parsed.canonical), err)
		}
		f.logger.Debug("secrets: using local fallback",
			zap.String("secret", maskReference(parsed.canonical)),
			zap.Error(err),
		)
	}

	value, ok = f.lookupFallback(parsed)
	if !ok {
		f.record(ctx, started, "error")
		return "", fmt.Errorf("secrets: no value for %s", maskReference(parsed.canonical))
	}
	f.store(key, value)
	f.record(ctx, started, "fallback")
	return value, nil
}

func (f *Fetcher) fetchRemote(ctx context.Context, project string, ref reference) (string, error) {
	client, err := f.secretClient(ctx)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("empty payload for %s", name)
	}
	return string(resp.GetPayload().GetData()), nil
}

// errClientUnavailable marks a client that could not be created. It is
// treated like an unavailable service so the fallback file is consulted.
var errClientUnavailable = status.Error(codes.Unavailable, "secret manager client unavailable")

func (f *Fetcher) secretClient(ctx context.Context) (secretManagerClient, error) {
	f.clientMu.Lock()
	defer f.clientMu.Unlock()
	if f.client != nil {
		return f.client, nil
	}
	if f.clientErr != nil {
		return nil, f.clientErr
	}
	client, err := secretManagerClientFactory(ctx, f.clientOpts...)
	if err != nil {
		f.logger.Warn("secrets: secret manager client unavailable; using fallback file", zap.Error(err))
		f.clientErr = fmt.Errorf("%w: %v", errClientUnavailable, err)
		return nil, f.clientErr
	}
	f.client = client
	f.ownsClient = true
	return client, nil
}

func (f *Fetcher) store(key, value string) {
	f.cacheMu.Lock()
	f.cache[key] = value
	f.cacheMu.Unlock()
}

func (f *Fetcher) lookupFallback(ref reference) (string, bool) {
	f.fallbackOnce.Do(f.loadFallback)
	if f.fallbackErr != nil {
		f.logger.Warn("secrets: fallback file unreadable", zap.Error(f.fallbackErr))
		return "", false
	}
	value, ok := f.fallbackVals[ref.canonical]
	return value, ok
}

// loadFallback reads lines of the form secret://name=value. Entries are keyed
// by name only; every version of a secret resolves to the same local value.
func (f *Fetcher) loadFallback() {
	f.fallbackVals = map[string]string{}
	if f.fallbackPath == "" {
		return
	}
	file, err := os.Open(f.fallbackPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.fallbackErr = fmt.Errorf("secrets: open fallback file: %w", err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	// Service account keys are longer than the default token size.
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		parsed, err := parseReference(strings.TrimSpace(name))
		if err != nil {
			continue
		}
		f.fallbackVals[parsed.canonical] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		f.fallbackErr = fmt.Errorf("secrets: read fallback file: %w", err)
	}
}

func (f *Fetcher) record(ctx context.Context, started time.Time, source string) {
	if !f.latencyEnabled {
		return
	}
	f.latency.Record(ctx, float64(time.Since(started))/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("source", source)))
}

type reference struct {
	canonical string
	name      string
	version   string
	project   string
}

func (r reference) key() string {
	return r.canonical + "#" + r.version
}

func parseReference(ref string) (reference, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference: %w", err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, errors.New("secrets: reference has no secret name")
	}
	query := u.Query()
	parsed := reference{
		canonical: Scheme + name,
		name:      name,
		version:   strings.TrimSpace(query.Get("version")),
		project:   strings.TrimSpace(query.Get("project")),
	}
	if parsed.version == "" {
		parsed.version = latestVersion
	}
	return parsed, nil
}

// maskReference hides secret names in logs and errors.
func maskReference(ref string) string {
	h := sha256.Sum256([]byte(ref))
	return "secret:" + hex.EncodeToString(h[:6])
}

func isFallbackError(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
