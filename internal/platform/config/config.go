package config

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultEnvironment         = "local"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 90 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultGenerateRateLimit   = 120
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultRequestsCollection  = "renderRequests"
	defaultTemplatesCollection = "templates"
	defaultSignedURLTTL        = 15 * time.Minute
	defaultRenderTopic         = "render-completed"
	defaultRenderWidth         = 1080
	defaultRenderHeight        = 1080
	defaultRenderFormat        = "png"
	defaultNativeTimeout       = 10 * time.Second
	defaultBrowserTimeout      = 30 * time.Second
	defaultCommandTimeout      = 20 * time.Second
	defaultFallbackTimeout     = 5 * time.Second
	defaultCommandPath         = "rsvg-convert"
	defaultFetchTimeout        = 10 * time.Second
	defaultFetchRetries        = 3
	defaultFetchMaxEdge        = 1600
	defaultFetchQuality        = 85
	defaultFetchMaxBytes       = 900_000
	defaultFetchCacheEntries   = 256
	defaultMaxPayload          = 1_300_000
	defaultPoolSize            = 4
	defaultWrapWidth           = 35
	defaultLineHeight          = 35
	defaultCenteringThreshold  = 0.25
)

// RenderBackends lists the backend names accepted in Render.Backends, in default order.
var RenderBackends = []string{"native", "browser", "command"}

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment  string
	Server       ServerConfig
	Firestore    FirestoreConfig
	Storage      StorageConfig
	PubSub       PubSubConfig
	Render       RenderConfig
	Fetch        FetchConfig
	Sanitizer    SanitizerConfig
	Workers      WorkerConfig
	Substitution SubstitutionConfig
}

// ServerConfig configures HTTP server parameters.
// GenerateRateLimit is the number of generation requests a client may make per
// minute; zero disables the limit. Idempotency-Key replays are kept for IdempotencyTTL.
type ServerConfig struct {
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	GenerateRateLimit int
	IdempotencyTTL    time.Duration
}

// FirestoreConfig stores database parameters. An empty ProjectID selects the
// in-memory template store.
type FirestoreConfig struct {
	ProjectID           string
	EmulatorHost        string
	TemplatesCollection string
	RequestsCollection  string
}

// StorageConfig names the bucket receiving generated documents and rasters. Object URLs use
// PublicBaseURL when set, otherwise a signed URL when a signer key is configured. SignerKey
// holds service account JSON and is normally given as a secret:// reference; SignerKeyFile
// points at the same JSON on disk.
type StorageConfig struct {
	RendersBucket string
	PublicBaseURL string
	SignerKey     string
	SignerKeyFile string
	SignedURLTTL  time.Duration
}

// Signing reports whether signed object URLs are configured.
func (s StorageConfig) Signing() bool {
	return s.SignerKey != "" || s.SignerKeyFile != ""
}

// PubSubConfig controls render completion events.
type PubSubConfig struct {
	ProjectID   string
	RenderTopic string
}

// RenderConfig controls the rasterization pipeline.
type RenderConfig struct {
	Width             int
	Height            int
	Format            string
	Backends          []string
	NativeTimeout     time.Duration
	BrowserTimeout    time.Duration
	CommandTimeout    time.Duration
	FallbackTimeout   time.Duration
	BrowserBin        string
	BrowserControlURL string
	CommandPath       string
}

// FetchConfig controls remote image retrieval.
type FetchConfig struct {
	Timeout      time.Duration
	Retries      int
	MaxEdge      int
	Quality      int
	MaxBytes     int
	CacheEntries int
	LocalRoot    string
}

// SanitizerConfig bounds embedded payloads.
type SanitizerConfig struct {
	MaxPayload int
}

// WorkerConfig sizes the carousel worker pool.
type WorkerConfig struct {
	PoolSize int
}

// SubstitutionConfig toggles optional substitution behaviour.
type SubstitutionConfig struct {
	AddressWrap        bool
	WrapWidth          int
	LineHeight         int
	StripMarkup        bool
	FontImports        bool
	CenteringThreshold float64
}

// BackendEnabled reports whether the named backend is part of the pipeline.
func (r RenderConfig) BackendEnabled(name string) bool {
	for _, b := range r.Backends {
		if b == name {
			return true
		}
	}
	return false
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretResolver resolves secret:// references found in configuration values.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret calls f.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// SecretError describes a configuration value whose secret could not be resolved.
type SecretError struct {
	Field string
	Err   error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve secret for %s: %v", e.Field, e.Err)
}

func (e *SecretError) Unwrap() error {
	return e.Err
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

const secretScheme = "secret://"

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithSecretResolver sets the resolver used for secret:// values. Without one such values
// fail to load.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables and an explicit map.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "DYNO_ENVIRONMENT", defaultEnvironment)),
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "DYNO_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "DYNO_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "DYNO_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "DYNO_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),

			GenerateRateLimit: intWithDefault(lookup, "DYNO_SERVER_GENERATE_RATE_LIMIT", defaultGenerateRateLimit),
			IdempotencyTTL:    durationWithDefault(lookup, "DYNO_SERVER_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
		Firestore: FirestoreConfig{
			ProjectID:           stringWithDefault(lookup, "DYNO_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost:        stringWithDefault(lookup, "DYNO_FIRESTORE_EMULATOR_HOST", ""),
			TemplatesCollection: stringWithDefault(lookup, "DYNO_FIRESTORE_TEMPLATES_COLLECTION", defaultTemplatesCollection),
			RequestsCollection:  stringWithDefault(lookup, "DYNO_FIRESTORE_REQUESTS_COLLECTION", defaultRequestsCollection),
		},
		Storage: StorageConfig{
			RendersBucket: stringWithDefault(lookup, "DYNO_STORAGE_RENDERS_BUCKET", ""),
			PublicBaseURL: strings.TrimRight(stringWithDefault(lookup, "DYNO_STORAGE_PUBLIC_BASE_URL", ""), "/"),
			SignerKey:     stringWithDefault(lookup, "DYNO_STORAGE_SIGNER_KEY", ""),
			SignerKeyFile: stringWithDefault(lookup, "DYNO_STORAGE_SIGNER_KEY_FILE", ""),
			SignedURLTTL:  durationWithDefault(lookup, "DYNO_STORAGE_SIGNED_URL_TTL", defaultSignedURLTTL),
		},
		PubSub: PubSubConfig{
			ProjectID:   stringWithDefault(lookup, "DYNO_PUBSUB_PROJECT_ID", ""),
			RenderTopic: stringWithDefault(lookup, "DYNO_PUBSUB_RENDER_TOPIC", defaultRenderTopic),
		},
		Render: RenderConfig{
			Width:             intWithDefault(lookup, "DYNO_RENDER_WIDTH", defaultRenderWidth),
			Height:            intWithDefault(lookup, "DYNO_RENDER_HEIGHT", defaultRenderHeight),
			Format:            strings.ToLower(stringWithDefault(lookup, "DYNO_RENDER_FORMAT", defaultRenderFormat)),
			Backends:          csvWithDefault(lookup, "DYNO_RENDER_BACKENDS", RenderBackends),
			NativeTimeout:     durationWithDefault(lookup, "DYNO_RENDER_NATIVE_TIMEOUT", defaultNativeTimeout),
			BrowserTimeout:    durationWithDefault(lookup, "DYNO_RENDER_BROWSER_TIMEOUT", defaultBrowserTimeout),
			CommandTimeout:    durationWithDefault(lookup, "DYNO_RENDER_COMMAND_TIMEOUT", defaultCommandTimeout),
			FallbackTimeout:   durationWithDefault(lookup, "DYNO_RENDER_FALLBACK_TIMEOUT", defaultFallbackTimeout),
			BrowserBin:        stringWithDefault(lookup, "DYNO_RENDER_BROWSER_BIN", ""),
			BrowserControlURL: stringWithDefault(lookup, "DYNO_RENDER_BROWSER_CONTROL_URL", ""),
			CommandPath:       stringWithDefault(lookup, "DYNO_RENDER_COMMAND_PATH", defaultCommandPath),
		},
		Fetch: FetchConfig{
			Timeout:      durationWithDefault(lookup, "DYNO_FETCH_TIMEOUT", defaultFetchTimeout),
			Retries:      intWithDefault(lookup, "DYNO_FETCH_RETRIES", defaultFetchRetries),
			MaxEdge:      intWithDefault(lookup, "DYNO_FETCH_MAX_EDGE", defaultFetchMaxEdge),
			Quality:      intWithDefault(lookup, "DYNO_FETCH_QUALITY", defaultFetchQuality),
			MaxBytes:     intWithDefault(lookup, "DYNO_FETCH_MAX_BYTES", defaultFetchMaxBytes),
			CacheEntries: intWithDefault(lookup, "DYNO_FETCH_CACHE_ENTRIES", defaultFetchCacheEntries),
			LocalRoot:    stringWithDefault(lookup, "DYNO_FETCH_LOCAL_ROOT", ""),
		},
		Sanitizer: SanitizerConfig{
			MaxPayload: intWithDefault(lookup, "DYNO_SANITIZER_MAX_PAYLOAD", defaultMaxPayload),
		},
		Workers: WorkerConfig{
			PoolSize: intWithDefault(lookup, "DYNO_WORKERS_POOL_SIZE", defaultPoolSize),
		},
		Substitution: SubstitutionConfig{
			AddressWrap:        boolWithDefault(lookup, "DYNO_SUBSTITUTION_ADDRESS_WRAP", false),
			WrapWidth:          intWithDefault(lookup, "DYNO_SUBSTITUTION_WRAP_WIDTH", defaultWrapWidth),
			LineHeight:         intWithDefault(lookup, "DYNO_SUBSTITUTION_LINE_HEIGHT", defaultLineHeight),
			StripMarkup:        boolWithDefault(lookup, "DYNO_SUBSTITUTION_STRIP_MARKUP", false),
			FontImports:        boolWithDefault(lookup, "DYNO_SUBSTITUTION_FONT_IMPORTS", false),
			CenteringThreshold: floatWithDefault(lookup, "DYNO_SUBSTITUTION_CENTERING_THRESHOLD", defaultCenteringThreshold),
		},
	}

	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	for i, b := range cfg.Render.Backends {
		cfg.Render.Backends[i] = strings.ToLower(b)
	}

	resolved, err := resolveSecret(ctx, "Storage.SignerKey", cfg.Storage.SignerKey, options.secret)
	if err != nil {
		return Config{}, err
	}
	cfg.Storage.SignerKey = resolved

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if strings.TrimSpace(cfg.Server.Port) == "" {
		invalid = append(invalid, "Server.Port")
	}
	if cfg.Server.GenerateRateLimit < 0 {
		invalid = append(invalid, "Server.GenerateRateLimit")
	}
	if cfg.Firestore.ProjectID != "" && strings.TrimSpace(cfg.Firestore.TemplatesCollection) == "" {
		invalid = append(invalid, "Firestore.TemplatesCollection")
	}
	if cfg.Storage.Signing() && cfg.Storage.SignedURLTTL <= 0 {
		invalid = append(invalid, "Storage.SignedURLTTL")
	}
	if cfg.Render.Width <= 0 {
		invalid = append(invalid, "Render.Width")
	}
	if cfg.Render.Height <= 0 {
		invalid = append(invalid, "Render.Height")
	}
	if cfg.Render.Format != defaultRenderFormat {
		invalid = append(invalid, "Render.Format")
	}
	for _, b := range cfg.Render.Backends {
		if !knownBackend(b) {
			invalid = append(invalid, "Render.Backends")
			break
		}
	}
	if cfg.Render.FallbackTimeout <= 0 {
		invalid = append(invalid, "Render.FallbackTimeout")
	}
	if cfg.Render.BackendEnabled("command") && strings.TrimSpace(cfg.Render.CommandPath) == "" {
		invalid = append(invalid, "Render.CommandPath")
	}
	if cfg.Fetch.Timeout <= 0 {
		invalid = append(invalid, "Fetch.Timeout")
	}
	if cfg.Fetch.Retries < 0 {
		invalid = append(invalid, "Fetch.Retries")
	}
	if cfg.Fetch.Quality < 1 || cfg.Fetch.Quality > 100 {
		invalid = append(invalid, "Fetch.Quality")
	}
	if cfg.Fetch.MaxEdge <= 0 {
		invalid = append(invalid, "Fetch.MaxEdge")
	}
	if cfg.Sanitizer.MaxPayload <= 0 {
		invalid = append(invalid, "Sanitizer.MaxPayload")
	}
	// Fetched images are embedded as base64 and must survive the payload cap.
	if cfg.Fetch.MaxBytes <= 0 || base64.StdEncoding.EncodedLen(cfg.Fetch.MaxBytes) > cfg.Sanitizer.MaxPayload {
		invalid = append(invalid, "Fetch.MaxBytes")
	}
	if cfg.Workers.PoolSize <= 0 {
		invalid = append(invalid, "Workers.PoolSize")
	}
	if cfg.Substitution.AddressWrap && cfg.Substitution.WrapWidth <= 0 {
		invalid = append(invalid, "Substitution.WrapWidth")
	}
	if cfg.Substitution.CenteringThreshold < 0 {
		invalid = append(invalid, "Substitution.CenteringThreshold")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

// resolveSecret returns value unchanged unless it is a secret:// reference.
func resolveSecret(ctx context.Context, field, value string, resolver SecretResolver) (string, error) {
	ref := strings.TrimSpace(value)
	if !strings.HasPrefix(ref, secretScheme) {
		return value, nil
	}
	if resolver == nil {
		return "", &SecretError{Field: field, Err: errSecretResolverNotConfigured}
	}
	resolved, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Field: field, Err: err}
	}
	if strings.TrimSpace(resolved) == "" {
		return "", &SecretError{Field: field, Err: errors.New("empty secret value")}
	}
	return resolved, nil
}

func knownBackend(name string) bool {
	for _, b := range RenderBackends {
		if b == name {
			return true
		}
	}
	return false
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func floatWithDefault(lookup func(string) (string, bool), key string, fallback float64) float64 {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string, fallback []string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return append([]string(nil), fallback...)
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
