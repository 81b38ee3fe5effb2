package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/dynofield/api/internal/engine"
	"github.com/dynofield/api/internal/handlers"
	"github.com/dynofield/api/internal/imagefetch"
	"github.com/dynofield/api/internal/platform/config"
	pfirestore "github.com/dynofield/api/internal/platform/firestore"
	"github.com/dynofield/api/internal/platform/idempotency"
	"github.com/dynofield/api/internal/platform/jobs"
	"github.com/dynofield/api/internal/platform/observability"
	"github.com/dynofield/api/internal/platform/secrets"
	platformstorage "github.com/dynofield/api/internal/platform/storage"
	"github.com/dynofield/api/internal/render"
	"github.com/dynofield/api/internal/repositories"
	firestoreRepo "github.com/dynofield/api/internal/repositories/firestore"
	"github.com/dynofield/api/internal/repositories/memory"
	"github.com/dynofield/api/internal/sanitize"
	"github.com/dynofield/api/internal/services"
	"github.com/dynofield/api/internal/substitute"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	secretFetcher := newSecretFetcher(logger.Named("secrets"))
	defer func() {
		if err := secretFetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(config.SecretResolverFunc(secretFetcher.Resolve)))
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Fatal("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		var secretErr *config.SecretError
		if errors.As(err, &secretErr) {
			logger.Fatal("failed to resolve configuration secret", zap.String("field", secretErr.Field), zap.Error(secretErr.Err))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(cfg, startedAt)
	checks := make([]repositories.DependencyCheck, 0, 4)

	var templateRepo repositories.TemplateRepository
	var requestStore idempotency.Store
	if strings.TrimSpace(cfg.Firestore.ProjectID) == "" {
		logger.Warn("firestore project not configured; templates are kept in memory")
		templateRepo = memory.NewTemplateRepository()
		requestStore = idempotency.NewMemoryStore()
	} else {
		firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
		if _, err := firestoreProvider.Client(ctx); err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := firestoreProvider.Close(closeCtx); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
		repo, err := firestoreRepo.NewTemplateRepository(firestoreProvider, cfg.Firestore.TemplatesCollection)
		if err != nil {
			logger.Fatal("failed to initialise template repository", zap.Error(err))
		}
		templateRepo = repo
		store, err := idempotency.NewFirestoreStore(firestoreProvider, cfg.Firestore.RequestsCollection)
		if err != nil {
			logger.Fatal("failed to initialise idempotency store", zap.Error(err))
		}
		requestStore = store
		checks = append(checks, firestoreCheck(firestoreProvider))
	}

	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	var cleanupWG sync.WaitGroup
	cleanupTicker := time.NewTicker(time.Hour)
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		cleanupLogger := logger.Named("idempotency")
		for {
			select {
			case <-cleanupCtx.Done():
				return
			case <-cleanupTicker.C:
				removed, err := requestStore.CleanupExpired(cleanupCtx, time.Now(), 500)
				if err != nil {
					cleanupLogger.Warn("idempotency cleanup failed", zap.Error(err))
					continue
				}
				if removed > 0 {
					cleanupLogger.Debug("idempotency records expired", zap.Int("removed", removed))
				}
			}
		}
	}()

	var uploader services.ObjectUploader
	bucket := strings.TrimSpace(cfg.Storage.RendersBucket)
	if bucket != "" {
		storageClient, err := cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		uploader, err = newUploader(storageClient, cfg.Storage, logger.Named("storage"))
		if err != nil {
			logger.Fatal("failed to initialise storage uploader", zap.Error(err))
		}
		checks = append(checks, storageCheck(storageClient, bucket))
	}

	var publisher services.RenderPublisher
	if topicName := strings.TrimSpace(cfg.PubSub.RenderTopic); topicName != "" && strings.TrimSpace(cfg.PubSub.ProjectID) != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		topic := pubsubClient.Topic(topicName)
		defer func() {
			topic.Stop()
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		renderPublisher, err := jobs.NewPubSubRenderPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise render publisher", zap.Error(err))
		}
		publisher = renderPublisher
		checks = append(checks, topicCheck(topic))
	}

	eng := newEngine(cfg, logger.Named("engine"))
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("render backend close error", zap.Error(err))
		}
	}()

	templateService, err := services.NewTemplateService(services.TemplateServiceDeps{
		Templates:     templateRepo,
		Sanitizer:     sanitize.New(sanitize.WithMaxPayload(cfg.Sanitizer.MaxPayload), sanitize.WithLogger(logger.Named("sanitize"))),
		Engine:        eng,
		Uploader:      uploader,
		Bucket:        bucket,
		DefaultWidth:  cfg.Render.Width,
		DefaultHeight: cfg.Render.Height,
		Logger:        logger.Named("templates"),
	})
	if err != nil {
		logger.Fatal("failed to initialise template service", zap.Error(err))
	}

	generationService, err := services.NewGenerationService(services.GenerationServiceDeps{
		Templates:     templateService,
		Engine:        eng,
		Uploader:      uploader,
		Bucket:        bucket,
		Publisher:     publisher,
		PoolSize:      cfg.Workers.PoolSize,
		DefaultWidth:  cfg.Render.Width,
		DefaultHeight: cfg.Render.Height,
		Logger:        logger.Named("generation"),
	})
	if err != nil {
		logger.Fatal("failed to initialise generation service", zap.Error(err))
	}

	systemDeps := services.SystemServiceDeps{Renderer: eng, Build: buildInfo}
	if len(checks) > 0 {
		healthRepo, err := repositories.NewDependencyHealthRepository(checks)
		if err != nil {
			logger.Fatal("failed to initialise health repository", zap.Error(err))
		}
		systemDeps.HealthRepository = healthRepo
	}
	systemService, err := services.NewSystemService(systemDeps)
	if err != nil {
		logger.Fatal("failed to initialise system service", zap.Error(err))
	}

	healthOpts := []handlers.HealthOption{
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(traceProjectID(cfg)),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithRequestTimeout(cfg.Server.WriteTimeout),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithTemplateRoutes(handlers.NewTemplateHandlers(templateService).Routes),
		handlers.WithGenerateRoutes(handlers.NewGenerationHandlers(generationService,
			handlers.WithGenerationRateLimit(cfg.Server.GenerateRateLimit, time.Minute),
			handlers.WithGenerationMiddlewares(idempotency.Middleware(requestStore,
				idempotency.WithTTL(cfg.Server.IdempotencyTTL),
				idempotency.WithLogger(logger.Named("idempotency")),
			)),
		).Routes),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("dynofield api listening",
			zap.Strings("backends", cfg.Render.Backends),
			zap.Bool("storage", uploader != nil),
			zap.Bool("events", publisher != nil),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupTicker.Stop()
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// newEngine assembles the image fetcher, substitutor and render pipeline from
// configuration. Backends run in the configured order with the placeholder last.
func newEngine(cfg config.Config, logger *zap.Logger) *engine.Engine {
	fetcher := imagefetch.New(
		imagefetch.WithTimeout(cfg.Fetch.Timeout),
		imagefetch.WithRetries(cfg.Fetch.Retries),
		imagefetch.WithMaxEdge(cfg.Fetch.MaxEdge),
		imagefetch.WithQuality(cfg.Fetch.Quality),
		imagefetch.WithMaxBytes(cfg.Fetch.MaxBytes),
		imagefetch.WithCache(imagefetch.NewCache(cfg.Fetch.CacheEntries)),
		imagefetch.WithLogger(logger.Named("fetch")),
	)

	subOpts := []substitute.Option{
		substitute.WithLogger(logger),
		substitute.WithLocalRoot(cfg.Fetch.LocalRoot),
		substitute.WithMaxPayload(cfg.Sanitizer.MaxPayload),
		substitute.WithCenteringThreshold(cfg.Substitution.CenteringThreshold),
	}
	if cfg.Substitution.AddressWrap {
		subOpts = append(subOpts, substitute.WithAddressWrap(cfg.Substitution.WrapWidth, float64(cfg.Substitution.LineHeight)))
	}
	if cfg.Substitution.StripMarkup {
		subOpts = append(subOpts, substitute.WithMarkupStripping())
	}
	if cfg.Substitution.FontImports {
		subOpts = append(subOpts, substitute.WithFontImports(substitute.DefaultFonts...))
	}

	stages := make([]render.Stage, 0, len(cfg.Render.Backends))
	for _, name := range cfg.Render.Backends {
		switch name {
		case "native":
			stages = append(stages, render.Stage{Backend: render.NewNative(), Timeout: cfg.Render.NativeTimeout})
		case "browser":
			browser := render.NewBrowser(
				render.WithBrowserBinary(cfg.Render.BrowserBin),
				render.WithControlURL(cfg.Render.BrowserControlURL),
			)
			stages = append(stages, render.Stage{Backend: browser, Timeout: cfg.Render.BrowserTimeout})
		case "command":
			stages = append(stages, render.Stage{Backend: render.NewCommand(cfg.Render.CommandPath), Timeout: cfg.Render.CommandTimeout})
		}
	}
	pipeline := render.New(stages,
		render.WithLogger(logger.Named("render")),
		render.WithFallback(render.NewPlaceholder(), cfg.Render.FallbackTimeout),
	)

	return engine.New(
		engine.WithSanitizer(sanitize.New(sanitize.WithMaxPayload(cfg.Sanitizer.MaxPayload), sanitize.WithLogger(logger.Named("sanitize")))),
		engine.WithSubstitutor(substitute.New(fetcher, subOpts...)),
		engine.WithPipeline(pipeline),
		engine.WithLogger(logger),
	)
}

// newSecretFetcher reads its own settings from the environment because it must exist
// before configuration is loaded. The project defaults to the Firestore project.
func newSecretFetcher(logger *zap.Logger) *secrets.Fetcher {
	project := strings.TrimSpace(os.Getenv("DYNO_SECRETS_PROJECT_ID"))
	if project == "" {
		project = strings.TrimSpace(os.Getenv("DYNO_FIRESTORE_PROJECT_ID"))
	}
	opts := []secrets.Option{secrets.WithLogger(logger), secrets.WithDefaultProject(project)}
	if path, ok := os.LookupEnv("DYNO_SECRETS_FALLBACK_FILE"); ok {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	return secrets.NewFetcher(opts...)
}

func newUploader(client *cloudstorage.Client, cfg config.StorageConfig, logger *zap.Logger) (*platformstorage.Uploader, error) {
	opts := []platformstorage.UploaderOption{platformstorage.WithUploaderLogger(logger)}
	switch {
	case strings.TrimSpace(cfg.PublicBaseURL) != "":
		opts = append(opts, platformstorage.WithPublicBaseURL(cfg.PublicBaseURL))
	case cfg.Signing():
		var key platformstorage.ServiceAccountKey
		var err error
		if strings.TrimSpace(cfg.SignerKey) != "" {
			key, err = platformstorage.ParseServiceAccountKey([]byte(cfg.SignerKey))
		} else {
			key, err = platformstorage.LoadServiceAccountKey(cfg.SignerKeyFile)
		}
		if err != nil {
			return nil, fmt.Errorf("load storage signer key: %w", err)
		}
		signing, err := platformstorage.NewKeyClient(key)
		if err != nil {
			return nil, fmt.Errorf("initialise signed url client: %w", err)
		}
		opts = append(opts, platformstorage.WithSignedURLs(signing, cfg.SignedURLTTL))
	}
	return platformstorage.NewUploader(client, opts...)
}

func firestoreCheck(provider *pfirestore.Provider) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "firestore",
		Timeout: 1500 * time.Millisecond,
		Check:   provider.Ping,
	}
}

func storageCheck(client *cloudstorage.Client, bucket string) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "storage",
		Timeout: 1500 * time.Millisecond,
		Check: func(ctx context.Context) error {
			_, err := client.Bucket(bucket).Attrs(ctx)
			return err
		},
	}
}

// topicCheck is optional: a missing topic only loses completion events.
func topicCheck(topic *pubsub.Topic) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:     "pubsub",
		Timeout:  1500 * time.Millisecond,
		Optional: true,
		Check: func(ctx context.Context) error {
			ok, err := topic.Exists(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("topic %s does not exist", topic.ID())
			}
			return nil
		},
	}
}

func buildInfoFromEnv(cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(os.Getenv("DYNO_BUILD_VERSION"))
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(os.Getenv("DYNO_BUILD_COMMIT_SHA"))
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.PubSub.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}
