// Package app builds the long-lived services shared by the commands and runs
// harvests and enrichment on top of them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	gcstorage "cloud.google.com/go/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-harvester/internal/api"
	"github.com/JakeFAU/market-harvester/internal/classifier/sentiment140"
	"github.com/JakeFAU/market-harvester/internal/clock/system"
	"github.com/JakeFAU/market-harvester/internal/config"
	"github.com/JakeFAU/market-harvester/internal/enrich"
	"github.com/JakeFAU/market-harvester/internal/fetcher"
	collyfetcher "github.com/JakeFAU/market-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/market-harvester/internal/harvest"
	"github.com/JakeFAU/market-harvester/internal/id/uuid"
	"github.com/JakeFAU/market-harvester/internal/logging"
	"github.com/JakeFAU/market-harvester/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/market-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/market-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/market-harvester/internal/sources"
	"github.com/JakeFAU/market-harvester/internal/sources/archive"
	"github.com/JakeFAU/market-harvester/internal/sources/feed"
	"github.com/JakeFAU/market-harvester/internal/sources/quotes"
	"github.com/JakeFAU/market-harvester/internal/sources/timeline"
	"github.com/JakeFAU/market-harvester/internal/storage"
	gcsstorage "github.com/JakeFAU/market-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/market-harvester/internal/storage/local"
	memorystorage "github.com/JakeFAU/market-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/market-harvester/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/market-harvester/internal/storage/sqlite"
	"github.com/JakeFAU/market-harvester/internal/store"
	"github.com/JakeFAU/market-harvester/internal/telemetry"
)

// ScoreKind is the enrichment kind written by the Sentiment140 classifier.
const ScoreKind = "sentiment140"

// enrichSources maps enrichment kinds to the source whose records they score.
var enrichSources = map[string]string{
	"tweets": timeline.Name,
	"news":   feed.Name,
}

// ErrUnknownSource is returned for source or enrichment names that are not
// wired.
var ErrUnknownSource = errors.New("unknown source")

// Overrides replace services Build would otherwise construct from config.
// Zero fields are built normally.
type Overrides struct {
	Logger     *zap.Logger
	Clock      harvest.Clock
	Sleep      harvest.SleepFunc
	Repo       store.Repository
	Getter     fetcher.Getter
	Blobs      storage.BlobStore
	Publisher  harvest.Publisher
	Classifier enrich.Classifier
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  harvest.Clock
	sleep  harvest.SleepFunc
	ids    *uuid.Generator

	repo       store.Repository
	blobs      storage.BlobStore
	getter     fetcher.Getter
	limiter    harvest.Limiter
	publisher  harvest.Publisher
	classifier enrich.Classifier

	gcsClient       *gcstorage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	memoryPublisher *memorypublisher.Publisher
	tracing         *telemetry.Tracing
	opsServer       *http.Server

	mu        sync.Mutex
	providers map[string]sources.Provider
}

// TargetSummary reports how far one target got.
type TargetSummary struct {
	Target     harvest.Target
	Checkpoint harvest.Checkpoint
	Stats      harvest.Stats
}

// Summary collects the targets a harvest visited, in order.
type Summary struct {
	RunID   string
	Targets []TargetSummary
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, ov Overrides) (_ *App, err error) {
	logger := ov.Logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	a := &App{
		cfg:        cfg,
		logger:     logger,
		clock:      ov.Clock,
		sleep:      ov.Sleep,
		ids:        uuid.New(),
		repo:       ov.Repo,
		blobs:      ov.Blobs,
		getter:     ov.Getter,
		publisher:  ov.Publisher,
		classifier: ov.Classifier,
		providers:  make(map[string]sources.Provider),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()
	if a.clock == nil {
		a.clock = system.New()
	}
	if a.sleep == nil {
		a.sleep = harvest.Sleep
	}

	a.tracing, err = telemetry.Setup(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	a.logger.Info("building application dependencies")
	if err = a.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err = a.setupBlobs(ctx); err != nil {
		return nil, err
	}
	if err = a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if a.getter == nil {
		a.getter = collyfetcher.New(cfg.HTTP)
		a.logger.Info("using colly fetcher", zap.Duration("timeout", cfg.HTTP.Timeout))
	}
	a.limiter = ratelimit.New(cfg.RateLimit)
	a.logger.Info("rate limiter configured",
		zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
		zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
	)
	return a, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	if a.repo != nil {
		return nil
	}
	var err error
	switch a.cfg.Storage.Backend {
	case config.BackendPostgres:
		a.logger.Info("using postgres store")
		a.repo, err = pgstore.New(ctx, a.cfg.Storage.Postgres, a.clock)
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
	case config.BackendSQLite:
		a.logger.Info("using sqlite store", zap.String("path", a.cfg.Storage.SQLite.Path))
		a.repo, err = sqlitestore.Open(ctx, a.cfg.Storage.SQLite.Path, a.clock, a.cfg.Storage.SQLite.BatchSize)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
	case config.BackendMemory:
		a.logger.Warn("using in-memory store; checkpoints are lost on exit")
		a.repo = memorystorage.NewStore(a.clock)
	default:
		return fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
	return nil
}

func (a *App) setupBlobs(ctx context.Context) error {
	if a.blobs != nil {
		return nil
	}
	var err error
	switch a.cfg.Blob.Backend {
	case config.BlobGCS:
		a.logger.Info("using GCS blob backend", zap.String("bucket", a.cfg.Blob.GCS.Bucket))
		a.gcsClient, err = gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.gcsClient, a.cfg.Blob.GCS)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case config.BlobLocal:
		a.logger.Info("using local blob backend", zap.String("path", a.cfg.Blob.Local.BaseDir))
		a.blobs, err = localstorage.New(a.cfg.Blob.Local)
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	case config.BlobMemory:
		a.logger.Info("using in-memory blob backend")
		a.blobs = memorystorage.NewBlobStore()
	default:
		a.logger.Debug("blob storage disabled")
		a.blobs = storage.NoOp{}
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.publisher != nil {
		return nil
	}
	switch a.cfg.Publisher.Backend {
	case config.PublisherPubSub:
		client, err := gcppublisher.NewClient(ctx, a.cfg.Publisher.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubPublisher = gcppublisher.New(client)
		a.publisher = a.pubsubPublisher
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Harvest.Topic),
		)
	case config.PublisherMemory:
		a.memoryPublisher = memorypublisher.New()
		a.publisher = a.memoryPublisher
		a.logger.Info("using in-memory publisher")
	default:
		a.logger.Debug("commit notifications disabled")
	}
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Repository returns the record and checkpoint store.
func (a *App) Repository() store.Repository { return a.repo }

// Provider returns the configured source called name, building it on first
// use so commands only validate the sections they need.
func (a *App) Provider(name string) (sources.Provider, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.providers[name]; ok {
		return p, nil
	}
	var (
		p   sources.Provider
		err error
	)
	sc := a.cfg.Sources
	switch name {
	case timeline.Name:
		p, err = timeline.New(sc.Timeline, a.getter, a.logger)
	case feed.Name:
		p, err = feed.New(sc.Feed, a.getter, a.logger)
	case archive.Name:
		p, err = archive.New(sc.Archive, a.getter, a.blobs, a.logger)
	case quotes.Name:
		p, err = quotes.New(sc.Quotes, a.getter, a.logger)
	default:
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownSource)
	}
	if err != nil {
		return nil, fmt.Errorf("configure %s: %w", name, err)
	}
	a.providers[name] = p
	return p, nil
}

// Harvest runs every selected target of source in order, one engine per
// target. until, when non-zero, moves the stored boundaries back to it. The
// first failing target stops the run; earlier targets stay committed.
func (a *App) Harvest(ctx context.Context, source string, keys []string, until time.Time) (Summary, error) {
	p, err := a.Provider(source)
	if err != nil {
		return Summary{}, err
	}
	targets, err := sources.Select(p, keys)
	if err != nil {
		return Summary{}, err
	}
	hcfg, err := harvest.NewConfig(a.cfg.Harvest.Settings(source))
	if err != nil {
		return Summary{}, fmt.Errorf("harvest config: %w", err)
	}

	summary := Summary{RunID: a.ids.RunID()}
	logger := a.logger.Named("harvest").With(zap.String("source", source))
	logger.Info("Starting harvest",
		zap.String("run_id", summary.RunID),
		zap.Int("targets", len(targets)),
		zap.Time("until", until),
	)
	for _, target := range targets {
		ts, err := a.harvestTarget(ctx, hcfg, p, target, until, summary.RunID, logger)
		summary.Targets = append(summary.Targets, ts)
		if err != nil {
			return summary, err
		}
	}
	logger.Info("Harvest finished", zap.String("run_id", summary.RunID), zap.Int("targets", len(summary.Targets)))
	return summary, nil
}

func (a *App) harvestTarget(
	ctx context.Context,
	hcfg harvest.Config,
	p sources.Provider,
	target harvest.Target,
	until time.Time,
	runID string,
	logger *zap.Logger,
) (TargetSummary, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "harvest.target", trace.WithAttributes(
		attribute.String("harvest.target", target.ID()),
		attribute.String("harvest.run_id", runID),
	))
	defer span.End()

	ts := TargetSummary{Target: target}
	engine, err := harvest.NewEngine(hcfg, target, harvest.Deps{
		Source:    p.Source(target),
		Store:     a.repo,
		Clock:     a.clock,
		Sleep:     a.sleep,
		Limiter:   a.limiter,
		Publisher: a.publisher,
		Blobs:     a.blobs,
		RunID:     runID,
		Logger:    logger,
	})
	if err != nil {
		return ts, fmt.Errorf("engine for %s: %w", target, err)
	}

	if err = engine.Load(ctx, until); err == nil {
		err = engine.Run(ctx)
	}
	ts.Checkpoint = engine.Checkpoint()
	ts.Stats = engine.Stats()
	span.SetAttributes(
		attribute.Int("harvest.steps", ts.Stats.Steps),
		attribute.Int("harvest.inserted", ts.Stats.Inserted),
		attribute.Int("harvest.jumps", ts.Stats.Jumps),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ts, err
	}
	return ts, nil
}

// Enrich scores the pending records of kind ("tweets" or "news") inside
// window.
func (a *App) Enrich(ctx context.Context, kind string, window enrich.Window) (enrich.Result, error) {
	source, ok := enrichSources[kind]
	if !ok {
		return enrich.Result{}, fmt.Errorf("enrichment %q: %w", kind, ErrUnknownSource)
	}
	classifier := a.classifier
	if classifier == nil {
		c, err := sentiment140.New(a.cfg.Enrich.Sentiment140, a.logger.Named("sentiment140"))
		if err != nil {
			return enrich.Result{}, fmt.Errorf("classifier init failed: %w", err)
		}
		classifier = c
	}
	loop, err := enrich.New(enrich.Config{
		Source:     source,
		Kind:       ScoreKind,
		ChunkSize:  a.cfg.Enrich.ChunkSize,
		WriteBatch: a.cfg.Enrich.WriteBatch,
	}, a.repo, classifier, a.logger.Named("enrich"))
	if err != nil {
		return enrich.Result{}, err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "enrich.run", trace.WithAttributes(
		attribute.String("enrich.kind", kind),
		attribute.String("enrich.source", source),
	))
	defer span.End()
	result, err := loop.Run(ctx, window)
	span.SetAttributes(attribute.Int("enrich.written", result.Written))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

// StartOps serves the ops API in the background when server.port is set.
// Close shuts it down.
func (a *App) StartOps() {
	if a.cfg.Server.Port <= 0 || a.opsServer != nil {
		return
	}
	server := api.NewServer(a.repo, a.repo.Ping, a.logger)
	a.opsServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func(srv *http.Server) {
		a.logger.Info("ops server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("ops server error", zap.Error(err))
		}
	}(a.opsServer)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.opsServer != nil {
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		if err := a.opsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("ops server shutdown failed", zap.Error(err))
		}
		cancel()
		a.opsServer = nil
	}
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.memoryPublisher != nil {
		a.memoryPublisher.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
