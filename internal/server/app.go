// Package server builds the poacher application from configuration and runs
// the discovery loop alongside the status server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/poacher/internal/api"
	"github.com/JakeFAU/poacher/internal/archive"
	"github.com/JakeFAU/poacher/internal/clock/system"
	"github.com/JakeFAU/poacher/internal/config"
	"github.com/JakeFAU/poacher/internal/discovery"
	"github.com/JakeFAU/poacher/internal/forge/github"
	"github.com/JakeFAU/poacher/internal/handler"
	"github.com/JakeFAU/poacher/internal/id/uuid"
	"github.com/JakeFAU/poacher/internal/ingest"
	"github.com/JakeFAU/poacher/internal/locator"
	"github.com/JakeFAU/poacher/internal/poacher"
	"github.com/JakeFAU/poacher/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/poacher/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/poacher/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/poacher/internal/storage/gcs"
	localstorage "github.com/JakeFAU/poacher/internal/storage/local"
	pgstore "github.com/JakeFAU/poacher/internal/storage/postgres"
	"github.com/JakeFAU/poacher/internal/telemetry"
	vcsgit "github.com/JakeFAU/poacher/internal/vcs/git"
)

// finalizeTimeout bounds the final checkpoint save after an interrupt.
const finalizeTimeout = 30 * time.Second

// recentLimit is the number of discoveries kept for /v1/recent when no
// broker is configured.
const recentLimit = 256

// recentTopic labels notifications kept in memory.
const recentTopic = "discovered"

// App contains the application's dependencies.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	loop    *discovery.Loop
	locator *locator.Locator
	api     *api.Server
	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Build creates the application's dependencies. Close must be called even
// when Build fails part way.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}

	if cfg.Telemetry.Enabled {
		providers, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			ProjectID:   cfg.Telemetry.ProjectID,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return app, fmt.Errorf("tracer init failed: %w", err)
		}
		app.onClose("telemetry", providers.Shutdown)
	}

	store, err := OpenCheckpointStore(ctx, cfg.Checkpoint)
	if err != nil {
		return app, err
	}
	if c, ok := store.(interface{ Close() }); ok {
		app.onClose("checkpoint store", func(context.Context) error { c.Close(); return nil })
	}

	forge, err := setupForge(cfg, logger)
	if err != nil {
		return app, err
	}
	app.locator = locator.New(forge, locator.Config{
		InitialSpan: cfg.Discovery.InitialSpan,
		Step:        cfg.Discovery.Step,
	}, logger.Named("locator"))

	pipeline, err := setupPipeline(ctx, app)
	if err != nil {
		return app, err
	}

	publisher, recent, err := setupPublisher(ctx, app)
	if err != nil {
		return app, err
	}
	topic := cfg.Publish.Topic
	if topic == "" {
		topic = recentTopic
	}

	app.loop = discovery.New(
		forge,
		app.locator,
		store,
		pipeline,
		publisher,
		system.New(),
		uuid.New(),
		discovery.Config{
			SkipEmpty:          cfg.Discovery.SkipEmpty,
			PollInterval:       cfg.Discovery.PollInterval,
			CheckpointInterval: cfg.Discovery.CheckpointInterval,
			Topic:              topic,
		},
		logger.Named("discovery"),
	)

	if cfg.Server.Enabled {
		app.api = api.NewServer(app.loop, recent, logger.Named("api"))
	}
	return app, nil
}

// OpenCheckpointStore returns the configured checkpoint backend.
func OpenCheckpointStore(ctx context.Context, cfg config.CheckpointConfig) (poacher.CheckpointStore, error) {
	switch cfg.Backend {
	case config.CheckpointPostgres:
		store, err := pgstore.NewCheckpointStore(ctx, pgstore.Config{
			DSN:   cfg.DSN,
			Table: cfg.Table,
			Name:  cfg.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres checkpoint store init failed: %w", err)
		}
		return store, nil
	default:
		store, err := localstorage.NewCheckpointStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("file checkpoint store init failed: %w", err)
		}
		return store, nil
	}
}

func setupForge(cfg config.Config, logger *zap.Logger) (*github.Client, error) {
	httpClient := &http.Client{
		Timeout:   cfg.ForgeTimeout(),
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.Forge.RatePerSecond,
		Burst: cfg.Forge.Burst,
	})
	client, err := github.New(github.Config{
		APIURL:       cfg.Forge.APIURL,
		Token:        cfg.Forge.Token,
		FetchDetails: cfg.Forge.FetchDetails,
		UserAgent:    cfg.Forge.UserAgent,
	}, httpClient, limiter, logger.Named("github"))
	if err != nil {
		return nil, fmt.Errorf("github client init failed: %w", err)
	}
	return client, nil
}

func setupPipeline(ctx context.Context, app *App) (*ingest.Pipeline, error) {
	cfg := app.cfg
	var h poacher.Handler
	if !cfg.Ingest.MonitorOnly {
		var err error
		h, err = handler.New(handler.Config{
			Kind:    handler.Kind(cfg.Handler.Kind),
			Command: cfg.Handler.Command,
			Args:    cfg.Handler.Args,
			Timeout: cfg.Handler.Timeout,
		}, app.logger.Named("handler"))
		if err != nil {
			return nil, fmt.Errorf("handler init failed: %w", err)
		}
	}
	if h == nil {
		app.logger.Info("no handler configured, running in monitor mode")
	}

	var (
		acquirer poacher.Acquirer
		archiver ingest.Archiver
	)
	if cfg.Ingest.Clone && h != nil {
		mirror, err := setupMirror(ctx, app)
		if err != nil {
			return nil, err
		}
		manager, err := archive.New(archive.Config{
			Dir:          cfg.Ingest.ArchiveDirectory,
			MirrorPrefix: cfg.Mirror.Prefix,
		}, mirror, app.logger.Named("archive"))
		if err != nil {
			return nil, fmt.Errorf("archive manager init failed: %w", err)
		}
		archiver = manager
		acquirer = vcsgit.New(vcsgit.Config{
			Depth:   cfg.Ingest.CloneDepth,
			Timeout: cfg.Ingest.CloneTimeout,
		}, app.logger.Named("git"))
	}

	pipeline, err := ingest.New(ingest.Config{
		Clone:         cfg.Ingest.Clone,
		MaxRepoSizeKB: cfg.Ingest.MaxRepoSizeKB,
		WorkingDir:    cfg.Ingest.WorkingDirectory,
		MaxRetries:    cfg.Ingest.MaxRetries,
		RetryDelay:    cfg.Ingest.RetryDelay,
		Include:       cfg.Ingest.Include,
		Exclude:       cfg.Ingest.Exclude,
	}, h, acquirer, archiver, app.logger.Named("ingest"))
	if err != nil {
		return nil, fmt.Errorf("ingest pipeline init failed: %w", err)
	}
	return pipeline, nil
}

func setupMirror(ctx context.Context, app *App) (poacher.BlobStore, error) {
	cfg := app.cfg.Mirror
	switch cfg.Backend {
	case config.MirrorGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs mirror init failed: %w", err)
		}
		app.onClose("gcs mirror", func(context.Context) error { return store.Close() })
		app.logger.Info("mirroring manifests to GCS", zap.String("bucket", cfg.Bucket))
		return store, nil
	case config.MirrorLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local mirror init failed: %w", err)
		}
		app.logger.Info("mirroring manifests locally", zap.String("path", cfg.BaseDir))
		return store, nil
	default:
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (poacher.Publisher, api.RecentFeed, error) {
	cfg := app.cfg.Publish
	if cfg.Topic == "" {
		recent := memorypublisher.NewBounded(recentLimit)
		return recent, recent, nil
	}
	pub, err := gcppublisher.Open(ctx, cfg.ProjectID, cfg.Topic)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.onClose("pubsub publisher", func(context.Context) error { return pub.Close() })
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.Topic),
	)
	return pub, nil, nil
}

// Locate bootstraps a session and returns the located identifier without
// polling or saving.
func (a *App) Locate(ctx context.Context) (int64, int, error) {
	id, err := a.loop.Bootstrap(ctx)
	if err != nil {
		return 0, a.locator.Probes(), err
	}
	return id, a.locator.Probes(), nil
}

// Run bootstraps the session, polls until ctx is canceled or a fatal error
// occurs, and finalizes the checkpoint. Cancellation at any point, bootstrap
// included, is a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	located, err := a.loop.Bootstrap(ctx)
	if err != nil {
		if ctx.Err() != nil {
			a.logger.Info("interrupted during bootstrap, checkpoint left unchanged", zap.Error(err))
			return nil
		}
		return err
	}
	a.logger.Info("bootstrap complete",
		zap.Int64("located_id", located),
		zap.Int("probes", a.locator.Probes()),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return a.loop.Run(gctx)
	})
	if a.api != nil {
		g.Go(func() error {
			return a.api.ListenAndServe(gctx, a.cfg.Server.Port)
		})
	}
	runErr := g.Wait()

	finalCtx, finalCancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer finalCancel()
	return errors.Join(runErr, a.loop.Finalize(finalCtx))
}

// Stats returns the live session statistics.
func (a *App) Stats() discovery.SessionStats {
	return a.loop.Stats()
}

// Close releases clients in reverse order of creation.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn(c.name+" close failed", zap.Error(err))
		}
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
