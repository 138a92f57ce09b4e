package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/temcen/rerank/internal/config"
	"github.com/temcen/rerank/internal/database"
	"github.com/temcen/rerank/internal/handlers"
	"github.com/temcen/rerank/internal/messaging"
	"github.com/temcen/rerank/internal/middleware"
	"github.com/temcen/rerank/internal/services"
	"github.com/temcen/rerank/pkg/models"
)

type App struct {
	config   *config.Config
	logger   *logrus.Logger
	db       *database.Database
	handlers *handlers.Handlers
	router   *gin.Engine

	behavior   *services.BehaviorLog
	features   *services.FeatureStore
	scorer     *services.ScorerHandle
	batcher    *services.InferenceBatcher
	scheduler  *services.Scheduler
	bus        *messaging.MessageBus
	consumerWg chan struct{}
	cancelBus  context.CancelFunc
}

func New(cfg *config.Config) (*App, error) {
	app := &App{
		config: cfg,
		logger: setupLogger(cfg),
	}

	db, err := database.New(cfg, app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	app.behavior = services.NewBehaviorLog(db.PG, app.logger)
	app.features = services.NewFeatureStore(db.Redis, app.behavior, cfg.Cache, app.logger)

	app.scorer = services.NewScorerHandle(app.logger)
	if err := app.scorer.LoadFromFile(cfg.Scorer.ModelPath); err != nil {
		app.logger.WithError(err).WithField("path", cfg.Scorer.ModelPath).
			Warn("Model artifact unavailable, starting with default scorer")
		app.scorer.LoadDefault()
	}

	app.batcher = services.NewInferenceBatcher(app.scorer, cfg.Batcher, services.RealClock(), app.logger)
	ranking := services.NewRankingPipeline(app.features, app.batcher, app.scorer, app.logger)
	fusion := services.NewFusionPipeline(cfg.Fusion, app.features, app.logger)

	app.scheduler = services.NewScheduler(services.RealClock(), 2, app.logger)
	aggregator := services.NewOfflineAggregator(app.behavior, app.features, cfg.Aggregation, cfg.Retention, app.logger)
	if err := aggregator.RegisterJobs(app.scheduler); err != nil {
		return nil, fmt.Errorf("failed to register aggregation jobs: %w", err)
	}
	app.scheduler.Start()

	bus, err := messaging.NewMessageBus(&cfg.Kafka, app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize message bus: %w", err)
	}
	app.bus = bus
	app.startConsumer()

	health := services.NewHealthService(app.scorer, app.features, app.scheduler, app.batcher, app.logger)

	app.handlers, err = handlers.New(app.logger, handlers.Deps{
		Ranking:   ranking,
		Fusion:    fusion,
		Features:  app.features,
		Behavior:  app.behavior,
		Scorer:    app.scorer,
		Scheduler: app.scheduler,
		Batcher:   app.batcher,
		Health:    health,
		Publisher: bus,
		Bus:       bus,
		ModelPath: cfg.Scorer.ModelPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	app.setupRouter()

	return app, nil
}

// startConsumer drains the behavior event topic into the log and patches
// cached viewer features per event.
func (a *App) startConsumer() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelBus = cancel
	a.consumerWg = make(chan struct{})

	go func() {
		defer close(a.consumerWg)
		err := a.bus.ConsumeMessages(ctx, func(msg messaging.BehaviorMessage) error {
			if err := a.behavior.AppendBatch(ctx, []models.BehaviorEvent{msg.Event}); err != nil {
				return err
			}
			if err := a.features.PatchViewerOnEvent(ctx, &msg.Event); err != nil {
				a.logger.WithError(err).WithField("viewer_id", msg.Event.ViewerID).
					Debug("Viewer feature patch failed")
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			a.logger.WithError(err).Error("Behavior consumer stopped")
		}
	}()
}

func (a *App) Router() *gin.Engine {
	return a.router
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down application...")

	a.batcher.Stop()
	a.scheduler.Stop()

	a.cancelBus()
	select {
	case <-a.consumerWg:
	case <-ctx.Done():
	}
	if err := a.bus.Close(); err != nil {
		a.logger.WithError(err).Error("Error closing message bus")
	}

	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Error("Error closing database connections")
		return err
	}

	return nil
}

func setupLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}

func (a *App) setupRouter() {
	if a.config.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(middleware.Logger(a.logger))
	router.Use(middleware.Recovery(a.logger))
	router.Use(middleware.CORS(a.config))
	router.Use(middleware.BodyLimit(a.config.Server.MaxBodyBytes))

	router.GET("/health", a.handlers.Health.Health)

	if a.config.Monitoring.Enabled {
		router.GET(a.config.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api/v1")
	{
		api.POST("/rank", a.handlers.Recommendation.Rank)
		api.POST("/fuse", a.handlers.Recommendation.Fuse)
		api.POST("/events", a.handlers.Ingestion.Ingest)

		api.GET("/trending/:kind", a.handlers.Features.Trending)
		api.GET("/viewers/:viewerId/patterns", a.handlers.Features.ViewerPatterns)

		api.GET("/stats", a.handlers.Health.Stats)

		admin := api.Group("/admin")
		{
			admin.POST("/scorer/reload", a.handlers.Admin.ReloadScorer)
		}
	}

	a.router = router
}
