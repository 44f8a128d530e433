package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/teamflow/server/internal/cache"
	"github.com/teamflow/server/internal/docstore"
	"github.com/teamflow/server/internal/docstore/gormstore"
	"github.com/teamflow/server/internal/docstore/memstore"
	"github.com/teamflow/server/internal/module/collaboration"
	sharedcache "github.com/teamflow/server/internal/shared/cache"
	"github.com/teamflow/server/internal/shared/config"
	"github.com/teamflow/server/internal/shared/database"
	"github.com/teamflow/server/internal/shared/logger"
	"github.com/teamflow/server/internal/shared/ratelimit"
	"github.com/teamflow/server/internal/subscription"
	"github.com/teamflow/server/internal/utils/metrics"
	"github.com/teamflow/server/internal/utils/middleware"
)

// App wires the collaboration service and its dependencies.
type App struct {
	config  *config.Config
	logger  *zap.Logger
	router  *gin.Engine
	metrics *metrics.Metrics

	store      docstore.Store
	closeStore func()
	db         *gorm.DB
	redis      redis.UniversalClient
	service    *collaboration.Service
	sweeper    *collaboration.Sweeper
}

// LoadConfig loads the application configuration.
func LoadConfig() (*config.Config, error) {
	return config.Load()
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	zapLog, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	app := &App{
		config:  cfg,
		logger:  zapLog,
		metrics: metrics.New("teamflow"),
	}

	// Initialize document store
	switch cfg.Store.Backend {
	case "postgres":
		db, err := database.New(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		store, err := gormstore.New(db, cfg.Store.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("init document store: %w", err)
		}
		app.db = db
		app.store = store
	default:
		mem := memstore.New()
		app.store = mem
		app.closeStore = mem.Close
	}

	// Initialize Redis (optional)
	if cfg.Redis.Enabled {
		redisClient, err := sharedcache.NewRedisClient(&cfg.Redis)
		if err != nil {
			zapLog.Warn("redis connection failed, falling back to in-memory rate limiting", zap.Error(err))
		} else {
			app.redis = redisClient
		}
	}

	// Initialize collaboration service
	entityCache := cache.New(cache.DefaultCapacity, cache.WithCounters(
		app.metrics.CacheHitsTotal.WithLabelValues("entities"),
		app.metrics.CacheMissesTotal.WithLabelValues("entities"),
	))
	repo := collaboration.NewRepository(app.store)
	notifier := app.buildNotifier()

	app.service = collaboration.NewServiceWithMultiplexer(
		repo,
		entityCache,
		notifier,
		zapLog,
		collaboration.Config{
			InvitationTTL:  cfg.Invitation.TTL,
			MaxReminders:   cfg.Invitation.MaxReminders,
			ReminderMinGap: cfg.Invitation.ReminderMinGap,
			TokenSecret:    cfg.Invitation.TokenSecret,
		},
		subscription.WithActiveGauge(app.metrics.LiveQueriesActive),
		subscription.WithListenerGauge(app.metrics.SubscribersAttached),
	)
	app.service.SetRecorder(app.metrics)

	app.sweeper = collaboration.NewSweeper(app.service, cfg.Invitation.SweepInterval, zapLog)
	app.router = app.setupRouter()
	return app, nil
}

func (a *App) buildNotifier() collaboration.Notifier {
	if a.config.SMTP.Host == "" {
		return collaboration.NopNotifier{}
	}
	return collaboration.NewSMTPNotifier(&collaboration.SMTPConfig{
		Host:        a.config.SMTP.Host,
		Port:        a.config.SMTP.Port,
		User:        a.config.SMTP.User,
		Password:    a.config.SMTP.Pass,
		FromAddress: a.config.SMTP.From,
		FromName:    "TeamFlow",
		BaseURL:     a.config.SMTP.BaseURL,
	}, a.logger)
}

func (a *App) setupRouter() *gin.Engine {
	if a.config.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Logging(a.logger))
	router.Use(middleware.Recovery(a.logger))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	router.Use(middleware.Metrics(a.metrics))
	router.Use(middleware.Identity())
	router.Use(middleware.RateLimit(a.buildLimiter(), middleware.DefaultRateLimitConfig()))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	if a.redis != nil {
		api.Use(middleware.Idempotency(
			middleware.NewRedisIdempotencyStore(a.redis),
			middleware.DefaultIdempotencyConfig(),
		))
	}
	collaboration.NewHandler(a.service).RegisterRoutes(api)

	return router
}

func (a *App) buildLimiter() ratelimit.Limiter {
	if a.redis != nil {
		return ratelimit.NewRedisLimiter(a.redis)
	}
	return ratelimit.NewMemoryLimiter()
}

// Router returns the HTTP router.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Start launches background workers.
func (a *App) Start(ctx context.Context) {
	a.sweeper.Start(ctx)
}

// Stop shuts down background workers and connections.
func (a *App) Stop() {
	a.sweeper.Stop()
	a.service.Multiplexer().Close()

	if a.closeStore != nil {
		a.closeStore()
	}
	if a.db != nil {
		if err := database.Close(a.db); err != nil {
			a.logger.Warn("database close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := sharedcache.Close(a.redis); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}

	_ = a.logger.Sync()
}
