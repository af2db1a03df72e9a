// Package bootstrap wires configuration, infrastructure and services into
// a runnable application.
package bootstrap

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"calsync_server/adapter/out/mongodb"
	"calsync_server/adapter/out/persistence"
	"calsync_server/adapter/out/provider"
	"calsync_server/adapter/out/sourceplatform"
	"calsync_server/config"
	"calsync_server/core/port/out"
	"calsync_server/core/service/auth"
	"calsync_server/core/service/normalize"
	"calsync_server/core/service/pipeline"
	"calsync_server/infra/database"
	"calsync_server/pkg/cache"
	"calsync_server/pkg/crypto"
	"calsync_server/pkg/logger"
)

type Dependencies struct {
	Config  *config.Config
	DB      *pgxpool.Pool
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client

	// Repositories
	SiteRepo out.SiteConfigRepository
	CorrRepo out.CorrelationRepository
	UsageLog out.UsageLogSink

	// Providers
	CalendarProvider *provider.GoogleCalendarAdapter
	SourcePlatform   *sourceplatform.JustSFAAdapter

	// Services
	OAuthService *auth.OAuthService
	LinkService  *auth.LinkService
	Pipeline     *pipeline.Pipeline
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// Refresh tokens are encrypted at rest when a key is configured.
	if err := crypto.Init(); err != nil {
		logger.Warn("token encryption disabled: %v", err)
	}

	// Database (pgxpool, used by readiness checks)
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	// Database (sqlx for the adapters)
	sqlxURL := cfg.DatabaseURL
	if strings.Contains(sqlxURL, "?") {
		sqlxURL += "&default_query_exec_mode=simple_protocol"
	} else {
		sqlxURL += "?default_query_exec_mode=simple_protocol"
	}
	sqlDB, err := sqlx.Connect("pgx", sqlxURL)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(8)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })

	// Redis is optional: without it, idempotency suppression and the
	// token cache degrade to per-request work.
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("redis unavailable, continuing without it")
		} else {
			deps.Redis = redisClient
			cleanups = append(cleanups, func() { redisClient.Close() })
		}
	}

	// MongoDB carries the usage log; optional for local development.
	if cfg.MongoDBURL != "" {
		mongoClient, err := mongodb.NewClient(cfg.MongoDBURL, cfg.MongoDBName)
		if err != nil {
			logger.WithError(err).Warn("mongodb unavailable, usage logs disabled")
		} else {
			deps.MongoDB = mongoClient
			cleanups = append(cleanups, func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = mongoClient.Disconnect(ctx)
			})

			usageLog := mongodb.NewUsageLogAdapter(mongoClient.Database(cfg.MongoDBName))
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := usageLog.EnsureIndexes(ctx); err != nil {
				logger.WithError(err).Warn("usage log index creation failed")
			}
			cancel()
			deps.UsageLog = usageLog
		}
	}

	// Repositories
	deps.SiteRepo = persistence.NewSiteConfigAdapter(sqlDB)
	deps.CorrRepo = persistence.NewCorrelationAdapter(sqlDB)

	// Providers
	deps.CalendarProvider = provider.NewGoogleCalendarAdapter()
	deps.SourcePlatform = sourceplatform.NewJustSFAAdapter()

	// OAuth service, with the access token cache when redis is up
	oauthOpts := []auth.OAuthOption{}
	if cfg.GoogleTokenURL != "" {
		oauthOpts = append(oauthOpts, auth.WithTokenURL(cfg.GoogleTokenURL))
	}
	if deps.Redis != nil {
		oauthOpts = append(oauthOpts, auth.WithTokenCache(cache.NewRedisCache(deps.Redis), cfg.TokenCacheTTL))
	}
	deps.OAuthService = auth.NewOAuthService(oauthOpts...)

	deps.LinkService = auth.NewLinkService(deps.SiteRepo, deps.OAuthService, deps.CalendarProvider, deps.SourcePlatform)

	deps.Pipeline = pipeline.New(
		deps.SiteRepo,
		deps.CorrRepo,
		normalize.NewNormalizer(),
		deps.OAuthService,
		deps.CalendarProvider,
		deps.UsageLog,
	)

	return deps, cleanup, nil
}
