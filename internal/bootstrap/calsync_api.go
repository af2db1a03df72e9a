package bootstrap

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"calsync_server/adapter/in/http"
	"calsync_server/config"
	"calsync_server/infra/middleware"
	"calsync_server/pkg/logger"
)

// NewAPI assembles the fiber application: dependencies, middleware stack
// and route registration. The returned cleanup tears down every resource
// the dependency graph opened.
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	logLevel := logger.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = logger.LevelDebug
	}
	logger.Init(logger.Config{
		Level:   logLevel,
		Service: "calsync-api",
	})

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize dependencies")
		return nil, nil, err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		StrictRouting:         false,
		CaseSensitive:         false,

		ReadBufferSize:  16384,
		WriteBufferSize: 16384,

		// go-json for faster JSON round trips than encoding/json
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		// Form webhook payloads are small; 1MB is generous
		BodyLimit: 1 * 1024 * 1024,

		ServerHeader:       "",
		DisableDefaultDate: true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.RequestLogger())

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// CORS. AllowCredentials:true requires explicit origins, never "*".
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID,X-RateLimit-Limit,X-RateLimit-Remaining",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	// Health check (no auth required)
	healthHandler := http.NewHealthHandler(deps.DB, deps.Redis, deps.MongoDB)
	healthHandler.Register(app)

	// Webhook intake (no auth; the source platform calls these)
	webhookHandler := http.NewWebhookHandler(deps.Pipeline, deps.Redis, cfg.WebhookIdempotencyTTL)
	webhookHandler.Register(app)

	// OAuth callback and linking endpoints (no auth; Google redirects here,
	// the form builder posts settings with the siteId it was issued)
	oauthHandler := http.NewOAuthHandler(deps.LinkService)
	oauthHandler.Register(app)

	// Admin API (JWT + rate limiting)
	api := app.Group("/api/v1")

	rateLimiter := middleware.NewRateLimiter(120, time.Minute)
	api.Use(rateLimiter.Handler())
	api.Use(middleware.AdminAuth(cfg.AdminJWTSecret))

	siteHandler := http.NewSiteHandler(deps.SiteRepo, deps.CorrRepo, deps.UsageLog)
	siteHandler.Register(api)

	api.Get("/webhook-metrics", webhookHandler.Metrics)

	logger.Info("API routes registered")

	return app, cleanup, nil
}
