package bootstrap

import (
	"strings"

	"triage_server/adapter/in/http"
	"triage_server/config"
	"triage_server/infra/middleware"
	"triage_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// NewAPI wires the HTTP surface: ingest webhook, review queue, scan
// control, event feed and subscription management.
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	logLevel := logger.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = logger.LevelDebug
	}
	logger.Init(logger.Config{
		Level:   logLevel,
		Service: "triage-api",
	})

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize dependencies")
		return nil, nil, err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		Prefork:               false,
		StrictRouting:         false,
		CaseSensitive:         false,

		// 16KB buffers: webhook envelopes and review payloads stay well
		// under this, label batches can approach it.
		ReadBufferSize:  16384,
		WriteBufferSize: 16384,

		// go-json: 2-3x faster than encoding/json on our payload shapes.
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit: 10 * 1024 * 1024,

		Concurrency: 256 * 1024,

		ServerHeader:             "",
		DisableDefaultDate:       true,
		DisableHeaderNormalizing: false,

		DisableKeepalive: false,

		StreamRequestBody:            true,
		DisablePreParseMultipartForm: true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.RequestLogger())

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// CORS. AllowCredentials:true requires explicit origins (not "*").
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = "" // block all if not configured properly
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	// Health check (no auth required)
	healthHandler := http.NewHealthHandler(deps.DB, deps.Redis)
	healthHandler.Register(app)

	// Push webhook (no auth group; Pub/Sub authenticates with an OIDC
	// bearer token when verification is on)
	var verify fiber.Handler
	if cfg.PushVerifyTokens {
		verify = middleware.NewPushVerifier(cfg.PushAudience, "").Handler()
	}
	pushHandler := http.NewPushHandler(deps.PushIngest)
	pushHandler.Register(app, verify)

	// API routes
	api := app.Group("/api/v1")

	emailHandler := http.NewEmailHandler(deps.Triage)
	emailHandler.Register(api)

	reviewHandler := http.NewReviewHandler(deps.ReviewService)
	reviewHandler.Register(api)

	scanHandler := http.NewScanHandler(deps.ScanControl)
	scanHandler.Register(api)

	eventHandler := http.NewEventHandler(deps.EventService)
	eventHandler.Register(api)

	subscriptionHandler := http.NewSubscriptionHandler(deps.Subscriptions)
	subscriptionHandler.Register(api)

	return app, cleanup, nil
}
