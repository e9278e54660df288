package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/session-intent/backend/internal/api/handlers"
	"github.com/session-intent/backend/internal/calibration"
	"github.com/session-intent/backend/internal/metrics"
	"github.com/session-intent/backend/internal/middleware/ratelimit"
	"github.com/session-intent/backend/internal/middleware/security"
	"github.com/session-intent/backend/internal/middleware/validation"
	"github.com/session-intent/backend/internal/storage/sqlite"
	"github.com/session-intent/backend/pkg/config"
	appLogger "github.com/session-intent/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(appLogger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.OutputPath,
		Fields: []zap.Field{zap.String("app", "session-intent-api")},
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting session intent API server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	registry := calibration.NewRegistry(cfg.Calibration.MaxCalibrators)
	defaults := calibration.Options{
		Increasing:    cfg.Calibration.Increasing,
		YMin:          cfg.Calibration.YMin,
		YMax:          cfg.Calibration.YMax,
		Approximation: cfg.Calibration.Approximation,
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.MaxRequestsPerMin,
		Logger:               appLogger.Named("ratelimit"),
	})
	defer limiter.Stop()

	origins := "*"
	if len(cfg.Server.AllowedOrigins) > 0 {
		origins = strings.Join(cfg.Server.AllowedOrigins, ",")
	}

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, X-Client-ID",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Environment == "development",
	}))
	app.Use(limiter.Middleware())
	app.Use(validation.Middleware(validation.Config{
		MaxRows: cfg.Server.MaxCalibrationRows,
		Logger:  appLogger.Named("validation"),
	}))
	app.Use(func(c *fiber.Ctx) error {
		err := c.Next()
		route := c.Route().Path
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(c.Response().StatusCode())).Inc()
		return err
	})

	app.Get("/metrics", metrics.MetricsHandler())

	handlers.Register(app.Group("/api/v1"),
		handlers.NewCalibrationHandler(registry, defaults),
		handlers.NewEvaluationHandler(),
		handlers.NewRunsHandler(sqliteClient),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
