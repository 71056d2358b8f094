package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/tahfidz-api/api/swagger"
	"github.com/noah-isme/tahfidz-api/internal/handler"
	"github.com/noah-isme/tahfidz-api/internal/middleware"
	"github.com/noah-isme/tahfidz-api/internal/models"
	"github.com/noah-isme/tahfidz-api/internal/repository"
	"github.com/noah-isme/tahfidz-api/internal/service"
	"github.com/noah-isme/tahfidz-api/pkg/cache"
	"github.com/noah-isme/tahfidz-api/pkg/config"
	"github.com/noah-isme/tahfidz-api/pkg/database"
	"github.com/noah-isme/tahfidz-api/pkg/export"
	"github.com/noah-isme/tahfidz-api/pkg/jobs"
	"github.com/noah-isme/tahfidz-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/tahfidz-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/tahfidz-api/pkg/middleware/requestid"
	"github.com/noah-isme/tahfidz-api/pkg/storage"
)

// @title Tahfidz Review API
// @version 1.0.0
// @description Recitation review workflow and personal mushaf mistake ledger
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect redis", "error", err)
	}
	defer redisClient.Close()

	validate := validator.New()
	clock := service.SystemClock()

	metricsSvc := service.NewMetricsService()
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Ledger.StatsCacheTTL, logr, true)

	userRepo := repository.NewUserRepository(db)
	ticketRepo := repository.NewTicketRepository(db)
	mushafRepo := repository.NewMushafRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "tahfidz-api",
	})

	mushafSvc := service.NewMushafService(mushafRepo, cacheSvc, validate, logr, clock, service.MushafServiceConfig{
		RecentWindowDays: cfg.Ledger.RecentWindowDays,
		ConflictRetries:  cfg.Ledger.ConflictRetries,
		StatsCacheTTL:    cfg.Ledger.StatsCacheTTL,
	})

	notificationSvc := service.NewNotificationService(notificationRepo, logr, clock, jobs.QueueConfig{
		Workers:    cfg.Notify.Workers,
		MaxRetries: cfg.Notify.MaxRetries,
		Logger:     logr,
	})
	notificationSvc.Start(context.Background())
	defer notificationSvc.Stop()

	ticketSvc := service.NewTicketService(ticketRepo, userRepo, mushafSvc, notificationSvc, userRepo, validate, logr, clock)
	reviewSvc := service.NewReviewService(ticketRepo, userRepo, notificationSvc, userRepo, logr, clock)

	exportStore, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init export storage", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)
	exportSvc := service.NewExportService(mushafSvc, exportStore, signer, service.ExportConfig{
		APIPrefix: cfg.APIPrefix,
	}, logr, export.NewCSVExporter(), export.NewPDFExporter())

	userSvc := service.NewUserService(userRepo, validate, logr)

	authHandler := handler.NewAuthHandler(authSvc)
	userHandler := handler.NewUserHandler(userSvc)
	ticketHandler := handler.NewTicketHandler(ticketSvc, reviewSvc, cfg.Tickets.StaleAfter)
	mushafHandler := handler.NewMushafHandler(mushafSvc, exportSvc)
	notificationHandler := handler.NewNotificationHandler(notificationSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
		if err := redisClient.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/forgot-password", authHandler.ForgotPassword)
		auth.POST("/reset-password", authHandler.ResetPassword)

		authed := auth.Group("")
		authed.Use(middleware.JWT(authSvc))
		authed.POST("/logout", authHandler.Logout)
		authed.POST("/change-password", authHandler.ChangePassword)
		authed.GET("/me", authHandler.Me)
	}

	// Export downloads carry their own signed token instead of a JWT so the
	// link works from a plain browser tab.
	api.GET("/downloads", mushafHandler.Download)

	protected := api.Group("")
	protected.Use(middleware.JWT(authSvc))

	reviewers := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleTeacher)
	approvers := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin)

	tickets := protected.Group("/tickets")
	{
		tickets.GET("", ticketHandler.List)
		tickets.GET("/:id", ticketHandler.Get)
		tickets.POST("", approvers, ticketHandler.Create)
		tickets.POST("/:id/start", reviewers, ticketHandler.Start)
		tickets.POST("/:id/heartbeat", reviewers, ticketHandler.Heartbeat)
		tickets.POST("/:id/pause", reviewers, ticketHandler.Pause)
		tickets.POST("/:id/resume", reviewers, ticketHandler.Resume)
		tickets.POST("/:id/mistakes", reviewers, ticketHandler.AddMistake)
		tickets.DELETE("/:id/mistakes/:index", reviewers, ticketHandler.RemoveMistake)
		tickets.PUT("/:id/notes", reviewers, ticketHandler.UpdateNotes)
		tickets.POST("/:id/submit", reviewers, ticketHandler.Submit)
		tickets.POST("/:id/approve", approvers, ticketHandler.Approve)
		tickets.POST("/:id/reject", approvers, ticketHandler.Reject)
		tickets.POST("/:id/reassign", approvers, ticketHandler.Reassign)
		tickets.POST("/:id/close", approvers, ticketHandler.Close)
	}

	students := protected.Group("/students/:id")
	{
		students.GET("/mushaf", mushafHandler.GetLedger)
		students.GET("/statistics", mushafHandler.GetStatistics)
		students.POST("/mistakes", reviewers, mushafHandler.AddMistake)
		students.POST("/mistakes/:mistakeId/resolve", reviewers, mushafHandler.Resolve)
		students.POST("/mushaf/export",
			middleware.Audit(userRepo, models.AuditActionLedgerExport, "mushaf_export"),
			mushafHandler.Export)
	}

	users := protected.Group("/users", approvers)
	{
		users.GET("", userHandler.List)
		users.GET("/:id", userHandler.Get)
		users.POST("", userHandler.Create)
		users.PUT("/:id", userHandler.Update)
		users.DELETE("/:id", userHandler.Delete)
	}

	protected.GET("/system/metrics", approvers, metricsHandler.System)

	notifications := protected.Group("/notifications")
	{
		notifications.GET("", notificationHandler.List)
		notifications.POST("/:id/read", notificationHandler.MarkRead)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
