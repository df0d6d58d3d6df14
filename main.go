package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"sitepulse/api/aggregator"
	"sitepulse/api/config"
	"sitepulse/api/database"
	"sitepulse/api/enrich"
	"sitepulse/api/export"
	"sitepulse/api/handlers"
	"sitepulse/api/logger"
	"sitepulse/api/middleware"
	"sitepulse/api/store"
	"sitepulse/api/sweeper"
	"sitepulse/api/tracker"
)

func main() {
	// Load .env before anything reads the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer log.Sync()

	if os.Getenv("GIN_MODE") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// --- Postgres (frozen daily aggregates) ---
	dbClient, err := database.NewPostgresDB(cfg.PostgresURL)
	if err != nil {
		log.Fatal("failed to initialize postgres", zap.Error(err))
	}
	defer dbClient.Close()

	// --- ClickHouse (append-only event log) ---
	chClient, err := database.NewClickHouseDB(cfg.ClickHouseAddr, cfg.ClickHouseDB, cfg.ClickHouseUser, cfg.ClickHousePassword)
	if err != nil {
		log.Fatal("failed to initialize clickhouse", zap.Error(err))
	}
	defer chClient.Close()

	// --- Redis (visitor first-seen registry) ---
	visitors, err := store.NewVisitorRegistry(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Fatal("failed to initialize redis", zap.Error(err))
	}
	defer visitors.Close()

	// --- GeoIP (optional; lookups degrade to Unknown without it) ---
	enricher, err := enrich.New(cfg.GeoIPPath)
	if err != nil {
		log.Warn("geoip database unavailable, locations will be Unknown", zap.Error(err), zap.String("path", cfg.GeoIPPath))
	}
	defer enricher.Close()

	// --- Stores, aggregation, ingest ---
	sessions := store.NewSessionStore()
	events := store.NewEventLog(chClient, log)
	defer events.Close()

	daily := store.NewDailyAggregateStore(dbClient.DB)
	engine := aggregator.NewEngine(sessions, daily, cfg.TopN, log)

	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 30*time.Second)
	if err := engine.Restore(restoreCtx, events); err != nil {
		log.Warn("could not restore today's aggregate, starting from zero", zap.Error(err))
	}
	cancelRestore()

	track := tracker.New(sessions, visitors, events, engine, enricher, cfg.DebounceWindow, log)

	// --- Sweeper ---
	sweep := sweeper.New(sessions, track, cfg.IdleTimeout, cfg.SweepInterval, log)
	if err := sweep.Start(); err != nil {
		log.Fatal("failed to start session sweeper", zap.Error(err))
	}
	defer sweep.Stop()

	// --- HTTP surface ---
	trackHandlers := handlers.NewTrackHandlers(track, log)
	dashboardHandlers := handlers.NewDashboardHandlers(engine, log)
	exportHandlers := handlers.NewExportHandlers(export.New(events, log), log)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORSMiddleware(cfg.CORSOrigin))

	api := r.Group("/api")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		api.POST("/track", trackHandlers.TrackPageView)
		api.POST("/track/heartbeat", trackHandlers.Heartbeat)
		api.POST("/track/form", trackHandlers.TrackFormSubmission)
		api.POST("/track/end", trackHandlers.EndSession)

		stats := api.Group("/stats")
		{
			stats.GET("/live", dashboardHandlers.GetLiveVisitors)
			stats.GET("/summary", dashboardHandlers.GetStatsSummary)
			stats.GET("/analytics", dashboardHandlers.GetAnalytics)
			stats.GET("/export", exportHandlers.Export)
		}
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		log.Info("tracking api listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}
}
