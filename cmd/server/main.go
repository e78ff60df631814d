package main

import (
	"context"
	"log"

	"entitlement-engine/internal/api"
	"entitlement-engine/internal/billing"
	"entitlement-engine/internal/config"
	"entitlement-engine/internal/database"
	"entitlement-engine/internal/models"
	"entitlement-engine/internal/services"
	"entitlement-engine/pkg/logging"

	"github.com/gin-gonic/gin"
)

func main() {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		log.Fatal("Failed to initialize config:", err)
	}

	// Initialize logging
	logging.InitLogging()

	// Initialize database
	if err := database.InitDatabase(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer database.CloseDatabase()

	// Settlement adapters per platform
	settler := billing.NewPlatformSettler()
	if config.AppConfig.GooglePlayPackageName != "" {
		gp, err := billing.NewGooglePlaySettler(billing.GooglePlayConfig{
			PackageName:        config.AppConfig.GooglePlayPackageName,
			ServiceAccountJSON: config.AppConfig.GooglePlayServiceAccountJSON,
		})
		if err != nil {
			log.Fatal("Failed to initialize Google Play settler:", err)
		}
		settler.Register(models.PlatformAndroid, gp)
	} else {
		logging.Warnf("Google Play settlement not configured, android transactions will wait in verified state")
	}
	if config.AppConfig.AppStoreFinishURL != "" {
		as, err := billing.NewAppStoreSettler(config.AppConfig.AppStoreFinishURL)
		if err != nil {
			log.Fatal("Failed to initialize App Store settler:", err)
		}
		settler.Register(models.PlatformIOS, as)
	} else {
		logging.Warnf("App Store finish bridge not configured, ios transactions will wait in verified state")
	}

	// Reconciliation engine
	cache := services.NewEntitlementCache()
	alerter := services.NewAlertService()
	var engineAlerter services.Alerter
	if alerter != nil {
		engineAlerter = alerter
	}
	var notifier services.EntitlementNotifier
	if wn := services.NewWebhookNotifier(); wn != nil {
		notifier = wn
	}

	engine := services.NewEngine(
		services.NewVerificationClient(),
		services.NewFinalizerService(settler),
		cache,
		engineAlerter,
		notifier,
		services.EngineConfigFromApp(),
	)
	defer engine.Close()

	// Reconcile whatever a previous run left behind before trusting the
	// entitlement cache or serving traffic.
	sweep := services.NewSweepService(engine, engineAlerter)
	summary := sweep.Sweep(context.Background())
	logging.Infof("Startup sweep: finalized=%d requeued=%d abandoned=%d failed=%d",
		summary.Finalized, summary.Requeued, summary.Abandoned, summary.Failed)

	if err := cache.Rebuild(); err != nil {
		log.Fatal("Failed to build entitlement cache:", err)
	}

	// Set Gin mode
	gin.SetMode(config.AppConfig.Mode)

	// Create Gin engine
	r := gin.Default()

	// Setup routes
	api.SetupRoutes(r, &api.Handler{
		Engine:  engine,
		Restore: services.NewRestoreService(engine),
		Cache:   cache,
		Replay:  services.NewReplayProtection(database.GetRedis()),
	})

	// Start server
	port := config.AppConfig.Port
	logging.Infof("Starting server on port %s", port)

	if err := r.Run(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
