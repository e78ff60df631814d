package api

import (
	"entitlement-engine/internal/middleware"
	"entitlement-engine/internal/services"

	"github.com/gin-gonic/gin"
)

// Handler bundles the engine-side collaborators the HTTP layer dispatches
// into. It is created once at startup and owns no goroutines of its own.
type Handler struct {
	Engine  *services.Engine
	Restore *services.RestoreService
	Cache   *services.EntitlementCache
	Replay  *services.ReplayProtection
}

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, h *Handler) {
	api := r.Group("/api")
	{
		// Platform notification routes (no authentication, the stores call
		// these; payload validation and replay protection gate them)
		appstore := api.Group("/appstore")
		{
			appstore.POST("/notifications", h.AppStoreNotificationHandler)
		}
		googleplay := api.Group("/googleplay")
		{
			googleplay.POST("/notifications", h.GooglePlayNotificationHandler)
		}

		// Purchase routes for the store-facing bridge (requires API key)
		purchase := api.Group("/purchase")
		purchase.Use(middleware.APIKeyAuthMiddleware())
		{
			purchase.POST("/events", h.SubmitPurchaseEvent)
			purchase.POST("/restore", h.RestorePurchases)
		}

		// Entitlement and audit routes for the app backend (requires API key)
		backend := api.Group("")
		backend.Use(middleware.APIKeyAuthMiddleware())
		{
			backend.GET("/entitlements", h.GetEntitlements)
			backend.GET("/transactions/:id", h.GetTransaction)
		}
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "entitlement-engine",
		})
	})
}
