package main

import (
	"database/sql"
	"net/http"
	"time"

	"voiceagent-platform/internal/httpapi"
	"voiceagent-platform/internal/webhook"
	"voiceagent-platform/pkg/utils"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, api httpapi.Handlers, wh webhook.Handlers, db *sql.DB) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider webhooks. The backend endpoint relies on the ingestion
	// contract (unknown events ack with 200); the carrier endpoint is
	// gated by the signed per-call token in the URL.
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/backend", wh.Backend)
		webhooks.POST("/carrier/status", wh.CarrierStatus)
	}

	v1 := r.Group("/v1")
	{
		v1.POST("/calls", api.SubmitCall)
		v1.GET("/calls/:call_id", api.GetCall)

		orgs := v1.Group("/orgs/:org_id")
		{
			orgs.GET("/balance", api.GetBalance)
			orgs.POST("/credits", api.AddCredits)
			orgs.GET("/reports/calls", api.CallsReport)
			orgs.GET("/reports/spend", api.SpendReport)
			orgs.GET("/reports/live", api.LiveReport)
		}
	}
}
