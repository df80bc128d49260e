package bootstrap

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/noah-isme/dive-affiliate-payouts/internal/handler"
	"github.com/noah-isme/dive-affiliate-payouts/internal/middleware"
	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/config"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/logger"
	corsmiddleware "github.com/noah-isme/dive-affiliate-payouts/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/dive-affiliate-payouts/pkg/middleware/requestid"
)

// NewRouter registers every HTTP route on a fresh gin engine.
func NewRouter(c *Container) *gin.Engine {
	cfg := c.Config
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(c.Logger))
	r.Use(corsmiddleware.New(cfg.CORS))
	r.Use(middleware.Metrics(c.Metrics))

	var db handler.Pinger
	if c.DB != nil {
		db = c.DB
	}
	health := handler.NewHealthHandler(c.Metrics, db)
	crmHandler := handler.NewCRMHandler(c.OAuth, c.APITokens, c.Tokens, cfg.Env == config.EnvProduction, c.Logger.Named("crm-oauth"))
	payouts := handler.NewPayoutHandler(c.Scheduler, c.Payouts)

	r.GET("/health", health.Health)
	r.GET("/ready", health.Ready)
	r.GET("/metrics", health.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	operator := middleware.RequireRoles(models.RoleOperator)

	// The callback is reached by the CRM redirect, so it is bound to the
	// operator through the signed state rather than a bearer token.
	oauth := r.Group("/oauth/crm")
	oauth.GET("/authorize", middleware.JWT(c.APITokens), operator, crmHandler.Authorize)
	oauth.GET("/callback", crmHandler.Callback)

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(c.APITokens))
	api.GET("/crm/connection", operator, crmHandler.Connection)

	payoutRoutes := api.Group("/payouts", operator)
	payoutRoutes.POST("/batches", payouts.TriggerBatch)
	payoutRoutes.GET("/batches/:period", payouts.BatchStatus)
	payoutRoutes.GET("/export", payouts.Export)
	payoutRoutes.GET("", payouts.List)
	payoutRoutes.GET("/:id", payouts.Get)

	api.GET("/affiliates/:id/payouts", middleware.RBAC(string(models.RoleOperator), middleware.Self), payouts.AffiliatePayouts)

	return r
}
