package api

import (
	"net/http"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/d60-Lab/fedsync/config"
	_ "github.com/d60-Lab/fedsync/docs"
	"github.com/d60-Lab/fedsync/internal/api/handler"
	"github.com/d60-Lab/fedsync/internal/api/middleware"
	"github.com/d60-Lab/fedsync/internal/metrics"
	"github.com/d60-Lab/fedsync/internal/service"
)

// SetupRouter 注册联邦协议端点、管理 API、/metrics 与 swagger
func SetupRouter(cfg *config.Config, eng *service.Engine, gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	if cfg.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	r.Use(middleware.Logger())

	handler.RegisterValidators()
	h := handler.NewHandler(eng)

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(gatherer)))
	}
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	fed := r.Group("/federation")
	fed.Use(gzip.Gzip(gzip.DefaultCompression))
	fed.Use(middleware.SignatureAuth(eng))
	fed.Use(middleware.PeerRateLimit(cfg.Pull.RatePerMinute, cfg.Pull.RateBurst))
	{
		fed.POST("/pull", h.Pull)
	}

	v1 := r.Group("/api/v1")
	{
		fo := v1.Group("/federation")
		{
			fo.POST("/outbox", h.EnqueueOutbox)
			fo.GET("/outbox/:id", h.GetOutboxJob)
			fo.GET("/peers", h.ListPeers)
			fo.GET("/peers/:domain", h.GetPeer)
			fo.PUT("/peers/:domain/status", h.SetPeerStatus)
			fo.PUT("/peers/:domain/settings", h.UpdatePeerSettings)
			fo.POST("/peers/:domain/pull", h.TriggerPull)
		}
		rel := v1.Group("/relations")
		{
			rel.POST("/follow", h.Follow)
			rel.POST("/unfollow", h.Unfollow)
			rel.GET("/followers", h.ListFollowers)
			rel.GET("/:user_id/feed", h.Feed)
		}
	}
	return r
}
