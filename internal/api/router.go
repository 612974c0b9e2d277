package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qs3c/persona_go_server/config"
	"github.com/qs3c/persona_go_server/internal/api/handler"
	"github.com/qs3c/persona_go_server/internal/api/middleware"
)

type Router struct {
	chatHandler        *handler.ChatHandler
	quotaHandler       *handler.QuotaHandler
	providersHandler   *handler.ProvidersHandler
	lineWebhookHandler *handler.LineWebhookHandler
	billingHandler     *handler.BillingHandler
	websocketHandler   *handler.WebSocketHandler
	cfg                *config.Config
}

func NewRouter(
	chatHandler *handler.ChatHandler,
	quotaHandler *handler.QuotaHandler,
	providersHandler *handler.ProvidersHandler,
	lineWebhookHandler *handler.LineWebhookHandler,
	billingHandler *handler.BillingHandler,
	websocketHandler *handler.WebSocketHandler,
	cfg *config.Config,
) *Router {
	return &Router{
		chatHandler:        chatHandler,
		quotaHandler:       quotaHandler,
		providersHandler:   providersHandler,
		lineWebhookHandler: lineWebhookHandler,
		billingHandler:     billingHandler,
		websocketHandler:   websocketHandler,
		cfg:                cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(r.cfg.CORS))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api/v1")
	{
		// WebSocket
		api.GET("/ws", r.websocketHandler.Handle)

		// 公开接口
		api.GET("/providers", r.providersHandler.List)

		// 平台回调，各自校验签名
		api.POST("/line/webhook/:persona_id", r.lineWebhookHandler.Handle)
		api.POST("/billing/webhook", r.billingHandler.Webhook)

		// 需要认证的接口
		authenticated := api.Group("")
		authenticated.Use(middleware.Auth(r.cfg.JWT.Secret))
		{
			chat := authenticated.Group("/chat")
			{
				chat.POST("", r.chatHandler.Send)
				chat.GET("/conversations", r.chatHandler.ListConversations)
				chat.PUT("/conversations/:id/rating", r.chatHandler.Rate)
			}

			user := authenticated.Group("/user")
			{
				user.GET("/quota", r.quotaHandler.GetQuota)
				user.GET("/credits", r.billingHandler.Purchases)
			}
		}
	}

	return engine
}
