package gateway

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	apperrors "github.com/policygate/policygate/internal/common/errors"
	"github.com/policygate/policygate/internal/common/health"
	"github.com/policygate/policygate/internal/common/logger"
	"github.com/policygate/policygate/internal/common/middleware"
	"github.com/policygate/policygate/internal/sinks"
)

// RouterConfig collects what the HTTP surface needs besides the gateway
type RouterConfig struct {
	ServiceName string
	Production  bool
	// AdminKeyHash is the bcrypt hash of the admin key. When empty the admin
	// routes are open if AllowOpenAdmin is set and closed otherwise.
	AdminKeyHash   string
	AllowOpenAdmin bool
	// AdminLimiter rate limits admin routes per client IP when set
	AdminLimiter *middleware.SlidingWindowLimiter
	Health       *health.HealthService
	Stream       *sinks.StreamHub
	Logger       *zap.Logger
}

// NewRouter builds the gin engine serving the decision and admin APIs
func NewRouter(gw *Gateway, cfg RouterConfig) *gin.Engine {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "gateway-service"
	}
	log := cfg.Logger

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(apperrors.ErrorHandler())
	router.Use(middleware.RequestID())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(logger.GinMiddleware(log))
	router.Use(middleware.PrometheusMetrics(cfg.ServiceName))
	router.Use(middleware.SecurityHeaders(cfg.Production))
	router.Use(middleware.CORS())

	if cfg.Health != nil {
		cfg.Health.RegisterRoutes(router)
	}
	router.GET("/metrics", middleware.MetricsHandler())

	h := NewHandlers(gw, log)
	v1 := router.Group("/v1")
	v1.POST("/decide", h.Decide)

	admin := v1.Group("/admin")
	if cfg.AdminLimiter != nil {
		admin.Use(middleware.RateLimit(cfg.AdminLimiter, log))
	}
	admin.Use(middleware.AdminKey(cfg.AdminKeyHash, cfg.AllowOpenAdmin, log))
	{
		admin.POST("/policies", h.Publish)
		admin.POST("/policies/rollback", h.Rollback)
		admin.GET("/policies", h.ListVersions)
		admin.GET("/policies/active", h.GetActive)
		admin.GET("/policies/:id", h.GetVersion)
		admin.GET("/policies/:id/rego", h.GetRego)

		admin.GET("/audit", h.QueryAudit)
		admin.GET("/audit/verify", h.VerifyAudit)
		admin.POST("/audit/replay/:traceId", h.Replay)
		if cfg.Stream != nil {
			admin.GET("/audit/stream", cfg.Stream.ServeWS)
		}
	}

	return router
}
