package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"escrowflow/internal/handler"
	"escrowflow/pkg/otel"
)

// ReadyCheck 返回 nil 表示依赖可用
type ReadyCheck func(ctx context.Context) error

type Router struct {
	Engine *gin.Engine
}

func NewRouter(
	milestoneHandler *handler.MilestoneHandler,
	jwtSecret string,
	ready ReadyCheck,
	logger *zap.Logger,
) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), otel.GinMiddleware(), AccessLog(logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if ready != nil {
			if err := ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.GET("/jobs", milestoneHandler.GetJobs)
		auth.GET("/milestones/:id", milestoneHandler.GetMilestone)

		ms := auth.Group("/milestones/:id")
		ms.POST("/fund", milestoneHandler.Fund())
		ms.POST("/cancel", milestoneHandler.Cancel())
		ms.POST("/deliver", milestoneHandler.Deliver)
		ms.POST("/approve", milestoneHandler.Approve())
		ms.POST("/withdraw", milestoneHandler.Withdraw())
		ms.POST("/dispute", milestoneHandler.Dispute())
		ms.POST("/join-dispute", milestoneHandler.JoinDispute())
		ms.POST("/resolve", milestoneHandler.Resolve)
	}

	return &Router{Engine: r}
}

// Server wraps the engine in an http.Server so main can shut it down gracefully.
func (r *Router) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
