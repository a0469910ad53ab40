package routes

import (
	"log/slog"
	"time"

	"vis-service/internal/api/handlers"
	"vis-service/internal/api/middleware"

	"github.com/gin-gonic/gin"
)

type Options struct {
	StreamInterval   time.Duration
	AllowedOrigins   []string
	ControlRateLimit int
	// Limiter enables rate limiting of the control endpoints; nil disables it
	Limiter middleware.Limiter
	// Metrics and Redis are optional
	Metrics handlers.MetricsSource
	Redis   handlers.Pinger
}

type Router struct {
	engine        *gin.Engine
	statusHandler *handlers.StatusHandler
	wsHandler     *handlers.WSHandler
	rateLimitMW   *middleware.RateLimitMiddleware
	controlLimit  int
}

func NewRouter(out handlers.Output, opts Options, logger *slog.Logger) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(opts.AllowedOrigins))
	engine.Use(middleware.LogApi(logger))

	interval := opts.StreamInterval
	if interval <= 0 {
		interval = time.Second
	}

	return &Router{
		engine:        engine,
		statusHandler: handlers.NewStatusHandler(out, opts.Metrics, opts.Redis, logger),
		wsHandler:     handlers.NewWSHandler(out, interval, opts.AllowedOrigins, logger),
		rateLimitMW:   middleware.NewRateLimitMiddleware(opts.Limiter, logger),
		controlLimit:  opts.ControlRateLimit,
	}
}

func (r *Router) SetupRoutes() {
	r.engine.GET("/healthz", r.statusHandler.Health)

	api := r.engine.Group("/api/v1")
	{
		api.GET("/feed", r.statusHandler.Feed)
		api.GET("/clients", r.statusHandler.Clients)
		api.GET("/metrics", r.statusHandler.Metrics)
		api.GET("/ws", r.wsHandler.HandleWebSocket)
	}

	control := api.Group("/output")
	control.Use(r.rateLimitMW.RateLimitIP(r.controlLimit, time.Minute))
	{
		control.POST("/enable", r.statusHandler.Enable)
		control.POST("/disable", r.statusHandler.Disable)
	}
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

// Close ends open snapshot streams; call it when the HTTP server shuts down
func (r *Router) Close() {
	r.wsHandler.Close()
}
