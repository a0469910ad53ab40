package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"vis-service/internal/feed"
	"vis-service/internal/output"
	"vis-service/internal/relay"

	"github.com/gin-gonic/gin"
)

// Output is the part of the visualization output the API drives
type Output interface {
	Enable(ctx context.Context) error
	Disable() error
	Snapshot() feed.Snapshot
	Clients() (output.ClientsView, error)
}

// MetricsSource supplies aggregated monitor counters
type MetricsSource interface {
	GetMetrics() map[string]any
}

// Pinger checks an optional backing service such as Redis
type Pinger interface {
	Ping(ctx context.Context) error
}

type StatusHandler struct {
	out     Output
	metrics MetricsSource
	redis   Pinger
	logger  *slog.Logger
}

// NewStatusHandler builds the status handler. metrics and redis may be nil.
func NewStatusHandler(out Output, metrics MetricsSource, redis Pinger, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		out:     out,
		metrics: metrics,
		redis:   redis,
		logger:  logger.With("component", "status_api"),
	}
}

// Health reports liveness, plus Redis reachability when Redis is configured
func (h *StatusHandler) Health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.redis != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		if err := h.redis.Ping(ctx); err != nil {
			body["redis"] = "down"
			body["status"] = "degraded"
		} else {
			body["redis"] = "ok"
		}
	}
	c.JSON(http.StatusOK, body)
}

func (h *StatusHandler) Feed(c *gin.Context) {
	snap := h.out.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"feed":        snap,
		"leadSeconds": snap.Lead.Seconds(),
	})
}

func (h *StatusHandler) Clients(c *gin.Context) {
	view, err := h.out.Clients()
	if err != nil {
		h.respondError(c, err)
		return
	}
	if view.Clients == nil {
		view.Clients = []relay.ClientStats{}
	}
	c.JSON(http.StatusOK, view)
}

func (h *StatusHandler) Enable(c *gin.Context) {
	if err := h.out.Enable(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true})
}

func (h *StatusHandler) Disable(c *gin.Context) {
	if err := h.out.Disable(); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": false})
}

func (h *StatusHandler) Metrics(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "metrics are not collected"})
		return
	}
	c.JSON(http.StatusOK, h.metrics.GetMetrics())
}

func (h *StatusHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, relay.ErrServerClosed) {
		status = http.StatusServiceUnavailable
	}
	h.logger.Warn("Status API request failed", "path", c.Request.URL.Path, "error", err)
	c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}
