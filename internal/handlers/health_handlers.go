package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"givecycle/internal/caching"
	"givecycle/internal/jobs"

	"github.com/labstack/echo/v4"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CycleReporter exposes the outcome of the latest settlement pass.
type CycleReporter interface {
	LastResult() *jobs.CycleResult
}

// HealthHandlers handles health check and monitoring endpoints
type HealthHandlers struct {
	db        Pinger
	cache     caching.CacheService
	scheduler CycleReporter
	version   string
	startedAt time.Time
}

// NewHealthHandlers creates health handlers. scheduler may be nil when the
// scheduler is disabled.
func NewHealthHandlers(db Pinger, cache caching.CacheService, scheduler CycleReporter, version string) *HealthHandlers {
	return &HealthHandlers{
		db:        db,
		cache:     cache,
		scheduler: scheduler,
		version:   version,
		startedAt: time.Now(),
	}
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status         string            `json:"status"`
	Timestamp      string            `json:"timestamp"`
	Services       map[string]string `json:"services"`
	Uptime         string            `json:"uptime"`
	Version        string            `json:"version"`
	Goroutines     int               `json:"goroutines"`
	LastSettlement *jobs.CycleResult `json:"last_settlement,omitempty"`
}

// Register mounts the health routes at the server root.
func (h *HealthHandlers) Register(e *echo.Echo) {
	e.GET("/health", h.LivenessCheck)
	e.GET("/health/ready", h.ReadinessCheck)
	e.GET("/health/detailed", h.HealthCheck)
}

// HealthCheck reports every dependency plus the last settlement pass.
func (h *HealthHandlers) HealthCheck(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	health := &HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Services:   h.checkServices(ctx),
		Uptime:     time.Since(h.startedAt).Round(time.Second).String(),
		Version:    h.version,
		Goroutines: runtime.NumGoroutine(),
	}
	for _, state := range health.Services {
		if state != "healthy" {
			health.Status = "degraded"
		}
	}
	if h.scheduler != nil {
		health.LastSettlement = h.scheduler.LastResult()
	}

	statusCode := http.StatusOK
	if health.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	return c.JSON(statusCode, health)
}

func (h *HealthHandlers) checkServices(ctx context.Context) map[string]string {
	services := map[string]string{"database": "healthy", "cache": "healthy"}
	if err := h.db.Ping(ctx); err != nil {
		services["database"] = "unhealthy"
	}
	if err := h.cache.Ping(ctx); err != nil {
		services["cache"] = "unhealthy"
	}
	return services
}

// ReadinessCheck determines if the application is ready to serve traffic
func (h *HealthHandlers) ReadinessCheck(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status":  "not_ready",
			"message": "Database unavailable",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ready",
		"message": "All systems operational",
	})
}

// LivenessCheck reports that the process is up without touching dependencies.
func (h *HealthHandlers) LivenessCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
