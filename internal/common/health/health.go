// Package health provides liveness and readiness endpoints that aggregate
// dependency checks (policy store, ledger backend, caches).
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HealthStatus represents the overall health of the service
type HealthStatus struct {
	Status       string                     `json:"status"` // healthy, degraded, unhealthy
	Version      string                     `json:"version,omitempty"`
	Uptime       string                     `json:"uptime"`
	Dependencies map[string]DependencyCheck `json:"dependencies"`
	CheckedAt    time.Time                  `json:"checked_at"`
}

// DependencyCheck represents the health check result for a single dependency
type DependencyCheck struct {
	Status    string    `json:"status"` // up, degraded, down
	Latency   string    `json:"latency"`
	Details   string    `json:"details,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthChecker is the interface that dependency health checks must implement
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) DependencyCheck
}

// Pinger is satisfied by the database and Redis wrappers
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthService orchestrates health checks across all registered dependencies
type HealthService struct {
	checkers  []HealthChecker
	logger    *zap.Logger
	startTime time.Time
	version   string
	mu        sync.RWMutex
}

// NewHealthService creates a new HealthService
func NewHealthService(logger *zap.Logger, version string) *HealthService {
	return &HealthService{
		logger:    logger.With(zap.String("component", "health")),
		startTime: time.Now(),
		version:   version,
	}
}

// RegisterCheck adds a new health checker to the service
func (h *HealthService) RegisterCheck(checker HealthChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, checker)
	h.logger.Info("Registered health checker", zap.String("name", checker.Name()))
}

// Check runs all registered health checkers concurrently and aggregates the results
func (h *HealthService) Check(ctx context.Context) *HealthStatus {
	h.mu.RLock()
	checkers := make([]HealthChecker, len(h.checkers))
	copy(checkers, h.checkers)
	h.mu.RUnlock()

	type result struct {
		name  string
		check DependencyCheck
	}
	results := make(chan result, len(checkers))

	for _, checker := range checkers {
		go func(c HealthChecker) {
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			results <- result{name: c.Name(), check: c.Check(checkCtx)}
		}(checker)
	}

	dependencies := make(map[string]DependencyCheck, len(checkers))
	for range checkers {
		r := <-results
		dependencies[r.name] = r.check
	}

	overall := "healthy"
	for name, dep := range dependencies {
		switch dep.Status {
		case "down":
			overall = "unhealthy"
			h.logger.Warn("Dependency is down", zap.String("dependency", name), zap.String("details", dep.Details))
		case "degraded":
			if overall != "unhealthy" {
				overall = "degraded"
			}
		}
	}

	return &HealthStatus{
		Status:       overall,
		Version:      h.version,
		Uptime:       formatDuration(time.Since(h.startTime)),
		Dependencies: dependencies,
		CheckedAt:    time.Now().UTC(),
	}
}

// Handler serves the detailed status: 200 for healthy or degraded, 503 otherwise
func (h *HealthService) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.Check(c.Request.Context())

		httpStatus := http.StatusOK
		if status.Status == "unhealthy" {
			httpStatus = http.StatusServiceUnavailable
		}
		c.JSON(httpStatus, status)
	}
}

// ReadyHandler answers 503 while any dependency is down
func (h *HealthService) ReadyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.Check(c.Request.Context())
		if status.Status == "unhealthy" {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not ready",
				"details": status.Dependencies,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// LiveHandler always answers 200 while the process is serving
func (h *HealthService) LiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "alive",
			"uptime": formatDuration(time.Since(h.startTime)),
		})
	}
}

// RegisterRoutes registers /health, /health/live and /ready
func (h *HealthService) RegisterRoutes(router gin.IRoutes) {
	router.GET("/health", h.Handler())
	router.GET("/health/live", h.LiveHandler())
	router.GET("/ready", h.ReadyHandler())
}

// PingChecker reports a dependency as down when Ping fails and degraded
// when it answers slower than the configured threshold.
type PingChecker struct {
	name     string
	pinger   Pinger
	degraded time.Duration
}

// NewPingChecker creates a checker named name around pinger
func NewPingChecker(name string, pinger Pinger, degradedAfter time.Duration) *PingChecker {
	return &PingChecker{name: name, pinger: pinger, degraded: degradedAfter}
}

// Name returns the checker name
func (p *PingChecker) Name() string {
	return p.name
}

// Check pings the dependency and measures latency
func (p *PingChecker) Check(ctx context.Context) DependencyCheck {
	start := time.Now()
	err := p.pinger.Ping(ctx)
	latency := time.Since(start)

	check := DependencyCheck{
		Status:    "up",
		Latency:   latency.String(),
		CheckedAt: time.Now().UTC(),
	}
	switch {
	case err != nil:
		check.Status = "down"
		check.Details = fmt.Sprintf("ping failed: %v", err)
	case p.degraded > 0 && latency > p.degraded:
		check.Status = "degraded"
		check.Details = fmt.Sprintf("high latency: %s", latency)
	}
	return check
}

// CheckFunc adapts a function to HealthChecker. A returned error marks the
// dependency down.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

// Name returns the checker name
func (f CheckFunc) Name() string {
	return f.CheckName
}

// Check runs the function
func (f CheckFunc) Check(ctx context.Context) DependencyCheck {
	start := time.Now()
	err := f.Fn(ctx)
	check := DependencyCheck{Status: "up", Latency: time.Since(start).String(), CheckedAt: time.Now().UTC()}
	if err != nil {
		check.Status = "down"
		check.Details = err.Error()
	}
	return check
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
