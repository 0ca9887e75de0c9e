package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/watzon/hookrelay/internal/database"
	"github.com/watzon/hookrelay/internal/registry"
	"github.com/watzon/hookrelay/internal/routing"
)

// Pinger is an optional dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandlers struct {
	db       *database.DB
	resolver *routing.Resolver
	registry *registry.Registry
	redis    Pinger
	version  string
}

// NewHealthHandlers creates health handlers. redis may be nil.
func NewHealthHandlers(db *database.DB, resolver *routing.Resolver, reg *registry.Registry, redis Pinger, version string) *HealthHandlers {
	return &HealthHandlers{
		db:       db,
		resolver: resolver,
		registry: reg,
		redis:    redis,
		version:  version,
	}
}

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

type ComponentHealth struct {
	Status  HealthStatus `json:"status"`
	Latency string       `json:"latency,omitempty"`
	Message string       `json:"message,omitempty"`
}

type HealthResponse struct {
	Status      HealthStatus               `json:"status"`
	Version     string                     `json:"version"`
	Uptime      string                     `json:"uptime"`
	Timestamp   string                     `json:"timestamp"`
	Connections int                        `json:"connections"`
	Components  map[string]ComponentHealth `json:"components"`
}

var startTime = time.Now()

const healthCheckTimeout = 5 * time.Second

// Health reports overall status. The database and routing config are
// required; Redis only degrades the result.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	components := make(map[string]ComponentHealth)
	overallStatus := HealthStatusHealthy

	dbHealth := checkPing(ctx, h.db, "database ping failed")
	components["database"] = dbHealth
	if dbHealth.Status != HealthStatusHealthy {
		overallStatus = HealthStatusUnhealthy
	}

	routingHealth := h.checkRouting()
	components["routing"] = routingHealth
	if routingHealth.Status != HealthStatusHealthy {
		overallStatus = HealthStatusUnhealthy
	}

	if h.redis != nil {
		redisHealth := checkPing(ctx, h.redis, "redis ping failed")
		components["redis"] = redisHealth
		if redisHealth.Status != HealthStatusHealthy && overallStatus == HealthStatusHealthy {
			overallStatus = HealthStatusDegraded
		}
	}

	resp := HealthResponse{
		Status:     overallStatus,
		Version:    h.version,
		Uptime:     time.Since(startTime).Round(time.Second).String(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components,
	}
	if h.registry != nil {
		resp.Connections = h.registry.Count()
	}

	status := http.StatusOK
	if overallStatus == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	JSON(w, status, resp)
}

func checkPing(ctx context.Context, p Pinger, failure string) ComponentHealth {
	start := time.Now()
	err := p.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		return ComponentHealth{
			Status:  HealthStatusUnhealthy,
			Latency: latency.String(),
			Message: failure,
		}
	}

	return ComponentHealth{
		Status:  HealthStatusHealthy,
		Latency: latency.String(),
	}
}

func (h *HealthHandlers) checkRouting() ComponentHealth {
	snap := h.resolver.Current()
	if snap == nil {
		return ComponentHealth{
			Status:  HealthStatusUnhealthy,
			Message: "routing config not loaded",
		}
	}
	return ComponentHealth{Status: HealthStatusHealthy}
}

func (h *HealthHandlers) Liveness(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *HealthHandlers) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database unavailable",
		})
		return
	}
	if h.resolver.Current() == nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "routing config not loaded",
		})
		return
	}

	JSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

type RuntimeStats struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	NumCPU       int    `json:"num_cpu"`
	MemAlloc     uint64 `json:"mem_alloc_bytes"`
	MemSys       uint64 `json:"mem_sys_bytes"`
	NumGC        uint32 `json:"num_gc"`
}

// Stats reports runtime, database pool and connection counts.
func (h *HealthHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	resp := map[string]any{
		"runtime": RuntimeStats{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			NumCPU:       runtime.NumCPU(),
			MemAlloc:     m.Alloc,
			MemSys:       m.Sys,
			NumGC:        m.NumGC,
		},
		"uptime": time.Since(startTime).Round(time.Second).String(),
	}

	dbStats := h.db.Stats()
	resp["database"] = map[string]any{
		"open_connections": dbStats.OpenConnections,
		"in_use":           dbStats.InUse,
		"idle":             dbStats.Idle,
		"max_open":         dbStats.MaxOpenConnections,
	}

	if h.registry != nil {
		resp["tunnels"] = map[string]any{
			"connections": h.registry.Count(),
		}
	}
	if snap := h.resolver.Current(); snap != nil {
		resp["webhooks"] = len(snap.Webhooks)
	}

	JSON(w, http.StatusOK, resp)
}
