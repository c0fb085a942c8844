package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/mstgnz/paygate/infra/response"
)

// Check probes one dependency
type Check func(ctx context.Context) error

// Dependency is a named health probe. Critical dependencies make the service unhealthy when down.
type Dependency struct {
	Name     string
	Critical bool
	Check    Check
}

// GatewayPinger reports gateway connectivity
type GatewayPinger interface {
	Ping(ctx context.Context) (map[string]any, error)
}

// HealthHandler handles health check requests
type HealthHandler struct {
	deps        []Dependency
	gateway     GatewayPinger
	version     string
	environment string
	startTime   time.Time
}

// HealthStatus represents overall system health
type HealthStatus struct {
	Status      string                    `json:"status"`
	Version     string                    `json:"version"`
	Timestamp   time.Time                 `json:"timestamp"`
	Uptime      string                    `json:"uptime"`
	Environment string                    `json:"environment"`
	Services    map[string]*ServiceHealth `json:"services"`
	System      *SystemHealth             `json:"system"`
}

// ServiceHealth represents one dependency
type ServiceHealth struct {
	Status       string `json:"status"`
	Healthy      bool   `json:"healthy"`
	Critical     bool   `json:"critical"`
	ResponseTime string `json:"response_time"`
	LastCheck    string `json:"last_check"`
	Error        string `json:"error,omitempty"`
}

// SystemHealth represents process resource usage
type SystemHealth struct {
	Alloc      string `json:"alloc"`
	Sys        string `json:"sys"`
	GCRuns     uint32 `json:"gc_runs"`
	GoRoutines int    `json:"goroutines"`
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(gateway GatewayPinger, version, environment string, deps ...Dependency) *HealthHandler {
	sort.SliceStable(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	return &HealthHandler{
		deps:        deps,
		gateway:     gateway,
		version:     version,
		environment: environment,
		startTime:   time.Now(),
	}
}

// CheckHealth probes every dependency
func (h *HealthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := &HealthStatus{
		Version:     h.version,
		Timestamp:   time.Now().UTC(),
		Uptime:      time.Since(h.startTime).Round(time.Second).String(),
		Environment: h.environment,
		Services:    h.checkServices(ctx),
		System:      checkSystem(),
	}
	health.Status = overallStatus(health.Services)

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	_ = response.WriteJSON(w, statusCode, response.Response{
		Code:    statusCode,
		Success: health.Status != "unhealthy",
		Message: fmt.Sprintf("Service is %s", health.Status),
		Data:    health,
	})
}

// GatewayPing checks credentials against the gateway with a harmless lookup
func (h *HealthHandler) GatewayPing(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	info, err := h.gateway.Ping(ctx)
	if err != nil {
		response.Failure(w, "Gateway unreachable", err, info)
		return
	}
	response.Success(w, http.StatusOK, "Gateway reachable", info)
}

func (h *HealthHandler) checkServices(ctx context.Context) map[string]*ServiceHealth {
	services := make(map[string]*ServiceHealth, len(h.deps))
	for _, dep := range h.deps {
		started := time.Now()
		err := dep.Check(ctx)

		svc := &ServiceHealth{
			Status:       "healthy",
			Healthy:      true,
			Critical:     dep.Critical,
			ResponseTime: time.Since(started).String(),
			LastCheck:    time.Now().UTC().Format(time.RFC3339),
		}
		if err != nil {
			svc.Status = "unhealthy"
			svc.Healthy = false
			svc.Error = err.Error()
		}
		services[dep.Name] = svc
	}
	return services
}

func overallStatus(services map[string]*ServiceHealth) string {
	status := "healthy"
	for _, svc := range services {
		if svc.Healthy {
			continue
		}
		if svc.Critical {
			return "unhealthy"
		}
		status = "degraded"
	}
	return status
}

func checkSystem() *SystemHealth {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return &SystemHealth{
		Alloc:      formatBytes(memStats.Alloc),
		Sys:        formatBytes(memStats.Sys),
		GCRuns:     memStats.NumGC,
		GoRoutines: runtime.NumGoroutine(),
	}
}

func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
