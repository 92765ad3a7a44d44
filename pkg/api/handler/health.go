package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/service-coordination/internal/registry"
	"github.com/hewenyu/service-coordination/pkg/storage"
)

// Version 服务版本
const Version = "1.0.0"

// healthCheckKey 用于检查存储可用性，不会被写入
const healthCheckKey = "health:check"

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	registry *registry.Registry
	store    storage.Store
}

// NewHealthHandler 创建健康检查处理器，store为nil时跳过存储检查
func NewHealthHandler(reg *registry.Registry, store storage.Store) *HealthHandler {
	return &HealthHandler{
		registry: reg,
		store:    store,
	}
}

// HealthCheck 健康检查处理函数
func (h *HealthHandler) HealthCheck(c echo.Context) error {
	// 创建一个带有超时的上下文，确保健康检查响应及时
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	details := map[string]interface{}{
		"version":    Version,
		"uptime":     time.Since(startTime).String(),
		"resources":  getResourceUsage(),
		"goroutines": runtime.NumGoroutine(),
		"services":   len(h.registry.GetAllServices(ctx)),
	}

	// 检查存储层是否正常
	if h.store != nil {
		if _, err := h.store.Get(ctx, healthCheckKey); err != nil && !storage.IsNotFound(err) {
			details["error"] = err.Error()
			details["component"] = "storage"
			return c.JSON(http.StatusServiceUnavailable, HealthResponse{
				Status:    "unhealthy",
				Timestamp: time.Now(),
				Details:   details,
			})
		}
	}

	return c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Details:   details,
	})
}

// 应用启动时间
var startTime = time.Now()

// getResourceUsage 获取资源使用情况
func getResourceUsage() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"memory_alloc":   formatBytes(memStats.Alloc),
		"memory_sys":     formatBytes(memStats.Sys),
		"memory_heap":    formatBytes(memStats.HeapAlloc),
		"num_gc":         memStats.NumGC,
		"num_goroutines": runtime.NumGoroutine(),
	}
}

// formatBytes 将字节数格式化为可读形式
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
