package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/service-coordination/internal/events"
	"github.com/hewenyu/service-coordination/internal/registry"
)

// MetricsHandler 指标处理器
type MetricsHandler struct {
	registry       *registry.Registry
	publisher      *events.Publisher
	metrics        *Metrics
	metricsLock    sync.RWMutex
	lastUpdateTime time.Time
}

// Metrics 系统指标
type Metrics struct {
	ServiceCount      int                    `json:"service_count"`
	InstanceCount     int                    `json:"instance_count"`
	HealthyInstances  int                    `json:"healthy_instances"`
	ActiveConnections int64                  `json:"active_connections"`
	DNSQueryCount     int64                  `json:"dns_query_count"`
	APIRequestCount   int64                  `json:"api_request_count"`
	AvgResponseTime   float64                `json:"avg_response_time"`
	Events            *events.Stats          `json:"events,omitempty"`
	ResourceUsage     map[string]interface{} `json:"resource_usage"`
	LastCollectedTime time.Time              `json:"last_collected_time"`
}

// NewMetricsHandler 创建指标处理器，publisher可以为nil
func NewMetricsHandler(reg *registry.Registry, publisher *events.Publisher) *MetricsHandler {
	return &MetricsHandler{
		registry:  reg,
		publisher: publisher,
		metrics:   &Metrics{},
	}
}

// GetMetrics 获取系统指标
func (h *MetricsHandler) GetMetrics(c echo.Context) error {
	// 如果距离上次更新时间超过5秒，则更新指标
	h.metricsLock.RLock()
	stale := time.Since(h.lastUpdateTime) > 5*time.Second
	h.metricsLock.RUnlock()
	if stale {
		h.updateMetrics(c.Request().Context())
	}

	// 读取指标数据
	h.metricsLock.RLock()
	snapshot := *h.metrics
	h.metricsLock.RUnlock()

	return c.JSON(http.StatusOK, ServiceResponse{
		Code:    http.StatusOK,
		Message: "success",
		Data:    snapshot,
	})
}

// 更新指标数据
func (h *MetricsHandler) updateMetrics(ctx context.Context) {
	all := h.registry.GetAllServices(ctx)

	var instances, healthy int
	var connections int64
	for _, list := range all {
		for _, inst := range list {
			instances++
			if inst.IsHealthy() {
				healthy++
			}
			connections += inst.ActiveConnections
		}
	}

	var stats *events.Stats
	if h.publisher != nil {
		if s, err := h.publisher.Stats(ctx); err == nil {
			stats = s
		}
	}

	h.metricsLock.Lock()
	defer h.metricsLock.Unlock()
	h.metrics.ServiceCount = len(all)
	h.metrics.InstanceCount = instances
	h.metrics.HealthyInstances = healthy
	h.metrics.ActiveConnections = connections
	h.metrics.Events = stats
	h.metrics.ResourceUsage = getResourceUsage()
	h.metrics.LastCollectedTime = time.Now()
	h.lastUpdateTime = time.Now()
}

// Middleware 统计API请求数和平均响应时间
func (h *MetricsHandler) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			h.IncrementAPIRequestCount()
			h.UpdateAvgResponseTime(float64(time.Since(start).Microseconds()) / 1000)
			return err
		}
	}
}

// IncrementDNSQueryCount 增加DNS查询计数
func (h *MetricsHandler) IncrementDNSQueryCount() {
	h.metricsLock.Lock()
	defer h.metricsLock.Unlock()
	h.metrics.DNSQueryCount++
}

// IncrementAPIRequestCount 增加API请求计数
func (h *MetricsHandler) IncrementAPIRequestCount() {
	h.metricsLock.Lock()
	defer h.metricsLock.Unlock()
	h.metrics.APIRequestCount++
}

// UpdateAvgResponseTime 更新平均响应时间（毫秒）
func (h *MetricsHandler) UpdateAvgResponseTime(responseTime float64) {
	h.metricsLock.Lock()
	defer h.metricsLock.Unlock()

	// 简单的移动平均值计算
	if h.metrics.AvgResponseTime == 0 {
		h.metrics.AvgResponseTime = responseTime
	} else {
		h.metrics.AvgResponseTime = (h.metrics.AvgResponseTime*9 + responseTime) / 10
	}
}
