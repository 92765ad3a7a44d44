package router

import (
	"github.com/labstack/echo/v4"

	"github.com/hewenyu/service-coordination/pkg/api/handler"
)

// RegisterRoutes 配置服务注册与发现相关路由，metricsHandler可以为nil
func RegisterRoutes(e *echo.Echo, serviceHandler *handler.ServiceHandler, healthHandler *handler.HealthHandler, metricsHandler *handler.MetricsHandler) {
	if e.Validator == nil {
		e.Validator = handler.NewValidator()
	}

	// 健康检查
	e.GET("/health", healthHandler.HealthCheck)

	// API分组，版本v1
	api := e.Group("/api/v1")

	// 服务注册相关路由
	services := api.Group("/services")
	services.GET("", serviceHandler.ListServices)                                  // 服务列表
	services.POST("/register", serviceHandler.RegisterService)                     // 注册服务
	services.DELETE("/:serviceName/:instanceId", serviceHandler.DeregisterService) // 注销服务
	services.PUT("/heartbeat/:serviceName/:instanceId", serviceHandler.Heartbeat)  // 心跳更新
	services.GET("/:serviceName/discover", serviceHandler.DiscoverService)         // 负载均衡选择实例

	// 统计指标相关路由
	if metricsHandler != nil {
		api.GET("/metrics", metricsHandler.GetMetrics)
	}
}
