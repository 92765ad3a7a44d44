package router

import (
	"github.com/labstack/echo/v4"

	"github.com/hewenyu/service-coordination/pkg/api/handler"
)

// RegisterEventRoutes 配置事件接收和运维相关路由
func RegisterEventRoutes(e *echo.Echo, eventHandler *handler.EventHandler) {
	if e.Validator == nil {
		e.Validator = handler.NewValidator()
	}

	api := e.Group("/api/events")
	api.POST("/receive/", eventHandler.ReceiveEvent)        // 接收事件
	api.POST("/publish/", eventHandler.PublishEvent)        // 发布事件
	api.GET("/status/:event_id/", eventHandler.EventStatus) // 投递状态
	api.GET("/stats/", eventHandler.EventStats)             // 统计
	api.POST("/retry/:event_id/", eventHandler.RetryEvent)  // 重放死信
	api.GET("/health/", eventHandler.EventHealth)           // 健康检查
}
