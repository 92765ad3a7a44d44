package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/service-coordination/internal/config"
	"github.com/hewenyu/service-coordination/internal/events"
	"github.com/hewenyu/service-coordination/pkg/model"
)

// ReceiveResponse 事件接收响应
type ReceiveResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	EventID string `json:"event_id"`
}

// PublishRequest 事件发布请求
type PublishRequest struct {
	EventType      string          `json:"event_type" validate:"required"`
	Data           json.RawMessage `json:"data"`
	Priority       string          `json:"priority" validate:"omitempty,oneof=low medium high critical"`
	TargetServices []string        `json:"target_services"`
	MaxRetries     *int            `json:"max_retries" validate:"omitempty,min=0,max=10"`
	Async          bool            `json:"async"`
}

// EventHandler 事件接收与运维接口
type EventHandler struct {
	publisher *events.Publisher
	consumer  *events.Handler
	logger    config.Logger
}

// NewEventHandler 创建事件处理器，publisher或consumer为nil时对应接口返回503
func NewEventHandler(publisher *events.Publisher, consumer *events.Handler, logger config.Logger) *EventHandler {
	return &EventHandler{
		publisher: publisher,
		consumer:  consumer,
		logger:    logger,
	}
}

// ReceiveEvent 接收其他服务投递的事件。
// 处理失败返回500，正在处理中的重复投递返回409，发布方据此重试。
func (h *EventHandler) ReceiveEvent(c echo.Context) error {
	if h.consumer == nil {
		return c.JSON(http.StatusServiceUnavailable, ReceiveResponse{Status: "error", Message: "事件处理器未启用"})
	}

	var env model.EventEnvelope
	if err := c.Bind(&env); err != nil {
		return c.JSON(http.StatusBadRequest, ReceiveResponse{
			Status:  "error",
			Message: "请求参数无效: " + err.Error(),
		})
	}
	if err := env.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, ReceiveResponse{
			Status:  "error",
			Message: err.Error(),
			EventID: env.EventID,
		})
	}

	record := h.consumer.HandleEvent(c.Request().Context(), &env)

	code := http.StatusOK
	switch record.Status {
	case model.StatusFailed:
		code = http.StatusInternalServerError
	case model.StatusProcessing:
		code = http.StatusConflict
	}
	return c.JSON(code, ReceiveResponse{
		Status:  string(record.Status),
		Message: record.Message,
		EventID: env.EventID,
	})
}

// PublishEvent 发布任意事件
func (h *EventHandler) PublishEvent(c echo.Context) error {
	if h.publisher == nil {
		return c.JSON(http.StatusServiceUnavailable, ServiceResponse{Code: http.StatusServiceUnavailable, Message: "事件发布器未启用"})
	}

	var req PublishRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ServiceResponse{
			Code:    http.StatusBadRequest,
			Message: "请求参数无效: " + err.Error(),
		})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ServiceResponse{
			Code:    http.StatusBadRequest,
			Message: "参数验证失败: " + err.Error(),
		})
	}

	opts := []events.PublishOption{events.WithAsync(req.Async)}
	if req.Priority != "" {
		opts = append(opts, events.WithPriority(model.Priority(req.Priority)))
	}
	if len(req.TargetServices) > 0 {
		opts = append(opts, events.WithTargets(req.TargetServices...))
	}
	if req.MaxRetries != nil {
		opts = append(opts, events.WithMaxRetries(*req.MaxRetries))
	}

	eventID, err := h.publisher.Publish(c.Request().Context(), model.EventType(req.EventType), req.Data, opts...)
	if err != nil {
		h.logger.Error("发布事件失败", zap.String("event_type", req.EventType), zap.Error(err))
		code := http.StatusInternalServerError
		if errors.Is(err, events.ErrPublisherClosed) {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, ServiceResponse{
			Code:    code,
			Message: "发布事件失败: " + err.Error(),
		})
	}

	return c.JSON(http.StatusOK, ServiceResponse{
		Code:    http.StatusOK,
		Message: "事件已发布",
		Data:    map[string]string{"event_id": eventID},
	})
}

// EventStatus 查询事件投递状态
func (h *EventHandler) EventStatus(c echo.Context) error {
	if h.publisher == nil {
		return c.JSON(http.StatusServiceUnavailable, ServiceResponse{Code: http.StatusServiceUnavailable, Message: "事件发布器未启用"})
	}

	status, err := h.publisher.Status(c.Request().Context(), c.Param("event_id"))
	if errors.Is(err, events.ErrUnknownEvent) {
		return c.JSON(http.StatusNotFound, ServiceResponse{
			Code:    http.StatusNotFound,
			Message: err.Error(),
		})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ServiceResponse{
			Code:    http.StatusInternalServerError,
			Message: "查询事件状态失败: " + err.Error(),
		})
	}

	return c.JSON(http.StatusOK, ServiceResponse{
		Code:    http.StatusOK,
		Message: "success",
		Data:    status,
	})
}

// EventStats 最近事件和死信统计
func (h *EventHandler) EventStats(c echo.Context) error {
	if h.publisher == nil {
		return c.JSON(http.StatusServiceUnavailable, ServiceResponse{Code: http.StatusServiceUnavailable, Message: "事件发布器未启用"})
	}

	ctx := c.Request().Context()
	stats, err := h.publisher.Stats(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ServiceResponse{
			Code:    http.StatusInternalServerError,
			Message: "获取事件统计失败: " + err.Error(),
		})
	}
	deadLetters, err := h.publisher.DeadLetters(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ServiceResponse{
			Code:    http.StatusInternalServerError,
			Message: "获取死信失败: " + err.Error(),
		})
	}

	return c.JSON(http.StatusOK, ServiceResponse{
		Code:    http.StatusOK,
		Message: "success",
		Data: map[string]interface{}{
			"stats":        stats,
			"dead_letters": deadLetters,
		},
	})
}

// RetryEvent 重放死信事件
func (h *EventHandler) RetryEvent(c echo.Context) error {
	if h.publisher == nil {
		return c.JSON(http.StatusServiceUnavailable, ServiceResponse{Code: http.StatusServiceUnavailable, Message: "事件发布器未启用"})
	}

	eventID := c.Param("event_id")
	replayed, err := h.publisher.Retry(c.Request().Context(), eventID)
	switch {
	case errors.Is(err, events.ErrNotDeadLettered):
		return c.JSON(http.StatusNotFound, ServiceResponse{
			Code:    http.StatusNotFound,
			Message: err.Error(),
		})
	case err != nil:
		h.logger.Error("重放死信失败", zap.String("event_id", eventID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ServiceResponse{
			Code:    http.StatusInternalServerError,
			Message: "重放事件失败: " + err.Error(),
		})
	}

	return c.JSON(http.StatusOK, ServiceResponse{
		Code:    http.StatusOK,
		Message: "事件已重新投递",
		Data: map[string]interface{}{
			"event_id": eventID,
			"replayed": replayed,
		},
	})
}

// EventHealth 事件子系统健康检查
func (h *EventHandler) EventHealth(c echo.Context) error {
	details := map[string]interface{}{
		"publisher": h.publisher != nil,
		"handler":   h.consumer != nil,
	}

	if h.publisher != nil {
		stats, err := h.publisher.Stats(c.Request().Context())
		if err != nil {
			details["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, HealthResponse{
				Status:    "unhealthy",
				Timestamp: time.Now(),
				Details:   details,
			})
		}
		details["recent_events"] = stats.RecentEvents
		details["dead_letters"] = stats.DeadLetters
		details["pending_retries"] = stats.PendingRetries
	}

	return c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Details:   details,
	})
}
