package handler

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/service-coordination/internal/config"
	"github.com/hewenyu/service-coordination/internal/registry"
	"github.com/hewenyu/service-coordination/pkg/model"
)

// ServiceRequest 服务注册请求
type ServiceRequest struct {
	ServiceName     string            `json:"service_name" validate:"required,excludes=:"`
	InstanceID      string            `json:"instance_id" validate:"omitempty,excludes=:"`
	Host            string            `json:"host" validate:"required"`
	Port            int               `json:"port" validate:"required,min=1,max=65535"`
	Protocol        string            `json:"protocol" validate:"omitempty,oneof=http https"`
	HealthCheckPath string            `json:"health_check_path"`
	Weight          int               `json:"weight" validate:"omitempty,min=1"`
	Metadata        map[string]string `json:"metadata"`
}

// ServiceResponse 通用响应
type ServiceResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ServiceListData 服务列表
type ServiceListData struct {
	Services  map[string][]*model.ServiceInstance `json:"services"`
	Names     []string                            `json:"names"`
	Count     int                                 `json:"count"`
	Instances int                                 `json:"instances"`
}

// ServiceHandler 处理服务注册与发现API
type ServiceHandler struct {
	registry *registry.Registry
	logger   config.Logger
}

// NewServiceHandler 创建服务处理器
func NewServiceHandler(reg *registry.Registry, logger config.Logger) *ServiceHandler {
	return &ServiceHandler{
		registry: reg,
		logger:   logger,
	}
}

// RegisterService 注册服务实例
func (h *ServiceHandler) RegisterService(c echo.Context) error {
	var req ServiceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ServiceResponse{
			Code:    http.StatusBadRequest,
			Message: "请求参数无效: " + err.Error(),
		})
	}

	// 参数验证
	if err := c.Validate(&req); err != nil {
		h.logger.Warn("服务注册请求参数无效",
			zap.String("service", req.ServiceName),
			zap.Error(err))
		return c.JSON(http.StatusBadRequest, ServiceResponse{
			Code:    http.StatusBadRequest,
			Message: "参数验证失败: " + err.Error(),
		})
	}

	instance := &model.ServiceInstance{
		ServiceName:     req.ServiceName,
		InstanceID:      req.InstanceID,
		Host:            req.Host,
		Port:            req.Port,
		Protocol:        req.Protocol,
		HealthCheckPath: req.HealthCheckPath,
		Weight:          req.Weight,
		Metadata:        req.Metadata,
	}
	if instance.Metadata == nil {
		instance.Metadata = map[string]string{}
	}

	if !h.registry.Register(c.Request().Context(), instance) {
		return c.JSON(http.StatusInternalServerError, ServiceResponse{
			Code:    http.StatusInternalServerError,
			Message: "注册服务失败",
		})
	}

	return c.JSON(http.StatusOK, ServiceResponse{
		Code:    http.StatusOK,
		Message: "服务注册成功",
		Data:    instance,
	})
}

// DeregisterService 注销服务实例
func (h *ServiceHandler) DeregisterService(c echo.Context) error {
	serviceName := c.Param("serviceName")
	instanceID := c.Param("instanceId")

	if !h.registry.Deregister(c.Request().Context(), serviceName, instanceID) {
		return c.JSON(http.StatusNotFound, ServiceResponse{
			Code:    http.StatusNotFound,
			Message: "服务实例不存在",
		})
	}

	return c.JSON(http.StatusOK, ServiceResponse{
		Code:    http.StatusOK,
		Message: "服务注销成功",
		Data: map[string]string{
			"service_name": serviceName,
			"instance_id":  instanceID,
		},
	})
}

// Heartbeat 刷新实例TTL
func (h *ServiceHandler) Heartbeat(c echo.Context) error {
	serviceName := c.Param("serviceName")
	instanceID := c.Param("instanceId")

	if !h.registry.Refresh(c.Request().Context(), serviceName, instanceID) {
		h.logger.Warn("心跳的服务实例不存在",
			zap.String("service", serviceName),
			zap.String("id", instanceID))
		return c.JSON(http.StatusNotFound, ServiceResponse{
			Code:    http.StatusNotFound,
			Message: "服务实例不存在，请重新注册",
		})
	}

	return c.JSON(http.StatusOK, ServiceResponse{
		Code:    http.StatusOK,
		Message: "心跳更新成功",
	})
}

// ListServices 列出全部服务及其实例
func (h *ServiceHandler) ListServices(c echo.Context) error {
	all := h.registry.GetAllServices(c.Request().Context())

	data := ServiceListData{
		Services: all,
		Names:    make([]string, 0, len(all)),
		Count:    len(all),
	}
	for name, instances := range all {
		data.Names = append(data.Names, name)
		data.Instances += len(instances)
	}
	sort.Strings(data.Names)

	return c.JSON(http.StatusOK, ServiceResponse{
		Code:    http.StatusOK,
		Message: "success",
		Data:    data,
	})
}

// DiscoverService 按负载均衡策略选择一个实例。
// 查询参数: strategy（默认round_robin），healthy_only（默认true）
func (h *ServiceHandler) DiscoverService(c echo.Context) error {
	serviceName := c.Param("serviceName")

	strategy, err := registry.ParseStrategy(c.QueryParam("strategy"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ServiceResponse{
			Code:    http.StatusBadRequest,
			Message: err.Error(),
		})
	}

	healthyOnly := true
	if v := c.QueryParam("healthy_only"); v != "" {
		healthyOnly, err = strconv.ParseBool(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, ServiceResponse{
				Code:    http.StatusBadRequest,
				Message: "healthy_only参数无效: " + v,
			})
		}
	}

	instance := h.registry.DiscoverService(c.Request().Context(), serviceName, strategy, healthyOnly)
	if instance == nil {
		return c.JSON(http.StatusNotFound, ServiceResponse{
			Code:    http.StatusNotFound,
			Message: "没有可用的服务实例",
		})
	}

	return c.JSON(http.StatusOK, ServiceResponse{
		Code:    http.StatusOK,
		Message: "success",
		Data:    instance,
	})
}
