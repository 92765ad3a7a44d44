package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HealthStatus 表示服务健康状态
type HealthStatus string

const (
	// HealthStatusHealthy 健康状态
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusUnhealthy 不健康状态
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	// HealthStatusUnknown 未知状态
	HealthStatusUnknown HealthStatus = "unknown"
	// HealthStatusStarting 启动中
	HealthStatusStarting HealthStatus = "starting"
	// HealthStatusStopping 停止中
	HealthStatusStopping HealthStatus = "stopping"
)

// 默认值
const (
	DefaultProtocol        = "http"
	DefaultHealthCheckPath = "/health"
	DefaultWeight          = 1
)

// ServiceInstance 表示一个服务实例，JSON结构即注册信封
type ServiceInstance struct {
	ServiceName         string            `json:"service_name"`         // 服务名称
	InstanceID          string            `json:"instance_id"`          // 实例ID（host-port-随机后缀）
	Host                string            `json:"host"`                 // 主机地址
	Port                int               `json:"port"`                 // 端口
	Protocol            string            `json:"protocol"`             // http 或 https
	HealthCheckPath     string            `json:"health_check_path"`    // 健康检查路径
	Metadata            map[string]string `json:"metadata"`             // 元数据标签
	Weight              int               `json:"weight"`               // 权重，加权轮询使用
	Status              HealthStatus      `json:"status"`               // 健康状态
	LastHealthCheck     *time.Time        `json:"last_health_check"`    // 最后健康检查时间
	ConsecutiveFailures int               `json:"consecutive_failures"` // 连续失败次数
	ActiveConnections   int64             `json:"active_connections"`   // 当前连接数（进程内计数）
	RegisteredAt        time.Time         `json:"registered_at"`        // 注册时间
}

// NewServiceInstance 创建带默认值的服务实例，实例ID由host、port和随机后缀组成
func NewServiceInstance(serviceName, host string, port int) *ServiceInstance {
	return &ServiceInstance{
		ServiceName:     serviceName,
		InstanceID:      NewInstanceID(host, port),
		Host:            host,
		Port:            port,
		Protocol:        DefaultProtocol,
		HealthCheckPath: DefaultHealthCheckPath,
		Metadata:        map[string]string{},
		Weight:          DefaultWeight,
		Status:          HealthStatusHealthy,
		RegisteredAt:    time.Now().UTC(),
	}
}

// NewInstanceID 生成实例ID
func NewInstanceID(host string, port int) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	// IPv6地址中的':'换成'.'
	host = strings.ReplaceAll(host, ":", ".")
	return fmt.Sprintf("%s-%d-%s", host, port, suffix)
}

// ApplyDefaults 补全缺省字段
func (s *ServiceInstance) ApplyDefaults() {
	if s.InstanceID == "" {
		s.InstanceID = NewInstanceID(s.Host, s.Port)
	}
	if s.Protocol == "" {
		s.Protocol = DefaultProtocol
	}
	if s.HealthCheckPath == "" {
		s.HealthCheckPath = DefaultHealthCheckPath
	}
	if s.Weight <= 0 {
		s.Weight = DefaultWeight
	}
	if s.Status == "" {
		s.Status = HealthStatusHealthy
	}
	if s.RegisteredAt.IsZero() {
		s.RegisteredAt = time.Now().UTC()
	}
}

// Validate 检查必填字段。服务名和实例ID不能含有':'，它是组合键和存储键的分隔符
func (s *ServiceInstance) Validate() error {
	if s.ServiceName == "" || s.InstanceID == "" || s.Host == "" || s.Port <= 0 {
		return fmt.Errorf("服务名、实例ID、主机和端口都是必需的")
	}
	if strings.Contains(s.ServiceName, ":") || strings.Contains(s.InstanceID, ":") {
		return fmt.Errorf("服务名和实例ID不能包含':': %s/%s", s.ServiceName, s.InstanceID)
	}
	return nil
}

// Key 返回 (service_name, instance_id) 组合键
func (s *ServiceInstance) Key() string {
	return InstanceKey(s.ServiceName, s.InstanceID)
}

// InstanceKey 组合服务名和实例ID
func InstanceKey(serviceName, instanceID string) string {
	return serviceName + ":" + instanceID
}

// URL 返回实例的基础地址
func (s *ServiceInstance) URL() string {
	return fmt.Sprintf("%s://%s:%d", s.Protocol, s.Host, s.Port)
}

// HealthCheckURL 返回健康检查地址
func (s *ServiceInstance) HealthCheckURL() string {
	path := s.HealthCheckPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return s.URL() + path
}

// IsHealthy 是否健康
func (s *ServiceInstance) IsHealthy() bool {
	return s.Status == HealthStatusHealthy
}

// MarkHealthy 记录一次成功的健康检查，重置失败计数
func (s *ServiceInstance) MarkHealthy(at time.Time) {
	s.Status = HealthStatusHealthy
	s.ConsecutiveFailures = 0
	s.LastHealthCheck = &at
}

// MarkUnhealthy 记录一次失败的健康检查，累加失败计数
func (s *ServiceInstance) MarkUnhealthy(at time.Time) {
	s.Status = HealthStatusUnhealthy
	s.ConsecutiveFailures++
	s.LastHealthCheck = &at
}

// Clone 深拷贝实例
func (s *ServiceInstance) Clone() *ServiceInstance {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	if s.LastHealthCheck != nil {
		t := *s.LastHealthCheck
		c.LastHealthCheck = &t
	}
	return &c
}
