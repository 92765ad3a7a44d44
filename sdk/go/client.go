// Package sdk 提供每个服务进程使用的发现客户端：自注册、心跳、发现和调用其他服务。
package sdk

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/service-coordination/internal/config"
	"github.com/hewenyu/service-coordination/internal/registry"
	"github.com/hewenyu/service-coordination/pkg/model"
)

// Config SDK客户端配置
type Config struct {
	// 服务名称
	ServiceName string `json:"service_name"`
	// 实例ID，为空时自动生成
	InstanceID string `json:"instance_id"`
	// 服务地址
	Host string `json:"host"`
	// 服务端口
	Port int `json:"port"`
	// http 或 https
	Protocol string `json:"protocol"`
	// 健康检查路径
	HealthCheckPath string `json:"health_check_path"`
	// 权重
	Weight int `json:"weight"`
	// 元数据
	Metadata map[string]string `json:"metadata"`
	// 心跳间隔
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// 调用其他服务的超时时间
	Timeout time.Duration `json:"timeout"`
	// Start时是否自动注册
	AutoRegister bool `json:"auto_register"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Protocol:          model.DefaultProtocol,
		HealthCheckPath:   model.DefaultHealthCheckPath,
		Weight:            model.DefaultWeight,
		HeartbeatInterval: 30 * time.Second,
		Timeout:           10 * time.Second,
		AutoRegister:      true,
	}
}

// Registry 客户端依赖的注册中心能力
type Registry interface {
	Start(ctx context.Context)
	Stop()
	Register(ctx context.Context, instance *model.ServiceInstance) bool
	Heartbeat(ctx context.Context, instance *model.ServiceInstance) bool
	Deregister(ctx context.Context, serviceName, instanceID string) bool
	DiscoverService(ctx context.Context, serviceName string, strategy registry.Strategy, healthyOnly bool) *model.ServiceInstance
	AcquireConnection(instance *model.ServiceInstance)
	ReleaseConnection(instance *model.ServiceInstance)
}

// Client SDK客户端
type Client struct {
	config     Config
	registry   Registry
	logger     config.Logger
	httpClient *http.Client
	instance   *model.ServiceInstance

	mu           sync.Mutex
	isRegistered bool
	stopChan     chan struct{}
	heartbeatWG  sync.WaitGroup
}

// NewClient 创建SDK客户端
func NewClient(cfg Config, reg Registry, logger config.Logger) (*Client, error) {
	// 验证必填配置
	if reg == nil {
		return nil, fmt.Errorf("注册中心不能为空")
	}
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("服务名称不能为空")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("服务地址不能为空")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("服务端口必须大于0")
	}

	// 设置默认值
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	instance := model.NewServiceInstance(cfg.ServiceName, cfg.Host, cfg.Port)
	if cfg.InstanceID != "" {
		instance.InstanceID = cfg.InstanceID
	}
	instance.Protocol = cfg.Protocol
	instance.HealthCheckPath = cfg.HealthCheckPath
	instance.Weight = cfg.Weight
	for k, v := range cfg.Metadata {
		instance.Metadata[k] = v
	}
	instance.ApplyDefaults()

	return &Client{
		config:     cfg,
		registry:   reg,
		logger:     logger.With(zap.String("service", cfg.ServiceName)),
		httpClient: &http.Client{},
		instance:   instance,
	}, nil
}

// Start 启动注册中心、按配置自注册并开始心跳
func (c *Client) Start(ctx context.Context) error {
	c.registry.Start(ctx)

	if c.config.AutoRegister {
		if err := c.Register(ctx); err != nil {
			return err
		}
	}

	c.StartHeartbeat()
	return nil
}

// Stop 停止心跳、尽力注销并关闭注册中心
func (c *Client) Stop(ctx context.Context) error {
	c.StopHeartbeat()

	if c.IsRegistered() {
		if err := c.Deregister(ctx); err != nil {
			c.logger.Warn("退出时注销服务失败", zap.Error(err))
		}
	}

	c.registry.Stop()
	return nil
}

// Discover 按策略发现一个健康实例
func (c *Client) Discover(ctx context.Context, serviceName string, strategy registry.Strategy) *model.ServiceInstance {
	return c.registry.DiscoverService(ctx, serviceName, strategy, true)
}

// Instance 返回本进程的实例信息副本
func (c *Client) Instance() *model.ServiceInstance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instance.Clone()
}

// GetServiceID 获取实例ID
func (c *Client) GetServiceID() string {
	return c.instance.InstanceID
}
