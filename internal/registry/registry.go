// Package registry 在DiscoveryBackend之上提供健康检查、负载均衡和生命周期事件。
package registry

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/service-coordination/internal/config"
	"github.com/hewenyu/service-coordination/pkg/model"
	"github.com/hewenyu/service-coordination/pkg/storage"
)

// Config 注册中心配置
type Config struct {
	HealthCheckInterval    time.Duration
	HealthCheckTimeout     time.Duration
	MaxConsecutiveFailures int
	HealthCheckConcurrency int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval:    30 * time.Second,
		HealthCheckTimeout:     5 * time.Second,
		MaxConsecutiveFailures: 3,
		HealthCheckConcurrency: 32,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = def.HealthCheckTimeout
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if c.HealthCheckConcurrency <= 0 {
		c.HealthCheckConcurrency = def.HealthCheckConcurrency
	}
}

// Option 注册中心选项
type Option func(*Registry)

// WithHTTPClient 替换健康检查使用的HTTP客户端
func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) {
		r.httpClient = client
	}
}

// healthState 进程内的健康状态，覆盖在后端记录之上
type healthState struct {
	status    model.HealthStatus
	failures  int
	lastCheck time.Time
}

// Registry 服务注册中心
type Registry struct {
	backend    storage.DiscoveryBackend
	cfg        Config
	logger     config.Logger
	httpClient *http.Client

	mu          sync.Mutex
	health      map[string]*healthState
	evicted     map[string]time.Time
	connections map[string]int64
	rrCounters  map[string]*atomic.Uint64
	wrrCounters map[string]*atomic.Uint64

	hooksMu sync.RWMutex
	hooks   map[EventKind][]Listener

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New 创建注册中心
func New(backend storage.DiscoveryBackend, cfg Config, logger config.Logger, opts ...Option) *Registry {
	cfg.applyDefaults()
	r := &Registry{
		backend:     backend,
		cfg:         cfg,
		logger:      logger,
		health:      make(map[string]*healthState),
		evicted:     make(map[string]time.Time),
		connections: make(map[string]int64),
		rrCounters:  make(map[string]*atomic.Uint64),
		wrrCounters: make(map[string]*atomic.Uint64),
		hooks:       make(map[EventKind][]Listener),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.httpClient == nil {
		r.httpClient = &http.Client{Timeout: cfg.HealthCheckTimeout}
	}
	return r
}

// Config 返回生效的配置
func (r *Registry) Config() Config {
	return r.cfg
}

// Register 注册服务实例并触发service_registered事件。
// 显式注册会重置本进程记录的健康状态；因健康检查失败被注销的实例
// 重新注册后保持unhealthy，直到下一次健康检查通过。
func (r *Registry) Register(ctx context.Context, instance *model.ServiceInstance) bool {
	if instance == nil {
		return false
	}
	instance.ApplyDefaults()
	if err := instance.Validate(); err != nil {
		r.logger.Warn("服务实例参数无效", zap.Error(err))
		return false
	}

	key := instance.Key()
	r.mu.Lock()
	evictedAt, wasEvicted := r.evicted[key]
	delete(r.evicted, key)
	delete(r.health, key)
	if wasEvicted {
		r.health[key] = &healthState{status: model.HealthStatusUnhealthy}
	}
	r.mu.Unlock()

	if !r.backend.Register(ctx, instance) {
		if wasEvicted {
			r.mu.Lock()
			delete(r.health, key)
			r.evicted[key] = evictedAt
			r.mu.Unlock()
		}
		r.logger.Error("注册服务实例失败",
			zap.String("service", instance.ServiceName),
			zap.String("id", instance.InstanceID))
		return false
	}

	snapshot := instance.Clone()
	if wasEvicted {
		snapshot.Status = model.HealthStatusUnhealthy
	}

	r.logger.Info("服务实例已注册",
		zap.String("service", instance.ServiceName),
		zap.String("id", instance.InstanceID),
		zap.String("address", instance.URL()),
		zap.String("status", string(snapshot.Status)))

	r.emit(ctx, Event{Kind: EventServiceRegistered, Instance: snapshot})
	return true
}

// Heartbeat 重新写入实例以刷新TTL，不触发事件也不改变健康状态。
// 实例已不在注册中心时返回false，调用方需要重新Register。
func (r *Registry) Heartbeat(ctx context.Context, instance *model.ServiceInstance) bool {
	if instance == nil {
		return false
	}
	if !r.exists(ctx, instance.ServiceName, instance.InstanceID) {
		r.logger.Warn("心跳的实例已不在注册中心，需要重新注册",
			zap.String("service", instance.ServiceName),
			zap.String("id", instance.InstanceID))
		return false
	}
	return r.refresh(ctx, instance)
}

// Refresh 按服务名和实例ID刷新TTL，实例不存在时返回false
func (r *Registry) Refresh(ctx context.Context, serviceName, instanceID string) bool {
	for _, inst := range r.backend.Discover(ctx, serviceName) {
		if inst.InstanceID == instanceID {
			return r.refresh(ctx, inst)
		}
	}
	return false
}

func (r *Registry) refresh(ctx context.Context, instance *model.ServiceInstance) bool {
	instance.ApplyDefaults()
	ok := r.backend.Register(ctx, instance)
	if !ok {
		r.logger.Warn("心跳失败",
			zap.String("service", instance.ServiceName),
			zap.String("id", instance.InstanceID))
	}
	return ok
}

func (r *Registry) exists(ctx context.Context, serviceName, instanceID string) bool {
	for _, inst := range r.backend.Discover(ctx, serviceName) {
		if inst.InstanceID == instanceID {
			return true
		}
	}
	return false
}

// Deregister 注销服务实例，实例不存在时返回false
func (r *Registry) Deregister(ctx context.Context, serviceName, instanceID string) bool {
	r.mu.Lock()
	delete(r.evicted, model.InstanceKey(serviceName, instanceID))
	r.mu.Unlock()
	return r.deregister(ctx, serviceName, instanceID, "主动注销")
}

func (r *Registry) deregister(ctx context.Context, serviceName, instanceID, reason string) bool {
	instance := r.lookup(ctx, serviceName, instanceID)

	if !r.backend.Deregister(ctx, serviceName, instanceID) {
		return false
	}

	key := model.InstanceKey(serviceName, instanceID)
	r.mu.Lock()
	delete(r.health, key)
	delete(r.connections, key)
	r.mu.Unlock()

	r.logger.Info("服务实例已注销",
		zap.String("service", serviceName),
		zap.String("id", instanceID),
		zap.String("reason", reason))

	r.emit(ctx, Event{Kind: EventServiceDeregistered, Instance: instance, Reason: reason})
	return true
}

func (r *Registry) lookup(ctx context.Context, serviceName, instanceID string) *model.ServiceInstance {
	for _, inst := range r.DiscoverInstances(ctx, serviceName) {
		if inst.InstanceID == instanceID {
			return inst
		}
	}
	return &model.ServiceInstance{ServiceName: serviceName, InstanceID: instanceID}
}

// DiscoverInstances 返回服务的全部实例，包含进程内的健康状态和连接数
func (r *Registry) DiscoverInstances(ctx context.Context, serviceName string) []*model.ServiceInstance {
	instances := r.backend.Discover(ctx, serviceName)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range instances {
		r.overlayLocked(inst)
	}
	return instances
}

// GetAllServices 返回全部服务实例
func (r *Registry) GetAllServices(ctx context.Context) map[string][]*model.ServiceInstance {
	all := r.backend.GetAll(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, instances := range all {
		for _, inst := range instances {
			r.overlayLocked(inst)
		}
	}
	return all
}

func (r *Registry) overlayLocked(inst *model.ServiceInstance) {
	key := inst.Key()
	if st, ok := r.health[key]; ok {
		inst.Status = st.status
		inst.ConsecutiveFailures = st.failures
		if !st.lastCheck.IsZero() {
			t := st.lastCheck
			inst.LastHealthCheck = &t
		}
	}
	inst.ActiveConnections = r.connections[key]
}

// AcquireConnection 增加实例的进程内连接计数
func (r *Registry) AcquireConnection(instance *model.ServiceInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[instance.Key()]++
	instance.ActiveConnections = r.connections[instance.Key()]
}

// ReleaseConnection 减少实例的进程内连接计数
func (r *Registry) ReleaseConnection(instance *model.ServiceInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := instance.Key()
	if r.connections[key] > 0 {
		r.connections[key]--
	}
	if r.connections[key] == 0 {
		delete(r.connections, key)
	}
	instance.ActiveConnections = r.connections[key]
}

// ActiveConnections 返回实例当前连接数
func (r *Registry) ActiveConnections(serviceName, instanceID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connections[model.InstanceKey(serviceName, instanceID)]
}
