package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hewenyu/service-coordination/pkg/model"
	"github.com/hewenyu/service-coordination/pkg/storage"
)

// DefaultTTL 注册记录默认TTL
const DefaultTTL = 60 * time.Second

// entry 实例记录及其过期时间
type entry struct {
	instance *model.ServiceInstance
	expireAt time.Time // 零值表示不过期
}

// ServiceStorage 是基于内存的服务注册后端，单进程或测试场景使用。
// 一个以 (service_name, instance_id) 为键的map保存记录，另一个map按服务名索引实例ID，
// 两者由同一把锁保护。
type ServiceStorage struct {
	mu        sync.Mutex
	instances map[string]*entry
	index     map[string]map[string]struct{}
	ttl       time.Duration
	now       func() time.Time
}

var _ storage.DiscoveryBackend = (*ServiceStorage)(nil)

// Option 配置内存后端
type Option func(*ServiceStorage)

// WithTTL 设置记录TTL，0表示不过期
func WithTTL(ttl time.Duration) Option {
	return func(s *ServiceStorage) { s.ttl = ttl }
}

// WithClock 替换时钟，测试中用于模拟时间流逝
func WithClock(now func() time.Time) Option {
	return func(s *ServiceStorage) { s.now = now }
}

// NewServiceStorage 创建新的内存后端
func NewServiceStorage(opts ...Option) *ServiceStorage {
	s := &ServiceStorage{
		instances: make(map[string]*entry),
		index:     make(map[string]map[string]struct{}),
		ttl:       DefaultTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register 写入实例并刷新TTL
func (s *ServiceStorage) Register(ctx context.Context, instance *model.ServiceInstance) bool {
	if instance == nil || instance.Validate() != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{instance: instance.Clone()}
	if s.ttl > 0 {
		e.expireAt = s.now().Add(s.ttl)
	}
	s.instances[instance.Key()] = e

	ids, ok := s.index[instance.ServiceName]
	if !ok {
		ids = make(map[string]struct{})
		s.index[instance.ServiceName] = ids
	}
	ids[instance.InstanceID] = struct{}{}
	return true
}

// Deregister 注销实例，索引为空时一并删除
func (s *ServiceStorage) Deregister(ctx context.Context, serviceName, instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := model.InstanceKey(serviceName, instanceID)
	e, exists := s.instances[key]
	if !exists {
		return false
	}
	delete(s.instances, key)
	s.removeFromIndex(serviceName, instanceID)

	// 已过期的记录视同不存在
	return !s.expired(e)
}

// Discover 返回服务的有效实例
func (s *ServiceStorage) Discover(ctx context.Context, serviceName string) []*model.ServiceInstance {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.discoverLocked(serviceName)
}

// GetAll 返回全部服务实例快照
func (s *ServiceStorage) GetAll(ctx context.Context) map[string][]*model.ServiceInstance {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.index))
	for name := range s.index {
		names = append(names, name)
	}

	result := make(map[string][]*model.ServiceInstance, len(names))
	for _, name := range names {
		if instances := s.discoverLocked(name); len(instances) > 0 {
			result[name] = instances
		}
	}
	return result
}

// discoverLocked 调用方需持有锁
func (s *ServiceStorage) discoverLocked(serviceName string) []*model.ServiceInstance {
	ids := s.index[serviceName]
	instances := make([]*model.ServiceInstance, 0, len(ids))

	var stale []string
	for id := range ids {
		key := model.InstanceKey(serviceName, id)
		e, ok := s.instances[key]
		if !ok || s.expired(e) {
			stale = append(stale, id)
			continue
		}
		instances = append(instances, e.instance.Clone())
	}

	// 自愈读：清理索引中已过期的实例
	for _, id := range stale {
		delete(s.instances, model.InstanceKey(serviceName, id))
		s.removeFromIndex(serviceName, id)
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].InstanceID < instances[j].InstanceID
	})
	return instances
}

func (s *ServiceStorage) removeFromIndex(serviceName, instanceID string) {
	ids, ok := s.index[serviceName]
	if !ok {
		return
	}
	delete(ids, instanceID)
	if len(ids) == 0 {
		delete(s.index, serviceName)
	}
}

func (s *ServiceStorage) expired(e *entry) bool {
	return !e.expireAt.IsZero() && !s.now().Before(e.expireAt)
}
