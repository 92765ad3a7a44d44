package redis

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hewenyu/service-coordination/internal/config"
	"github.com/hewenyu/service-coordination/pkg/model"
	"github.com/hewenyu/service-coordination/pkg/storage"
)

// 键前缀
const keyPrefix = "services:"

// DefaultTTL 注册记录默认TTL
const DefaultTTL = 60 * time.Second

// ServiceStorage 是基于Redis的服务注册后端。
//
// 键结构:
//
//	services:<name>               实例ID集合
//	services:<name>:<instance_id> JSON序列化的实例
//
// 两个键使用相同的TTL，重新注册即刷新TTL。
type ServiceStorage struct {
	client goredis.UniversalClient
	ttl    time.Duration
	logger config.Logger
}

var _ storage.DiscoveryBackend = (*ServiceStorage)(nil)

// NewServiceStorage 创建Redis后端，ttl<=0时使用默认值
func NewServiceStorage(client goredis.UniversalClient, ttl time.Duration, logger config.Logger) *ServiceStorage {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ServiceStorage{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func serviceKey(serviceName string) string {
	return keyPrefix + serviceName
}

func instanceKey(serviceName, instanceID string) string {
	return keyPrefix + serviceName + ":" + instanceID
}

// Register 写入实例并刷新实例键和索引集合的TTL
func (s *ServiceStorage) Register(ctx context.Context, instance *model.ServiceInstance) bool {
	if instance == nil || instance.Validate() != nil {
		return false
	}

	data, err := json.Marshal(instance)
	if err != nil {
		s.logger.Error("序列化服务实例失败",
			zap.String("service", instance.ServiceName),
			zap.String("id", instance.InstanceID),
			zap.Error(err))
		return false
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, instanceKey(instance.ServiceName, instance.InstanceID), data, s.ttl)
	pipe.SAdd(ctx, serviceKey(instance.ServiceName), instance.InstanceID)
	pipe.Expire(ctx, serviceKey(instance.ServiceName), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("注册服务实例失败",
			zap.String("service", instance.ServiceName),
			zap.String("id", instance.InstanceID),
			zap.Error(err))
		return false
	}
	return true
}

// Deregister 删除实例键并从索引集合移除，集合为空时Redis会自动删除该键
func (s *ServiceStorage) Deregister(ctx context.Context, serviceName, instanceID string) bool {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, instanceKey(serviceName, instanceID))
	pipe.SRem(ctx, serviceKey(serviceName), instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("注销服务实例失败",
			zap.String("service", serviceName),
			zap.String("id", instanceID),
			zap.Error(err))
		return false
	}
	return del.Val() > 0
}

// Discover 返回服务的有效实例，索引中已过期的ID会被移除
func (s *ServiceStorage) Discover(ctx context.Context, serviceName string) []*model.ServiceInstance {
	ids, err := s.client.SMembers(ctx, serviceKey(serviceName)).Result()
	if err != nil {
		s.logger.Error("读取服务索引失败", zap.String("service", serviceName), zap.Error(err))
		return []*model.ServiceInstance{}
	}
	if len(ids) == 0 {
		return []*model.ServiceInstance{}
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = instanceKey(serviceName, id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		s.logger.Error("读取服务实例失败", zap.String("service", serviceName), zap.Error(err))
		return []*model.ServiceInstance{}
	}

	instances := make([]*model.ServiceInstance, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var instance model.ServiceInstance
		if err := json.Unmarshal([]byte(raw), &instance); err != nil {
			s.logger.Warn("解析服务实例数据失败",
				zap.String("key", keys[i]),
				zap.Error(err))
			continue
		}
		instances = append(instances, &instance)
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, serviceKey(serviceName), stale...).Err(); err != nil {
			s.logger.Warn("清理过期实例索引失败", zap.String("service", serviceName), zap.Error(err))
		} else {
			s.logger.Debug("清理过期实例索引",
				zap.String("service", serviceName),
				zap.Int("count", len(stale)))
		}
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].InstanceID < instances[j].InstanceID
	})
	return instances
}

// GetAll 扫描所有索引集合并返回全部实例
func (s *ServiceStorage) GetAll(ctx context.Context) map[string][]*model.ServiceInstance {
	result := make(map[string][]*model.ServiceInstance)

	names, err := s.serviceNames(ctx)
	if err != nil {
		s.logger.Error("扫描服务列表失败", zap.Error(err))
		return result
	}

	for _, name := range names {
		if instances := s.Discover(ctx, name); len(instances) > 0 {
			result[name] = instances
		}
	}
	return result
}

// serviceNames 索引集合的键只有一个冒号，实例键有两个
func (s *ServiceStorage) serviceNames(ctx context.Context) ([]string, error) {
	var names []string
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), keyPrefix)
		if rest == "" || strings.Contains(rest, ":") {
			continue
		}
		names = append(names, rest)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
