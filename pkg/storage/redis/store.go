package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hewenyu/service-coordination/pkg/storage"
)

// Store 基于Redis的键值存储，实现storage.Store
type Store struct {
	client goredis.UniversalClient
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建Redis键值存储
func NewStore(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

// Get 读取键值
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.NewNotFoundError("键不存在: " + key)
	}
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("读取redis失败: %v", err))
	}
	return val, nil
}

// Set 写入键值
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return storage.NewInternalError(fmt.Sprintf("写入redis失败: %v", err))
	}
	return nil
}

// SetNX 仅在键不存在时写入
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, storage.NewInternalError(fmt.Sprintf("写入redis失败: %v", err))
	}
	return ok, nil
}

// Delete 删除键
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return storage.NewInternalError(fmt.Sprintf("删除redis键失败: %v", err))
	}
	return nil
}

// PushBounded 头插并截断列表，同时刷新TTL
func (s *Store) PushBounded(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, value)
	if maxLen > 0 {
		pipe.LTrim(ctx, key, 0, int64(maxLen-1))
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storage.NewInternalError(fmt.Sprintf("写入redis列表失败: %v", err))
	}
	return nil
}

// Range 返回列表全部元素
func (s *Store) Range(ctx context.Context, key string) ([][]byte, error) {
	vals, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("读取redis列表失败: %v", err))
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// RemoveFromList 删除列表中与value相同的元素
func (s *Store) RemoveFromList(ctx context.Context, key string, value []byte) (int, error) {
	n, err := s.client.LRem(ctx, key, 0, value).Result()
	if err != nil {
		return 0, storage.NewInternalError(fmt.Sprintf("删除redis列表元素失败: %v", err))
	}
	return int(n), nil
}
