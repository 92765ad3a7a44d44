package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/hewenyu/service-coordination/pkg/storage"
)

type kvEntry struct {
	value    []byte
	list     [][]byte
	expireAt time.Time
}

// Store 是基于内存的键值存储，实现storage.Store
type Store struct {
	mu   sync.Mutex
	data map[string]*kvEntry
	now  func() time.Time
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建内存键值存储
func NewStore() *Store {
	return &Store{
		data: make(map[string]*kvEntry),
		now:  time.Now,
	}
}

// NewStoreWithClock 使用指定时钟创建存储
func NewStoreWithClock(now func() time.Time) *Store {
	s := NewStore()
	s.now = now
	return s
}

// Get 读取键值
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil || e.value == nil {
		return nil, storage.NewNotFoundError("键不存在: " + key)
	}
	return append([]byte(nil), e.value...), nil
}

// Set 写入键值
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = &kvEntry{value: append([]byte(nil), value...), expireAt: s.deadline(ttl)}
	return nil
}

// SetNX 仅在键不存在时写入
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live(key) != nil {
		return false, nil
	}
	s.data[key] = &kvEntry{value: append([]byte(nil), value...), expireAt: s.deadline(ttl)}
	return true, nil
}

// Delete 删除键
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// PushBounded 头插并截断列表
func (s *Store) PushBounded(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		e = &kvEntry{}
		s.data[key] = e
	}
	e.list = append([][]byte{append([]byte(nil), value...)}, e.list...)
	if maxLen > 0 && len(e.list) > maxLen {
		e.list = e.list[:maxLen]
	}
	e.expireAt = s.deadline(ttl)
	return nil
}

// Range 返回列表全部元素
func (s *Store) Range(ctx context.Context, key string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil, nil
	}
	out := make([][]byte, len(e.list))
	for i, v := range e.list {
		out[i] = append([]byte(nil), v...)
	}
	return out, nil
}

// RemoveFromList 删除列表中与value相同的元素
func (s *Store) RemoveFromList(ctx context.Context, key string, value []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return 0, nil
	}
	kept := e.list[:0]
	removed := 0
	for _, v := range e.list {
		if bytes.Equal(v, value) {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	e.list = kept
	return removed, nil
}

// live 返回未过期的条目，调用方需持有锁
func (s *Store) live(key string) *kvEntry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if !e.expireAt.IsZero() && !s.now().Before(e.expireAt) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *Store) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}
