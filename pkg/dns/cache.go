package dns

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// DNSCache 应答缓存，注册信息变化时整体清空
type DNSCache struct {
	mu         sync.RWMutex
	cache      map[string]*cacheEntry
	defaultTTL time.Duration
	now        func() time.Time
}

// cacheEntry 表示缓存中的一条记录
type cacheEntry struct {
	msg      *dns.Msg
	expireAt time.Time
}

// NewDNSCache 创建新的DNS缓存，ttl<=0时不缓存
func NewDNSCache(ttl time.Duration) *DNSCache {
	return &DNSCache{
		cache:      make(map[string]*cacheEntry),
		defaultTTL: ttl,
		now:        time.Now,
	}
}

// Enabled 是否启用缓存
func (c *DNSCache) Enabled() bool {
	return c != nil && c.defaultTTL > 0
}

// Get 从缓存获取DNS响应副本
func (c *DNSCache) Get(key string) *dns.Msg {
	if !c.Enabled() {
		return nil
	}

	c.mu.RLock()
	entry, found := c.cache[key]
	c.mu.RUnlock()
	if !found || c.now().After(entry.expireAt) {
		return nil
	}

	// 返回缓存副本避免并发修改
	return entry.msg.Copy()
}

// Set 使用默认TTL设置缓存记录
func (c *DNSCache) Set(key string, msg *dns.Msg) {
	c.SetWithTTL(key, msg, c.defaultTTL)
}

// SetWithTTL 使用指定TTL设置缓存记录
func (c *DNSCache) SetWithTTL(key string, msg *dns.Msg, ttl time.Duration) {
	if !c.Enabled() || msg == nil || ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = &cacheEntry{
		msg:      msg.Copy(),
		expireAt: c.now().Add(ttl),
	}
}

// Flush 清空缓存
func (c *DNSCache) Flush() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.cache)
}

// Len 当前缓存条目数
func (c *DNSCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// CleanupExpired 清理所有过期缓存
func (c *DNSCache) CleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.cache {
		if now.After(entry.expireAt) {
			delete(c.cache, key)
		}
	}
}

// StartCleanupRoutine 定期清理过期缓存，ctx取消后退出
func (c *DNSCache) StartCleanupRoutine(ctx context.Context, interval time.Duration) {
	if !c.Enabled() || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.CleanupExpired()
			}
		}
	}()
}

// GetCacheKey 生成缓存键
func GetCacheKey(q dns.Question) string {
	return strings.ToLower(q.Name) + "-" + dns.TypeToString[q.Qtype]
}
