package dns

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/miekg/dns"
)

// UpstreamResolver 把非本地域的查询转发给上游DNS
type UpstreamResolver struct {
	servers []string    // 上游DNS服务器列表
	client  *dns.Client // DNS客户端
	cache   *DNSCache   // DNS缓存，可以为nil
}

// NewUpstreamResolver 创建上游DNS解析器，servers为空时返回nil
func NewUpstreamResolver(servers []string, cache *DNSCache, timeout time.Duration) *UpstreamResolver {
	if len(servers) == 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &UpstreamResolver{
		servers: append([]string(nil), servers...),
		client: &dns.Client{
			Net:     "udp",
			Timeout: timeout,
		},
		cache: cache,
	}
}

// Resolve 解析DNS请求，失败时换一个服务器重试一次
func (ur *UpstreamResolver) Resolve(req *dns.Msg) (*dns.Msg, error) {
	if len(req.Question) == 0 {
		return nil, errors.New("无效的DNS请求：没有问题部分")
	}

	// 检查缓存
	cacheKey := GetCacheKey(req.Question[0])
	if cachedResp := ur.cache.Get(cacheKey); cachedResp != nil {
		// 设置ID以匹配请求
		cachedResp.Id = req.Id
		return cachedResp, nil
	}

	server := ur.randomServer()
	resp, _, err := ur.client.Exchange(req, server)
	if err != nil && len(ur.servers) > 1 {
		resp, _, err = ur.client.Exchange(req, ur.randomServerExcept(server))
	}
	if err != nil {
		return nil, err
	}

	// 缓存成功的结果，使用回答中最小的TTL
	if resp.Rcode == dns.RcodeSuccess && len(resp.Answer) > 0 {
		minTTL := resp.Answer[0].Header().Ttl
		for _, rr := range resp.Answer {
			if rr.Header().Ttl < minTTL {
				minTTL = rr.Header().Ttl
			}
		}
		ur.cache.SetWithTTL(cacheKey, resp, time.Duration(minTTL)*time.Second)
	}

	return resp, nil
}

// randomServer 随机选择一个上游服务器
func (ur *UpstreamResolver) randomServer() string {
	return ur.servers[rand.IntN(len(ur.servers))]
}

// randomServerExcept 选择一个不是指定服务器的上游服务器
func (ur *UpstreamResolver) randomServerExcept(except string) string {
	start := rand.IntN(len(ur.servers))
	for i := range ur.servers {
		if server := ur.servers[(start+i)%len(ur.servers)]; server != except {
			return server
		}
	}
	return except
}
