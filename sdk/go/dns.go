package sdk

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// ErrNoEndpoints DNS视图中没有该服务的健康实例
var ErrNoEndpoints = errors.New("没有可用的服务端点")

// Endpoint 通过SRV记录解析出的服务端点
type Endpoint struct {
	Host   string
	Port   int
	Weight int
}

// Addr 返回host:port
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// DNSResolver 通过注册中心的DNS视图解析服务，适用于不直接访问注册后端的调用方
type DNSResolver struct {
	server   string
	domain   string
	client   *dns.Client
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]srvCacheEntry
}

type srvCacheEntry struct {
	endpoints  []Endpoint
	expiration time.Time
}

// NewDNSResolver 创建DNS解析器，cacheTTL<=0时不缓存
func NewDNSResolver(server, domain string, cacheTTL time.Duration) *DNSResolver {
	if server == "" {
		server = "127.0.0.1:5353"
	}
	if domain == "" {
		domain = "service.local"
	}
	return &DNSResolver{
		server:   server,
		domain:   dns.Fqdn(domain),
		client:   &dns.Client{Net: "udp", Timeout: 5 * time.Second},
		cacheTTL: cacheTTL,
		now:      time.Now,
		cache:    make(map[string]srvCacheEntry),
	}
}

// LookupSRV 查询服务的全部端点
func (d *DNSResolver) LookupSRV(ctx context.Context, serviceName string) ([]Endpoint, error) {
	if endpoints := d.fromCache(serviceName); endpoints != nil {
		return endpoints, nil
	}

	queryName := "_" + serviceName + "._tcp." + d.domain
	m := new(dns.Msg)
	m.SetQuestion(queryName, dns.TypeSRV)

	r, _, err := d.client.ExchangeContext(ctx, m, d.server)
	if err != nil {
		return nil, fmt.Errorf("解析SRV记录[%s]失败: %w", queryName, err)
	}
	if r.Rcode == dns.RcodeNameError {
		return nil, ErrNoEndpoints
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("解析SRV记录[%s]失败: %s", queryName, dns.RcodeToString[r.Rcode])
	}

	// 附加记录里带着SRV目标的地址
	addrs := make(map[string]string)
	for _, rr := range r.Extra {
		switch v := rr.(type) {
		case *dns.A:
			addrs[strings.ToLower(v.Hdr.Name)] = v.A.String()
		case *dns.AAAA:
			addrs[strings.ToLower(v.Hdr.Name)] = v.AAAA.String()
		}
	}

	var endpoints []Endpoint
	for _, rr := range r.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		host, ok := addrs[strings.ToLower(srv.Target)]
		if !ok {
			host = strings.TrimSuffix(srv.Target, ".")
		}
		endpoints = append(endpoints, Endpoint{Host: host, Port: int(srv.Port), Weight: int(srv.Weight)})
	}
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	d.store(serviceName, endpoints)
	return endpoints, nil
}

// ResolveService 按权重随机选择一个端点，返回host:port
func (d *DNSResolver) ResolveService(ctx context.Context, serviceName string) (string, error) {
	endpoints, err := d.LookupSRV(ctx, serviceName)
	if err != nil {
		return "", err
	}
	return selectByWeight(endpoints).Addr(), nil
}

// Invalidate 丢弃服务的缓存结果
func (d *DNSResolver) Invalidate(serviceName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cache, serviceName)
}

func (d *DNSResolver) fromCache(serviceName string) []Endpoint {
	if d.cacheTTL <= 0 {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.cache[serviceName]
	if !ok || !d.now().Before(entry.expiration) {
		return nil
	}
	return append([]Endpoint(nil), entry.endpoints...)
}

func (d *DNSResolver) store(serviceName string, endpoints []Endpoint) {
	if d.cacheTTL <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache[serviceName] = srvCacheEntry{
		endpoints:  append([]Endpoint(nil), endpoints...),
		expiration: d.now().Add(d.cacheTTL),
	}
}

// 按权重随机选择，权重全为0时均匀随机
func selectByWeight(endpoints []Endpoint) Endpoint {
	if len(endpoints) == 1 {
		return endpoints[0]
	}

	total := 0
	for _, e := range endpoints {
		total += e.Weight
	}
	if total == 0 {
		return endpoints[rand.IntN(len(endpoints))]
	}

	n := rand.IntN(total)
	for _, e := range endpoints {
		n -= e.Weight
		if n < 0 {
			return e
		}
	}
	return endpoints[0]
}
