package dns

import (
	"context"
	"net"
	"strings"

	"github.com/miekg/dns"

	"github.com/hewenyu/service-coordination/pkg/model"
)

// Resolver 查询服务实例
type Resolver interface {
	DiscoverInstances(ctx context.Context, serviceName string) []*model.ServiceInstance
}

// Records 一次查询的应答
type Records struct {
	Answer []dns.RR
	Extra  []dns.RR
	Rcode  int
}

// RecordManager 把注册中心的健康实例转换为DNS记录
type RecordManager struct {
	resolver   Resolver
	domain     string
	defaultTTL uint32
}

// NewRecordManager 创建DNS记录管理器
func NewRecordManager(resolver Resolver, domain string, ttl int) *RecordManager {
	if domain == "" {
		domain = "service.local"
	}
	if ttl <= 0 {
		ttl = 30
	}
	return &RecordManager{
		resolver:   resolver,
		domain:     dns.Fqdn(strings.ToLower(domain)),
		defaultTTL: uint32(ttl),
	}
}

// Domain 返回本地域（带结尾的点）
func (rm *RecordManager) Domain() string {
	return rm.domain
}

// IsLocal 名字是否属于本地域
func (rm *RecordManager) IsLocal(name string) bool {
	return dns.IsSubDomain(rm.domain, strings.ToLower(dns.Fqdn(name)))
}

// GetRecords 获取指定名字和类型的记录
func (rm *RecordManager) GetRecords(ctx context.Context, name string, qtype uint16) Records {
	name = strings.ToLower(dns.Fqdn(name))
	if !dns.IsSubDomain(rm.domain, name) || name == rm.domain {
		return Records{Rcode: dns.RcodeRefused}
	}

	labels := dns.SplitDomainName(strings.TrimSuffix(name, "."+rm.domain))
	switch {
	case len(labels) == 2 && strings.HasPrefix(labels[0], "_") && labels[1] == "_tcp":
		return rm.srvRecords(ctx, name, strings.TrimPrefix(labels[0], "_"), qtype)
	case len(labels) == 1:
		instances := rm.healthy(ctx, labels[0])
		if len(instances) == 0 {
			return Records{Rcode: dns.RcodeNameError}
		}
		return Records{Answer: rm.addrRecords(name, instances, qtype), Rcode: dns.RcodeSuccess}
	case len(labels) == 2:
		// <instance>.<service>
		for _, inst := range rm.healthy(ctx, labels[1]) {
			if instanceLabel(inst.InstanceID) == labels[0] {
				return Records{Answer: rm.addrRecords(name, []*model.ServiceInstance{inst}, qtype), Rcode: dns.RcodeSuccess}
			}
		}
		return Records{Rcode: dns.RcodeNameError}
	default:
		return Records{Rcode: dns.RcodeNameError}
	}
}

func (rm *RecordManager) srvRecords(ctx context.Context, name, service string, qtype uint16) Records {
	instances := rm.healthy(ctx, service)
	if len(instances) == 0 {
		return Records{Rcode: dns.RcodeNameError}
	}
	// 名字存在但没有该类型的记录
	if qtype != dns.TypeSRV && qtype != dns.TypeANY {
		return Records{Rcode: dns.RcodeSuccess}
	}

	var out Records
	for _, inst := range instances {
		target := instanceLabel(inst.InstanceID) + "." + service + "." + rm.domain
		out.Answer = append(out.Answer, createSRVRecord(name, target, inst.Port, inst.Weight, rm.defaultTTL))
		out.Extra = append(out.Extra, rm.addrRecords(target, []*model.ServiceInstance{inst}, dns.TypeANY)...)
	}
	return out
}

// addrRecords 按查询类型生成A/AAAA记录，主机名不是IP的实例被跳过
func (rm *RecordManager) addrRecords(name string, instances []*model.ServiceInstance, qtype uint16) []dns.RR {
	var out []dns.RR
	for _, inst := range instances {
		ip := net.ParseIP(inst.Host)
		if ip == nil {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			if qtype == dns.TypeA || qtype == dns.TypeANY {
				out = append(out, createARecord(name, v4, rm.defaultTTL))
			}
			continue
		}
		if qtype == dns.TypeAAAA || qtype == dns.TypeANY {
			out = append(out, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: rm.defaultTTL},
				AAAA: ip,
			})
		}
	}
	return out
}

func (rm *RecordManager) healthy(ctx context.Context, service string) []*model.ServiceInstance {
	var out []*model.ServiceInstance
	for _, inst := range rm.resolver.DiscoverInstances(ctx, service) {
		if inst.IsHealthy() {
			out = append(out, inst)
		}
	}
	return out
}

// instanceLabel 把实例ID转换为单个DNS标签
func instanceLabel(instanceID string) string {
	return strings.ToLower(strings.ReplaceAll(instanceID, ".", "-"))
}

func createARecord(name string, ip net.IP, ttl uint32) dns.RR {
	return &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   ip,
	}
}

func createSRVRecord(name, target string, port, weight int, ttl uint32) dns.RR {
	return &dns.SRV{
		Hdr:      dns.RR_Header{Name: name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: ttl},
		Priority: 0,
		Weight:   uint16(min(weight, 65535)),
		Port:     uint16(port),
		Target:   target,
	}
}
