package dns

import (
	"context"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/service-coordination/internal/config"
)

// QueryObserver 接收查询计数
type QueryObserver interface {
	IncrementDNSQueryCount()
}

// Handler DNS请求处理器
type Handler struct {
	recordManager    *RecordManager    // DNS记录管理器
	upstreamResolver *UpstreamResolver // 上游DNS解析器，nil时拒绝非本地域查询
	cache            *DNSCache         // 本地域应答缓存
	observer         QueryObserver
	logger           config.Logger
	timeout          time.Duration
}

// NewHandler 创建DNS请求处理器
func NewHandler(recordManager *RecordManager, upstreamResolver *UpstreamResolver, cache *DNSCache, logger config.Logger) *Handler {
	return &Handler{
		recordManager:    recordManager,
		upstreamResolver: upstreamResolver,
		cache:            cache,
		logger:           logger,
		timeout:          2 * time.Second,
	}
}

// ServeDNS 处理DNS请求
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)

	// 只处理标准查询
	if r.Opcode != dns.OpcodeQuery {
		m.Rcode = dns.RcodeNotImplemented
		h.write(w, m)
		return
	}
	if len(r.Question) != 1 {
		m.Rcode = dns.RcodeFormatError
		h.write(w, m)
		return
	}

	q := r.Question[0]
	if h.observer != nil {
		h.observer.IncrementDNSQueryCount()
	}
	h.logger.Debug("收到DNS查询",
		zap.String("name", q.Name),
		zap.String("type", dns.TypeToString[q.Qtype]))

	if !h.recordManager.IsLocal(q.Name) {
		h.handleUpstreamQuery(w, r)
		return
	}

	// 检查缓存
	cacheKey := GetCacheKey(q)
	if cached := h.cache.Get(cacheKey); cached != nil {
		cached.Id = r.Id
		h.write(w, cached)
		return
	}

	h.handleLocalDomain(w, m, q)
	if m.Rcode == dns.RcodeSuccess {
		h.cache.Set(cacheKey, m)
	}
}

// handleLocalDomain 处理本地域名查询
func (h *Handler) handleLocalDomain(w dns.ResponseWriter, m *dns.Msg, q dns.Question) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	records := h.recordManager.GetRecords(ctx, q.Name, q.Qtype)
	m.Authoritative = records.Rcode != dns.RcodeRefused
	m.Rcode = records.Rcode
	m.Answer = append(m.Answer, records.Answer...)
	m.Extra = append(m.Extra, records.Extra...)
	h.write(w, m)
}

// handleUpstreamQuery 处理上游DNS查询
func (h *Handler) handleUpstreamQuery(w dns.ResponseWriter, r *dns.Msg) {
	if h.upstreamResolver == nil {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeRefused)
		h.write(w, m)
		return
	}

	resp, err := h.upstreamResolver.Resolve(r)
	if err != nil {
		h.logger.Warn("上游DNS查询失败", zap.String("name", r.Question[0].Name), zap.Error(err))
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeServerFailure)
		h.write(w, m)
		return
	}
	h.write(w, resp)
}

func (h *Handler) write(w dns.ResponseWriter, m *dns.Msg) {
	if err := w.WriteMsg(m); err != nil {
		h.logger.Error("发送DNS响应失败", zap.Error(err))
	}
}
