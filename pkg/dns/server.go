// Package dns 以DNS形式暴露注册中心：A/AAAA返回健康实例地址，SRV返回实例端口和权重。
//
// 命名规则（domain默认为service.local）:
//
//	<service>.<domain>              A/AAAA，服务全部健康实例
//	<instance>.<service>.<domain>   A/AAAA，单个实例（实例ID中的点替换为-）
//	_<service>._tcp.<domain>        SRV，目标为实例名，附加记录带地址
package dns

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/service-coordination/internal/config"
)

// Option 服务器选项
type Option func(*Server)

// WithQueryObserver 设置查询计数回调
func WithQueryObserver(o QueryObserver) Option {
	return func(s *Server) { s.handler.observer = o }
}

// Server 注册中心的DNS视图
type Server struct {
	cfg     *config.Config
	logger  config.Logger
	handler *Handler
	cache   *DNSCache
	cancel  context.CancelFunc

	mu        sync.Mutex
	udpServer *dns.Server
	tcpServer *dns.Server
}

// NewServer 创建DNS服务器
func NewServer(cfg *config.Config, resolver Resolver, logger config.Logger, opts ...Option) *Server {
	cache := NewDNSCache(cfg.DNS.CacheTTL)
	records := NewRecordManager(resolver, cfg.DNS.Domain, cfg.DNS.TTL)
	upstream := NewUpstreamResolver(cfg.DNS.Upstream, cache, 0)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		handler: NewHandler(records, upstream, cache, logger),
		cache:   cache,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回DNS请求处理器
func (s *Server) Handler() *Handler {
	return s.handler
}

// FlushCache 清空应答缓存，注册信息变化时调用
func (s *Server) FlushCache() {
	s.cache.Flush()
}

// Start 按配置的协议启动DNS服务，端口绑定失败同步返回
func (s *Server) Start() error {
	s.logger.Info("启动DNS服务器",
		zap.String("address", s.cfg.DNS.ListenAddress),
		zap.Int("port", s.cfg.DNS.Port),
		zap.String("protocol", s.cfg.DNS.Protocol),
		zap.String("domain", s.handler.recordManager.Domain()))

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	s.cache.StartCleanupRoutine(ctx, time.Minute)

	addr := net.JoinHostPort(s.cfg.DNS.ListenAddress, strconv.Itoa(s.cfg.DNS.Port))
	if err := s.listen(addr); err != nil {
		cancel()
		return err
	}
	return nil
}

func (s *Server) listen(addr string) error {
	switch s.cfg.DNS.Protocol {
	case "", "udp":
		return s.startUDPServer(addr)
	case "tcp":
		return s.startTCPServer(addr)
	case "both":
		if err := s.startUDPServer(addr); err != nil {
			return err
		}
		// 端口为0时TCP跟随UDP实际分配的端口
		return s.startTCPServer(s.UDPAddr())
	default:
		return fmt.Errorf("不支持的DNS协议: %s", s.cfg.DNS.Protocol)
	}
}

// startUDPServer 启动UDP服务器
func (s *Server) startUDPServer(addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("监听UDP %s 失败: %w", addr, err)
	}

	srv := &dns.Server{PacketConn: pc, Handler: s.handler}
	s.mu.Lock()
	s.udpServer = srv
	s.mu.Unlock()

	s.logger.Info("启动UDP DNS服务器", zap.String("addr", pc.LocalAddr().String()))
	return s.serve(srv, "UDP")
}

// startTCPServer 启动TCP服务器
func (s *Server) startTCPServer(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("监听TCP %s 失败: %w", addr, err)
	}

	srv := &dns.Server{Listener: ln, Handler: s.handler}
	s.mu.Lock()
	s.tcpServer = srv
	s.mu.Unlock()

	s.logger.Info("启动TCP DNS服务器", zap.String("addr", ln.Addr().String()))
	return s.serve(srv, "TCP")
}

// serve 在后台运行服务器，等到开始接收请求后返回
func (s *Server) serve(srv *dns.Server, proto string) error {
	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ActivateAndServe(); err != nil {
			s.logger.Error(proto+" DNS服务器错误", zap.Error(err))
			errCh <- err
		}
	}()

	select {
	case <-started:
		return nil
	case err := <-errCh:
		return err
	}
}

// UDPAddr 返回UDP实际监听地址
func (s *Server) UDPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udpServer == nil || s.udpServer.PacketConn == nil {
		return ""
	}
	return s.udpServer.PacketConn.LocalAddr().String()
}

// TCPAddr 返回TCP实际监听地址
func (s *Server) TCPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpServer == nil || s.tcpServer.Listener == nil {
		return ""
	}
	return s.tcpServer.Listener.Addr().String()
}

// Shutdown 优雅关闭DNS服务器
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭DNS服务器...")

	s.mu.Lock()
	udp, tcp := s.udpServer, s.tcpServer
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if udp != nil {
		if err := udp.ShutdownContext(ctx); err != nil {
			s.logger.Error("关闭UDP DNS服务器出错", zap.Error(err))
			return err
		}
	}
	if tcp != nil {
		if err := tcp.ShutdownContext(ctx); err != nil {
			s.logger.Error("关闭TCP DNS服务器出错", zap.Error(err))
			return err
		}
	}
	return nil
}
