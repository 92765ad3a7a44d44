package dns

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hewenyu/service-coordination/internal/config"
	"github.com/hewenyu/service-coordination/internal/registry"
	"github.com/hewenyu/service-coordination/pkg/model"
	"github.com/hewenyu/service-coordination/pkg/storage/memory"
)

type countingObserver struct{ n atomic.Int64 }

func (o *countingObserver) IncrementDNSQueryCount() { o.n.Add(1) }

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.DNS.ListenAddress = "127.0.0.1"
	cfg.DNS.Port = 0
	cfg.DNS.Protocol = "udp"
	cfg.DNS.Domain = "service.local"
	cfg.DNS.TTL = 15
	return cfg
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(memory.NewServiceStorage(), registry.DefaultConfig(), config.WrapZap(zaptest.NewLogger(t)))
	ctx := context.Background()

	a := model.NewServiceInstance("user-service", "10.0.0.1", 8080)
	a.InstanceID = "10.0.0.1-8080-aaaa"
	a.Weight = 3
	b := model.NewServiceInstance("user-service", "10.0.0.2", 8081)
	b.InstanceID = "10.0.0.2-8081-bbbb"
	v6 := model.NewServiceInstance("user-service", "fd00::1", 9090)
	v6.InstanceID = "v6"
	starting := model.NewServiceInstance("user-service", "10.0.0.3", 8082)
	starting.Status = model.HealthStatusStarting

	for _, inst := range []*model.ServiceInstance{a, b, v6, starting} {
		require.True(t, reg.Register(ctx, inst))
	}
	return reg
}

func query(s *Server, name string, qtype uint16) (*dns.Msg, int) {
	r := new(dns.Msg)
	r.SetQuestion(dns.Fqdn(name), qtype)
	m := new(dns.Msg)
	m.SetReply(r)
	records := s.Handler().recordManager.GetRecords(context.Background(), r.Question[0].Name, qtype)
	m.Answer, m.Extra = records.Answer, records.Extra
	return m, records.Rcode
}

func TestGetRecords_ServiceA(t *testing.T) {
	s := NewServer(newTestConfig(), newTestRegistry(t), config.NewNopLogger())

	m, rcode := query(s, "user-service.service.local", dns.TypeA)
	require.Equal(t, dns.RcodeSuccess, rcode)
	require.Len(t, m.Answer, 2, "只返回健康的IPv4实例")

	var ips []string
	for _, rr := range m.Answer {
		a, ok := rr.(*dns.A)
		require.True(t, ok)
		assert.Equal(t, uint32(15), a.Hdr.Ttl)
		ips = append(ips, a.A.String())
	}
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, ips)

	m, rcode = query(s, "USER-SERVICE.service.local", dns.TypeAAAA)
	require.Equal(t, dns.RcodeSuccess, rcode)
	require.Len(t, m.Answer, 1)
	assert.Equal(t, "fd00::1", m.Answer[0].(*dns.AAAA).AAAA.String())
}

func TestGetRecords_Instance(t *testing.T) {
	s := NewServer(newTestConfig(), newTestRegistry(t), config.NewNopLogger())

	m, rcode := query(s, "10-0-0-2-8081-bbbb.user-service.service.local", dns.TypeA)
	require.Equal(t, dns.RcodeSuccess, rcode)
	require.Len(t, m.Answer, 1)
	assert.Equal(t, "10.0.0.2", m.Answer[0].(*dns.A).A.String())

	_, rcode = query(s, "missing.user-service.service.local", dns.TypeA)
	assert.Equal(t, dns.RcodeNameError, rcode)
}

func TestGetRecords_SRV(t *testing.T) {
	s := NewServer(newTestConfig(), newTestRegistry(t), config.NewNopLogger())

	m, rcode := query(s, "_user-service._tcp.service.local", dns.TypeSRV)
	require.Equal(t, dns.RcodeSuccess, rcode)
	require.Len(t, m.Answer, 3)

	srv := m.Answer[0].(*dns.SRV)
	assert.Equal(t, uint16(8080), srv.Port)
	assert.Equal(t, uint16(3), srv.Weight)
	assert.Equal(t, "10-0-0-1-8080-aaaa.user-service.service.local.", srv.Target)
	assert.Len(t, m.Extra, 3, "附加记录带每个实例的地址")

	m, rcode = query(s, "_user-service._tcp.service.local", dns.TypeA)
	assert.Equal(t, dns.RcodeSuccess, rcode)
	assert.Empty(t, m.Answer)
}

func TestGetRecords_Errors(t *testing.T) {
	s := NewServer(newTestConfig(), newTestRegistry(t), config.NewNopLogger())

	_, rcode := query(s, "example.com", dns.TypeA)
	assert.Equal(t, dns.RcodeRefused, rcode)

	_, rcode = query(s, "service.local", dns.TypeA)
	assert.Equal(t, dns.RcodeRefused, rcode)

	_, rcode = query(s, "unknown.service.local", dns.TypeA)
	assert.Equal(t, dns.RcodeNameError, rcode)

	_, rcode = query(s, "a.b.c.service.local", dns.TypeA)
	assert.Equal(t, dns.RcodeNameError, rcode)
}

func TestServer_UDPExchange(t *testing.T) {
	observer := &countingObserver{}
	s := NewServer(newTestConfig(), newTestRegistry(t), config.NewNopLogger(), WithQueryObserver(observer))
	require.NoError(t, s.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Shutdown(ctx))
	}()
	require.NotEmpty(t, s.UDPAddr())

	c := &dns.Client{Net: "udp", Timeout: 2 * time.Second}

	msg := new(dns.Msg)
	msg.SetQuestion("user-service.service.local.", dns.TypeA)
	resp, _, err := c.Exchange(msg, s.UDPAddr())
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.True(t, resp.Authoritative)
	assert.Len(t, resp.Answer, 2)

	msg = new(dns.Msg)
	msg.SetQuestion("nobody.service.local.", dns.TypeA)
	resp, _, err = c.Exchange(msg, s.UDPAddr())
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)

	assert.Equal(t, int64(2), observer.n.Load())
}

func TestServer_BothProtocols(t *testing.T) {
	cfg := newTestConfig()
	cfg.DNS.Protocol = "both"
	s := NewServer(cfg, newTestRegistry(t), config.NewNopLogger())
	require.NoError(t, s.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Shutdown(ctx))
	}()
	assert.Equal(t, s.UDPAddr(), s.TCPAddr())

	c := &dns.Client{Net: "tcp", Timeout: 2 * time.Second}
	msg := new(dns.Msg)
	msg.SetQuestion("_user-service._tcp.service.local.", dns.TypeSRV)
	resp, _, err := c.Exchange(msg, s.TCPAddr())
	require.NoError(t, err)
	assert.Len(t, resp.Answer, 3)
}

func TestServer_UnsupportedProtocol(t *testing.T) {
	cfg := newTestConfig()
	cfg.DNS.Protocol = "quic"
	s := NewServer(cfg, newTestRegistry(t), config.NewNopLogger())
	assert.Error(t, s.Start())
}
