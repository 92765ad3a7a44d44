package registry

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hewenyu/service-coordination/internal/config"
	"github.com/hewenyu/service-coordination/pkg/model"
	"github.com/hewenyu/service-coordination/pkg/storage/memory"
)

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	logger := config.WrapZap(zaptest.NewLogger(t))
	return New(memory.NewServiceStorage(), cfg, logger)
}

func newInstance(service, id string, port int) *model.ServiceInstance {
	inst := model.NewServiceInstance(service, "10.0.0.1", port)
	inst.InstanceID = id
	return inst
}

// instanceFor 根据httptest服务地址构造实例
func instanceFor(t *testing.T, service, id string, srv *httptest.Server) *model.ServiceInstance {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	inst := model.NewServiceInstance(service, host, port)
	inst.InstanceID = id
	return inst
}

// eventRecorder 记录收到的生命周期事件
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listen(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) byKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyRoundRobin, s)

	for _, name := range []string{"round_robin", "least_connections", "weighted_round_robin", "random"} {
		s, err := ParseStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, Strategy(name), s)
	}

	_, err = ParseStrategy("fastest")
	assert.Error(t, err)
}

func TestRegistry_RegisterAndDeregister(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	ctx := context.Background()
	rec := &eventRecorder{}
	r.OnServiceRegistered(rec.listen)
	r.OnServiceDeregistered(rec.listen)

	inst := newInstance("user-service", "a", 8080)
	require.True(t, r.Register(ctx, inst))
	assert.False(t, r.Register(ctx, &model.ServiceInstance{}))

	instances := r.DiscoverInstances(ctx, "user-service")
	require.Len(t, instances, 1)
	assert.Equal(t, model.HealthStatusHealthy, instances[0].Status)

	all := r.GetAllServices(ctx)
	assert.Len(t, all["user-service"], 1)

	assert.True(t, r.Deregister(ctx, "user-service", "a"))
	assert.False(t, r.Deregister(ctx, "user-service", "a"))
	assert.Empty(t, r.DiscoverInstances(ctx, "user-service"))

	assert.Equal(t, 1, rec.count(EventServiceRegistered))
	require.Equal(t, 1, rec.count(EventServiceDeregistered))
	dereg := rec.byKind(EventServiceDeregistered)[0]
	assert.Equal(t, "a", dereg.Instance.InstanceID)
	assert.Equal(t, 8080, dereg.Instance.Port)
}

func TestRegistry_RoundRobinFairness(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		require.True(t, r.Register(ctx, newInstance("svc", id, 8000+i)))
	}

	counts := map[string]int{}
	var sequence []string
	for i := 0; i < 9; i++ {
		inst := r.DiscoverService(ctx, "svc", StrategyRoundRobin, true)
		require.NotNil(t, inst)
		counts[inst.InstanceID]++
		sequence = append(sequence, inst.InstanceID)
	}

	assert.Equal(t, map[string]int{"a": 3, "b": 3, "c": 3}, counts)
	// 每一轮都完整覆盖所有实例
	for pass := 0; pass < 3; pass++ {
		assert.ElementsMatch(t, []string{"a", "b", "c"}, sequence[pass*3:pass*3+3])
	}
}

func TestRegistry_LeastConnections(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	ctx := context.Background()

	a := newInstance("svc", "a", 8000)
	b := newInstance("svc", "b", 8001)
	c := newInstance("svc", "c", 8002)
	for _, inst := range []*model.ServiceInstance{a, b, c} {
		require.True(t, r.Register(ctx, inst))
	}

	// 连接数 [3,0,5]
	for i := 0; i < 3; i++ {
		r.AcquireConnection(a)
	}
	for i := 0; i < 5; i++ {
		r.AcquireConnection(c)
	}
	assert.Equal(t, int64(3), r.ActiveConnections("svc", "a"))

	for i := 0; i < 5; i++ {
		inst := r.DiscoverService(ctx, "svc", StrategyLeastConnections, true)
		require.NotNil(t, inst)
		assert.Equal(t, "b", inst.InstanceID)
	}

	// 释放后重新比较
	for i := 0; i < 3; i++ {
		r.ReleaseConnection(a)
	}
	r.AcquireConnection(b)
	inst := r.DiscoverService(ctx, "svc", StrategyLeastConnections, true)
	require.NotNil(t, inst)
	assert.Equal(t, "a", inst.InstanceID)

	// 计数不会小于0
	r.ReleaseConnection(a)
	assert.Equal(t, int64(0), r.ActiveConnections("svc", "a"))
}

func TestRegistry_WeightedRoundRobin(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	ctx := context.Background()

	light := newInstance("svc", "a", 8000)
	light.Weight = 1
	heavy := newInstance("svc", "b", 8001)
	heavy.Weight = 3
	require.True(t, r.Register(ctx, light))
	require.True(t, r.Register(ctx, heavy))

	counts := map[string]int{}
	for i := 0; i < 40; i++ {
		inst := r.DiscoverService(ctx, "svc", StrategyWeightedRoundRobin, true)
		require.NotNil(t, inst)
		counts[inst.InstanceID]++
	}
	assert.Equal(t, 10, counts["a"])
	assert.Equal(t, 30, counts["b"])
}

func TestRegistry_RandomAndUnknownStrategy(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	ctx := context.Background()
	require.True(t, r.Register(ctx, newInstance("svc", "a", 8000)))
	require.True(t, r.Register(ctx, newInstance("svc", "b", 8001)))

	for i := 0; i < 20; i++ {
		inst := r.DiscoverService(ctx, "svc", StrategyRandom, true)
		require.NotNil(t, inst)
		assert.Contains(t, []string{"a", "b"}, inst.InstanceID)
	}

	assert.NotNil(t, r.DiscoverService(ctx, "svc", Strategy("bogus"), true))
}

func TestRegistry_HealthyOnlyFilter(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	ctx := context.Background()

	inst := newInstance("svc", "a", 8000)
	inst.Status = model.HealthStatusStarting
	require.True(t, r.Register(ctx, inst))

	assert.Nil(t, r.DiscoverService(ctx, "svc", StrategyRoundRobin, true))
	got := r.DiscoverService(ctx, "svc", StrategyRoundRobin, false)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.InstanceID)

	assert.Nil(t, r.DiscoverService(ctx, "missing", StrategyRoundRobin, false))
}

func TestRegistry_FailureThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := newTestRegistry(t, Config{MaxConsecutiveFailures: 3, HealthCheckTimeout: time.Second})
	ctx := context.Background()
	rec := &eventRecorder{}
	r.OnServiceHealthChanged(rec.listen)
	r.OnServiceDeregistered(rec.listen)

	require.True(t, r.Register(ctx, instanceFor(t, "svc", "a", srv)))

	r.CheckHealth(ctx)
	r.CheckHealth(ctx)

	instances := r.DiscoverInstances(ctx, "svc")
	require.Len(t, instances, 1, "未达到阈值前实例仍然存在")
	assert.Equal(t, model.HealthStatusUnhealthy, instances[0].Status)
	assert.Equal(t, 2, instances[0].ConsecutiveFailures)
	assert.NotNil(t, instances[0].LastHealthCheck)
	assert.Nil(t, r.DiscoverService(ctx, "svc", StrategyRoundRobin, true))

	r.CheckHealth(ctx)
	assert.Empty(t, r.DiscoverInstances(ctx, "svc"))

	changes := rec.byKind(EventServiceHealthChanged)
	require.Len(t, changes, 1, "状态变化事件只触发一次")
	assert.Equal(t, model.HealthStatusHealthy, changes[0].OldStatus)
	assert.Equal(t, model.HealthStatusUnhealthy, changes[0].NewStatus)
	assert.Equal(t, 1, rec.count(EventServiceDeregistered))
}

func TestRegistry_Recovery(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := newTestRegistry(t, Config{MaxConsecutiveFailures: 3})
	ctx := context.Background()
	rec := &eventRecorder{}
	r.OnServiceHealthChanged(rec.listen)

	require.True(t, r.Register(ctx, instanceFor(t, "svc", "a", srv)))

	r.CheckHealth(ctx)
	r.CheckHealth(ctx)
	failing.Store(false)
	r.CheckHealth(ctx)
	r.CheckHealth(ctx)

	instances := r.DiscoverInstances(ctx, "svc")
	require.Len(t, instances, 1)
	assert.Equal(t, model.HealthStatusHealthy, instances[0].Status)
	assert.Equal(t, 0, instances[0].ConsecutiveFailures)

	changes := rec.byKind(EventServiceHealthChanged)
	require.Len(t, changes, 2)
	assert.Equal(t, model.HealthStatusUnhealthy, changes[0].NewStatus)
	assert.Equal(t, model.HealthStatusHealthy, changes[1].NewStatus)
}

func TestRegistry_HeartbeatKeepsHealthState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newTestRegistry(t, Config{MaxConsecutiveFailures: 3})
	ctx := context.Background()
	rec := &eventRecorder{}
	r.OnServiceRegistered(rec.listen)

	inst := instanceFor(t, "svc", "a", srv)
	require.True(t, r.Register(ctx, inst))

	r.CheckHealth(ctx)
	require.True(t, r.Heartbeat(ctx, inst))
	r.CheckHealth(ctx)

	instances := r.DiscoverInstances(ctx, "svc")
	require.Len(t, instances, 1)
	assert.Equal(t, 2, instances[0].ConsecutiveFailures, "心跳不应重置失败计数")
	assert.Equal(t, 1, rec.count(EventServiceRegistered), "心跳不触发注册事件")
}

func TestRegistry_HeartbeatAfterEviction(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := newTestRegistry(t, Config{MaxConsecutiveFailures: 3, HealthCheckTimeout: time.Second})
	ctx := context.Background()
	rec := &eventRecorder{}
	r.OnServiceRegistered(rec.listen)
	r.OnServiceHealthChanged(rec.listen)

	inst := instanceFor(t, "svc", "a", srv)
	require.True(t, r.Register(ctx, inst))
	for range 3 {
		r.CheckHealth(ctx)
	}
	require.Empty(t, r.DiscoverInstances(ctx, "svc"))

	// 心跳不能恢复已被注销的实例
	assert.False(t, r.Heartbeat(ctx, inst))
	assert.Empty(t, r.DiscoverInstances(ctx, "svc"))
	assert.Nil(t, r.DiscoverService(ctx, "svc", StrategyRoundRobin, true))

	// 重新注册触发事件，但在健康检查通过前保持unhealthy
	require.True(t, r.Register(ctx, inst))
	registered := rec.byKind(EventServiceRegistered)
	require.Len(t, registered, 2)
	assert.Equal(t, model.HealthStatusUnhealthy, registered[1].Instance.Status)

	instances := r.DiscoverInstances(ctx, "svc")
	require.Len(t, instances, 1)
	assert.Equal(t, model.HealthStatusUnhealthy, instances[0].Status)
	assert.Equal(t, 0, instances[0].ConsecutiveFailures)
	assert.Nil(t, instances[0].LastHealthCheck)
	assert.Nil(t, r.DiscoverService(ctx, "svc", StrategyRoundRobin, true))

	failing.Store(false)
	r.CheckHealth(ctx)
	got := r.DiscoverService(ctx, "svc", StrategyRoundRobin, true)
	require.NotNil(t, got)
	assert.Equal(t, model.HealthStatusHealthy, got.Status)

	changes := rec.byKind(EventServiceHealthChanged)
	require.Len(t, changes, 2)
	assert.Equal(t, model.HealthStatusUnhealthy, changes[1].OldStatus)
	assert.Equal(t, model.HealthStatusHealthy, changes[1].NewStatus)
	require.NotNil(t, changes[1].Instance.LastHealthCheck)
}

func TestRegistry_ExplicitDeregisterClearsEviction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newTestRegistry(t, Config{MaxConsecutiveFailures: 1, HealthCheckTimeout: time.Second})
	ctx := context.Background()

	inst := instanceFor(t, "svc", "a", srv)
	require.True(t, r.Register(ctx, inst))
	r.CheckHealth(ctx)
	require.Empty(t, r.DiscoverInstances(ctx, "svc"))

	assert.False(t, r.Deregister(ctx, "svc", "a"))
	require.True(t, r.Register(ctx, inst))
	assert.NotNil(t, r.DiscoverService(ctx, "svc", StrategyRoundRobin, true), "主动注销后重新注册视为新实例")
}

func TestRegistry_RejectsSeparatorInName(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	ctx := context.Background()
	rec := &eventRecorder{}
	r.OnServiceRegistered(rec.listen)

	assert.False(t, r.Register(ctx, newInstance("team:api", "1", 8080)))
	assert.False(t, r.Register(ctx, newInstance("team", "api:1", 8080)))
	assert.Empty(t, r.GetAllServices(ctx))
	assert.Equal(t, 0, rec.count(EventServiceRegistered))
}

func TestRegistry_HeartbeatUnknownInstance(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	ctx := context.Background()

	assert.False(t, r.Heartbeat(ctx, newInstance("svc", "ghost", 8080)))
	assert.Empty(t, r.DiscoverInstances(ctx, "svc"), "心跳不应创建记录")
	assert.False(t, r.Heartbeat(ctx, nil))
}

func TestRegistry_PruneEvictionMarks(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())

	r.mu.Lock()
	r.evicted["svc:old"] = time.Now().UTC().Add(-time.Hour)
	r.evicted["svc:recent"] = time.Now().UTC()
	r.mu.Unlock()

	r.CheckHealth(context.Background())

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.NotContains(t, r.evicted, "svc:old")
	assert.Contains(t, r.evicted, "svc:recent")
}

func TestRegistry_Refresh(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	ctx := context.Background()

	require.True(t, r.Register(ctx, newInstance("svc", "a", 8080)))
	assert.True(t, r.Refresh(ctx, "svc", "a"))
	assert.False(t, r.Refresh(ctx, "svc", "missing"))
	assert.False(t, r.Refresh(ctx, "other", "a"))
}

func TestRegistry_ListenerPanicIsRecovered(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	ctx := context.Background()
	rec := &eventRecorder{}

	r.OnServiceRegistered(func(context.Context, Event) error {
		panic("boom")
	})
	r.OnServiceRegistered(func(context.Context, Event) error {
		return assert.AnError
	})
	r.OnServiceRegistered(rec.listen)

	assert.NotPanics(t, func() {
		require.True(t, r.Register(ctx, newInstance("svc", "a", 8000)))
	})
	assert.Equal(t, 1, rec.count(EventServiceRegistered))
}

func TestRegistry_EndToEnd(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := newTestRegistry(t, Config{
		HealthCheckInterval:    20 * time.Millisecond,
		HealthCheckTimeout:     time.Second,
		MaxConsecutiveFailures: 3,
	})
	ctx := context.Background()

	// 服务A注册
	a := instanceFor(t, "service-a", "a-1", srv)
	require.True(t, r.Register(ctx, a))

	r.Start(ctx)
	defer r.Stop()

	// 服务B发现A
	got := r.DiscoverService(ctx, "service-a", StrategyRoundRobin, true)
	require.NotNil(t, got)
	assert.Equal(t, a.Host, got.Host)
	assert.Equal(t, a.Port, got.Port)

	// A的健康检查开始失败
	failing.Store(true)
	assert.Eventually(t, func() bool {
		return r.DiscoverService(ctx, "service-a", StrategyRoundRobin, true) == nil &&
			len(r.DiscoverInstances(ctx, "service-a")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_StartStop(t *testing.T) {
	r := newTestRegistry(t, Config{HealthCheckInterval: 10 * time.Millisecond})
	ctx := context.Background()

	r.Start(ctx)
	r.Start(ctx)
	r.Stop()
	r.Stop()

	// 停止后可以再次启动
	r.Start(ctx)
	r.Stop()
}
