package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hewenyu/service-coordination/internal/registry"
	"github.com/hewenyu/service-coordination/pkg/model"
)

// Transport 把信封投递给一个目标服务
type Transport interface {
	Deliver(ctx context.Context, target string, env *model.EventEnvelope) error
}

// TransportFunc 函数形式的Transport
type TransportFunc func(ctx context.Context, target string, env *model.EventEnvelope) error

// Deliver 实现Transport
func (f TransportFunc) Deliver(ctx context.Context, target string, env *model.EventEnvelope) error {
	return f(ctx, target, env)
}

// Discoverer 用于查找目标服务实例
type Discoverer interface {
	DiscoverService(ctx context.Context, serviceName string, strategy registry.Strategy, healthyOnly bool) *model.ServiceInstance
}

// HTTPTransport 通过注册中心发现目标实例，再POST到其事件接收接口
type HTTPTransport struct {
	discoverer Discoverer
	httpClient *http.Client
	strategy   registry.Strategy
}

// NewHTTPTransport 创建HTTP投递器，client为nil时使用默认客户端
func NewHTTPTransport(discoverer Discoverer, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		discoverer: discoverer,
		httpClient: client,
		strategy:   registry.StrategyRoundRobin,
	}
}

// Deliver 实现Transport，非2xx响应视为失败
func (t *HTTPTransport) Deliver(ctx context.Context, target string, env *model.EventEnvelope) error {
	instance := t.discoverer.DiscoverService(ctx, target, t.strategy, true)
	if instance == nil {
		return fmt.Errorf("服务 %s 没有可用实例", target)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, instance.URL()+ReceivePath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", env.EventID)
	req.Header.Set("X-Source-Service", env.SourceService)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("投递到 %s 失败: %w", instance.URL(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("服务 %s 返回状态码 %d: %s", target, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
