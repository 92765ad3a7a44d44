package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/service-coordination/internal/registry"
	"github.com/hewenyu/service-coordination/pkg/model"
)

// CallResult 调用其他服务的结果
type CallResult struct {
	StatusCode int
	Instance   *model.ServiceInstance
	// JSON 响应体为JSON时的原始内容
	JSON json.RawMessage
	// Text 非JSON响应的文本内容
	Text string
}

// IsJSON 响应是否为JSON
func (r *CallResult) IsJSON() bool {
	return r.JSON != nil
}

// Decode 将JSON响应解析到v
func (r *CallResult) Decode(v any) error {
	if r.JSON == nil {
		return fmt.Errorf("响应不是JSON: %s", r.Text)
	}
	return json.Unmarshal(r.JSON, v)
}

type callOptions struct {
	method   string
	body     any
	strategy registry.Strategy
	timeout  time.Duration
	headers  map[string]string
}

// CallOption 调用选项
type CallOption func(*callOptions)

// WithMethod 设置HTTP方法，默认GET
func WithMethod(method string) CallOption {
	return func(o *callOptions) { o.method = method }
}

// WithBody 设置请求体，按JSON序列化
func WithBody(body any) CallOption {
	return func(o *callOptions) { o.body = body }
}

// WithStrategy 设置负载均衡策略，默认轮询
func WithStrategy(strategy registry.Strategy) CallOption {
	return func(o *callOptions) { o.strategy = strategy }
}

// WithTimeout 覆盖客户端超时
func WithTimeout(timeout time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = timeout }
}

// WithHeader 添加请求头
func WithHeader(key, value string) CallOption {
	return func(o *callOptions) {
		if o.headers == nil {
			o.headers = map[string]string{}
		}
		o.headers[key] = value
	}
}

// CallService 发现一个实例并发送HTTP请求。
// 发现失败或I/O错误时返回nil，调用方应视为对端不可用。
// 非2xx响应也会返回结果，由调用方检查StatusCode。
func (c *Client) CallService(ctx context.Context, serviceName, path string, opts ...CallOption) *CallResult {
	o := callOptions{
		method:   http.MethodGet,
		strategy: registry.StrategyRoundRobin,
		timeout:  c.config.Timeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	instance := c.registry.DiscoverService(ctx, serviceName, o.strategy, true)
	if instance == nil {
		c.logger.Warn("没有可用的服务实例", zap.String("target", serviceName))
		return nil
	}

	c.registry.AcquireConnection(instance)
	defer c.registry.ReleaseConnection(instance)

	result, err := c.doRequest(ctx, instance, path, o)
	if err != nil {
		c.logger.Error("调用服务失败",
			zap.String("target", serviceName),
			zap.String("instance", instance.InstanceID),
			zap.String("path", path),
			zap.Error(err))
		return nil
	}
	return result
}

// 发送HTTP请求
func (c *Client) doRequest(ctx context.Context, instance *model.ServiceInstance, path string, o callOptions) (*CallResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := instance.URL() + path

	// 准备请求体
	var bodyReader io.Reader
	if o.body != nil {
		bodyBytes, err := json.Marshal(o.body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, o.method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	if o.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Source-Service", c.config.ServiceName)
	for k, v := range o.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	result := &CallResult{StatusCode: resp.StatusCode, Instance: instance}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") && json.Valid(respBody) {
		result.JSON = json.RawMessage(respBody)
	} else {
		result.Text = string(respBody)
	}
	return result, nil
}
