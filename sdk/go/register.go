package sdk

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Register 注册服务
func (c *Client) Register(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.registry.Register(ctx, c.instance) {
		return fmt.Errorf("服务注册失败: %s", c.instance.Key())
	}
	c.isRegistered = true

	c.logger.Info("服务注册成功",
		zap.String("id", c.instance.InstanceID),
		zap.String("address", c.instance.URL()))
	return nil
}

// Deregister 注销服务，之后心跳不再生效
func (c *Client) Deregister(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// 判断是否已注册
	if !c.isRegistered {
		return fmt.Errorf("服务尚未注册")
	}

	// 无论后端是否还有记录，本地状态都视为已注销
	c.isRegistered = false
	if !c.registry.Deregister(ctx, c.instance.ServiceName, c.instance.InstanceID) {
		c.logger.Warn("注册中心中没有找到实例，可能已过期", zap.String("id", c.instance.InstanceID))
		return nil
	}

	c.logger.Info("服务注销成功", zap.String("id", c.instance.InstanceID))
	return nil
}

// IsRegistered 是否已注册
func (c *Client) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRegistered
}
