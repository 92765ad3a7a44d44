package sdk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SendHeartbeat 发送心跳，未注册时不做任何事。
// 注册中心已没有该实例时(TTL过期或被健康检查注销)重新注册。
func (c *Client) SendHeartbeat(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isRegistered {
		return nil
	}
	if c.registry.Heartbeat(ctx, c.instance) {
		return nil
	}

	c.logger.Warn("心跳被拒绝，尝试重新注册", zap.String("id", c.instance.InstanceID))
	if !c.registry.Register(ctx, c.instance) {
		return fmt.Errorf("发送心跳失败: %s", c.instance.Key())
	}
	c.logger.Info("服务重新注册成功", zap.String("id", c.instance.InstanceID))
	return nil
}

// StartHeartbeat 开始心跳任务
func (c *Client) StartHeartbeat() {
	// 停止已有心跳任务
	c.StopHeartbeat()

	c.mu.Lock()
	stopChan := make(chan struct{})
	c.stopChan = stopChan
	c.mu.Unlock()

	c.heartbeatWG.Add(1)
	go func() {
		defer c.heartbeatWG.Done()

		ticker := time.NewTicker(c.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
				if err := c.SendHeartbeat(ctx); err != nil {
					c.logger.Warn("心跳发送失败，将在下一个周期重试", zap.Error(err))
				}
				cancel()
			case <-stopChan:
				return
			}
		}
	}()
}

// StopHeartbeat 停止心跳任务并等待退出
func (c *Client) StopHeartbeat() {
	c.mu.Lock()
	stopChan := c.stopChan
	c.stopChan = nil
	c.mu.Unlock()

	if stopChan != nil {
		close(stopChan)
	}
	c.heartbeatWG.Wait()
}
