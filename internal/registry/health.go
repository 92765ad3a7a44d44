package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hewenyu/service-coordination/pkg/model"
)

// Start 启动健康检查循环，重复调用无效果
func (r *Registry) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.healthLoop(loopCtx, r.done)

	r.logger.Info("健康检查已启动",
		zap.Duration("interval", r.cfg.HealthCheckInterval),
		zap.Int("max_failures", r.cfg.MaxConsecutiveFailures))
}

// Stop 停止健康检查循环并等待其退出
func (r *Registry) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel == nil {
		return
	}

	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil

	r.logger.Info("健康检查已停止")
}

func (r *Registry) healthLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckHealth(ctx)
		}
	}
}

type checkResult struct {
	instance *model.ServiceInstance
	err      error
	at       time.Time
}

// CheckHealth 对所有实例执行一轮并发健康检查
func (r *Registry) CheckHealth(ctx context.Context) {
	var instances []*model.ServiceInstance
	for _, list := range r.backend.GetAll(ctx) {
		instances = append(instances, list...)
	}
	r.pruneHealth(instances)
	if len(instances) == 0 {
		return
	}

	results := make([]checkResult, len(instances))
	var g errgroup.Group
	g.SetLimit(r.cfg.HealthCheckConcurrency)
	for i, inst := range instances {
		g.Go(func() error {
			err := r.checkInstance(ctx, inst)
			results[i] = checkResult{instance: inst, err: err, at: time.Now().UTC()}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return
	}
	for _, res := range results {
		r.applyResult(ctx, res)
	}
}

// evictionRetention 被健康检查注销的实例标记保留的检查周期数
const evictionRetention = 10

// pruneHealth 丢弃已不在后端中的实例状态，例如TTL过期的实例；
// 长时间没有重新注册的注销标记也一并丢弃
func (r *Registry) pruneHealth(live []*model.ServiceInstance) {
	keys := make(map[string]struct{}, len(live))
	for _, inst := range live {
		keys[inst.Key()] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.health {
		if _, ok := keys[key]; !ok {
			delete(r.health, key)
		}
	}
	cutoff := time.Now().UTC().Add(-evictionRetention * r.cfg.HealthCheckInterval)
	for key, at := range r.evicted {
		if at.Before(cutoff) {
			delete(r.evicted, key)
		}
	}
}

func (r *Registry) checkInstance(ctx context.Context, inst *model.ServiceInstance) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.HealthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.HealthCheckURL(), nil)
	if err != nil {
		return err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("健康检查返回状态码 %d", resp.StatusCode)
	}
	return nil
}

// applyResult 更新健康状态，只在状态变化时触发事件，失败达到阈值后注销
func (r *Registry) applyResult(ctx context.Context, res checkResult) {
	inst := res.instance
	key := inst.Key()

	r.mu.Lock()
	snapshot := inst.Clone()
	r.overlayLocked(snapshot)
	oldStatus := snapshot.Status
	if res.err == nil {
		snapshot.MarkHealthy(res.at)
	} else {
		snapshot.MarkUnhealthy(res.at)
	}
	r.health[key] = &healthState{
		status:    snapshot.Status,
		failures:  snapshot.ConsecutiveFailures,
		lastCheck: res.at,
	}
	r.mu.Unlock()

	newStatus := snapshot.Status
	failures := snapshot.ConsecutiveFailures

	if res.err != nil {
		r.logger.Warn("健康检查失败",
			zap.String("service", inst.ServiceName),
			zap.String("id", inst.InstanceID),
			zap.Int("failures", failures),
			zap.Error(res.err))
	}

	if oldStatus != newStatus {
		r.logger.Info("服务健康状态变化",
			zap.String("service", inst.ServiceName),
			zap.String("id", inst.InstanceID),
			zap.String("from", string(oldStatus)),
			zap.String("to", string(newStatus)))

		r.emit(ctx, Event{
			Kind:      EventServiceHealthChanged,
			Instance:  snapshot,
			OldStatus: oldStatus,
			NewStatus: newStatus,
		})
	}

	if res.err != nil && failures >= r.cfg.MaxConsecutiveFailures {
		// 先记下注销，客户端之后重新注册时保持unhealthy
		r.mu.Lock()
		r.evicted[key] = res.at
		r.mu.Unlock()

		if !r.deregister(ctx, inst.ServiceName, inst.InstanceID,
			fmt.Sprintf("连续%d次健康检查失败", failures)) {
			r.mu.Lock()
			delete(r.evicted, key)
			r.mu.Unlock()
		}
	}
}
